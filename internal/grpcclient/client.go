// Package grpcclient talks to the remote face comparison service.
//
// The service exposes one unary method, facematch.v1.FaceComparator/Compare,
// whose request and response are google.protobuf.Struct values:
//
//	request:  {"model": string, "query_image": base64, "reference_image": base64}
//	response: {"distance": number} or {"error": string}
package grpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-match/internal/logging"
	"github.com/example/face-match/internal/matching"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "facematch.v1.FaceComparator"
	// CompareMethod is the full method path of the comparison RPC.
	CompareMethod = "/" + ServiceName + "/Compare"

	maxMessageSize = 64 << 20
)

// ErrMalformedResponse is returned when the service reply lacks a distance.
var ErrMalformedResponse = errors.New("malformed comparator response")

// DialComparator connects to the comparison service at addr.
func DialComparator(ctx context.Context, addr string, logger *zap.Logger) (*RemoteComparator, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxMessageSize), grpc.MaxCallRecvMsgSize(maxMessageSize)),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_comparator", "", err)
		logger.Error("failed to dial comparator", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemoteComparator(conn, logger), conn, nil
}

// RemoteComparator implements matching.Comparator over gRPC.
type RemoteComparator struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewRemoteComparator wraps an existing connection.
func NewRemoteComparator(conn grpc.ClientConnInterface, logger *zap.Logger) *RemoteComparator {
	return &RemoteComparator{conn: conn, logger: logger.Named("grpc_comparator")}
}

// Compare sends both images to the service and returns its distance.
func (c *RemoteComparator) Compare(ctx context.Context, query, reference *matching.DecodedImage, model string) (float64, error) {
	queryBytes, err := encodedBytes(query)
	if err != nil {
		return 0, logging.NewOperationError("grpcclient.encode_query", "", err)
	}
	referenceBytes, err := encodedBytes(reference)
	if err != nil {
		return 0, logging.NewOperationError("grpcclient.encode_reference", "", err)
	}

	req, err := structpb.NewStruct(map[string]any{
		"model":           model,
		"query_image":     base64.StdEncoding.EncodeToString(queryBytes),
		"reference_image": base64.StdEncoding.EncodeToString(referenceBytes),
	})
	if err != nil {
		return 0, logging.NewOperationError("grpcclient.build_request", "", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, CompareMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.compare", "", err)
		c.logger.Warn("comparator call failed", zap.Error(wrapped), zap.String("model", model))
		return 0, wrapped
	}

	return parseResponse(resp)
}

func parseResponse(resp *structpb.Struct) (float64, error) {
	fields := resp.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return 0, fmt.Errorf("comparator: %s", msg)
	}
	v, ok := fields["distance"]
	if !ok {
		return 0, ErrMalformedResponse
	}
	if _, isNumber := v.GetKind().(*structpb.Value_NumberValue); !isNumber {
		return 0, fmt.Errorf("%w: distance is not a number", ErrMalformedResponse)
	}
	return v.GetNumberValue(), nil
}

// encodedBytes returns the original upload when available and a PNG
// re-encoding otherwise.
func encodedBytes(img *matching.DecodedImage) ([]byte, error) {
	if img == nil || img.Image == nil {
		return nil, errors.New("nil image")
	}
	if len(img.Raw) > 0 {
		return img.Raw, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.Image); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
