package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-match/internal/auth"
	"github.com/example/face-match/internal/logging"
	"github.com/example/face-match/internal/matching"
	"github.com/example/face-match/internal/repository"
	"github.com/example/face-match/internal/usecase"
)

// MaxUploadSize is the default limit for a single uploaded photograph.
const MaxUploadSize = 10 << 20

// formOverhead is the allowance for multipart framing and text fields on top
// of the image limit.
const formOverhead = 1 << 20

// SearchService runs photo searches.
type SearchService interface {
	Search(ctx context.Context, operator string, imageBytes []byte, o usecase.Overrides) (*usecase.SearchOutcome, error)
	GetResult(ctx context.Context, operator, requestID string) (*usecase.SearchOutcome, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// IdentityStore manages the enrolled gallery.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, identity *repository.Identity) error
	FindIdentity(ctx context.Context, id uint) (*repository.Identity, error)
	SearchIdentities(ctx context.Context, term string) ([]repository.Identity, error)
	ListIdentities(ctx context.Context) ([]repository.Identity, error)
	UpdateIdentity(ctx context.Context, identity *repository.Identity) error
	DeleteIdentity(ctx context.Context, id uint) error
	AddReferenceImage(ctx context.Context, identityID uint, image []byte) (*repository.ReferenceImage, error)
	ReplaceReferenceImage(ctx context.Context, identityID, imageID uint, image []byte) (*repository.ReferenceImage, error)
	DeleteReferenceImage(ctx context.Context, identityID, imageID uint) error
	ListCrimeTypes(ctx context.Context) ([]repository.CrimeType, error)
	EnsureCrimeType(ctx context.Context, name string) error
}

// Options tunes the registered routes. MaxUploadBytes limits each uploaded
// image and defaults to MaxUploadSize. Metrics, when set, is served
// unauthenticated at /metrics.
type Options struct {
	MaxUploadBytes int64
	Metrics        http.Handler
	Logger         *zap.Logger
}

type api struct {
	searches   SearchService
	identities IdentityStore
	maxUpload  int64
	logger     *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, searches SearchService, identities IdentityStore, authMiddleware gin.HandlerFunc, opts Options) {
	a := &api{
		searches:   searches,
		identities: identities,
		maxUpload:  opts.MaxUploadBytes,
		logger:     opts.Logger,
	}
	if a.maxUpload <= 0 {
		a.maxUpload = MaxUploadSize
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	secured := router.Group("/", authMiddleware)
	secured.POST("/search", a.search)
	secured.GET("/search/:id", a.getResult)
	secured.GET("/metrics/summary", a.metricsSummary)
	secured.GET("/identities", a.listIdentities)
	secured.GET("/identities/:id", a.getIdentity)
	secured.GET("/crime-types", a.listCrimeTypes)

	enroll := secured.Group("/", auth.RequireRole(auth.RoleEnroll))
	enroll.POST("/identities", a.createIdentity)
	enroll.PUT("/identities/:id", a.updateIdentity)
	enroll.DELETE("/identities/:id", a.deleteIdentity)
	enroll.POST("/identities/:id/images", a.addImage)
	enroll.PUT("/identities/:id/images/:imageID", a.replaceImage)
	enroll.DELETE("/identities/:id/images/:imageID", a.deleteImage)
}

func (a *api) search(c *gin.Context) {
	operator, ok := auth.GetOperator(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	data, ok := a.uploadedImage(c)
	if !ok {
		return
	}

	overrides, err := parseOverrides(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := a.searches.Search(c.Request.Context(), operator, data, overrides)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func parseOverrides(c *gin.Context) (usecase.Overrides, error) {
	var o usecase.Overrides
	if raw := strings.TrimSpace(c.PostForm("threshold")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return o, fmt.Errorf("threshold must be a number")
		}
		o.Threshold = &v
	}
	if raw := strings.TrimSpace(c.PostForm("top_k")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return o, fmt.Errorf("top_k must be an integer")
		}
		o.TopK = &v
	}
	o.Model = strings.TrimSpace(c.PostForm("model"))
	return o, nil
}

func (a *api) getResult(c *gin.Context) {
	operator, ok := auth.GetOperator(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	outcome, err := a.searches.GetResult(c.Request.Context(), operator, c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (a *api) metricsSummary(c *gin.Context) {
	summary, err := a.searches.GetMetricsSummary(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type identityResponse struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	FirstName   string    `json:"first_name,omitempty"`
	Alias       string    `json:"alias,omitempty"`
	Crime       string    `json:"crime,omitempty"`
	Description string    `json:"description,omitempty"`
	Implication string    `json:"implication,omitempty"`
	Nationality string    `json:"nationality,omitempty"`
	Age         *int      `json:"age,omitempty"`
	BirthDate   string    `json:"birth_date,omitempty"`
	BirthPlace  string    `json:"birth_place,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Address     string    `json:"address,omitempty"`
	ArrestDate  string    `json:"arrest_date,omitempty"`
	ImageIDs    []uint    `json:"image_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

// dateLayout is the calendar date format of birth_date and arrest_date.
const dateLayout = "2006-01-02"

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}

func toIdentityResponse(i *repository.Identity) identityResponse {
	ids := make([]uint, 0, len(i.Images))
	for _, img := range i.Images {
		ids = append(ids, img.ID)
	}
	return identityResponse{
		ID:          i.ID,
		Name:        i.Name,
		FirstName:   i.FirstName,
		Alias:       i.Alias,
		Crime:       i.Crime,
		Description: i.Description,
		Implication: i.Implication,
		Nationality: i.Nationality,
		Age:         i.Age,
		BirthDate:   formatDate(i.BirthDate),
		BirthPlace:  i.BirthPlace,
		Phone:       i.Phone,
		Address:     i.Address,
		ArrestDate:  formatDate(i.ArrestDate),
		ImageIDs:    ids,
		CreatedAt:   i.CreatedAt,
	}
}

func (a *api) createIdentity(c *gin.Context) {
	if !a.limitBody(c) {
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		a.formError(c, err, "multipart form is required")
		return
	}

	identity, err := parseIdentityForm(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, file := range form.File["images"] {
		data, ok := a.readImage(c, file)
		if !ok {
			return
		}
		identity.Images = append(identity.Images, repository.ReferenceImage{Image: data})
	}

	ctx := c.Request.Context()
	if err := a.identities.CreateIdentity(ctx, identity); err != nil {
		var imgErr *repository.ImageError
		if errors.As(err, &imgErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "image is not a decodable photograph", "index": imgErr.Index})
			return
		}
		a.writeError(c, err)
		return
	}
	if err := a.identities.EnsureCrimeType(ctx, identity.Crime); err != nil {
		a.logger.Warn("failed to record crime type", logging.ErrorFields(err)...)
	}

	c.JSON(http.StatusCreated, toIdentityResponse(identity))
}

// parseIdentityForm reads the descriptive identity fields from a urlencoded or
// multipart form.
func parseIdentityForm(c *gin.Context) (*repository.Identity, error) {
	field := func(name string) string { return strings.TrimSpace(c.PostForm(name)) }

	identity := &repository.Identity{
		Name:        field("name"),
		FirstName:   field("first_name"),
		Alias:       field("alias"),
		Crime:       field("crime"),
		Description: field("description"),
		Implication: field("implication"),
		Nationality: field("nationality"),
		BirthPlace:  field("birth_place"),
		Phone:       field("phone"),
		Address:     field("address"),
	}
	if identity.Name == "" {
		return nil, errors.New("name is required")
	}

	if raw := field("age"); raw != "" {
		age, err := strconv.Atoi(raw)
		if err != nil || age < 0 {
			return nil, errors.New("age must be a non-negative integer")
		}
		identity.Age = &age
	}
	for _, d := range []struct {
		name string
		dst  **time.Time
	}{
		{"birth_date", &identity.BirthDate},
		{"arrest_date", &identity.ArrestDate},
	} {
		raw := field(d.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be a date formatted as %s", d.name, dateLayout)
		}
		*d.dst = &t
	}
	return identity, nil
}

func (a *api) updateIdentity(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if !a.limitBody(c) {
		return
	}
	identity, err := parseIdentityForm(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	identity.ID = id

	ctx := c.Request.Context()
	if err := a.identities.UpdateIdentity(ctx, identity); err != nil {
		a.writeError(c, err)
		return
	}
	if err := a.identities.EnsureCrimeType(ctx, identity.Crime); err != nil {
		a.logger.Warn("failed to record crime type", logging.ErrorFields(err)...)
	}

	updated, err := a.identities.FindIdentity(ctx, id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toIdentityResponse(updated))
}

func (a *api) deleteIdentity(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := a.identities.DeleteIdentity(c.Request.Context(), id); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listIdentities browses the gallery, or searches it when q is given.
func (a *api) listIdentities(c *gin.Context) {
	var (
		identities []repository.Identity
		err        error
	)
	if term := strings.TrimSpace(c.Query("q")); term != "" {
		identities, err = a.identities.SearchIdentities(c.Request.Context(), term)
	} else {
		identities, err = a.identities.ListIdentities(c.Request.Context())
	}
	if err != nil {
		a.writeError(c, err)
		return
	}
	resp := make([]identityResponse, 0, len(identities))
	for i := range identities {
		resp = append(resp, toIdentityResponse(&identities[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (a *api) getIdentity(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	identity, err := a.identities.FindIdentity(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toIdentityResponse(identity))
}

func (a *api) addImage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	data, ok := a.uploadedImage(c)
	if !ok {
		return
	}

	ref, err := a.identities.AddReferenceImage(c.Request.Context(), id, data)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": ref.ID, "identity_id": ref.CriminalID})
}

func (a *api) replaceImage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	imageID, ok := parseID(c, "imageID")
	if !ok {
		return
	}
	data, ok := a.uploadedImage(c)
	if !ok {
		return
	}

	ref, err := a.identities.ReplaceReferenceImage(c.Request.Context(), id, imageID, data)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": ref.ID, "identity_id": ref.CriminalID})
}

// uploadedImage reads the single "image" file of a multipart request.
func (a *api) uploadedImage(c *gin.Context) ([]byte, bool) {
	if !a.limitBody(c) {
		return nil, false
	}
	file, err := c.FormFile("image")
	if err != nil {
		a.formError(c, err, "image file is required")
		return nil, false
	}
	return a.readImage(c, file)
}

func (a *api) deleteImage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	imageID, ok := parseID(c, "imageID")
	if !ok {
		return
	}
	if err := a.identities.DeleteReferenceImage(c.Request.Context(), id, imageID); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) listCrimeTypes(c *gin.Context) {
	types, err := a.identities.ListCrimeTypes(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.Name)
	}
	c.JSON(http.StatusOK, names)
}

func parseID(c *gin.Context, param string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(param), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": param + " must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}

// limitBody caps the request body and rejects declared oversize bodies early.
func (a *api) limitBody(c *gin.Context) bool {
	limit := a.maxUpload + formOverhead
	if c.Request.ContentLength > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	return true
}

func (a *api) formError(c *gin.Context, err error, message string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}

// readImage enforces the per-image limit and content type, then reads file.
func (a *api) readImage(c *gin.Context, file *multipart.FileHeader) ([]byte, bool) {
	if file.Size > a.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", a.maxUpload)})
		return nil, false
	}
	if ct := file.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") && ct != "application/octet-stream" {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type " + ct})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}
	return data, true
}

func (a *api) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, matching.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, matching.ErrInvalidQueryImage), errors.Is(err, matching.ErrInvalidImage):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "image is not a decodable photograph"})
	case errors.Is(err, usecase.ErrSearchInProgress):
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	case errors.Is(err, usecase.ErrResultNotFound), errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	default:
		a.logger.Error("request failed", append(logging.ErrorFields(err), zap.String("path", c.FullPath()))...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
