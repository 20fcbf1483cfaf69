package matching

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	valid := encodePNG(t, 10)

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, image.NewGray(image.Rect(0, 0, 8, 8)), nil))

	var wide bytes.Buffer
	require.NoError(t, png.Encode(&wide, image.NewGray(image.Rect(0, 0, MaxImageSide+1, 1))))

	tests := []struct {
		name    string
		buf     []byte
		format  string
		wantErr bool
	}{
		{name: "png", buf: valid, format: "png"},
		{name: "jpeg", buf: jpg.Bytes(), format: "jpeg"},
		{name: "nil buffer", buf: nil, wantErr: true},
		{name: "garbage", buf: []byte("definitely not an image"), wantErr: true},
		{name: "truncated png", buf: valid[:len(valid)/2], wantErr: true},
		{name: "too wide", buf: wide.Bytes(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Validate(tt.buf)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidImage)
				assert.Nil(t, img)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.format, img.Format)
			assert.Equal(t, tt.buf, img.Raw)
			assert.Positive(t, img.Width())
			assert.Positive(t, img.Height())
		})
	}
}
