package matching

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// MaxImageSide bounds the width and height accepted by Validate. Larger images
// are rejected from the header alone, before any pixel data is allocated.
const MaxImageSide = 8192

// ErrInvalidImage marks a buffer that could not be decoded into a usable image.
var ErrInvalidImage = errors.New("invalid image")

// DecodedImage is a validated image together with the bytes it was decoded from.
type DecodedImage struct {
	Image  image.Image
	Format string
	Raw    []byte
}

// Width returns the pixel width of the image.
func (d *DecodedImage) Width() int { return d.Image.Bounds().Dx() }

// Height returns the pixel height of the image.
func (d *DecodedImage) Height() int { return d.Image.Bounds().Dy() }

// Validate decodes buf and checks that it holds a non-empty still image of a
// supported encoding. Malformed input yields an error wrapping ErrInvalidImage;
// it never panics.
func Validate(buf []byte) (img *DecodedImage, err error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrInvalidImage)
	}

	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = fmt.Errorf("%w: decoder panic: %v", ErrInvalidImage, r)
		}
	}()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty dimensions %dx%d", ErrInvalidImage, cfg.Width, cfg.Height)
	}
	if cfg.Width > MaxImageSide || cfg.Height > MaxImageSide {
		return nil, fmt.Errorf("%w: dimensions %dx%d exceed %d", ErrInvalidImage, cfg.Width, cfg.Height, MaxImageSide)
	}

	decoded, format, err := image.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if decoded.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty bounds", ErrInvalidImage)
	}

	return &DecodedImage{Image: decoded, Format: format, Raw: buf}, nil
}
