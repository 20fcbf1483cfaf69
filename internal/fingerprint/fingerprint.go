// Package fingerprint compares images by 64-bit perceptual hashes. It serves
// the "phash" and "dhash" comparator models without any external service.
package fingerprint

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/bits"
	"sort"
	"sync"

	"golang.org/x/image/draw"

	"github.com/example/face-match/internal/matching"
)

// Model names served by Comparator.
const (
	ModelPHash = "phash"
	ModelDHash = "dhash"
)

const hashBits = 64

// PHash computes a 64-bit DCT perceptual hash.
func PHash(img image.Image) uint64 {
	gray := toGrayscale(resizeImage(img, 32, 32))
	dct := computeDCT(gray)

	// Top-left 8x8 low frequencies, DC term excluded, last slot padded.
	lowFreq := make([]float64, 0, hashBits)
	for u := 0; u < 8; u++ {
		for v := 0; v < 8; v++ {
			if u == 0 && v == 0 {
				continue
			}
			lowFreq = append(lowFreq, dct[u][v])
		}
	}
	lowFreq = append(lowFreq, dct[8][0])

	median := computeMedian(lowFreq)
	var hash uint64
	for i, v := range lowFreq {
		if v > median {
			hash |= 1 << (hashBits - 1 - i)
		}
	}
	return hash
}

// DHash computes a 64-bit horizontal difference hash.
func DHash(img image.Image) uint64 {
	gray := toGrayscale(resizeImage(img, 9, 8))

	var hash uint64
	bit := hashBits - 1
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if gray[x][y] > gray[x+1][y] {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash
}

// HammingDistance counts the differing bits of two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Distance normalises the Hamming distance of two hashes into [0,1].
func Distance(a, b uint64) float64 {
	return float64(HammingDistance(a, b)) / hashBits
}

// queryCacheSize bounds how many query hashes a Comparator remembers.
const queryCacheSize = 8

type queryKey struct {
	image *matching.DecodedImage
	model string
}

// Comparator implements matching.Comparator for the perceptual hash models.
// A query is compared against every reference of a gallery, so the hash of
// each recent query image is kept and reused. The zero value is ready to use.
type Comparator struct {
	mu      sync.Mutex
	queries map[queryKey]uint64
	order   []queryKey
}

// NewComparator returns an empty Comparator.
func NewComparator() *Comparator {
	return &Comparator{}
}

// Compare hashes both images with the requested model and returns the
// normalised Hamming distance.
func (c *Comparator) Compare(ctx context.Context, query, reference *matching.DecodedImage, model string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var hash func(image.Image) uint64
	switch model {
	case ModelPHash:
		hash = PHash
	case ModelDHash:
		hash = DHash
	default:
		return 0, fmt.Errorf("fingerprint: unsupported model %q", model)
	}
	return Distance(c.queryHash(query, model, hash), hash(reference.Image)), nil
}

func (c *Comparator) queryHash(query *matching.DecodedImage, model string, hash func(image.Image) uint64) uint64 {
	key := queryKey{image: query, model: model}

	c.mu.Lock()
	h, ok := c.queries[key]
	c.mu.Unlock()
	if ok {
		return h
	}

	h = hash(query.Image)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queries == nil {
		c.queries = make(map[queryKey]uint64, queryCacheSize)
	}
	if _, ok := c.queries[key]; ok {
		return h
	}
	if len(c.order) >= queryCacheSize {
		delete(c.queries, c.order[0])
		c.order = c.order[1:]
	}
	c.queries[key] = h
	c.order = append(c.order, key)
	return h
}

func resizeImage(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// toGrayscale returns BT.601 luma values indexed [x][y].
func toGrayscale(img *image.RGBA) [][]float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	gray := make([][]float64, width)
	for x := 0; x < width; x++ {
		gray[x] = make([]float64, height)
		for y := 0; y < height; y++ {
			r, g, b, _ := img.At(x, y).RGBA()
			gray[x][y] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}
	return gray
}

func computeDCT(gray [][]float64) [][]float64 {
	size := len(gray)
	cosTable := make([][]float64, size)
	for i := range cosTable {
		cosTable[i] = make([]float64, size)
		for j := 0; j < size; j++ {
			cosTable[i][j] = math.Cos(math.Pi * float64(i) * (2*float64(j) + 1) / (2 * float64(size)))
		}
	}

	dct := make([][]float64, size)
	for u := 0; u < size; u++ {
		dct[u] = make([]float64, size)
		for v := 0; v < size; v++ {
			var sum float64
			for x := 0; x < size; x++ {
				for y := 0; y < size; y++ {
					sum += gray[x][y] * cosTable[u][x] * cosTable[v][y]
				}
			}
			dct[u][v] = sum
		}
	}
	return dct
}

func computeMedian(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
