// Package preprocess turns uploaded image bytes into the float tensor the
// classifier expects.
package preprocess

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	// Register the WebP decoder; imaging already pulls in PNG, JPEG, GIF, BMP and TIFF.
	_ "golang.org/x/image/webp"
)

// Size is the square input resolution of the model.
const Size = 224

// Channels is the number of color channels per pixel (RGB).
const Channels = 3

// ErrDecode reports bytes that could not be decoded as an image.
var ErrDecode = errors.New("preprocess: cannot decode image")

// Tensor is a dense float32 tensor in NHWC layout.
type Tensor struct {
	Shape [4]int64
	Data  []float32
}

// InputShape is the only shape the model accepts: one RGB image of Size×Size.
var InputShape = [4]int64{1, Size, Size, Channels}

// ParseFilter maps a configuration name onto a resampling filter.
func ParseFilter(name string) (resize.InterpolationFunction, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nearest", "":
		return resize.NearestNeighbor, nil
	case "bilinear":
		return resize.Bilinear, nil
	case "bicubic":
		return resize.Bicubic, nil
	case "lanczos3":
		return resize.Lanczos3, nil
	default:
		return resize.NearestNeighbor, fmt.Errorf("preprocess: unknown resample filter %q", name)
	}
}

// DefaultMaxPixels caps the decoded canvas at the same limit Pillow uses for
// its decompression-bomb check.
const DefaultMaxPixels = 89_478_485

// Normalizer decodes, converts, resizes and scales images.
type Normalizer struct {
	filter    resize.InterpolationFunction
	maxPixels int64
}

// NormalizerOption customizes a Normalizer.
type NormalizerOption func(*Normalizer)

// WithMaxPixels rejects images whose declared width×height exceeds n before
// any pixel buffer is allocated. n <= 0 keeps the default.
func WithMaxPixels(n int64) NormalizerOption {
	return func(nz *Normalizer) {
		if n > 0 {
			nz.maxPixels = n
		}
	}
}

// NewNormalizer creates a Normalizer using the given resampling filter.
func NewNormalizer(filter resize.InterpolationFunction, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{filter: filter, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize produces a (1, 224, 224, 3) tensor with every value in [0, 1].
func (n *Normalizer) Normalize(data []byte) (Tensor, error) {
	// Decoders size their canvas from the header, so check it first.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Tensor{}, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > n.maxPixels {
		return Tensor{}, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrDecode, cfg.Width, cfg.Height, n.maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if img.Bounds().Empty() {
		return Tensor{}, fmt.Errorf("%w: empty image", ErrDecode)
	}

	rgb := toRGB(img)
	resized := asRGBA(resize.Resize(Size, Size, rgb, n.filter))

	out := make([]float32, Size*Size*Channels)
	b := resized.Bounds()
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			off := resized.PixOffset(b.Min.X+x, b.Min.Y+y)
			i := (y*Size + x) * Channels
			out[i] = float32(resized.Pix[off]) / 255.0
			out[i+1] = float32(resized.Pix[off+1]) / 255.0
			out[i+2] = float32(resized.Pix[off+2]) / 255.0
		}
	}

	return Tensor{Shape: InputShape, Data: out}, nil
}

// toRGB converts any color model to opaque 8-bit RGB. Alpha is discarded
// rather than composited, so transparent pixels keep their stored color.
func toRGB(img image.Image) *image.RGBA {
	src := imaging.Clone(img)
	dst := image.NewRGBA(src.Rect)
	for i := 0; i < len(src.Pix); i += 4 {
		dst.Pix[i] = src.Pix[i]
		dst.Pix[i+1] = src.Pix[i+1]
		dst.Pix[i+2] = src.Pix[i+2]
		dst.Pix[i+3] = 0xff
	}
	return dst
}

func asRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}

// DataURI inlines image bytes for HTML rendering. The media type is always
// sniffed from the data; anything that is not an image becomes
// application/octet-stream, which browsers will not render.
func DataURI(data []byte) string {
	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		ct = "application/octet-stream"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(data)
}
