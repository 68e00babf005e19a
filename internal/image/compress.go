// Package image prepares uploaded reference images and writes generated
// images back out to disk.
package image

import (
	"bytes"
	"errors"
	"fmt"
	goimage "image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/manash/imgstudio/pkg/models"
)

const (
	MaxUploadBytes = 10 << 20
	MaxDimension   = 1536
	JPEGQuality    = 90
	// MaxPixels caps the decoded size; a small file can declare huge bounds.
	MaxPixels = 50_000_000
)

var (
	ErrFileTooLarge     = errors.New("image exceeds the 10 MB upload limit")
	ErrUnsupportedImage = errors.New("unsupported or corrupt image")
)

// EncodedUpload is a compressed image ready to attach to a request.
type EncodedUpload struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

type Compressor struct {
	MaxBytes     int64
	MaxDimension int
	Quality      int
}

func NewCompressor() *Compressor {
	return &Compressor{
		MaxBytes:     MaxUploadBytes,
		MaxDimension: MaxDimension,
		Quality:      JPEGQuality,
	}
}

func (c *Compressor) CompressFile(path string) (EncodedUpload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return EncodedUpload{}, err
	}
	if info.Size() > c.MaxBytes {
		return EncodedUpload{}, ErrFileTooLarge
	}

	f, err := os.Open(path)
	if err != nil {
		return EncodedUpload{}, err
	}
	defer f.Close()

	return c.Compress(f)
}

// Compress decodes r, fits it within MaxDimension, flattens any alpha onto
// white and re-encodes it as JPEG.
func (c *Compressor) Compress(r io.Reader) (EncodedUpload, error) {
	raw, err := io.ReadAll(io.LimitReader(r, c.MaxBytes+1))
	if err != nil {
		return EncodedUpload{}, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(raw)) > c.MaxBytes {
		return EncodedUpload{}, ErrFileTooLarge
	}

	cfg, _, err := goimage.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return EncodedUpload{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return EncodedUpload{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedImage, cfg.Width, cfg.Height, MaxPixels)
	}

	src, _, err := goimage.Decode(bytes.NewReader(raw))
	if err != nil {
		return EncodedUpload{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	w, h := fit(src.Bounds().Dx(), src.Bounds().Dy(), c.MaxDimension)
	dst := goimage.NewRGBA(goimage.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), goimage.NewUniform(color.White), goimage.Point{}, draw.Src)

	if w == src.Bounds().Dx() && h == src.Bounds().Dy() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: c.Quality}); err != nil {
		return EncodedUpload{}, fmt.Errorf("failed to encode image: %w", err)
	}

	return EncodedUpload{
		URL:   models.EncodeDataURL("image/jpeg", buf.Bytes()),
		Label: humanize.Bytes(uint64(buf.Len())),
	}, nil
}

// fit scales w x h down proportionally so neither side exceeds limit.
func fit(w, h, limit int) (int, int) {
	if limit <= 0 || (w <= limit && h <= limit) {
		return w, h
	}
	if w >= h {
		nh := h * limit / w
		if nh < 1 {
			nh = 1
		}
		return limit, nh
	}
	nw := w * limit / h
	if nw < 1 {
		nw = 1
	}
	return nw, limit
}
