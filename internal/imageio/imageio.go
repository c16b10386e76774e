// Package imageio loads carrier images and writes stego images. Only
// lossless formats are written; anything else would destroy the LSB plane.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"

	"github.com/faanross/pixelvault/internal/carrier"
)

const (
	FORMAT_PNG = "png"
	FORMAT_BMP = "bmp"
)

var (
	// ErrLossyFormat is returned when asked to write a format whose encoder
	// does not preserve every sample exactly.
	ErrLossyFormat       = errors.New("lossy output format would destroy hidden data")
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

var lossy = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// FormatFromPath picks the output format from a file extension.
func FormatFromPath(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".png":
		return FORMAT_PNG, nil
	case ext == ".bmp":
		return FORMAT_BMP, nil
	case lossy[ext]:
		return "", fmt.Errorf("%s: %w", ext, ErrLossyFormat)
	}
	return "", fmt.Errorf("extension %q: %w", ext, ErrUnsupportedFormat)
}

// Decode reads a PNG, BMP, GIF or JPEG image and reports its format name.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Encode writes img to w in a lossless format.
func Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case FORMAT_PNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		return enc.Encode(w, img)
	case FORMAT_BMP:
		return bmp.Encode(w, img)
	case "jpeg", "gif":
		return fmt.Errorf("%s: %w", format, ErrLossyFormat)
	}
	return fmt.Errorf("%q: %w", format, ErrUnsupportedFormat)
}

// Load reads an image file.
func Load(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	img, format, err := Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return img, format, nil
}

// LoadCarrier reads an image file into a Carrier.
func LoadCarrier(path string) (*carrier.Carrier, string, error) {
	img, format, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	return carrier.FromImage(img), format, nil
}

// Save writes img to path in the format its extension names. Nothing is
// written for a lossy or unknown extension.
func Save(path string, img image.Image) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := Encode(&buf, img, format); err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
