// Package imageio loads, downsizes and saves the images handed to the blur
// engine.
package imageio

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "golang.org/x/image/bmp" // register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// DefaultMaxDimension caps the longer side of loaded images. Blur cost
// grows with the pixel count, so large photos are scaled down first.
const DefaultMaxDimension = 1024

const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

const jpegQuality = 90

var ErrUnsupportedFormat = errors.New("unsupported output format")

var inputExts = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tif", ".tiff", ".gif"}

// Decode reads an image and scales it down to fit maxDim x maxDim,
// keeping the aspect ratio. maxDim <= 0 disables scaling.
func Decode(r io.Reader, maxDim int) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return Fit(img, maxDim), nil
}

// Load opens and decodes the file at path. See Decode.
func Load(path string, maxDim int) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Decode(f, maxDim)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Fit returns img scaled down with Catmull-Rom so its longer side is at
// most maxDim. Images that already fit are returned as is.
func Fit(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		return img
	}

	bounds := img.Bounds()
	newW, newH := fitDimensions(bounds.Dx(), bounds.Dy(), maxDim, maxDim)
	if newW == bounds.Dx() && newH == bounds.Dy() {
		return img
	}

	dst := image.NewNRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}

func fitDimensions(origW, origH, maxW, maxH int) (int, int) {
	if origW <= maxW && origH <= maxH {
		return origW, origH
	}

	ratio := math.Min(float64(maxW)/float64(origW), float64(maxH)/float64(origH))

	newW := max(1, int(math.Round(float64(origW)*ratio)))
	newH := max(1, int(math.Round(float64(origH)*ratio)))
	return newW, newH
}

// FormatFor picks the output format from a file extension.
func FormatFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return FormatPNG, nil
	case ".jpg", ".jpeg":
		return FormatJPEG, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
}

// Encode writes img to w in format.
func Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case FormatPNG:
		if err := png.Encode(w, img); err != nil {
			return fmt.Errorf("encoding png: %w", err)
		}
	case FormatJPEG:
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return fmt.Errorf("encoding jpeg: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

// Save encodes img to path, choosing the format from the extension. The
// file is written under a temporary name and renamed into place.
func Save(path string, img image.Image) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".stackblur-*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, img, format); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FindImages lists decodable images directly inside dir, skipping files
// that are themselves blur outputs.
func FindImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !slices.Contains(inputExts, strings.ToLower(filepath.Ext(name))) {
			continue
		}
		if strings.Contains(name, "_blurred") {
			continue
		}
		images = append(images, filepath.Join(dir, name))
	}
	return images, nil
}

// OutputPath names the blurred counterpart of inputPath inside outputDir.
// PNG and JPEG inputs keep their format; everything else becomes PNG.
func OutputPath(outputDir, inputPath string) string {
	base := filepath.Base(inputPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	outExt := ".png"
	if _, err := FormatFor(base); err == nil {
		outExt = strings.ToLower(ext)
	}
	return filepath.Join(outputDir, stem+"_blurred"+outExt)
}
