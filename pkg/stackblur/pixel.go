package stackblur

import (
	"image"

	"golang.org/x/image/draw"
)

// Pack combines four 8-bit channels into one 0xAARRGGBB value.
func Pack(a, r, g, b uint8) uint32 {
	return uint32(a)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

// Unpack splits a 0xAARRGGBB value into its channels.
func Unpack(p uint32) (a, r, g, b uint8) {
	return uint8(p >> 24), uint8(p >> 16), uint8(p >> 8), uint8(p)
}

// FromImage converts img into a packed buffer with straight (non
// premultiplied) alpha. The returned buffer is independent of img.
func FromImage(img image.Image) (pixels []uint32, width, height int) {
	bounds := img.Bounds()
	width, height = bounds.Dx(), bounds.Dy()

	src, ok := img.(*image.NRGBA)
	if !ok {
		src = image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.Draw(src, src.Bounds(), img, bounds.Min, draw.Src)
	}

	pixels = make([]uint32, width*height)
	sb := src.Bounds()
	for y := 0; y < height; y++ {
		off := src.PixOffset(sb.Min.X, sb.Min.Y+y)
		row := src.Pix[off : off+width*4]
		for x := 0; x < width; x++ {
			i := x * 4
			pixels[y*width+x] = Pack(row[i+3], row[i], row[i+1], row[i+2])
		}
	}
	return pixels, width, height
}

// ToImage converts a packed buffer back into an *image.NRGBA anchored at
// the origin.
func ToImage(pixels []uint32, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 || len(pixels) != width*height {
		return nil, badDimensions(len(pixels), width, height)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, p := range pixels {
		a, r, g, b := Unpack(p)
		j := i * 4
		img.Pix[j] = r
		img.Pix[j+1] = g
		img.Pix[j+2] = b
		img.Pix[j+3] = a
	}
	return img, nil
}

// BlurImage converts img into a packed buffer, blurs it and returns the
// result as an image of the same size.
func BlurImage(img image.Image, radius int) (*image.NRGBA, error) {
	pixels, width, height := FromImage(img)
	out, err := Blur(pixels, width, height, radius)
	if err != nil {
		return nil, err
	}
	return ToImage(out, width, height)
}
