package stackblur

import "image"

// DefaultRadius is the radius used by DefaultOptions.
const DefaultRadius = 10

// Options configures a blur call.
type Options struct {
	Radius int
}

// DefaultOptions returns Options with DefaultRadius.
func DefaultOptions() Options {
	return Options{Radius: DefaultRadius}
}

// Apply blurs pixels with o.Radius. See Blur.
func (o Options) Apply(pixels []uint32, width, height int) ([]uint32, error) {
	return Blur(pixels, width, height, o.Radius)
}

// ApplyImage blurs img with o.Radius. See BlurImage.
func (o Options) ApplyImage(img image.Image) (*image.NRGBA, error) {
	return BlurImage(img, o.Radius)
}
