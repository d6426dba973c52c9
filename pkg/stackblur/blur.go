// Package stackblur implements a two-pass box ("stack") blur over packed
// ARGB pixel buffers.
//
// The blur is separable: a horizontal pass slides a window of 2*radius+1
// pixels along every row, then a vertical pass does the same down every
// column of the horizontal output. Running per-channel sums make the cost
// per pixel independent of the radius. Samples outside the buffer replicate
// the nearest edge pixel.
package stackblur

const (
	// MinRadius is the smallest accepted blur radius.
	MinRadius = 1
	// MaxRadius is the largest accepted blur radius. It bounds the divisor
	// table at 256*(2*MaxRadius+1) entries.
	MaxRadius = 254
)

// Blur returns a blurred copy of pixels, a row-major buffer of width*height
// packed 0xAARRGGBB values. The input slice is not modified.
//
// Blur fails with ErrInvalidArgument when radius is outside
// [MinRadius, MaxRadius] and with ErrDimensionMismatch when the buffer does
// not hold exactly width*height pixels. Both checks run before any pixel is
// touched.
func Blur(pixels []uint32, width, height, radius int) ([]uint32, error) {
	if err := validate(pixels, width, height, radius); err != nil {
		return nil, err
	}

	out := make([]uint32, len(pixels))
	copy(out, pixels)

	blurHorizontal(out, width, height, radius)
	blurVertical(out, width, height, radius)

	return out, nil
}

func validate(pixels []uint32, width, height, radius int) error {
	if radius < MinRadius || radius > MaxRadius {
		return invalidRadius(radius)
	}
	if width <= 0 || height <= 0 {
		return badDimensions(len(pixels), width, height)
	}
	if len(pixels) != width*height {
		return badDimensions(len(pixels), width, height)
	}
	return nil
}

// divisorTable maps every reachable channel sum to its window mean.
// Entry i holds i/(2*radius+1), truncated.
func divisorTable(radius int) []uint8 {
	div := 2*radius + 1
	dv := make([]uint8, 256*div)
	for i := range dv {
		dv[i] = uint8(i / div)
	}
	return dv
}

// blurHorizontal runs the sliding window along each row. Each row's
// outputs are collected before being written back, so every read in the
// row sees the values the pass started with.
func blurHorizontal(pixels []uint32, width, height, radius int) {
	dv := divisorTable(radius)

	a := make([]uint8, width)
	r := make([]uint8, width)
	g := make([]uint8, width)
	b := make([]uint8, width)

	// Entering and leaving columns do not depend on the row.
	enter := make([]int, width)
	leave := make([]int, width)

	yi := 0
	for y := 0; y < height; y++ {
		var aSum, rSum, gSum, bSum int

		for i := -radius; i <= radius; i++ {
			p := pixels[yi+clamp(i, 0, width-1)]
			aSum += int(p >> 24)
			rSum += int(p >> 16 & 0xff)
			gSum += int(p >> 8 & 0xff)
			bSum += int(p & 0xff)
		}

		for x := 0; x < width; x++ {
			a[x] = dv[aSum]
			r[x] = dv[rSum]
			g[x] = dv[gSum]
			b[x] = dv[bSum]

			if y == 0 {
				enter[x] = min(x+radius+1, width-1)
				leave[x] = max(x-radius, 0)
			}

			p1 := pixels[yi+enter[x]]
			p2 := pixels[yi+leave[x]]

			aSum += int(p1>>24) - int(p2>>24)
			rSum += int(p1>>16&0xff) - int(p2>>16&0xff)
			gSum += int(p1>>8&0xff) - int(p2>>8&0xff)
			bSum += int(p1&0xff) - int(p2&0xff)
		}

		for x := 0; x < width; x++ {
			pixels[yi+x] = Pack(a[x], r[x], g[x], b[x])
		}

		yi += width
	}
}

// blurVertical is the column-wise analogue of blurHorizontal. Its boundary
// tables hold row offsets already scaled by width.
func blurVertical(pixels []uint32, width, height, radius int) {
	dv := divisorTable(radius)

	a := make([]uint8, height)
	r := make([]uint8, height)
	g := make([]uint8, height)
	b := make([]uint8, height)

	enter := make([]int, height)
	leave := make([]int, height)

	for x := 0; x < width; x++ {
		var aSum, rSum, gSum, bSum int

		for i := -radius; i <= radius; i++ {
			p := pixels[clamp(i, 0, height-1)*width+x]
			aSum += int(p >> 24)
			rSum += int(p >> 16 & 0xff)
			gSum += int(p >> 8 & 0xff)
			bSum += int(p & 0xff)
		}

		for y := 0; y < height; y++ {
			a[y] = dv[aSum]
			r[y] = dv[rSum]
			g[y] = dv[gSum]
			b[y] = dv[bSum]

			if x == 0 {
				enter[y] = min(y+radius+1, height-1) * width
				leave[y] = max(y-radius, 0) * width
			}

			p1 := pixels[x+enter[y]]
			p2 := pixels[x+leave[y]]

			aSum += int(p1>>24) - int(p2>>24)
			rSum += int(p1>>16&0xff) - int(p2>>16&0xff)
			gSum += int(p1>>8&0xff) - int(p2>>8&0xff)
			bSum += int(p1&0xff) - int(p2&0xff)
		}

		yi := x
		for y := 0; y < height; y++ {
			pixels[yi] = Pack(a[y], r[y], g[y], b[y])
			yi += width
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
