// Package effects names common blur strengths and composes the stackblur
// engine into multi-pass effects.
package effects

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go-stackblur/pkg/stackblur"
)

// Preset radii.
const (
	LightRadius  = 5
	MediumRadius = 15
	HeavyRadius  = 25

	// BaseRadius is the radius of the first progressive step. Step i uses
	// BaseRadius*i.
	BaseRadius = 5
	// DefaultSteps is the number of progressive steps when none is given.
	DefaultSteps = 3
)

// Effect names a blur effect.
type Effect string

const (
	Custom      Effect = "custom"
	Light       Effect = "light"
	Medium      Effect = "medium"
	Heavy       Effect = "heavy"
	Progressive Effect = "progressive"
)

// ErrUnknownEffect is returned by ParseEffect and Plan for names outside
// Effects().
var ErrUnknownEffect = errors.New("unknown effect")

// Effects lists every effect in display order.
func Effects() []Effect {
	return []Effect{Custom, Light, Medium, Heavy, Progressive}
}

// ParseEffect resolves a case-insensitive effect name.
func ParseEffect(s string) (Effect, error) {
	e := Effect(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Effects(), e) {
		return "", fmt.Errorf("%w: %q", ErrUnknownEffect, s)
	}
	return e, nil
}

// LightBlur blurs with LightRadius.
func LightBlur(pixels []uint32, width, height int) ([]uint32, error) {
	return stackblur.Blur(pixels, width, height, LightRadius)
}

// MediumBlur blurs with MediumRadius.
func MediumBlur(pixels []uint32, width, height int) ([]uint32, error) {
	return stackblur.Blur(pixels, width, height, MediumRadius)
}

// HeavyBlur blurs with HeavyRadius.
func HeavyBlur(pixels []uint32, width, height int) ([]uint32, error) {
	return stackblur.Blur(pixels, width, height, HeavyRadius)
}

// ProgressiveBlur blurs steps times with radii BaseRadius, 2*BaseRadius, ...
// Each step blurs the previous step's output. With steps < 1 it returns an
// unmodified copy of pixels.
func ProgressiveBlur(pixels []uint32, width, height, steps int) ([]uint32, error) {
	return ApplyPlan(pixels, width, height, ProgressivePlan(steps))
}

// ProgressivePlan returns the radii ProgressiveBlur applies.
func ProgressivePlan(steps int) []int {
	plan := make([]int, 0, max(steps, 0))
	for i := 1; i <= steps; i++ {
		plan = append(plan, BaseRadius*i)
	}
	return plan
}

// Plan returns the radii applied by effect e. radius is used by Custom and
// steps by Progressive; both are ignored otherwise.
func Plan(e Effect, radius, steps int) ([]int, error) {
	switch e {
	case Custom:
		return []int{radius}, nil
	case Light:
		return []int{LightRadius}, nil
	case Medium:
		return []int{MediumRadius}, nil
	case Heavy:
		return []int{HeavyRadius}, nil
	case Progressive:
		return ProgressivePlan(steps), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEffect, string(e))
}

// ValidatePlan reports the first radius outside the engine's range.
func ValidatePlan(plan []int) error {
	for i, r := range plan {
		if r < stackblur.MinRadius || r > stackblur.MaxRadius {
			return &stackblur.Error{
				Kind:   stackblur.ErrInvalidArgument,
				Detail: fmt.Sprintf("step %d radius %d outside [%d, %d]", i+1, r, stackblur.MinRadius, stackblur.MaxRadius),
			}
		}
	}
	return nil
}

// ApplyPlan blurs pixels once per radius in plan, feeding each output into
// the next blur. The whole plan is validated before the first pass.
func ApplyPlan(pixels []uint32, width, height int, plan []int) ([]uint32, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		if width <= 0 || height <= 0 || len(pixels) != width*height {
			return nil, &stackblur.Error{
				Kind:   stackblur.ErrDimensionMismatch,
				Detail: fmt.Sprintf("buffer of %d pixels for %dx%d image", len(pixels), width, height),
			}
		}
		return slices.Clone(pixels), nil
	}

	out := pixels
	for _, r := range plan {
		var err error
		out, err = stackblur.Blur(out, width, height, r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Padding is the overlap a tile needs so that applying plan to the padded
// tile reproduces the whole-image result inside the tile.
func Padding(plan []int) int {
	total := 0
	for _, r := range plan {
		total += r
	}
	return total
}
