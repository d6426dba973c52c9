package stackblur

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports a radius outside [MinRadius, MaxRadius].
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDimensionMismatch reports a buffer whose length is not
	// width*height, or a non-positive width or height.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// Error describes a rejected Blur call. Kind is one of the sentinel errors
// above, so callers can test it with errors.Is.
type Error struct {
	Kind   error
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("stackblur: %v: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func invalidRadius(radius int) error {
	return &Error{
		Kind:   ErrInvalidArgument,
		Detail: fmt.Sprintf("radius %d outside [%d, %d]", radius, MinRadius, MaxRadius),
	}
}

func badDimensions(n, width, height int) error {
	return &Error{
		Kind:   ErrDimensionMismatch,
		Detail: fmt.Sprintf("buffer of %d pixels for %dx%d image", n, width, height),
	}
}
