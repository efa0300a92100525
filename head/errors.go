package head

import "github.com/pkg/errors"

var (
	// ErrInvalidConfig is returned by New when the head cannot be built from its
	// configuration.
	ErrInvalidConfig = errors.New("invalid head configuration")
	// ErrShapeMismatch is returned when a tensor passed to the head does not
	// have the layout the head was configured for.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrClassOutOfRange is returned when a ground-truth class index is not an
	// integer in [0, classes).
	ErrClassOutOfRange = errors.New("class index out of range")
)
