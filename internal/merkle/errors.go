package merkle

import "errors"

var (
	// ErrEmptyInput is returned when Build/BuildFromHashes/BuildFromRawHashes
	// is called with zero leaves. An empty tree is never constructed.
	ErrEmptyInput = errors.New("merkle: empty input")

	// ErrOutOfBounds is returned by Prove when the requested index is not
	// in [0, Size()).
	ErrOutOfBounds = errors.New("merkle: index out of bounds")
)
