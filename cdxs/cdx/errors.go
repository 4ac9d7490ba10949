package cdx

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable is returned by NewSource when the configured
	// index driver is not linked into the binary.
	ErrBackendUnavailable = errors.New("index backend unavailable")
	// ErrConsumed is yielded when a Load sequence is iterated a second time.
	ErrConsumed = errors.New("cdx sequence already consumed")

	ErrInvalidLimit = errors.New("limit must not be negative")
)

// DecodeError reports a query bound that is not valid UTF-8.
type DecodeError struct {
	Field string
	Value []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cdx query %s is not valid UTF-8: %q", e.Field, e.Value)
}

// LineError reports a record that could not be projected into a CDX line.
type LineError struct {
	CanonSurt string
	Err       error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("failed to format cdx line for %q: %v", e.CanonSurt, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}
