package core

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrConfiguration reports a missing or invalid setting (timestamp path,
	// bootstrap description, page size).
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound reports a referenced bucket or stream that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExtraction reports that no timestamp could be derived from a member.
	ErrExtraction = errors.New("timestamp extraction failed")

	// ErrInvalidWindow reports a window missing the bound a relation needs.
	ErrInvalidWindow = errors.New("invalid window")

	// ErrDuplicate reports an insert of a bucket that already exists.
	ErrDuplicate = errors.New("bucket already exists")

	// ErrOutOfOrder reports a split instant before the start of the bucket
	// being closed.
	ErrOutOfOrder = errors.New("member out of order")

	// ErrBoundaryCollision reports a split instant equal to the start of the
	// bucket being closed: the new bucket would share its identifier.
	ErrBoundaryCollision = errors.New("split boundary collides with current bucket")

	// ErrAlreadyInitialized reports that a stream was bootstrapped before.
	ErrAlreadyInitialized = errors.New("stream already initialized")
)

// StoreError wraps a backing-store failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err unless it is nil or already a domain error
// (ErrNotFound, ErrDuplicate) that callers match on directly.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}
