package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedProtocol is returned when an LFN is handed to a resolver
	// serving a different protocol.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	// ErrMalformedPFN is returned when a PFN does not match the resolver's layout.
	ErrMalformedPFN = errors.New("malformed pfn")
	// ErrStorageWriteFailed marks every failed save.
	ErrStorageWriteFailed = errors.New("storage write failed")
)

// WriteError carries the target PFN and the backend failure.
// It matches both ErrStorageWriteFailed and the wrapped error.
type WriteError struct {
	PFN string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage write failed for %s: %v", e.PFN, e.Err)
}

func (e *WriteError) Unwrap() []error {
	return []error{ErrStorageWriteFailed, e.Err}
}

func writeFailed(pfn string, err error) error {
	return &WriteError{PFN: pfn, Err: err}
}
