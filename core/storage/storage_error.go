package storage

import "errors"

// --- Error Definitions ---

var (
	ErrOpenFailed  = errors.New("error opening file")
	ErrReadFailed  = errors.New("error reading file")
	ErrWriteFailed = errors.New("error writing file")
)
