package model

import "errors"

var (
	// ErrInvalidRecord marks a single source record that could not be normalized.
	// The record is dropped; the rest of its batch is still processed.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrInvalidBatch marks a whole response that could not be used.
	// Nothing from it is merged.
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrSourceUnavailable wraps transport failures. The last good data is kept.
	ErrSourceUnavailable = errors.New("source unavailable")
)
