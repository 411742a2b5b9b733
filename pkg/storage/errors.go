package storage

import "errors"

// Sentinel errors returned by Store implementations, checked with errors.Is.
var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
	ErrTooLarge      = errors.New("storage: payload too large")
)
