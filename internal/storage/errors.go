package storage

import "errors"

// Common storage errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrStaleStatus   = errors.New("status precondition failed")
)
