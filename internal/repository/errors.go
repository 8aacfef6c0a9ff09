package repository

import (
	"errors"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrStatusConflict  = errors.New("status changed concurrently or transition not allowed")
	ErrSystemEntryType = errors.New("system entry types are immutable")
	ErrDuplicate       = errors.New("duplicate record")
)
