package iface

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrInference     = errors.New("inference failed")
	ErrValidation    = errors.New("invalid request")
	ErrStorage       = errors.New("storage failure")
)

// InferenceError is a backend failure on one image for one model.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func (e *InferenceError) Is(target error) bool { return target == ErrInference }

// ValidationError rejects a request before any side effect happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StorageError wraps a filesystem failure while persisting an approval.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NotFound returns an error wrapping ErrModelNotFound for name.
func NotFound(name string) error {
	return fmt.Errorf("%w: %q", ErrModelNotFound, name)
}
