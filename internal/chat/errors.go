package chat

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("chat: validation failed")
	ErrNotFound   = errors.New("chat: message not found")
	ErrStore      = errors.New("chat: store unavailable")
)

// ValidationError is returned when a submission is rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chat: invalid message: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StoreError wraps a failure of the underlying storage backend.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("chat: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
