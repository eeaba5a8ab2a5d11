package device

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("device: invalid input")
	ErrNotFound          = errors.New("device: not found")
	ErrAlreadyExists     = errors.New("device: already exists")
	ErrInsufficientSpace = errors.New("device: insufficient space")
	ErrResourceExhausted = errors.New("device: no free UDC slot")
	ErrEnumerationFailed = errors.New("device: bound but not enumerated")
	ErrTeardownFailed    = errors.New("device: teardown failed")
)

// SystemWideResetError reports that a stuck teardown escalated to a gadget
// module reload, which destroys every live gadget and slot binding on the
// host, not just the target's. Callers must treat all bindings as gone.
type SystemWideResetError struct {
	Gadget string
	Cause  error
}

func (e *SystemWideResetError) Error() string {
	return fmt.Sprintf("device: module reload forced by stuck teardown of %q: %v", e.Gadget, e.Cause)
}

func (e *SystemWideResetError) Unwrap() error {
	return ErrTeardownFailed
}
