package session

import (
	"fmt"

	"github.com/fxnlabs/vramtest/internal/gpu"
	"github.com/fxnlabs/vramtest/internal/probe"
	"github.com/pkg/errors"
)

var (
	ErrAlreadyOpen          = errors.New("session already open for device")
	ErrInvalidQueueFamily   = errors.New("invalid queue family")
	ErrDeviceCreationFailed = errors.New("logical device creation failed")
	ErrSessionClosed        = errors.New("session closed")

	ErrAlreadyBound               = errors.New("buffer already bound")
	ErrInvalidHandle              = errors.New("invalid handle")
	ErrInsufficientAllocationSize = errors.New("allocation too small for binding")
	ErrMisalignedOffset           = errors.New("binding offset violates buffer alignment")
	ErrBufferCreationFailed       = errors.New("buffer creation failed")
	ErrUnbound                    = errors.New("buffer has no memory bound")
	ErrAllocationInUse            = errors.New("allocation still has bound buffers")

	// Shared with the layers that produce them so errors.Is matches either name.
	ErrOutOfDeviceMemory    = gpu.ErrOutOfDeviceMemory
	ErrNoSuitableMemoryType = probe.ErrNoSuitableMemoryType
)

// OpError records the pool or session operation that failed and the handle
// it was applied to.
type OpError struct {
	Op     string
	Handle string
	Err    error
}

func (e *OpError) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Handle, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, handle string, err error) error {
	return &OpError{Op: op, Handle: handle, Err: err}
}
