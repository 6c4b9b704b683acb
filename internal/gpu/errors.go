package gpu

import "github.com/pkg/errors"

// Driver result codes. Backends return these (possibly wrapped) so callers
// can classify failures with errors.Is.
var (
	ErrOutOfDeviceMemory    = errors.New("out of device memory")
	ErrOutOfHostMemory      = errors.New("out of host memory")
	ErrInitializationFailed = errors.New("initialization failed")
	ErrDeviceLost           = errors.New("device lost")
	ErrTimeout              = errors.New("wait timed out")
	ErrValidation           = errors.New("invalid usage")
	ErrFeatureNotPresent    = errors.New("feature not present")
	ErrUnknownHandle        = errors.New("unknown handle")
)
