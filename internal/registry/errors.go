package registry

import "github.com/vungocdu/actiwell-iot-sub000/internal/errors"

const (
	// Selection Errors
	ErrNoDevice = errors.ErrorCode("registry_no_device")

	// Lifecycle Errors
	ErrNoDevicesReachable = errors.ErrorCode("registry_no_devices_reachable")
	ErrUnknownDevice      = errors.ErrorCode("registry_unknown_device")
	ErrInvalidDescriptor  = errors.ErrorCode("registry_invalid_descriptor")
	ErrStopped            = errors.ErrorCode("registry_stopped")
)
