package device

import "github.com/vungocdu/actiwell-iot-sub000/internal/errors"

const (
	// State Errors
	ErrInvalidTransition = errors.ErrorCode("device_invalid_transition")
	ErrNotConnected      = errors.ErrorCode("device_not_connected")
	ErrAlreadyConnected  = errors.ErrorCode("device_already_connected")

	// Transport Errors
	ErrConnectFailed = errors.ErrorCode("device_connect_failed")
	ErrReadFailed    = errors.ErrorCode("device_read_failed")
	ErrWriteFailed   = errors.ErrorCode("device_write_failed")

	// Raised once the consecutive error counter crosses the threshold
	ErrDeviceError = errors.ErrorCode("device_error")

	// Operation Errors
	ErrOperationTimeout = errors.ErrTimeout
)
