package telemetry

import "github.com/vungocdu/actiwell-iot-sub000/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig

	// Registration Errors
	ErrRegisterFailed = errors.ErrorCode("telemetry_register_failed")
)
