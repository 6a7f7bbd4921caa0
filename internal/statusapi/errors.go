package statusapi

import "github.com/vungocdu/actiwell-iot-sub000/internal/errors"

const (
	ErrListen   = errors.ErrorCode("statusapi_listen_failed")
	ErrShutdown = errors.ErrShutdownFailed
)
