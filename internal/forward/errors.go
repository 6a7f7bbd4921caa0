package forward

import "github.com/vungocdu/actiwell-iot-sub000/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrEncode        = errors.ErrorCode("forward_encode_failed")
	ErrConnect       = errors.ErrorCode("forward_connect_failed")
	ErrPublish       = errors.ErrorCode("forward_publish_failed")
	ErrBackoff       = errors.ErrorCode("forward_reconnect_backoff")
	ErrClosed        = errors.ErrorCode("forward_closed")
	ErrPartial       = errors.ErrorCode("forward_partial_failure")
)
