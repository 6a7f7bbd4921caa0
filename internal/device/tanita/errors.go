package tanita

import "github.com/vungocdu/actiwell-iot-sub000/internal/errors"

const (
	// Port Errors
	ErrPortOpen    = errors.ErrorCode("tanita_port_open_failed")
	ErrPortProbe   = errors.ErrorCode("tanita_port_probe_failed")
	ErrPortTimeout = errors.ErrorCode("tanita_port_timeout")

	// Frame Errors
	ErrFrameRejected    = errors.ErrorCode("tanita_frame_rejected")
	ErrFrameUnmappable  = errors.ErrorCode("tanita_frame_unmappable")
	ErrBufferOverflowed = errors.ErrorCode("tanita_buffer_overflowed")
)
