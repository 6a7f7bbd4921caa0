package hl7

import "github.com/vungocdu/actiwell-iot-sub000/internal/errors"

const (
	// Listener Errors
	ErrListen = errors.ErrorCode("hl7_listen_failed")
	ErrAccept = errors.ErrorCode("hl7_accept_failed")

	// Message Errors
	ErrMissingHeader = errors.ErrorCode("hl7_missing_msh")
	ErrFrameOverflow = errors.ErrorCode("hl7_frame_overflow")
	ErrAckFailed     = errors.ErrorCode("hl7_ack_failed")
)
