package hl7

import "bytes"

// MLLP block characters.
const (
	StartBlock     byte = 0x0B
	EndBlock       byte = 0x1C
	CarriageReturn byte = 0x0D

	// MaxFrameBuffer bounds the bytes kept while waiting for an end block.
	MaxFrameBuffer = 1 << 20
)

var endSequence = []byte{EndBlock, CarriageReturn}

// Framer reassembles MLLP framed messages from a byte stream. It is not
// safe for concurrent use; each client connection owns one.
type Framer struct {
	buf []byte
	max int
}

// NewFramer creates a framer keeping at most max buffered bytes. A
// non-positive max selects MaxFrameBuffer.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = MaxFrameBuffer
	}
	return &Framer{max: max}
}

// Feed appends data and returns every message completed by it, without
// the block characters. overflowed is true when the buffer grew past the
// limit without a complete message and was reset.
func (f *Framer) Feed(data []byte) (msgs [][]byte, overflowed bool) {
	f.buf = append(f.buf, data...)

	for {
		start := bytes.IndexByte(f.buf, StartBlock)
		if start < 0 {
			f.buf = f.buf[:0]
			break
		}
		if start > 0 {
			f.buf = append(f.buf[:0], f.buf[start:]...)
		}

		end := bytes.Index(f.buf[1:], endSequence)
		if end < 0 {
			break
		}
		body := f.buf[1 : 1+end]

		// A second start block means the earlier message was cut short.
		if restart := bytes.LastIndexByte(body, StartBlock); restart >= 0 {
			f.buf = append(f.buf[:0], f.buf[1+restart:]...)
			continue
		}

		msg := make([]byte, len(body))
		copy(msg, body)
		msgs = append(msgs, msg)

		f.buf = append(f.buf[:0], f.buf[1+end+len(endSequence):]...)
	}

	if len(f.buf) > f.max {
		f.buf = f.buf[:0]
		overflowed = true
	}

	return msgs, overflowed
}

// Buffered returns the number of bytes waiting for an end block.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Wrap frames payload as one MLLP block.
func Wrap(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, StartBlock)
	frame = append(frame, payload...)
	return append(frame, EndBlock, CarriageReturn)
}
