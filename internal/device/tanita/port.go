package tanita

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"go.bug.st/serial"
)

// Port is the part of a serial port the protocol uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens the port at path with the given baud rate.
type Opener func(path string, baudRate int) (Port, error)

// OpenSerial opens a real serial port 8-N-1 without flow control.
func OpenSerial(path string, baudRate int) (Port, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.New().Wrap(ErrPortOpen, err)
	}

	return port, nil
}

// Probe checks that path can be opened as a serial port within timeout.
// The port is closed again before Probe returns.
func Probe(ctx context.Context, path string, baudRate int, timeout time.Duration, open Opener) error {
	errFactory := errors.New()

	if open == nil {
		open = OpenSerial
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		port, err := open(path, baudRate)
		if err != nil {
			resultCh <- err
			return
		}
		resultCh <- port.Close()
	}()

	select {
	case err := <-resultCh:
		if err != nil {
			return errFactory.Wrap(ErrPortProbe, err)
		}
		return nil
	case <-ctx.Done():
		return errFactory.Wrap(ErrPortTimeout, ctx.Err())
	}
}

// IsDisconnect reports whether err means the port went away.
func IsDisconnect(err error) bool {
	var code serial.PortErrorCode = -1
	var portErr serial.PortError
	var portErrPtr *serial.PortError
	switch {
	case stderrors.As(err, &portErrPtr):
		code = portErrPtr.Code()
	case stderrors.As(err, &portErr):
		code = portErr.Code()
	}

	switch code {
	case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
		return true
	}
	return stderrors.Is(err, io.EOF)
}
