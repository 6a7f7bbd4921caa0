// Package tanita implements the passive serial protocol of Tanita MC-780
// body composition scales. The scale pushes one CSV-like frame after each
// measurement; nothing is ever written to it.
package tanita

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

const (
	DefaultBaudRate    = 9600
	DefaultReadTimeout = 500 * time.Millisecond

	// maxBuffer bounds the bytes kept while waiting for a line terminator.
	maxBuffer = 8 * 1024
	readChunk = 512
)

// MC780 describes what the MC-780 reports.
var MC780 = device.Capabilities{
	Model:        "MC-780",
	Protocol:     "tanita-serial",
	MinWeightKg:  0,
	MaxWeightKg:  270,
	ResolutionKg: 0.1,
	Segmental:    true,
	Impedance:    true,
}

// Config configures a Scale.
type Config struct {
	Path        string
	BaudRate    int
	ReadTimeout time.Duration
	Open        Opener
	Device      device.Options
}

// Scale is a device.Connection to one serial scale.
type Scale struct {
	*device.Base

	cfg Config
	log logger.Logger

	portMu sync.Mutex
	port   Port

	readMu sync.Mutex
	buf    []byte

	pendingMu       sync.Mutex
	pendingCustomer string
}

var _ device.Connection = (*Scale)(nil)

// New creates a disconnected scale on cfg.Path.
func New(cfg Config) *Scale {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}

	return &Scale{
		Base: device.NewBase(cfg.Path, device.KindSerialScale, MC780, cfg.Device),
		cfg:  cfg,
		log:  logger.With("tanita"),
	}
}

// Connect opens the port and starts polling it.
func (s *Scale) Connect(_ context.Context) error {
	if err := s.BeginConnect(); err != nil {
		return err
	}

	port, err := s.cfg.Open(s.cfg.Path, s.cfg.BaudRate)
	if err != nil {
		return s.ConnectFailed(err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		s.log.Debug().Str("address", s.Address()).Err(err).Msg("Failed to flush input buffer")
	}

	s.portMu.Lock()
	s.port = port
	s.portMu.Unlock()

	s.readMu.Lock()
	s.buf = s.buf[:0]
	s.readMu.Unlock()

	if err := s.ConnectSucceeded(); err != nil {
		_ = s.closePort()
		return err
	}

	s.StartPoll(s.ReadMeasurement)

	return nil
}

// Disconnect stops the poll, then closes the port.
func (s *Scale) Disconnect() error {
	s.StopPoll()
	err := s.closePort()
	s.MarkDisconnected()

	if err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}

func (s *Scale) closePort() error {
	s.portMu.Lock()
	port := s.port
	s.port = nil
	s.portMu.Unlock()

	if port == nil {
		return nil
	}
	return port.Close()
}

func (s *Scale) currentPort() Port {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.port
}

// ReadMeasurement reads until a valid frame arrives or timeout expires.
// Lines failing the frame checks are dropped without counting as errors.
func (s *Scale) ReadMeasurement(timeout time.Duration) (*measurement.Record, error) {
	errFactory := errors.New()

	port := s.currentPort()
	if port == nil {
		return nil, errFactory.WithData(device.ErrNotConnected, s.Address())
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, readChunk)

	for {
		if rec := s.nextRecord(); rec != nil {
			return rec, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > s.cfg.ReadTimeout {
			remaining = s.cfg.ReadTimeout
		}
		if err := port.SetReadTimeout(remaining); err != nil {
			return nil, errFactory.Wrap(device.ErrReadFailed, err)
		}

		n, err := port.Read(chunk)
		if err != nil {
			if IsDisconnect(err) {
				s.log.Warn().Str("address", s.Address()).Err(err).Msg("Serial port lost")
			}
			return nil, errFactory.Wrap(device.ErrReadFailed, err)
		}
		s.ClearErrors()
		if n == 0 {
			continue
		}

		s.buf = append(s.buf, chunk[:n]...)
		if len(s.buf) > maxBuffer && bytes.IndexByte(s.buf, '\n') < 0 {
			s.log.Debug().
				Str("address", s.Address()).
				Err(errFactory.WithData(ErrBufferOverflowed, len(s.buf))).
				Msg("Discarding unterminated serial data")
			s.Metrics().FrameDiscarded(device.KindSerialScale, "overflow")
			s.buf = s.buf[:0]
		}
	}
}

// nextRecord consumes complete lines from the buffer and returns the first
// one that decodes into a record.
func (s *Scale) nextRecord() *measurement.Record {
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return nil
		}
		line := string(bytes.TrimRight(s.buf[:i], "\r"))
		s.buf = append(s.buf[:0], s.buf[i+1:]...)

		if line == "" {
			continue
		}

		if reason := CheckFrame(line); reason != "" {
			s.log.Debug().
				Str("address", s.Address()).
				Str("reason", reason).
				Int("length", len(line)).
				Msg("Ignoring serial line")
			s.Metrics().FrameDiscarded(device.KindSerialScale, reason)
			continue
		}

		rec, err := ParseFrame(s.Address(), line)
		if err != nil {
			s.log.Debug().Str("address", s.Address()).Err(err).Msg("Dropping unmappable frame")
			s.Metrics().FrameDiscarded(device.KindSerialScale, "unmappable")
			continue
		}

		s.Metrics().FrameAccepted(device.KindSerialScale)
		s.complete(rec)

		return rec
	}
}

func (s *Scale) complete(rec *measurement.Record) {
	s.pendingMu.Lock()
	rec.ExternalCustomerID = s.pendingCustomer
	s.pendingCustomer = ""
	s.pendingMu.Unlock()

	rec.Finalize(measurement.PolicyFramed)

	if s.State() == device.StateMeasuring {
		_ = s.Transition(device.StateConnected)
	}

	s.log.Info().
		Str("address", s.Address()).
		Str("status", string(rec.Status)).
		Float64("weight_kg", rec.WeightKg).
		Msg("Measurement received")
}

// StartMeasurement marks the scale as measuring for customerID. The scale
// is operated locally, so nothing is sent; the id is attached to the next
// frame received.
func (s *Scale) StartMeasurement(_ context.Context, customerID string) error {
	if !s.State().IsConnected() {
		return errors.New().WithData(device.ErrNotConnected, s.Address())
	}

	s.pendingMu.Lock()
	s.pendingCustomer = customerID
	s.pendingMu.Unlock()

	return s.Transition(device.StateMeasuring)
}

// ValidateConnection reports whether the port is open and polled.
func (s *Scale) ValidateConnection() bool {
	return s.currentPort() != nil && s.State().IsConnected() && s.Polling()
}

// ResetConnection reopens the port.
func (s *Scale) ResetConnection(ctx context.Context) error {
	return device.Reset(ctx, s, s.Options().ResetPause)
}
