// Package hl7 implements the HL7 v2 over MLLP protocol spoken by body
// composition analyzers. The gateway listens, the analyzer connects and
// pushes ORU messages, and every framed message is acknowledged.
package hl7

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

const (
	DefaultHost         = "0.0.0.0"
	DefaultDataPort     = 2575
	DefaultCommandPort  = 2580
	DefaultPollInterval = 500 * time.Millisecond
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 5 * time.Second

	readChunk = 4096
)

// Analyzer describes an HL7 body composition analyzer.
var Analyzer = device.Capabilities{
	Model:        "HL7 analyzer",
	Protocol:     "hl7-mllp",
	MinWeightKg:  0,
	MaxWeightKg:  300,
	ResolutionKg: 0.1,
	Segmental:    true,
	Impedance:    true,
}

// Listener binds a TCP address.
type Listener func(network, address string) (net.Listener, error)

// Config configures a Server.
type Config struct {
	Host string
	// DataPort and CommandPort may be 0 to pick a free port.
	DataPort    int
	CommandPort int
	// NoCommandPort skips the secondary listener.
	NoCommandPort bool

	PollInterval time.Duration
	WriteTimeout time.Duration
	QueueSize    int
	Listen       Listener
	Device       device.Options
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Listen == nil {
		c.Listen = net.Listen
	}
	return c
}

// Address is the registry address of a server bound to host and port.
func Address(host string, port int) string {
	if host == "" {
		host = DefaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Server is a device.Connection accepting analyzer clients.
type Server struct {
	*device.Base

	cfg Config
	log logger.Logger

	mu        sync.Mutex
	listeners []net.Listener
	clients   map[net.Conn]struct{}
	stopping  chan struct{}
	queue     chan *measurement.Record

	wg sync.WaitGroup
}

var _ device.Connection = (*Server)(nil)

// New creates a stopped server.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()

	return &Server{
		Base:    device.NewBase(Address(cfg.Host, cfg.DataPort), device.KindHL7Analyzer, Analyzer, cfg.Device),
		cfg:     cfg,
		log:     logger.With("hl7"),
		clients: make(map[net.Conn]struct{}),
	}
}

// Connect binds the listeners and starts accepting clients. Failing to
// bind the command port is logged and tolerated.
func (s *Server) Connect(_ context.Context) error {
	errFactory := errors.New()

	if err := s.BeginConnect(); err != nil {
		return err
	}

	primary, err := s.cfg.Listen("tcp", Address(s.cfg.Host, s.cfg.DataPort))
	if err != nil {
		return s.ConnectFailed(errFactory.Wrap(ErrListen, err))
	}
	listeners := []net.Listener{primary}

	if !s.cfg.NoCommandPort {
		secondary, err := s.cfg.Listen("tcp", Address(s.cfg.Host, s.cfg.CommandPort))
		if err != nil {
			s.log.Warn().
				Int("port", s.cfg.CommandPort).
				Err(err).
				Msg("Command port unavailable, continuing with data port only")
		} else {
			listeners = append(listeners, secondary)
		}
	}

	stopping := make(chan struct{})
	queue := make(chan *measurement.Record, s.cfg.QueueSize)

	s.mu.Lock()
	s.listeners = listeners
	s.stopping = stopping
	s.queue = queue
	s.mu.Unlock()

	if err := s.ConnectSucceeded(); err != nil {
		s.shutdown()
		return err
	}

	for _, ln := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(ln, stopping)
		s.log.Info().Str("listen", ln.Addr().String()).Msg("HL7 listener started")
	}

	s.StartPoll(s.ReadMeasurement)

	return nil
}

// Disconnect stops the poll, the listeners and every client.
func (s *Server) Disconnect() error {
	s.StopPoll()
	s.shutdown()
	s.MarkDisconnected()
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	stopping := s.stopping
	listeners := s.listeners
	s.stopping = nil
	s.listeners = nil
	s.queue = nil
	if stopping != nil {
		close(stopping)
	}
	for conn := range s.clients {
		_ = conn.Close()
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Failed to close listener")
		}
	}

	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener, stopping chan struct{}) {
	defer s.wg.Done()

	type deadliner interface{ SetDeadline(time.Time) error }

	for {
		select {
		case <-stopping:
			return
		default:
		}

		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(s.cfg.PollInterval))
		}

		conn, err := ln.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-stopping:
				return
			default:
			}
			if s.RecordFailure(errors.New().Wrap(ErrAccept, err)) {
				return
			}
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		s.ClearErrors()

		if !s.track(conn, stopping) {
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go s.serveClient(conn, stopping)
	}
}

func (s *Server) track(conn net.Conn, stopping chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping != stopping {
		return false
	}
	s.clients[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
}

func (s *Server) serveClient(conn net.Conn, stopping chan struct{}) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.log.Info().Str("remote", remote).Msg("Analyzer connected")

	framer := NewFramer(MaxFrameBuffer)
	chunk := make([]byte, readChunk)

	for {
		select {
		case <-stopping:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
		n, err := conn.Read(chunk)

		if n > 0 {
			s.ClearErrors()
			msgs, overflowed := framer.Feed(chunk[:n])
			if overflowed {
				s.log.Warn().
					Str("remote", remote).
					Err(errors.New().New(ErrFrameOverflow)).
					Msg("Discarding unterminated HL7 data")
				s.Metrics().FrameDiscarded(device.KindHL7Analyzer, "overflow")
			}
			for _, data := range msgs {
				if !s.handleMessage(conn, data, stopping) {
					return
				}
			}
		}

		if err != nil {
			switch {
			case isTimeout(err):
				continue
			case stderrors.Is(err, io.EOF), stderrors.Is(err, net.ErrClosed):
				s.log.Info().Str("remote", remote).Msg("Analyzer disconnected")
			default:
				failure := errors.New().Wrap(device.ErrReadFailed, err)
				s.log.Warn().Str("remote", remote).Err(failure).Msg("Analyzer read failed")
				s.RecordFailure(failure)
			}
			return
		}
	}
}

// handleMessage parses one framed message, acknowledges it and queues the
// record. It reports whether the client should keep being served.
func (s *Server) handleMessage(conn net.Conn, data []byte, stopping chan struct{}) bool {
	msg, err := Parse(s.Address(), data)
	if err != nil {
		s.log.Debug().Err(err).Int("length", len(data)).Msg("Rejecting HL7 message")
		s.Metrics().FrameDiscarded(device.KindHL7Analyzer, "no_header")
	} else {
		s.Metrics().FrameAccepted(device.KindHL7Analyzer)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, werr := conn.Write(BuildACK(msg, NewControlID(), time.Now())); werr != nil {
		failure := errors.New().Wrap(ErrAckFailed, werr)
		s.log.Warn().
			Str("remote", conn.RemoteAddr().String()).
			Err(failure).
			Msg("Failed to acknowledge message")
		s.RecordFailure(failure)
		return false
	}
	s.Metrics().AckSent(device.KindHL7Analyzer)

	if msg == nil {
		return true
	}

	rec := msg.Record
	s.log.Info().
		Str("message_id", msg.ControlID).
		Str("status", string(rec.Status)).
		Float64("weight_kg", rec.WeightKg).
		Msg("Measurement received")

	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return false
	}

	select {
	case queue <- rec:
		return true
	case <-stopping:
		return false
	}
}

// ReadMeasurement pops the next parsed record, waiting at most timeout.
func (s *Server) ReadMeasurement(timeout time.Duration) (*measurement.Record, error) {
	s.mu.Lock()
	queue, stopping := s.queue, s.stopping
	s.mu.Unlock()

	if queue == nil {
		return nil, errors.New().WithData(device.ErrNotConnected, s.Address())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-queue:
		return rec, nil
	case <-stopping:
		return nil, nil
	case <-timer.C:
		return nil, nil
	}
}

// StartMeasurement marks the server Ready. Analyzers start measurements
// themselves, so nothing is sent.
func (s *Server) StartMeasurement(_ context.Context, _ string) error {
	state := s.State()
	if !state.IsConnected() {
		return errors.New().WithData(device.ErrNotConnected, s.Address())
	}
	if state == device.StateReady {
		return nil
	}
	return s.Transition(device.StateReady)
}

// ValidateConnection reports whether the data listener is bound and the
// server is not in error.
func (s *Server) ValidateConnection() bool {
	s.mu.Lock()
	bound := len(s.listeners) > 0
	s.mu.Unlock()

	return bound && s.State().IsConnected()
}

// ResetConnection rebinds the listeners.
func (s *Server) ResetConnection(ctx context.Context) error {
	return device.Reset(ctx, s, s.Options().ResetPause)
}

// Addrs returns the bound listener addresses, data port first.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// ClientCount returns the number of connected analyzer clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
