package device

import (
	"context"
	"sync"
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

const (
	// ErrorThreshold is the number of consecutive failures tolerated before
	// a connection is forced into StateError.
	ErrorThreshold = 10

	DefaultPollTimeout    = time.Second
	DefaultFailureBackoff = 100 * time.Millisecond
	DefaultResetPause     = 2 * time.Second
)

// ReadFunc reads one record, honouring timeout. A nil record with a nil
// error means no data.
type ReadFunc func(timeout time.Duration) (*measurement.Record, error)

// Options tunes the shared connection behaviour.
type Options struct {
	PollTimeout    time.Duration
	FailureBackoff time.Duration
	ResetPause     time.Duration
	Metrics        ProtocolMetrics
}

func (o Options) withDefaults() Options {
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.FailureBackoff <= 0 {
		o.FailureBackoff = DefaultFailureBackoff
	}
	if o.ResetPause <= 0 {
		o.ResetPause = DefaultResetPause
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics
	}
	return o
}

// Base carries the state machine, statistics, error counter and poll loop
// shared by every protocol. Protocols embed it and supply the I/O.
type Base struct {
	address string
	kind    Kind
	caps    Capabilities
	opts    Options
	log     logger.Logger

	mu         sync.RWMutex
	state      State
	stats      Stats
	handler    Handler
	errorFired bool

	pollMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// NewBase creates the shared part of a connection in StateDisconnected.
func NewBase(address string, kind Kind, caps Capabilities, opts Options) *Base {
	return &Base{
		address: address,
		kind:    kind,
		caps:    caps,
		opts:    opts.withDefaults(),
		log:     logger.With("device"),
		state:   StateDisconnected,
		handler: HandlerFuncs{},
	}
}

func (b *Base) Address() string            { return b.address }
func (b *Base) Kind() Kind                 { return b.kind }
func (b *Base) Capabilities() Capabilities { return b.caps }
func (b *Base) Options() Options           { return b.opts }
func (b *Base) Metrics() ProtocolMetrics   { return b.opts.Metrics }

func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Base) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// Uptime is the time since the last successful connect, or zero when not
// connected.
func (b *Base) Uptime() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.state.IsConnected() || b.stats.ConnectedAt.IsZero() {
		return 0
	}
	return time.Since(b.stats.ConnectedAt)
}

func (b *Base) SetHandler(h Handler) {
	if h == nil {
		h = HandlerFuncs{}
	}
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Base) currentHandler() Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handler
}

// Transition moves the connection to state to, notifying the handler.
func (b *Base) Transition(to State) error {
	b.mu.Lock()
	from := b.state
	if from == to {
		b.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		b.mu.Unlock()
		return errors.New().WithData(ErrInvalidTransition, from.String()+" -> "+to.String())
	}
	b.state = to
	h := b.handler
	b.mu.Unlock()

	b.log.Debug().
		Str("address", b.address).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("State changed")
	h.OnStatus(b.address, from, to)

	return nil
}

// BeginConnect moves a disconnected connection to StateConnecting and
// clears the error counter.
func (b *Base) BeginConnect() error {
	errFactory := errors.New()

	b.mu.Lock()
	switch {
	case b.state.IsConnected():
		b.mu.Unlock()
		return errFactory.WithData(ErrAlreadyConnected, b.address)
	case b.state != StateDisconnected:
		from := b.state
		b.mu.Unlock()
		return errFactory.WithData(ErrInvalidTransition, from.String()+" -> connecting")
	}
	b.stats.ConnectionAttempts++
	b.stats.ErrorCount = 0
	b.errorFired = false
	b.mu.Unlock()

	return b.Transition(StateConnecting)
}

// ConnectSucceeded completes a connect.
func (b *Base) ConnectSucceeded() error {
	b.mu.Lock()
	b.stats.ConnectedAt = time.Now()
	b.mu.Unlock()

	if err := b.Transition(StateConnected); err != nil {
		return err
	}

	b.log.Info().
		Str("address", b.address).
		Str("kind", b.kind.String()).
		Msg("Device connected")

	return nil
}

// ConnectFailed forces StateError and reports err through OnError. It
// returns err wrapped as ErrConnectFailed.
func (b *Base) ConnectFailed(err error) error {
	b.mu.Lock()
	b.stats.ErrorCount++
	b.stats.TotalErrors++
	b.stats.LastError = err.Error()
	count := b.stats.ErrorCount
	b.errorFired = true
	b.mu.Unlock()

	_ = b.Transition(StateError)

	b.log.Warn().
		Str("address", b.address).
		Err(err).
		Msg("Device connect failed")
	b.currentHandler().OnError(b.address, err, count)

	return errors.New().Wrap(ErrConnectFailed, err)
}

// MarkDisconnected moves the connection to StateDisconnected from any state.
func (b *Base) MarkDisconnected() {
	_ = b.Transition(StateDisconnected)
}

// RecordFailure counts one I/O or parse failure. When the consecutive count
// crosses ErrorThreshold the connection is forced into StateError and
// OnError fires, once per connect. It reports whether the connection is
// now in StateError.
func (b *Base) RecordFailure(err error) bool {
	b.mu.Lock()
	b.stats.ErrorCount++
	b.stats.TotalErrors++
	b.stats.LastError = err.Error()
	count := b.stats.ErrorCount
	crossed := count > ErrorThreshold && !b.errorFired
	if crossed {
		b.errorFired = true
	}
	b.mu.Unlock()

	b.log.Debug().
		Str("address", b.address).
		Int("error_count", count).
		Err(err).
		Msg("Device read failed")

	if crossed {
		_ = b.Transition(StateError)
		b.log.ErrorWithCode(errors.New().Wrap(ErrDeviceError, err)).
			Str("address", b.address).
			Int("error_count", count).
			Msg("Error threshold exceeded")
		b.currentHandler().OnError(b.address, err, count)
	}

	return b.State() == StateError
}

// ClearErrors resets the consecutive error counter. Protocols call it
// when the transport proved healthy without producing a record.
func (b *Base) ClearErrors() {
	b.mu.Lock()
	b.stats.ErrorCount = 0
	b.mu.Unlock()
}

// RecordSuccess resets the error counter, counts rec and delivers it to the
// handler. A nil record means no data and leaves the counter alone.
func (b *Base) RecordSuccess(rec *measurement.Record) {
	if rec == nil {
		return
	}

	b.mu.Lock()
	b.stats.ErrorCount = 0
	b.stats.MeasurementsReceived++
	if rec.Status == measurement.StatusError {
		b.stats.MeasurementsFailed++
	} else {
		b.stats.MeasurementsSucceeded++
	}
	b.stats.LastMeasurement = time.Now()
	h := b.handler
	b.mu.Unlock()

	h.OnMeasurement(rec)
}

// StartPoll starts the background poll calling read until StopPoll is
// called or the connection enters StateError. Only one poll runs at a time.
func (b *Base) StartPoll(read ReadFunc) {
	b.pollMu.Lock()
	defer b.pollMu.Unlock()

	if b.stop != nil {
		return
	}

	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.poll(read, b.stop, b.done)
}

// StopPoll signals the poll to stop and waits until it has returned, so the
// caller may close the channel afterwards. It must not be called from the
// poll goroutine.
func (b *Base) StopPoll() {
	b.pollMu.Lock()
	stop, done := b.stop, b.done
	b.stop, b.done = nil, nil
	b.pollMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Polling reports whether a poll goroutine is attached.
func (b *Base) Polling() bool {
	b.pollMu.Lock()
	defer b.pollMu.Unlock()
	return b.stop != nil
}

func (b *Base) poll(read ReadFunc, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		// Failures recorded outside the poll may have forced StateError.
		if b.State() == StateError {
			return
		}

		rec, err := read(b.opts.PollTimeout)
		if err != nil {
			if b.RecordFailure(err) {
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(b.opts.FailureBackoff):
			}
			continue
		}

		b.RecordSuccess(rec)
	}
}

// Reset disconnects c, waits pause and connects it again.
func Reset(ctx context.Context, c Connection, pause time.Duration) error {
	if err := c.Disconnect(); err != nil {
		return err
	}

	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.New().Wrap(ErrOperationTimeout, ctx.Err())
	case <-timer.C:
	}

	return c.Connect(ctx)
}
