package device

import (
	"context"
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

// Connection is one physical device session.
type Connection interface {
	Address() string
	Kind() Kind
	Capabilities() Capabilities
	State() State
	Stats() Stats

	// SetHandler registers the event handler. It must be called before
	// Connect.
	SetHandler(h Handler)

	// Connect opens the channel and starts the background poll.
	Connect(ctx context.Context) error
	// Disconnect stops the poll and closes the channel. It is idempotent.
	Disconnect() error

	// ReadMeasurement waits at most timeout for one record. It returns
	// (nil, nil) when no data arrived in time. While the background poll
	// runs it is the only caller.
	ReadMeasurement(timeout time.Duration) (*measurement.Record, error)
	StartMeasurement(ctx context.Context, customerID string) error

	// ValidateConnection is a cheap liveness check.
	ValidateConnection() bool
	// ResetConnection disconnects, pauses and connects again.
	ResetConnection(ctx context.Context) error
}

// Handler receives connection events. Implementations must not call
// Disconnect on the reporting connection synchronously from OnError or
// OnMeasurement, since both run on the poll goroutine.
type Handler interface {
	OnMeasurement(rec *measurement.Record)
	OnStatus(address string, from, to State)
	OnError(address string, err error, errorCount int)
}

// HandlerFuncs adapts optional functions to a Handler.
type HandlerFuncs struct {
	Measurement func(rec *measurement.Record)
	Status      func(address string, from, to State)
	Error       func(address string, err error, errorCount int)
}

func (h HandlerFuncs) OnMeasurement(rec *measurement.Record) {
	if h.Measurement != nil {
		h.Measurement(rec)
	}
}

func (h HandlerFuncs) OnStatus(address string, from, to State) {
	if h.Status != nil {
		h.Status(address, from, to)
	}
}

func (h HandlerFuncs) OnError(address string, err error, errorCount int) {
	if h.Error != nil {
		h.Error(address, err, errorCount)
	}
}

// ProtocolMetrics receives wire level counters from protocol
// implementations.
type ProtocolMetrics interface {
	FrameAccepted(kind Kind)
	FrameDiscarded(kind Kind, reason string)
	AckSent(kind Kind)
}

type nopMetrics struct{}

func (nopMetrics) FrameAccepted(Kind)          {}
func (nopMetrics) FrameDiscarded(Kind, string) {}
func (nopMetrics) AckSent(Kind)                {}

// NopMetrics discards every counter.
var NopMetrics ProtocolMetrics = nopMetrics{}

// Capabilities describes what a device model can measure.
type Capabilities struct {
	Model        string  `json:"model"`
	Protocol     string  `json:"protocol"`
	MinWeightKg  float64 `json:"min_weight_kg"`
	MaxWeightKg  float64 `json:"max_weight_kg"`
	ResolutionKg float64 `json:"resolution_kg"`
	Segmental    bool    `json:"segmental"`
	Impedance    bool    `json:"impedance"`
}

// Stats are the counters accumulated by a connection.
type Stats struct {
	MeasurementsReceived  uint64    `json:"measurements_received"`
	MeasurementsSucceeded uint64    `json:"measurements_succeeded"`
	MeasurementsFailed    uint64    `json:"measurements_failed"`
	ConnectionAttempts    uint64    `json:"connection_attempts"`
	ErrorCount            int       `json:"error_count"`
	TotalErrors           uint64    `json:"total_errors"`
	LastError             string    `json:"last_error,omitempty"`
	LastMeasurement       time.Time `json:"last_measurement,omitempty"`
	ConnectedAt           time.Time `json:"connected_at,omitempty"`
}

// SuccessRate is the share of received measurements not flagged as errors.
func (s Stats) SuccessRate() float64 {
	if s.MeasurementsReceived == 0 {
		return 0
	}
	return float64(s.MeasurementsSucceeded) / float64(s.MeasurementsReceived)
}
