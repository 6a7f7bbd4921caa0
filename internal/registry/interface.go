package registry

import (
	"context"
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

// RecordSink persists delivered records and returns their storage id.
type RecordSink interface {
	Save(ctx context.Context, rec *measurement.Record) (string, error)
}

// SyncClient pushes delivered records to an external system.
type SyncClient interface {
	Sync(ctx context.Context, rec *measurement.Record) error
}

// Observer is called with every delivered record, on the delivering
// device's poll goroutine.
type Observer func(rec *measurement.Record)

// Factory builds an unconnected connection for a descriptor.
type Factory func(d Descriptor) (device.Connection, error)

// Prober checks that a serial path can be opened.
type Prober func(ctx context.Context, path string) error

// Globber expands a device path pattern.
type Globber func(pattern string) ([]string, error)

// Metrics receives registry level counters.
type Metrics interface {
	MeasurementDelivered(kind device.Kind, status measurement.Status)
	ReconnectScheduled(address string)
	HealthCheckFailed(address string)
}

type nopMetrics struct{}

func (nopMetrics) MeasurementDelivered(device.Kind, measurement.Status) {}
func (nopMetrics) ReconnectScheduled(string)                            {}
func (nopMetrics) HealthCheckFailed(string)                             {}

// DiscoveryStatus tells how sure discovery is about an endpoint.
type DiscoveryStatus string

const (
	// StatusDetected endpoints answered a probe or are always listening.
	StatusDetected DiscoveryStatus = "detected"
	// StatusPotential endpoints exist but could not be opened.
	StatusPotential DiscoveryStatus = "potential"
	// StatusUnknown endpoints were declared but not found.
	StatusUnknown DiscoveryStatus = "unknown"
)

// Descriptor is one endpoint found by discovery or declared in config.
type Descriptor struct {
	Address  string          `json:"address"`
	Kind     device.Kind     `json:"kind"`
	Status   DiscoveryStatus `json:"status"`
	Declared bool            `json:"declared"`
}

// DeviceStatus is the registry view of one connection.
type DeviceStatus struct {
	Address          string              `json:"address"`
	Kind             device.Kind         `json:"kind"`
	State            device.State        `json:"state"`
	Capabilities     device.Capabilities `json:"capabilities"`
	Stats            device.Stats        `json:"stats"`
	Uses             uint64              `json:"uses"`
	ReconnectPending bool                `json:"reconnect_pending"`
}

// Counters are the registry wide totals.
type Counters struct {
	Measurements        uint64            `json:"measurements"`
	Failed              uint64            `json:"failed"`
	SinkErrors          uint64            `json:"sink_errors"`
	SyncErrors          uint64            `json:"sync_errors"`
	ReconnectsScheduled uint64            `json:"reconnects_scheduled"`
	PerDevice           map[string]uint64 `json:"per_device"`
	LastMeasurement     time.Time         `json:"last_measurement,omitempty"`
}
