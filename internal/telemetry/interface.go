package telemetry

import (
	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/registry"
)

// DeviceSource reports the current connections, typically a
// *registry.Registry.
type DeviceSource interface {
	Status() []registry.DeviceStatus
}

// Collector implements both the protocol and the registry metric hooks.
type Collector interface {
	device.ProtocolMetrics
	registry.Metrics
}
