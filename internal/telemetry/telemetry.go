// Package telemetry exposes gateway counters as Prometheus metrics. A
// Service is passed to the protocols and the registry as their metrics
// hook and serves the collected values over HTTP.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

type Service struct {
	cfg      Config
	registry *prometheus.Registry

	framesAccepted  *prometheus.CounterVec
	framesDiscarded *prometheus.CounterVec
	acksSent        *prometheus.CounterVec
	measurements    *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	healthFailures  *prometheus.CounterVec

	devices *deviceCollector
}

var _ Collector = (*Service)(nil)

func NewService(cfg Config) (*Service, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	ns := cfg.Namespace
	s := &Service{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		framesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_accepted_total",
			Help:      "Frames decoded into a measurement record.",
		}, []string{"kind"}),
		framesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_discarded_total",
			Help:      "Frames or buffered bytes dropped without a record.",
		}, []string{"kind", "reason"}),
		acksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "acks_sent_total",
			Help:      "Acknowledgements written back to devices.",
		}, []string{"kind"}),
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "measurements_delivered_total",
			Help:      "Measurement records delivered by the registry.",
		}, []string{"kind", "status"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "reconnects_scheduled_total",
			Help:      "Delayed reconnects scheduled per device.",
		}, []string{"address"}),
		healthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "health_check_failures_total",
			Help:      "Failed liveness checks per device.",
		}, []string{"address"}),
		devices: newDeviceCollector(ns),
	}

	collected := []prometheus.Collector{
		s.framesAccepted,
		s.framesDiscarded,
		s.acksSent,
		s.measurements,
		s.reconnects,
		s.healthFailures,
		s.devices,
	}
	if cfg.Runtime {
		collected = append(collected,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for _, c := range collected {
		if err := s.registry.Register(c); err != nil {
			return nil, errFactory.Wrap(ErrRegisterFailed, err)
		}
	}

	return s, nil
}

func (s *Service) FrameAccepted(kind device.Kind) {
	s.framesAccepted.WithLabelValues(kind.String()).Inc()
}

func (s *Service) FrameDiscarded(kind device.Kind, reason string) {
	s.framesDiscarded.WithLabelValues(kind.String(), reason).Inc()
}

func (s *Service) AckSent(kind device.Kind) {
	s.acksSent.WithLabelValues(kind.String()).Inc()
}

func (s *Service) MeasurementDelivered(kind device.Kind, status measurement.Status) {
	s.measurements.WithLabelValues(kind.String(), string(status)).Inc()
}

func (s *Service) ReconnectScheduled(address string) {
	s.reconnects.WithLabelValues(address).Inc()
}

func (s *Service) HealthCheckFailed(address string) {
	s.healthFailures.WithLabelValues(address).Inc()
}

// Watch reports connections of src in the device gauges. Calling it again
// replaces the source.
func (s *Service) Watch(src DeviceSource) {
	s.devices.setSource(src)
}

// Registry returns the underlying Prometheus registry.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// deviceCollector reads connection state at scrape time.
type deviceCollector struct {
	mu  sync.RWMutex
	src DeviceSource

	byState  *prometheus.Desc
	errCount *prometheus.Desc
	uses     *prometheus.Desc
}

func newDeviceCollector(ns string) *deviceCollector {
	return &deviceCollector{
		byState: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "devices"),
			"Registered device connections by kind and state.",
			[]string{"kind", "state"}, nil),
		errCount: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "device", "consecutive_errors"),
			"Consecutive errors of a device connection.",
			[]string{"address", "kind"}, nil),
		uses: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "device", "selections_total"),
			"Times a device was selected for a measurement.",
			[]string{"address", "kind"}, nil),
	}
}

func (c *deviceCollector) setSource(src DeviceSource) {
	c.mu.Lock()
	c.src = src
	c.mu.Unlock()
}

func (c *deviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byState
	ch <- c.errCount
	ch <- c.uses
}

func (c *deviceCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	src := c.src
	c.mu.RUnlock()

	if src == nil {
		return
	}

	type key struct{ kind, state string }
	counts := make(map[key]int)

	for _, st := range src.Status() {
		kind := st.Kind.String()
		counts[key{kind, st.State.String()}]++

		ch <- prometheus.MustNewConstMetric(c.errCount, prometheus.GaugeValue,
			float64(st.Stats.ErrorCount), st.Address, kind)
		ch <- prometheus.MustNewConstMetric(c.uses, prometheus.CounterValue,
			float64(st.Uses), st.Address, kind)
	}

	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.byState, prometheus.GaugeValue,
			float64(n), k.kind, k.state)
	}
}
