// Package registry owns every device connection: it discovers endpoints,
// connects the right protocol, spreads measurement requests over the
// connected devices and reconnects the ones that fail.
package registry

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

const (
	DefaultHealthInterval    = 30 * time.Second
	DefaultReconnectDelay    = 10 * time.Second
	DefaultDiscoveryInterval = 60 * time.Second
	DefaultProbeTimeout      = 2 * time.Second
	// DefaultErrorThreshold is the error count above which a reported
	// device error triggers a reconnect.
	DefaultErrorThreshold = 5

	collaboratorTimeout = 10 * time.Second
)

// DefaultSerialPatterns are scanned for scales. /dev/ttyS* is left out
// since most hosts expose unused legacy UARTs there.
var DefaultSerialPatterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}

// Config tunes discovery and health monitoring. A zero DiscoveryInterval
// disables periodic discovery.
type Config struct {
	SerialPatterns    []string
	Declared          []Descriptor
	HL7Address        string
	HealthInterval    time.Duration
	ReconnectDelay    time.Duration
	DiscoveryInterval time.Duration
	ErrorThreshold    int
}

func (c Config) withDefaults() Config {
	if c.SerialPatterns == nil {
		c.SerialPatterns = DefaultSerialPatterns
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.DiscoveryInterval < 0 {
		c.DiscoveryInterval = 0
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	return c
}

// Option customizes a Registry.
type Option func(*Registry)

func WithFactory(f Factory) Option   { return func(r *Registry) { r.factory = f } }
func WithProber(p Prober) Option     { return func(r *Registry) { r.probe = p } }
func WithGlobber(g Globber) Option   { return func(r *Registry) { r.glob = g } }
func WithSink(s RecordSink) Option   { return func(r *Registry) { r.sink = s } }
func WithSync(s SyncClient) Option   { return func(r *Registry) { r.syncer = s } }
func WithMetrics(m Metrics) Option   { return func(r *Registry) { r.metrics = m } }
func WithObserver(o Observer) Option { return func(r *Registry) { r.observers = append(r.observers, o) } }

// Registry maps addresses to live connections. All shared state is guarded
// by mu.
type Registry struct {
	cfg     Config
	log     logger.Logger
	factory Factory
	probe   Prober
	glob    Globber
	sink    RecordSink
	syncer  SyncClient
	metrics Metrics

	connectMu sync.Mutex

	mu           sync.Mutex
	devices      map[string]device.Connection
	pending      map[string]*time.Timer
	uses         map[string]uint64
	lastSelected string
	lastScan     []Descriptor
	counters     Counters
	observers    []Observer
	ctx          context.Context
	cancel       context.CancelFunc
	stopped      bool

	wg sync.WaitGroup
}

// New creates a registry. Without WithFactory it builds connections with
// DefaultFactory and zero protocol settings.
func New(cfg Config, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		cfg:     cfg.withDefaults(),
		log:     logger.With("registry"),
		glob:    filepath.Glob,
		metrics: nopMetrics{},
		devices: make(map[string]device.Connection),
		pending: make(map[string]*time.Timer),
		uses:    make(map[string]uint64),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.counters.PerDevice = make(map[string]uint64)

	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		r.factory = DefaultFactory(Protocols{})
	}
	if r.probe == nil {
		r.probe = SerialProber(0, DefaultProbeTimeout, nil)
	}

	return r
}

// AddObserver registers o for every record delivered from now on.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Start runs an initial discovery, connects what it found and starts the
// health and discovery loops. When no device could be connected it
// returns ErrNoDevicesReachable, but the loops keep running.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return errors.New().New(ErrStopped)
	}
	r.mu.Unlock()

	descriptors, err := r.Discover(ctx)
	if err != nil {
		return err
	}
	r.connectDetected(ctx, descriptors)

	r.wg.Add(1)
	go r.healthLoop()

	if r.cfg.DiscoveryInterval > 0 {
		r.wg.Add(1)
		go r.discoveryLoop()
	}

	if n := r.connectedCount(); n == 0 {
		return errors.New().WithData(ErrNoDevicesReachable, len(descriptors))
	}
	return nil
}

// Stop ends the loops, cancels pending reconnects and disconnects every
// device.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.cancel()
	for addr, t := range r.pending {
		if t != nil {
			t.Stop()
		}
		delete(r.pending, addr)
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	r.mu.Lock()
	devices := r.devices
	r.devices = make(map[string]device.Connection)
	r.mu.Unlock()

	for addr, conn := range devices {
		if err := conn.Disconnect(); err != nil {
			r.log.Warn().Str("address", addr).Err(err).Msg("Failed to disconnect device")
		}
	}

	r.log.Info().Int("devices", len(devices)).Msg("Registry stopped")
}

// ConnectDevice connects d unless a healthy connection for its address
// already exists, in which case that one is returned. An unhealthy
// connection is replaced.
func (r *Registry) ConnectDevice(ctx context.Context, d Descriptor) (device.Connection, error) {
	errFactory := errors.New()

	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	d.Kind = d.Kind.Resolve()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, errFactory.New(ErrStopped)
	}
	existing, ok := r.devices[d.Address]
	if ok && existing.ValidateConnection() {
		r.mu.Unlock()
		return existing, nil
	}
	if ok {
		delete(r.devices, d.Address)
		r.cancelPendingLocked(d.Address)
	}
	r.mu.Unlock()

	if ok {
		r.log.Info().Str("address", d.Address).Msg("Replacing unhealthy connection")
		if err := existing.Disconnect(); err != nil {
			r.log.Debug().Str("address", d.Address).Err(err).Msg("Failed to disconnect replaced device")
		}
	}

	conn, err := r.factory(d)
	if err != nil {
		return nil, err
	}
	conn.SetHandler(device.HandlerFuncs{
		Measurement: r.onMeasurement,
		Status:      r.onStatus,
		Error:       r.onError,
	})

	if err := conn.Connect(ctx); err != nil {
		_ = conn.Disconnect()
		return nil, err
	}

	r.mu.Lock()
	r.devices[d.Address] = conn
	r.mu.Unlock()

	r.log.Info().
		Str("address", d.Address).
		Str("kind", d.Kind.String()).
		Msg("Device registered")

	return conn, nil
}

// DisconnectDevice disconnects and forgets the device at address.
func (r *Registry) DisconnectDevice(address string) error {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	r.mu.Lock()
	conn, ok := r.devices[address]
	if ok {
		delete(r.devices, address)
		r.cancelPendingLocked(address)
	}
	r.mu.Unlock()

	if !ok {
		return errors.New().WithData(ErrUnknownDevice, address)
	}
	return conn.Disconnect()
}

func (r *Registry) cancelPendingLocked(address string) {
	if t, ok := r.pending[address]; ok {
		if t != nil {
			t.Stop()
		}
		delete(r.pending, address)
	}
}

// SelectDevice returns the next connected device of kind after the last
// one selected, in address order. KindUnknown selects from every kind.
func (r *Registry) SelectDevice(kind device.Kind) (device.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := make([]string, 0, len(r.devices))
	for addr, conn := range r.devices {
		if !conn.State().IsConnected() {
			continue
		}
		if kind != device.KindUnknown && conn.Kind() != kind {
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, false
	}
	sort.Strings(addrs)

	next := addrs[0]
	if r.lastSelected != "" {
		if i := sort.SearchStrings(addrs, r.lastSelected); i < len(addrs) {
			if addrs[i] == r.lastSelected {
				i++
			}
			if i < len(addrs) {
				next = addrs[i]
			}
		}
	}

	r.lastSelected = next
	r.uses[next]++

	return r.devices[next], true
}

// StartMeasurement starts a measurement for customerID on the next
// device of kind and returns its address.
func (r *Registry) StartMeasurement(ctx context.Context, customerID string, kind device.Kind) (string, error) {
	conn, ok := r.SelectDevice(kind)
	if !ok {
		return "", errors.New().WithData(ErrNoDevice, kind.String())
	}

	if err := conn.StartMeasurement(ctx, customerID); err != nil {
		return "", err
	}

	r.log.Info().
		Str("address", conn.Address()).
		Str("customer_id", customerID).
		Msg("Measurement started")

	return conn.Address(), nil
}

// Status returns every registered device ordered by address.
func (r *Registry) Status() []DeviceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]DeviceStatus, 0, len(r.devices))
	for addr, conn := range r.devices {
		_, pending := r.pending[addr]
		out = append(out, DeviceStatus{
			Address:          addr,
			Kind:             conn.Kind(),
			State:            conn.State(),
			Capabilities:     conn.Capabilities(),
			Stats:            conn.Stats(),
			Uses:             r.uses[addr],
			ReconnectPending: pending,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	return out
}

// Descriptors returns the result of the last discovery.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Descriptor(nil), r.lastScan...)
}

// Counters returns a copy of the registry wide counters.
func (r *Registry) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.counters
	c.PerDevice = make(map[string]uint64, len(r.counters.PerDevice))
	for k, v := range r.counters.PerDevice {
		c.PerDevice[k] = v
	}
	return c
}

// Device returns the connection registered at address.
func (r *Registry) Device(address string) (device.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.devices[address]
	return conn, ok
}

func (r *Registry) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, conn := range r.devices {
		if conn.State().IsConnected() {
			n++
		}
	}
	return n
}

// onMeasurement runs on the delivering device's poll goroutine, so
// records of one device reach collaborators in read order.
func (r *Registry) onMeasurement(rec *measurement.Record) {
	r.mu.Lock()
	r.counters.Measurements++
	if rec.Status == measurement.StatusError {
		r.counters.Failed++
	}
	r.counters.PerDevice[rec.DeviceID]++
	r.counters.LastMeasurement = time.Now()
	kind := device.KindUnknown
	if conn, ok := r.devices[rec.DeviceID]; ok {
		kind = conn.Kind()
	}
	observers := append([]Observer(nil), r.observers...)
	ctx := r.ctx
	r.mu.Unlock()

	r.metrics.MeasurementDelivered(kind, rec.Status)

	// Records read while the registry stops are still handed over.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()

	if r.sink != nil {
		id, err := r.sink.Save(ctx, rec)
		if err != nil {
			r.countError(&r.counters.SinkErrors)
			r.log.Error().Str("record_id", rec.ID).Err(err).Msg("Failed to store measurement")
		} else {
			r.log.Debug().Str("record_id", rec.ID).Str("stored_id", id).Msg("Measurement stored")
		}
	}

	if r.syncer != nil {
		if err := r.syncer.Sync(ctx, rec); err != nil {
			r.countError(&r.counters.SyncErrors)
			r.log.Warn().Str("record_id", rec.ID).Err(err).Msg("Failed to sync measurement")
		}
	}

	for _, o := range observers {
		o(rec)
	}
}

func (r *Registry) countError(c *uint64) {
	r.mu.Lock()
	*c++
	r.mu.Unlock()
}

func (r *Registry) onStatus(address string, from, to device.State) {
	r.log.Debug().
		Str("address", address).
		Str("from", from.String()).
		Str("state", to.String()).
		Msg("Device state changed")
}

func (r *Registry) onError(address string, err error, errorCount int) {
	r.log.Warn().
		Str("address", address).
		Int("error_count", errorCount).
		Err(err).
		Msg("Device reported error")

	if errorCount > r.cfg.ErrorThreshold {
		r.fail(address, "error threshold exceeded")
	}
}
