package registry

import (
	"time"
)

func (r *Registry) healthLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.checkHealth()
		}
	}
}

func (r *Registry) discoveryLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			descriptors, err := r.Discover(r.ctx)
			if err != nil {
				continue
			}
			if n := r.connectDetected(r.ctx, descriptors); n > 0 {
				r.log.Info().Int("devices", n).Msg("Connected newly discovered devices")
			}
		}
	}
}

// checkHealth validates every device without a pending reconnect and
// fails the ones that do not answer.
func (r *Registry) checkHealth() {
	r.mu.Lock()
	addrs := make([]string, 0, len(r.devices))
	for addr := range r.devices {
		if _, pending := r.pending[addr]; !pending {
			addrs = append(addrs, addr)
		}
	}
	r.mu.Unlock()

	for _, addr := range addrs {
		conn, ok := r.Device(addr)
		if !ok || conn.ValidateConnection() {
			continue
		}
		r.metrics.HealthCheckFailed(addr)
		r.fail(addr, "health check failed")
	}
}

// fail disconnects the device at address and schedules one reconnect
// after the reconnect delay. Calls while a reconnect is pending are
// ignored. It never blocks, so it is safe from a device handler.
func (r *Registry) fail(address, reason string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if _, pending := r.pending[address]; pending {
		r.mu.Unlock()
		return
	}
	conn, ok := r.devices[address]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.pending[address] = nil
	r.counters.ReconnectsScheduled++
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.ReconnectScheduled(address)
	r.log.Warn().
		Str("address", address).
		Str("reason", reason).
		Dur("delay", r.cfg.ReconnectDelay).
		Msg("Scheduling reconnect")

	go func() {
		defer r.wg.Done()

		if err := conn.Disconnect(); err != nil {
			r.log.Debug().Str("address", address).Err(err).Msg("Failed to disconnect failed device")
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if _, pending := r.pending[address]; !pending || r.stopped {
			return
		}
		r.pending[address] = time.AfterFunc(r.cfg.ReconnectDelay, func() { r.reconnect(address) })
	}()
}

func (r *Registry) reconnect(address string) {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	delete(r.pending, address)
	conn, ok := r.devices[address]
	ctx := r.ctx
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := conn.Connect(ctx); err != nil {
		r.log.Warn().Str("address", address).Err(err).Msg("Reconnect failed")
		_ = conn.Disconnect()
		r.fail(address, "reconnect failed")
		return
	}

	r.log.Info().Str("address", address).Msg("Device reconnected")
}
