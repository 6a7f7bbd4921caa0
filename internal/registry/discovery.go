package registry

import (
	"context"
	"sort"

	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
)

// Discover scans the serial patterns, adds the declared devices and the
// HL7 listener, and records the result. Connected serial paths are
// reported without probing them again.
func (r *Registry) Discover(ctx context.Context) ([]Descriptor, error) {
	found := make(map[string]Descriptor)

	for _, pattern := range r.cfg.SerialPatterns {
		paths, err := r.glob(pattern)
		if err != nil {
			r.log.Warn().Str("pattern", pattern).Err(err).Msg("Invalid serial pattern")
			continue
		}
		for _, path := range paths {
			found[path] = Descriptor{
				Address: path,
				Kind:    device.KindSerialScale,
				Status:  r.probeStatus(ctx, path, StatusPotential),
			}
		}
	}

	for _, d := range r.cfg.Declared {
		d.Declared = true
		if prev, ok := found[d.Address]; ok {
			d.Status = prev.Status
			if d.Kind == device.KindUnknown {
				d.Kind = prev.Kind
			}
		} else if d.Kind == device.KindHL7Analyzer {
			d.Status = StatusDetected
		} else {
			d.Status = r.probeStatus(ctx, d.Address, StatusUnknown)
		}
		found[d.Address] = d
	}

	if r.cfg.HL7Address != "" {
		if _, ok := found[r.cfg.HL7Address]; !ok {
			found[r.cfg.HL7Address] = Descriptor{
				Address: r.cfg.HL7Address,
				Kind:    device.KindHL7Analyzer,
				Status:  StatusDetected,
			}
		}
	}

	out := make([]Descriptor, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	r.mu.Lock()
	r.lastScan = out
	r.mu.Unlock()

	r.log.Debug().Int("endpoints", len(out)).Msg("Discovery finished")

	return append([]Descriptor(nil), out...), ctx.Err()
}

func (r *Registry) probeStatus(ctx context.Context, path string, failed DiscoveryStatus) DiscoveryStatus {
	if conn, ok := r.Device(path); ok && conn.State().IsConnected() {
		return StatusDetected
	}
	if err := r.probe(ctx, path); err != nil {
		r.log.Debug().Str("address", path).Err(err).Msg("Probe failed")
		return failed
	}
	return StatusDetected
}

// connectDetected connects every detected descriptor that has no healthy
// connection and no reconnect pending. It returns the number of new
// connections.
func (r *Registry) connectDetected(ctx context.Context, descriptors []Descriptor) int {
	n := 0
	for _, d := range descriptors {
		if d.Status != StatusDetected || ctx.Err() != nil {
			continue
		}

		r.mu.Lock()
		existing, ok := r.devices[d.Address]
		_, pending := r.pending[d.Address]
		r.mu.Unlock()
		if pending || (ok && existing.ValidateConnection()) {
			continue
		}

		if _, err := r.ConnectDevice(ctx, d); err != nil {
			r.log.Warn().
				Str("address", d.Address).
				Str("kind", d.Kind.Resolve().String()).
				Err(err).
				Msg("Failed to connect device")
			continue
		}
		n++
	}
	return n
}
