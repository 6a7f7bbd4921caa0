package registry

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device/hl7"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device/tanita"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
)

// Protocols holds the per protocol templates used by DefaultFactory. The
// descriptor supplies the address.
type Protocols struct {
	Serial tanita.Config
	HL7    hl7.Config
}

// DefaultFactory builds Tanita scales for serial descriptors, and for
// descriptors of unknown kind, and HL7 servers for analyzer descriptors.
func DefaultFactory(p Protocols) Factory {
	return func(d Descriptor) (device.Connection, error) {
		switch d.Kind.Resolve() {
		case device.KindHL7Analyzer:
			cfg := p.HL7
			host, port, err := net.SplitHostPort(d.Address)
			if err != nil {
				return nil, errors.New().Wrap(ErrInvalidDescriptor, err)
			}
			n, err := strconv.Atoi(port)
			if err != nil {
				return nil, errors.New().Wrap(ErrInvalidDescriptor, err)
			}
			cfg.Host, cfg.DataPort = host, n
			return hl7.New(cfg), nil
		default:
			cfg := p.Serial
			cfg.Path = d.Address
			return tanita.New(cfg), nil
		}
	}
}

// SerialProber probes paths with tanita.Probe.
func SerialProber(baudRate int, timeout time.Duration, open tanita.Opener) Prober {
	return func(ctx context.Context, path string) error {
		return tanita.Probe(ctx, path, baudRate, timeout, open)
	}
}
