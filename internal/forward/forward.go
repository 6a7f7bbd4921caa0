// Package forward pushes delivered measurement records to message
// brokers. Every publisher implements the registry's sync client; Multi
// fans one record out to several of them.
package forward

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

// ContentType of every published body.
const ContentType = "application/json"

// Publisher forwards records to one destination.
type Publisher interface {
	Name() string
	Sync(ctx context.Context, rec *measurement.Record) error
	Close() error
}

// Encode renders rec as the JSON body sent to brokers.
func Encode(rec *measurement.Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New().WithMessage(ErrEncode, "nil record")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.New().Wrap(ErrEncode, err)
	}
	return body, nil
}

// Multi forwards each record to every publisher in order. A failing
// publisher does not stop the others.
type Multi struct {
	mu         sync.RWMutex
	publishers []Publisher
	log        logger.Logger
}

func NewMulti(publishers ...Publisher) *Multi {
	return &Multi{
		publishers: publishers,
		log:        logger.With("forward"),
	}
}

// Add appends p to the fan-out.
func (m *Multi) Add(p Publisher) {
	m.mu.Lock()
	m.publishers = append(m.publishers, p)
	m.mu.Unlock()
}

// Len returns the number of publishers.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishers)
}

func (m *Multi) snapshot() []Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Publisher(nil), m.publishers...)
}

// Sync returns nil only when every publisher succeeded.
func (m *Multi) Sync(ctx context.Context, rec *measurement.Record) error {
	var errs []error
	for _, p := range m.snapshot() {
		if err := p.Sync(ctx, rec); err != nil {
			m.log.Warn().
				Str("publisher", p.Name()).
				Str("record_id", rec.ID).
				Err(err).
				Msg("Failed to forward measurement")
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New().Wrap(ErrPartial, stderrors.Join(errs...))
}

// Close closes every publisher and returns the joined errors.
func (m *Multi) Close() error {
	var errs []error
	for _, p := range m.snapshot() {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
