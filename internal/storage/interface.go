package storage

import (
	"context"

	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

// Store persists finalized measurement records. It satisfies
// registry.RecordSink.
type Store interface {
	Save(ctx context.Context, rec *measurement.Record) (string, error)
	Get(ctx context.Context, id string) (*measurement.Record, error)
	Recent(ctx context.Context, limit int) ([]*measurement.Record, error)
	Count(ctx context.Context) (int, error)
	Flush() error
	Close() error
}

// Repository is the batched database behind a Store.
type Repository interface {
	Insert(rec *measurement.Record) error
	Get(id string) (*measurement.Record, error)
	Recent(limit int) ([]*measurement.Record, error)
	Count() (int, error)
	Flush() error
	Close() error
}
