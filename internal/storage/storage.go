// Package storage persists measurement records in SQLite. Records are
// buffered and written in batches; the schema is versioned and recreated,
// after an optional backup, when the version changes.
package storage

import (
	"context"

	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

// DefaultRecentLimit is used by Recent for a non-positive limit.
const DefaultRecentLimit = 50

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopStore struct{}

// NewService returns a Store for cfg, or a no-op Store that only hands back
// record ids when storage is disabled.
func NewService(cfg Config) (Store, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		logger.Debug().Msg("Record storage disabled, using no-op store")
		return &noopStore{}, nil
	}

	repo, err := NewRepository(cfg, logger.With("storage"))
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to create measurement repository")
		return nil, err
	}

	logger.Debug().
		Str("db_path", cfg.DBPath).
		Msg("Storage service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

// Save stores rec and returns its id.
func (s *service) Save(ctx context.Context, rec *measurement.Record) (string, error) {
	errFactory := errors.New()

	if rec == nil {
		return "", errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return "", errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	if err := s.repo.Insert(rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *service) Get(ctx context.Context, id string) (*measurement.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New().Wrap(ErrOperationTimeout, err)
	}
	return s.repo.Get(id)
}

func (s *service) Recent(ctx context.Context, limit int) ([]*measurement.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New().Wrap(ErrOperationTimeout, err)
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return s.repo.Recent(limit)
}

func (s *service) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.New().Wrap(ErrOperationTimeout, err)
	}
	return s.repo.Count()
}

func (s *service) Flush() error {
	return s.repo.Flush()
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*noopStore) Save(_ context.Context, rec *measurement.Record) (string, error) {
	if rec == nil {
		return "", errors.New().New(ErrInvalidRecord)
	}
	return rec.ID, nil
}

func (*noopStore) Get(_ context.Context, id string) (*measurement.Record, error) {
	return nil, errors.New().WithData(ErrNotFound, id)
}

func (*noopStore) Recent(context.Context, int) ([]*measurement.Record, error) { return nil, nil }
func (*noopStore) Count(context.Context) (int, error)                          { return 0, nil }
func (*noopStore) Flush() error                                                { return nil }
func (*noopStore) Close() error                                                { return nil }
