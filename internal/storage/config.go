package storage

import (
	"time"

	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/actiwell/measurements.db"

	defaultBatchSize     = 16
	defaultFlushInterval = 5 * time.Second

	backupDirName = "backups"
)

type Config struct {
	DBPath          string
	BatchSize       int
	FlushInterval   time.Duration
	BackupOnMigrate bool
	Enabled         bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:          defaultDBPath,
		BatchSize:       defaultBatchSize,
		FlushInterval:   defaultFlushInterval,
		BackupOnMigrate: true,
		Enabled:         true,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate the rest if storage is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 1 {
		return errFactory.WithData(ErrInvalidConfig, c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return errFactory.WithData(ErrInvalidConfig, c.FlushInterval.String())
	}
	return nil
}
