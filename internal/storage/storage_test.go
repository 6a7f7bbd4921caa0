package storage_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
	"github.com/vungocdu/actiwell-iot-sub000/internal/storage"
)

func testConfig(t *testing.T) storage.Config {
	t.Helper()
	return storage.Config{
		Enabled:         true,
		DBPath:          filepath.Join(t.TempDir(), "data", "measurements.db"),
		BatchSize:       1,
		FlushInterval:   time.Hour,
		BackupOnMigrate: true,
	}
}

func open(t *testing.T, cfg storage.Config) storage.Store {
	t.Helper()
	store, err := storage.NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(phone string, weight float64, at time.Time) *measurement.Record {
	rec := measurement.New("/dev/ttyUSB0", "serial_scale")
	rec.Timestamp = at
	rec.CustomerPhone = phone
	rec.WeightKg = weight
	rec.HeightCm = 170
	rec.BodyFatPercent = 22.5
	rec.SetSegmentLean(measurement.Trunk, 25.1)
	rec.SetSegmentFat(measurement.LeftArm, 18.2)
	rec.SetImpedance(50, 512.3)
	rec.Finalize(measurement.PolicyFramed)
	return rec
}

func rawCount(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM measurements").Scan(&n))
	return n
}

func TestSaveAndGet(t *testing.T) {
	store := open(t, testConfig(t))
	ctx := context.Background()

	rec := record("0987654321", 68.2, time.Date(2024, 10, 15, 10, 30, 0, 0, time.UTC))

	id, err := store.Save(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "0987654321", got.CustomerPhone)
	assert.InDelta(t, 68.2, got.WeightKg, 1e-9)
	assert.InDelta(t, rec.BMI, got.BMI, 1e-9)
	assert.InDelta(t, 25.1, got.Segmental[measurement.Trunk].LeanMassKg, 1e-9)
	assert.InDelta(t, 18.2, got.Segmental[measurement.LeftArm].FatPercent, 1e-9)
	assert.InDelta(t, 512.3, got.Impedance[50], 1e-9)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, rec.Quality, got.Quality)
	assert.True(t, rec.Timestamp.Equal(got.Timestamp))
	assert.True(t, got.Finalized())
}

func TestGetUnknown(t *testing.T) {
	store := open(t, testConfig(t))

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, storage.ErrNotFound))
}

func TestSaveBatches(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 3
	store := open(t, cfg)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 2; i++ {
		_, err := store.Save(ctx, record("0900000000", 60+float64(i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, rawCount(t, cfg.DBPath))

	_, err := store.Save(ctx, record("0900000000", 62, base.Add(2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, 3, rawCount(t, cfg.DBPath))
}

func TestPeriodicFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100
	cfg.FlushInterval = 20 * time.Millisecond
	store := open(t, cfg)

	_, err := store.Save(context.Background(), record("0900000000", 70, time.Now()))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return rawCount(t, cfg.DBPath) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRecentNewestFirst(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 10
	store := open(t, cfg)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := store.Save(ctx, record("0900000000", 60+float64(i), base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	recent, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.InDelta(t, 64, recent[0].WeightKg, 1e-9)
	assert.InDelta(t, 63, recent[1].WeightKg, 1e-9)
	assert.InDelta(t, 62, recent[2].WeightKg, 1e-9)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSaveSameIDReplaces(t *testing.T) {
	store := open(t, testConfig(t))
	ctx := context.Background()

	rec := record("0900000000", 60, time.Now())
	_, err := store.Save(ctx, rec)
	require.NoError(t, err)
	_, err = store.Save(ctx, rec)
	require.NoError(t, err)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCloseFlushesAndReopenKeepsData(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 50

	store, err := storage.NewService(cfg)
	require.NoError(t, err)

	_, err = store.Save(context.Background(), record("0900000000", 60, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Save(context.Background(), record("0900000000", 61, time.Now()))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, storage.ErrClosed))

	reopened := open(t, cfg)
	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(storage.BackupDir(cfg.DBPath))
	assert.True(t, os.IsNotExist(err), "no backup for a current schema")
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755))

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, datetime('now'));
		CREATE TABLE measurements (legacy TEXT);
		INSERT INTO measurements VALUES ('old');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store := open(t, cfg)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	backups, err := filepath.Glob(filepath.Join(storage.BackupDir(cfg.DBPath), "measurements_v99_*.db"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	check, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	defer check.Close()
	version, err := storage.GetSchemaVersion(check)
	require.NoError(t, err)
	assert.Equal(t, storage.SchemaVersion, version)
}

func TestSchemaMismatchWithoutBackup(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackupOnMigrate = false
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755))

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, datetime('now'));`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	open(t, cfg)

	_, err = os.Stat(storage.BackupDir(cfg.DBPath))
	assert.True(t, os.IsNotExist(err))
}

func TestDisabledStore(t *testing.T) {
	store, err := storage.NewService(storage.Config{Enabled: false})
	require.NoError(t, err)

	rec := record("0900000000", 60, time.Now())
	id, err := store.Save(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, store.Close())
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBPath = ""

	_, err := storage.NewService(cfg)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, storage.ErrInvalidDBPath))
}

func TestSaveCancelled(t *testing.T) {
	store := open(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Save(ctx, record("0900000000", 60, time.Now()))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, storage.ErrOperationTimeout))

	_, err = store.Save(context.Background(), nil)
	assert.True(t, errors.HasCode(err, storage.ErrInvalidRecord))
}
