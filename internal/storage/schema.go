package storage

import (
	"database/sql"
	stderrors "errors"

	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS measurements (
	       id                   TEXT PRIMARY KEY,
	       device_id            TEXT NOT NULL,
	       device_type          TEXT NOT NULL,
	       timestamp            INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       message_id           TEXT NOT NULL DEFAULT '',
	       customer_phone       TEXT NOT NULL DEFAULT '',
	       external_customer_id TEXT NOT NULL DEFAULT '',
	       weight_kg            REAL NOT NULL,
	       body_fat_percent     REAL NOT NULL,
	       status               TEXT NOT NULL CHECK (status IN ('complete', 'incomplete', 'error')),
	       quality              TEXT NOT NULL,
	       completeness         REAL NOT NULL,
	       issue_count          INTEGER NOT NULL,
	       payload              TEXT NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS idx_measurements_timestamp ON measurements (timestamp);
	   CREATE INDEX IF NOT EXISTS idx_measurements_phone ON measurements (customer_phone);`

	insertMeasurementSQL = `
    INSERT OR REPLACE INTO measurements (
        id, device_id, device_type, timestamp, message_id,
        customer_phone, external_customer_id,
        weight_kg, body_fat_percent,
        status, quality, completeness, issue_count,
        payload
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectByIDSQL = `SELECT payload FROM measurements WHERE id = ?`

	selectRecentSQL = `
    SELECT payload FROM measurements
    ORDER BY timestamp DESC, rowid DESC
    LIMIT ?`

	countSQL = `SELECT COUNT(*) FROM measurements`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !stderrors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
