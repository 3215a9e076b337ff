// Package analytics provides SQLite-based audit storage for completed runs.
// Rows written here are the durable record of a run; the conversation state
// itself is discarded after Finalize.
package analytics

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"supportflow/pkg/logx"
)

//nolint:gochecknoglobals // Intentional singleton pattern for database access
var (
	globalDB     *sql.DB
	globalDBOnce sync.Once
	globalDBMu   sync.RWMutex
	dbLogger     *logx.Logger
)

// Initialize sets up the singleton database connection. Must be called once
// at startup before any writes; subsequent calls are no-ops.
func Initialize(dbPath string) error {
	var initErr error

	globalDBOnce.Do(func() {
		dbLogger = logx.NewLogger("analytics")

		db, err := sql.Open("sqlite", fmt.Sprintf(
			"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
			dbPath,
		))
		if err != nil {
			initErr = fmt.Errorf("failed to open database: %w", err)
			return
		}

		if err := db.Ping(); err != nil {
			_ = db.Close()
			initErr = fmt.Errorf("failed to ping database: %w", err)
			return
		}

		if err := initializeSchema(db); err != nil {
			_ = db.Close()
			initErr = fmt.Errorf("failed to initialize schema: %w", err)
			return
		}

		// SQLite supports a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		globalDB = db
		dbLogger.Info("📦 Analytics database initialized: %s", dbPath)
	})

	return initErr
}

func initializeSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id            TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL,
			status            TEXT NOT NULL,
			hop_count         INTEGER NOT NULL,
			action_count      INTEGER NOT NULL,
			validation_count  INTEGER NOT NULL,
			escalation_source TEXT,
			escalation_reason TEXT,
			error             TEXT,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS hops (
			run_id               TEXT NOT NULL REFERENCES runs(run_id),
			hop_number           INTEGER NOT NULL,
			plan_reasoning       TEXT,
			gather_success_rate  REAL,
			coverage_next_action TEXT,
			coverage_confidence  REAL,
			coverage_overridden  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, hop_number)
		)`,
		`CREATE TABLE IF NOT EXISTS actions (
			run_id          TEXT NOT NULL REFERENCES runs(run_id),
			seq             INTEGER NOT NULL,
			tool_name       TEXT NOT NULL,
			success         INTEGER NOT NULL,
			requires_review INTEGER NOT NULL,
			hop_number      INTEGER NOT NULL,
			error           TEXT,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS validations (
			run_id    TEXT NOT NULL REFERENCES runs(run_id),
			attempt   INTEGER NOT NULL,
			passed    INTEGER NOT NULL,
			next_step TEXT NOT NULL,
			PRIMARY KEY (run_id, attempt)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// GetDB returns the singleton database connection.
// Panics if Initialize has not been called.
func GetDB() *sql.DB {
	globalDBMu.RLock()
	defer globalDBMu.RUnlock()

	if globalDB == nil {
		panic("analytics.Initialize must be called before GetDB")
	}
	return globalDB
}

// IsInitialized returns true if the database has been initialized.
func IsInitialized() bool {
	globalDBMu.RLock()
	defer globalDBMu.RUnlock()
	return globalDB != nil
}

// Close closes the database connection during shutdown.
func Close() error {
	globalDBMu.Lock()
	defer globalDBMu.Unlock()

	if globalDB != nil {
		err := globalDB.Close()
		globalDB = nil
		if err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

// Reset closes the database and resets the singleton for tests.
func Reset() error {
	globalDBMu.Lock()
	defer globalDBMu.Unlock()

	if globalDB != nil {
		if err := globalDB.Close(); err != nil {
			return fmt.Errorf("failed to close database during reset: %w", err)
		}
		globalDB = nil
	}
	globalDBOnce = sync.Once{}
	dbLogger = nil
	return nil
}
