package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DBConfig holds configuration options for database initialization
type DBConfig struct {
	// Path specifies the database file path. Use ":memory:" for in-memory database
	Path string
	// LogLevel specifies the GORM logging level
	LogLevel logger.LogLevel
	// BusyTimeout is how long a writer waits on a locked database before failing
	BusyTimeout time.Duration
}

// dsn builds the sqlite connection string. Writers take the lock when the
// transaction begins so concurrent units of work serialise instead of
// failing halfway through.
func (c DBConfig) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if c.Path == ":memory:" {
		return fmt.Sprintf("file::memory:?_busy_timeout=%d&_txlock=immediate", busy.Milliseconds())
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate", c.Path, busy.Milliseconds())
}

// InitDatabase creates and configures a SQLite database with the given configuration
// The caller is responsible for running migrations after getting the DB instance
func InitDatabase(config DBConfig) (*gorm.DB, error) {
	if config.Path == ":memory:" {
		slog.Debug("Initializing in-memory database")
	} else {
		// Ensure data directory exists
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create data directory", "dir", dir, "error", err)
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		slog.Debug("Initializing file-based database", "path", config.Path)
	}

	dsn := config.dsn()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(config.LogLevel),
	})
	if err != nil {
		slog.Error("Failed to connect to database", "dsn", dsn, "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	// Configure SQLite pragmas
	pragmas := "PRAGMA foreign_keys = ON;"

	// Add performance optimizations for file-based databases
	if config.Path != ":memory:" {
		pragmas += `
		PRAGMA legacy_alter_table = OFF;
		PRAGMA journal_mode       = WAL;
		PRAGMA synchronous        = NORMAL;
		PRAGMA mmap_size          = 134217728;
		PRAGMA journal_size_limit = 27103364;
		PRAGMA cache_size         = 2000;`
	}

	if err := db.Exec(pragmas).Error; err != nil {
		slog.Error("Failed to configure database", "error", err)
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if config.Path == ":memory:" {
		slog.Debug("Database initialized successfully (in-memory)")
	} else {
		slog.Debug("Database initialized successfully", "path", config.Path)
	}

	return db, nil
}
