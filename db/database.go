// Package db provides functions to initialize and manage the SQLite database for sitedock.
package db

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the database at path and brings its schema up to date
func InitDB(path string, busyTimeout time.Duration) (*gorm.DB, error) {
	slog.Debug("Initializing database", "path", path)

	db, err := InitDatabase(DBConfig{
		Path:        path,
		LogLevel:    getGormLogLevel(),
		BusyTimeout: busyTimeout,
	})
	if err != nil {
		return nil, err
	}

	if err := AutoMigrateAll(db); err != nil {
		slog.Error("Failed to migrate database", "path", path, "error", err)
		return nil, err
	}

	slog.Debug("Database initialized successfully", "path", path)
	return db, nil
}

// getGormLogLevel maps application log level to corresponding GORM log level
func getGormLogLevel() logger.LogLevel {
	ctx := slog.Default()

	if ctx.Enabled(context.TODO(), slog.LevelDebug) {
		return logger.Info // Show SQL queries only when debug logging is enabled
	} else if ctx.Enabled(context.TODO(), slog.LevelInfo) {
		return logger.Warn
	} else if ctx.Enabled(context.TODO(), slog.LevelWarn) {
		return logger.Warn
	} else if ctx.Enabled(context.TODO(), slog.LevelError) {
		return logger.Error
	} else {
		return logger.Silent
	}
}
