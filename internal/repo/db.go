// Package repo implements the data persistence layer for domain entities,
// backed by GORM on a pure-Go SQLite engine. This file contains database
// bootstrapping helpers and schema migrations.
package repo

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-roomchat/internal/domain"
)

// OpenOptions tunes OpenSQLite.
type OpenOptions struct {
	BusyTimeout time.Duration // engine-level wait before a busy signal
	Tracing     bool          // install the OpenTelemetry GORM plugin
	LogLevel    logger.LogLevel
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
//
// The PRAGMAs are passed in the DSN so that every pooled connection gets
// them, not just the first one.
func OpenSQLite(path string, opts OpenOptions) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	dsn := path + "?" + q.Encode()

	level := opts.LogLevel
	if level == 0 {
		level = logger.Silent
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	if opts.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutQueryVariables())); err != nil {
			return nil, fmt.Errorf("install gorm tracing: %w", err)
		}
	}

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		if err := sqlDB.Ping(); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// AutoMigrate creates every table and index the chat core needs if absent.
// Schema evolution beyond that is the migration runner's job.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(domain.All()...)
}

// CheckSchema verifies that every table exists. It is used at startup after
// AutoMigrate so that a read-only or corrupted database fails fast.
func CheckSchema(ctx context.Context, db *gorm.DB) error {
	m := db.WithContext(ctx).Migrator()
	for _, model := range domain.All() {
		if !m.HasTable(model) {
			return fmt.Errorf("schema check: missing table for %T", model)
		}
	}
	return nil
}
