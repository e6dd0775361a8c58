package store

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultBusyTimeout is how long a connection waits on the SQLite write lock.
const DefaultBusyTimeout = 5 * time.Second

func now() time.Time { return time.Now().UTC() }

// DSN builds the connection string for the catalog file. WAL lets readers
// proceed while the single writer holds an open batch.
func DSN(path string, busyTimeout time.Duration) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve sqlite path: %w", err)
	}
	busy := int(busyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = int(DefaultBusyTimeout / time.Millisecond)
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + abs + "?" + q.Encode(), nil
}

// OpenDB opens one handle to the catalog, limited to a single connection.
// The schema is migrated only when migrate is set.
func OpenDB(path string, busyTimeout time.Duration, migrate bool, debug bool) (*gorm.DB, error) {
	dsn, err := DSN(path, busyTimeout)
	if err != nil {
		return nil, err
	}
	level := logger.Silent
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc:        now,
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if migrate {
		if err := db.AutoMigrate(&File{}, &ExperimentStatus{}, &Rejection{}); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return db, nil
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
