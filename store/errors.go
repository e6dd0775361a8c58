package store

import (
	"errors"
	"strings"

	"github.com/zeebo/errs"
	"gorm.io/gorm"
)

var (
	// ErrValidation is returned for malformed caller input. Nothing is written.
	ErrValidation = errs.Class("validation")
	// ErrNotFound is returned when a file or status row does not exist.
	ErrNotFound = errs.Class("not found")
	// ErrDuplicate is returned when (original_path, original_filename) is already cataloged.
	ErrDuplicate = errs.Class("duplicate")
	// ErrPoolExhausted is returned when no handle frees up before the acquire timeout.
	// Callers may retry.
	ErrPoolExhausted = errs.Class("pool exhausted")
	// ErrBusy is returned when SQLite lock contention outlasted the busy
	// timeout, typically while an ingestion batch holds the write lock.
	// Callers may retry.
	ErrBusy = errs.Class("database busy")
	// ErrBatchAborted is returned once a batch commit fails. The items of the
	// failed transaction are lost and the batch is finished.
	ErrBatchAborted = errs.Class("batch aborted")
	// ErrDatabase wraps failures of the underlying store.
	ErrDatabase = errs.Class("database")

	// ErrPoolClosed is returned by Acquire after CloseAll.
	ErrPoolClosed = errs.New("pool closed")
)

// wrapDB classifies a gorm error. Record-not-found and unique violations keep
// their own classes so the boundary can tell them apart from storage failures.
func wrapDB(err error) error {
	switch {
	case err == nil:
		return nil
	case ErrNotFound.Has(err), ErrValidation.Has(err), ErrDuplicate.Has(err), ErrPoolExhausted.Has(err),
		ErrBusy.Has(err), ErrDatabase.Has(err):
		return err
	case errors.Is(err, ErrPoolClosed):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound.Wrap(err)
	case isUniqueViolation(err):
		return ErrDuplicate.Wrap(err)
	case isBusy(err):
		return ErrBusy.Wrap(err)
	default:
		return ErrDatabase.Wrap(err)
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy matches SQLITE_BUSY and SQLITE_LOCKED as reported by the driver.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
