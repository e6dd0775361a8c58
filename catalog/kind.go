package catalog

import (
	"context"
	"errors"

	"arc-catalog/blobstore"
	"arc-catalog/store"
)

// Kind is the outcome class a caller acts on. Transports map kinds to their
// own status vocabulary; nothing below this package knows about them.
type Kind int

const (
	OK Kind = iota
	NotFound
	Validation
	Conflict
	// Unavailable is transient; the caller may retry.
	Unavailable
	Corrupt
	Storage
	Internal
)

var kindNames = [...]string{
	OK:          "ok",
	NotFound:    "not_found",
	Validation:  "validation",
	Conflict:    "conflict",
	Unavailable: "unavailable",
	Corrupt:     "corrupt",
	Storage:     "storage",
	Internal:    "internal",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "internal"
	}
	return kindNames[k]
}

// Retryable reports whether the same call may succeed later unchanged.
func (k Kind) Retryable() bool { return k == Unavailable }

// KindOf classifies an error returned by this package, the repository or the
// blob store.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return OK
	case store.ErrNotFound.Has(err), blobstore.ErrNotFound.Has(err):
		return NotFound
	case store.ErrValidation.Has(err), blobstore.ErrInvalid.Has(err):
		return Validation
	case store.ErrDuplicate.Has(err):
		return Conflict
	case store.ErrPoolExhausted.Has(err), store.ErrBusy.Has(err), errors.Is(err, store.ErrPoolClosed),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Unavailable
	case blobstore.ErrCorrupt.Has(err), blobstore.ErrChecksumMismatch.Has(err):
		return Corrupt
	case store.ErrDatabase.Has(err), blobstore.ErrIO.Has(err):
		return Storage
	default:
		return Internal
	}
}
