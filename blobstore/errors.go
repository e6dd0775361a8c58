package blobstore

import "github.com/zeebo/errs"

var (
	// ErrInvalid is returned for channel data that cannot form a blob.
	ErrInvalid = errs.Class("invalid waveform")
	// ErrNotFound is returned when no blob exists for an id.
	ErrNotFound = errs.Class("blob not found")
	// ErrIO wraps filesystem failures.
	ErrIO = errs.Class("blob io")
	// ErrCorrupt is returned when a blob cannot be decoded.
	ErrCorrupt = errs.Class("corrupt blob")
	// ErrChecksumMismatch is returned when a blob no longer matches its recorded digest.
	ErrChecksumMismatch = errs.Class("checksum mismatch")
)
