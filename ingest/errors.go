package ingest

import "github.com/zeebo/errs"

// Error wraps configuration and per-experiment failures. Experiment failures
// are counted and logged; they never abort a run.
var Error = errs.Class("ingest")

// ErrTimeout is returned by Run when the configured timeout elapses between
// experiments. Work finished before that point is committed.
var ErrTimeout = errs.New("ingest timeout exceeded")
