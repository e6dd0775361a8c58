// Package ingest converts a raw capture tree into catalog rows and blobs.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"arc-catalog/blobstore"
	"arc-catalog/store"
)

const DefaultCommitEvery = 10

type RunnerConfig struct {
	SourceDir string
	// CommitEvery is the number of experiments per committed transaction.
	CommitEvery int
	// MaxSamples caps each channel before pairing.
	MaxSamples int
	// Timeout stops the run between experiments. Zero means no limit.
	Timeout time.Duration
	// LabelDirs maps capture directory names to labels. Nil uses DefaultLabelDirs.
	LabelDirs map[string]string
}

type Runner struct {
	cfg   RunnerConfig
	repo  *store.Repository
	blobs *blobstore.Store
	log   *zap.Logger
}

// Stats counts experiment directories by outcome. Duplicates and Incomplete
// are included in Errors.
type Stats struct {
	Found      int
	Processed  int
	Errors     int
	Duplicates int
	Incomplete int
	Elapsed    time.Duration
}

func NewRunner(cfg RunnerConfig, repo *store.Repository, blobs *blobstore.Store, log *zap.Logger) (*Runner, error) {
	if strings.TrimSpace(cfg.SourceDir) == "" {
		return nil, Error.New("SourceDir is required")
	}
	abs, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	cfg.SourceDir = abs
	info, err := os.Stat(cfg.SourceDir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !info.IsDir() {
		return nil, Error.New("SourceDir %q is not a directory", cfg.SourceDir)
	}
	if repo == nil || blobs == nil {
		return nil, Error.New("repository and blob store are required")
	}
	if cfg.CommitEvery <= 0 {
		cfg.CommitEvery = DefaultCommitEvery
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.LabelDirs == nil {
		cfg.LabelDirs = DefaultLabelDirs
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, repo: repo, blobs: blobs, log: log}, nil
}

func isDeadlineExceeded(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

// Run ingests every experiment under SourceDir. Per-experiment failures are
// counted and skipped. The returned error reports conditions that stopped the
// run early; Stats is always returned.
func (r *Runner) Run(ctx context.Context) (*Stats, error) {
	start := time.Now()
	stats := &Stats{}
	defer func() { stats.Elapsed = time.Since(start) }()

	deadline := time.Time{}
	if r.cfg.Timeout > 0 {
		deadline = start.Add(r.cfg.Timeout)
	}
	r.log.Debug("ingest start",
		zap.String("source", r.cfg.SourceDir),
		zap.Int("commit_every", r.cfg.CommitEvery),
		zap.Int("max_samples", r.cfg.MaxSamples),
		zap.Strings("label_dirs", sortedKeys(r.cfg.LabelDirs)),
		zap.Duration("timeout", r.cfg.Timeout))

	exps, incomplete, err := Scan(r.cfg.SourceDir)
	if err != nil {
		return stats, err
	}
	stats.Found = len(exps) + len(incomplete)
	for _, inc := range incomplete {
		stats.Errors++
		stats.Incomplete++
		r.log.Warn("experiment skipped",
			zap.String("dir", inc.Dir),
			zap.String("reason", inc.Reason),
			zap.Int("ch1", len(inc.Ch1)),
			zap.Int("ch4", len(inc.Ch4)))
	}
	r.log.Info("experiments found", zap.Int("complete", len(exps)), zap.Int("incomplete", len(incomplete)))

	batch, err := r.repo.BeginBatch(ctx, r.cfg.CommitEvery)
	if err != nil {
		return stats, err
	}
	for _, exp := range exps {
		if err := ctx.Err(); err != nil {
			return stats, errs.Combine(err, batch.Rollback())
		}
		if isDeadlineExceeded(deadline) {
			return stats, errs.Combine(ErrTimeout, r.closeBatch(batch, stats))
		}
		id, err := r.ingestOne(batch, exp)
		if store.ErrBatchAborted.Has(err) {
			// The item itself was written before the transaction failed.
			stats.Processed++
			r.dropLost(batch, stats)
			return stats, err
		}
		if err != nil {
			stats.Errors++
			if store.ErrDuplicate.Has(err) {
				stats.Duplicates++
			}
			r.log.Warn("experiment failed", zap.String("dir", exp.Dir), zap.Error(err))
			continue
		}
		stats.Processed++
		r.log.Debug("experiment cataloged", zap.String("dir", exp.Dir), zap.Int64("file_id", id))
		if stats.Processed%r.cfg.CommitEvery == 0 {
			r.log.Info("progress", zap.Int("processed", stats.Processed), zap.Int("errors", stats.Errors))
		}
	}
	if err := r.closeBatch(batch, stats); err != nil {
		return stats, err
	}
	r.log.Info("ingest done",
		zap.Int("found", stats.Found),
		zap.Int("processed", stats.Processed),
		zap.Int("errors", stats.Errors),
		zap.Int("duplicates", stats.Duplicates),
		zap.Duration("elapsed", time.Since(start)))
	return stats, nil
}

func (r *Runner) closeBatch(batch *store.Batch, stats *Stats) error {
	err := batch.Close()
	if err != nil {
		r.dropLost(batch, stats)
	}
	return err
}

// dropLost moves the items discarded by a failed commit from Processed to
// Errors.
func (r *Runner) dropLost(batch *store.Batch, stats *Stats) {
	n := batch.Lost()
	if n == 0 {
		return
	}
	stats.Processed -= n
	stats.Errors += n
	r.log.Error("uncommitted experiments lost", zap.Int("lost", n), zap.Int("processed", stats.Processed))
}

// ingestOne inserts the row, writes the blob keyed by the new id and points
// the row at it, all inside one savepoint. A crash after the blob write but
// before commit leaves an orphan blob and no row.
func (r *Runner) ingestOne(batch *store.Batch, exp Experiment) (int64, error) {
	info := ParseExperiment(exp.Dir, r.cfg.LabelDirs)
	var id int64
	err := batch.Item(func(tx *store.Tx) error {
		exists, err := tx.Exists(exp.Dir, info.Name)
		if err != nil {
			return err
		}
		if exists {
			return store.ErrDuplicate.New("%s already cataloged", exp.Dir)
		}

		voltage, err := LoadChannel(exp.Ch1, r.cfg.MaxSamples)
		if err != nil {
			return err
		}
		current, err := LoadChannel(exp.Ch4, r.cfg.MaxSamples)
		if err != nil {
			return err
		}
		n := min(len(voltage), len(current))
		voltage, current = voltage[:n], current[:n]

		id, err = tx.InsertFile(&store.File{
			OriginalFilename:       info.Name,
			OriginalPath:           exp.Dir,
			OriginalLabelDirectory: info.LabelDir,
			SelectedLabel:          info.Label,
			VoltageLevel:           info.Voltage,
			CurrentLevel:           info.Current,
			Datestamp:              info.Date,
			TotalSamples:           int64(n),
		})
		if err != nil {
			return err
		}
		saved, err := r.blobs.Save(id, voltage, current)
		if err != nil {
			return err
		}
		return tx.SetBlobRef(id, saved.Name, saved.Checksum, saved.Samples)
	})
	return id, err
}

// Summary reports store-wide aggregates for the closing report.
func (r *Runner) Summary(ctx context.Context) (*store.CatalogStats, error) {
	return r.repo.CatalogStats(ctx)
}
