package store

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Batch is a long-lived write transaction on one pooled handle. Items run
// under savepoints so a failed item leaves no trace, and the transaction is
// committed every commitEvery successful items.
type Batch struct {
	pool        *Pool
	handle      *Handle
	log         *zap.Logger
	ctx         context.Context
	tx          *gorm.DB
	commitEvery int
	pending     int
	committed   int
	lost        int
	done        bool
}

// BeginBatch holds a handle until Close or Rollback.
func (r *Repository) BeginBatch(ctx context.Context, commitEvery int) (*Batch, error) {
	if commitEvery <= 0 {
		commitEvery = 10
	}
	h, err := r.pool.Acquire(ctx, 0)
	if err != nil {
		return nil, wrapDB(err)
	}
	b := &Batch{
		pool:        r.pool,
		handle:      h,
		log:         r.log,
		ctx:         ctx,
		commitEvery: commitEvery,
	}
	if err := b.begin(); err != nil {
		r.pool.Release(h)
		return nil, err
	}
	return b, nil
}

func (b *Batch) begin() error {
	tx := b.handle.DB().WithContext(b.ctx).Begin()
	if tx.Error != nil {
		return ErrDatabase.Wrap(tx.Error)
	}
	b.tx = tx
	return nil
}

// Item runs fn inside a savepoint. On error the item's writes are undone and
// the error is returned; the batch stays usable. If the item triggers a
// commit that fails, or a new transaction cannot start, Item returns
// ErrBatchAborted and the batch is finished; Lost reports how many items went
// with it, this one included.
func (b *Batch) Item(fn func(tx *Tx) error) error {
	if b.done {
		return ErrDatabase.New("batch already finished")
	}
	err := b.tx.Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{db: tx})
	})
	if err != nil {
		return err
	}
	b.pending++
	if b.pending >= b.commitEvery {
		return b.flush()
	}
	return nil
}

func (b *Batch) flush() error {
	if err := b.commit(); err != nil {
		return err
	}
	if err := b.begin(); err != nil {
		b.finish()
		return ErrBatchAborted.Wrap(err)
	}
	return nil
}

// commit makes the pending items durable. On failure they are counted as lost
// and the batch is finished.
func (b *Batch) commit() error {
	if err := b.tx.Commit().Error; err != nil {
		b.lost += b.pending
		b.log.Warn("batch commit failed", zap.Int("lost", b.pending), zap.Error(err))
		b.pending = 0
		// The connection goes back to the pool; make sure no transaction
		// survives on it.
		_ = b.handle.DB().Exec("ROLLBACK").Error
		b.finish()
		return ErrBatchAborted.Wrap(wrapDB(err))
	}
	b.committed += b.pending
	b.log.Debug("batch committed", zap.Int("items", b.pending), zap.Int("total", b.committed))
	b.pending = 0
	return nil
}

func (b *Batch) finish() {
	b.done = true
	b.pool.Release(b.handle)
}

// Committed returns how many items are durable so far.
func (b *Batch) Committed() int { return b.committed }

// Lost returns how many successful items were discarded by a failed commit.
func (b *Batch) Lost() int { return b.lost }

// Close commits the outstanding items and releases the handle.
func (b *Batch) Close() error {
	if b.done {
		return nil
	}
	if err := b.commit(); err != nil {
		return err
	}
	b.finish()
	return nil
}

// Rollback discards items not yet committed and releases the handle.
func (b *Batch) Rollback() error {
	if b.done {
		return nil
	}
	defer b.finish()
	b.pending = 0
	if err := b.tx.Rollback().Error; err != nil {
		return ErrDatabase.Wrap(err)
	}
	return nil
}

// Tx is the write surface available to a batch item.
type Tx struct {
	db *gorm.DB
}

// InsertFile creates the row with a pending blob reference and returns the
// assigned id. A repeated (path, filename) pair fails with ErrDuplicate.
func (t *Tx) InsertFile(f *File) (int64, error) {
	if strings.TrimSpace(f.OriginalFilename) == "" || strings.TrimSpace(f.OriginalPath) == "" {
		return 0, ErrValidation.New("filename and path are required")
	}
	if f.SelectedLabel == "" {
		f.SelectedLabel = "unknown"
	}
	if f.SamplingRate == 0 {
		f.SamplingRate = DefaultSamplingRate
	}
	f.FileID = 0
	f.BinaryDataPath = PendingBlobRef
	f.DataChecksum = nil
	if err := t.db.Create(f).Error; err != nil {
		return 0, wrapDB(err)
	}
	return f.FileID, nil
}

// Exists reports whether (path, filename) is already cataloged.
func (t *Tx) Exists(path, filename string) (bool, error) {
	var n int64
	err := t.db.Model(&File{}).
		Where("original_path = ? AND original_filename = ?", path, filename).
		Count(&n).Error
	if err != nil {
		return false, wrapDB(err)
	}
	return n > 0, nil
}

// SetBlobRef points the row at its written blob.
func (t *Tx) SetBlobRef(id int64, name, checksum string, samples int64) error {
	if name == "" || name == PendingBlobRef {
		return ErrValidation.New("blob name must be set")
	}
	res := t.db.Model(&File{}).Where("file_id = ?", id).Updates(map[string]any{
		"binary_data_path": name,
		"data_checksum":    checksum,
		"total_samples":    samples,
		"updated_at":       now(),
	})
	if res.Error != nil {
		return wrapDB(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound.New("file %d", id)
	}
	return nil
}
