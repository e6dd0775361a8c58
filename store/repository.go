package store

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RejectStatus is the status written by AddRejection.
const RejectStatus = "reject"

// Repository is the typed catalog API. Every call acquires a pooled handle,
// commits before returning, and releases the handle.
type Repository struct {
	pool *Pool
	log  *zap.Logger
	// now is the repository clock; the 24h review window is relative to it.
	now func() time.Time
}

func NewRepository(pool *Pool, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{pool: pool, log: log, now: now}
}

func (r *Repository) with(ctx context.Context, fn func(db *gorm.DB) error) error {
	return wrapDB(r.pool.With(ctx, fn))
}

func validID(id int64) error {
	if id <= 0 {
		return ErrValidation.New("file id must be positive, got %d", id)
	}
	return nil
}

func (r *Repository) ListFiles(ctx context.Context, label string) ([]FileSummary, error) {
	var out []FileSummary
	err := r.with(ctx, func(db *gorm.DB) error {
		q := db.Model(&File{})
		if label != "" {
			q = q.Where("selected_label = ?", label)
		}
		return q.Order("file_id").Find(&out).Error
	})
	return out, err
}

func (r *Repository) ListFileIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.with(ctx, func(db *gorm.DB) error {
		return db.Model(&File{}).Order("file_id").Pluck("file_id", &ids).Error
	})
	return ids, err
}

func (r *Repository) ListBlobRefs(ctx context.Context) ([]BlobRef, error) {
	var out []BlobRef
	err := r.with(ctx, func(db *gorm.DB) error {
		return db.Model(&File{}).Select("file_id, binary_data_path, data_checksum").Order("file_id").Scan(&out).Error
	})
	return out, err
}

func (r *Repository) GetFile(ctx context.Context, id int64) (*File, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var f File
	err := r.with(ctx, func(db *gorm.DB) error {
		return db.Where("file_id = ?", id).Take(&f).Error
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpdateLabel sets the selected label. Membership in the label set is checked
// by the caller; this layer only rejects an empty label.
func (r *Repository) UpdateLabel(ctx context.Context, id int64, label string) error {
	if err := validID(id); err != nil {
		return err
	}
	if strings.TrimSpace(label) == "" {
		return ErrValidation.New("label must not be empty")
	}
	return r.with(ctx, func(db *gorm.DB) error {
		res := db.Model(&File{}).Where("file_id = ?", id).Updates(map[string]any{
			"selected_label": label,
			"updated_at":     r.now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound.New("file %d", id)
		}
		return nil
	})
}

// UpdateTransients overwrites all three markers. A nil marker is stored as
// NULL even if it held a value: callers resend the markers they keep.
func (r *Repository) UpdateTransients(ctx context.Context, id int64, t1, t2, t3 *int64) error {
	if err := validID(id); err != nil {
		return err
	}
	for i, t := range []*int64{t1, t2, t3} {
		if t != nil && *t < 0 {
			return ErrValidation.New("transient%d index must not be negative, got %d", i+1, *t)
		}
	}
	return r.with(ctx, func(db *gorm.DB) error {
		res := db.Model(&File{}).Where("file_id = ?", id).Updates(map[string]any{
			"transient1_index": t1,
			"transient2_index": t2,
			"transient3_index": t3,
			"updated_at":       r.now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound.New("file %d", id)
		}
		return nil
	})
}

type StatusUpdate struct {
	FileID     int64
	Status     string
	Reviewed   bool
	Notes      *string
	Reviewer   *string
	Confidence *float64
}

func (u StatusUpdate) validate() error {
	if err := validID(u.FileID); err != nil {
		return err
	}
	if strings.TrimSpace(u.Status) == "" {
		return ErrValidation.New("status must not be empty")
	}
	if u.Confidence != nil && (*u.Confidence < 0 || *u.Confidence > 1) {
		return ErrValidation.New("confidence must be within [0, 1], got %v", *u.Confidence)
	}
	return nil
}

// UpsertStatus inserts or updates the single status row of a file.
func (r *Repository) UpsertStatus(ctx context.Context, u StatusUpdate) error {
	if err := u.validate(); err != nil {
		return err
	}
	return r.with(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			return r.upsertStatus(tx, u)
		})
	})
}

func (r *Repository) upsertStatus(tx *gorm.DB, u StatusUpdate) error {
	var n int64
	if err := tx.Model(&File{}).Where("file_id = ?", u.FileID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound.New("file %d", u.FileID)
	}
	ts := r.now()
	row := ExperimentStatus{
		FileID:                   u.FileID,
		Status:                   u.Status,
		ManualReviewed:           u.Reviewed,
		ReviewerNotes:            u.Notes,
		ReviewedBy:               u.Reviewer,
		ClassificationConfidence: u.Confidence,
		ReviewedAt:               &ts,
		CreatedAt:                ts,
		UpdatedAt:                ts,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "file_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "manual_reviewed", "reviewer_notes", "reviewed_by",
			"classification_confidence", "reviewed_at", "updated_at",
		}),
	}).Create(&row).Error
}

func (r *Repository) GetStatus(ctx context.Context, id int64) (*ExperimentStatus, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var st ExperimentStatus
	err := r.with(ctx, func(db *gorm.DB) error {
		return db.Where("file_id = ?", id).Take(&st).Error
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// StatusFilter selects files by review state. Nil fields do not filter.
type StatusFilter struct {
	Status   *string
	Reviewed *bool
}

// ListFilesByStatus joins files with their optional status. Files without a
// status row only match when neither filter is set.
func (r *Repository) ListFilesByStatus(ctx context.Context, f StatusFilter) ([]FileWithStatus, error) {
	var out []FileWithStatus
	err := r.with(ctx, func(db *gorm.DB) error {
		q := db.Table("files AS f").
			Select(`f.file_id, f.original_filename, f.original_path, f.selected_label,
				f.transient1_index, f.transient2_index, f.transient3_index,
				f.voltage_level, f.current_level, f.binary_data_path,
				es.status, es.manual_reviewed, es.reviewer_notes, es.reviewed_at`).
			Joins("LEFT JOIN experiment_status AS es ON es.file_id = f.file_id")
		if f.Status != nil {
			q = q.Where("es.status = ?", *f.Status)
		}
		if f.Reviewed != nil {
			q = q.Where("es.manual_reviewed = ?", *f.Reviewed)
		}
		return q.Order("f.file_id").Scan(&out).Error
	})
	return out, err
}

func (r *Repository) StatusSummary(ctx context.Context) (*StatusSummary, error) {
	var sum StatusSummary
	err := r.with(ctx, func(db *gorm.DB) error {
		if err := db.Model(&ExperimentStatus{}).
			Select("status, COUNT(*) AS count").
			Group("status").
			Order("count DESC, status").
			Scan(&sum.ByStatus).Error; err != nil {
			return err
		}
		if err := db.Model(&ExperimentStatus{}).
			Select("manual_reviewed, COUNT(*) AS count").
			Group("manual_reviewed").
			Order("manual_reviewed").
			Scan(&sum.ByReviewed).Error; err != nil {
			return err
		}
		return db.Model(&ExperimentStatus{}).
			Where("reviewed_at >= ?", r.now().Add(-24*time.Hour)).
			Count(&sum.RecentReviews).Error
	})
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (r *Repository) LabelStatistics(ctx context.Context) ([]LabelCount, error) {
	var out []LabelCount
	err := r.with(ctx, func(db *gorm.DB) error {
		return labelHistogram(db, &out)
	})
	return out, err
}

func labelHistogram(db *gorm.DB, out *[]LabelCount) error {
	return db.Model(&File{}).
		Select("selected_label, COUNT(*) AS count").
		Group("selected_label").
		Order("count DESC, selected_label").
		Scan(out).Error
}

// Range is an inclusive numeric interval.
type Range struct {
	Min float64
	Max float64
}

type SearchQuery struct {
	// NamePattern matches as a substring of the filename.
	NamePattern string
	Voltage     *Range
	Current     *Range
}

func (q SearchQuery) validate() error {
	for name, rg := range map[string]*Range{"voltage": q.Voltage, "current": q.Current} {
		if rg != nil && rg.Min > rg.Max {
			return ErrValidation.New("%s range min %v exceeds max %v", name, rg.Min, rg.Max)
		}
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchFiles applies every set predicate conjunctively. Filename matching
// follows the store collation (ASCII case-insensitive in SQLite).
func (r *Repository) SearchFiles(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	var out []SearchResult
	err := r.with(ctx, func(db *gorm.DB) error {
		tx := db.Model(&File{}).Select("file_id, original_filename, selected_label, voltage_level, current_level")
		if q.NamePattern != "" {
			tx = tx.Where(`original_filename LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(q.NamePattern)+"%")
		}
		if q.Voltage != nil {
			tx = tx.Where("voltage_level BETWEEN ? AND ?", q.Voltage.Min, q.Voltage.Max)
		}
		if q.Current != nil {
			tx = tx.Where("current_level BETWEEN ? AND ?", q.Current.Min, q.Current.Max)
		}
		return tx.Order("file_id").Scan(&out).Error
	})
	return out, err
}

// AddRejection marks the file rejected and appends an audit row in one
// transaction.
func (r *Repository) AddRejection(ctx context.Context, id int64) (*Rejection, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var rej Rejection
	err := r.with(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var f File
			if err := tx.Where("file_id = ?", id).Take(&f).Error; err != nil {
				return err
			}
			notes := "rejected"
			if err := r.upsertStatus(tx, StatusUpdate{
				FileID:   id,
				Status:   RejectStatus,
				Reviewed: true,
				Notes:    &notes,
			}); err != nil {
				return err
			}
			rej = Rejection{
				FileID:        f.FileID,
				Filename:      f.OriginalFilename,
				OriginalPath:  f.OriginalPath,
				OriginalLabel: f.SelectedLabel,
				RejectedAt:    r.now(),
			}
			return tx.Create(&rej).Error
		})
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("file rejected", zap.Int64("file_id", id), zap.Int64("rejection_id", rej.RejectionID))
	return &rej, nil
}

func (r *Repository) ListRejections(ctx context.Context) ([]Rejection, error) {
	var out []Rejection
	err := r.with(ctx, func(db *gorm.DB) error {
		return db.Order("rejected_at DESC, rejection_id DESC").Find(&out).Error
	})
	return out, err
}

func aggregate(db *gorm.DB, column string, out *Aggregate) error {
	return db.Model(&File{}).
		Select("COUNT(" + column + ") AS n, " +
			"COALESCE(MIN(" + column + "), 0) AS min_v, " +
			"COALESCE(AVG(" + column + "), 0) AS avg_v, " +
			"COALESCE(MAX(" + column + "), 0) AS max_v").
		Where(column + " IS NOT NULL").
		Scan(out).Error
}

// CatalogStats reports store-wide aggregates: label histogram and the
// min/avg/max of sample counts and nominal test levels.
func (r *Repository) CatalogStats(ctx context.Context) (*CatalogStats, error) {
	var st CatalogStats
	err := r.with(ctx, func(db *gorm.DB) error {
		if err := db.Model(&File{}).Count(&st.TotalFiles).Error; err != nil {
			return err
		}
		if err := labelHistogram(db, &st.Labels); err != nil {
			return err
		}
		if err := aggregate(db, "total_samples", &st.Samples); err != nil {
			return err
		}
		if err := aggregate(db, "voltage_level", &st.Voltage); err != nil {
			return err
		}
		return aggregate(db, "current_level", &st.Current)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}
