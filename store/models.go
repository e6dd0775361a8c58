package store

import "time"

// PendingBlobRef marks a file row whose blob has not been written yet.
const PendingBlobRef = "pending"

// DefaultSamplingRate is the capture rate of the scope channels, in Hz.
const DefaultSamplingRate = 5_000_000

type File struct {
	FileID                 int64    `gorm:"column:file_id;primaryKey"`
	OriginalFilename       string   `gorm:"column:original_filename;not null;uniqueIndex:idx_files_path_name,priority:2"`
	OriginalPath           string   `gorm:"column:original_path;not null;uniqueIndex:idx_files_path_name,priority:1;index:idx_files_path"`
	OriginalLabelDirectory *string  `gorm:"column:original_label_directory"`
	SelectedLabel          string   `gorm:"column:selected_label;default:unknown;index:idx_files_label"`
	Transient1Index        *int64   `gorm:"column:transient1_index"`
	Transient2Index        *int64   `gorm:"column:transient2_index"`
	Transient3Index        *int64   `gorm:"column:transient3_index"`
	VoltageLevel           *float64 `gorm:"column:voltage_level"`
	CurrentLevel           *float64 `gorm:"column:current_level"`
	Datestamp              *string  `gorm:"column:datestamp"`
	// BinaryDataPath is the blob name relative to the blob root. PendingBlobRef until the blob exists.
	BinaryDataPath string    `gorm:"column:binary_data_path;not null"`
	DataChecksum   *string   `gorm:"column:data_checksum;size:64"`
	SamplingRate   float64   `gorm:"column:sampling_rate;default:5000000"`
	TotalSamples   int64     `gorm:"column:total_samples"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (File) TableName() string { return "files" }

// Complete reports whether the row points at a written blob.
func (f *File) Complete() bool {
	return f.BinaryDataPath != "" && f.BinaryDataPath != PendingBlobRef
}

type ExperimentStatus struct {
	FileID                   int64      `gorm:"column:file_id;primaryKey;autoIncrement:false"`
	Status                   string     `gorm:"column:status;not null;index:idx_status_status"`
	ManualReviewed           bool       `gorm:"column:manual_reviewed;not null"`
	ReviewerNotes            *string    `gorm:"column:reviewer_notes;type:text"`
	ReviewedBy               *string    `gorm:"column:reviewed_by"`
	ClassificationConfidence *float64   `gorm:"column:classification_confidence"`
	ReviewedAt               *time.Time `gorm:"column:reviewed_at;index:idx_status_reviewed_at"`
	CreatedAt                time.Time  `gorm:"column:created_at"`
	UpdatedAt                time.Time  `gorm:"column:updated_at"`
}

func (ExperimentStatus) TableName() string { return "experiment_status" }

type Rejection struct {
	RejectionID   int64     `gorm:"column:rejection_id;primaryKey"`
	FileID        int64     `gorm:"column:file_id;not null;index:idx_rejections_file_id"`
	Filename      string    `gorm:"column:filename"`
	OriginalPath  string    `gorm:"column:original_path"`
	OriginalLabel string    `gorm:"column:original_label"`
	RejectedAt    time.Time `gorm:"column:rejected_at;index"`
}

func (Rejection) TableName() string { return "rejections" }

// FileSummary is the listing shape of a file row.
type FileSummary struct {
	FileID          int64    `gorm:"column:file_id"`
	Filename        string   `gorm:"column:original_filename"`
	Path            string   `gorm:"column:original_path"`
	Label           string   `gorm:"column:selected_label"`
	Transient1Index *int64   `gorm:"column:transient1_index"`
	Transient2Index *int64   `gorm:"column:transient2_index"`
	Transient3Index *int64   `gorm:"column:transient3_index"`
	VoltageLevel    *float64 `gorm:"column:voltage_level"`
	CurrentLevel    *float64 `gorm:"column:current_level"`
	BinaryDataPath  string   `gorm:"column:binary_data_path"`
}

// FileWithStatus is a file summary joined with its optional status row.
// Status fields are nil for files that were never reviewed.
type FileWithStatus struct {
	FileSummary
	Status         *string    `gorm:"column:status"`
	ManualReviewed *bool      `gorm:"column:manual_reviewed"`
	ReviewerNotes  *string    `gorm:"column:reviewer_notes"`
	ReviewedAt     *time.Time `gorm:"column:reviewed_at"`
}

type SearchResult struct {
	FileID       int64    `gorm:"column:file_id"`
	Filename     string   `gorm:"column:original_filename"`
	Label        string   `gorm:"column:selected_label"`
	VoltageLevel *float64 `gorm:"column:voltage_level"`
	CurrentLevel *float64 `gorm:"column:current_level"`
}

type LabelCount struct {
	Label string `gorm:"column:selected_label"`
	Count int64  `gorm:"column:count"`
}

type StatusCount struct {
	Status string `gorm:"column:status"`
	Count  int64  `gorm:"column:count"`
}

type ReviewCount struct {
	ManualReviewed bool  `gorm:"column:manual_reviewed"`
	Count          int64 `gorm:"column:count"`
}

type StatusSummary struct {
	ByStatus      []StatusCount
	ByReviewed    []ReviewCount
	RecentReviews int64
}

// Aggregate is a min/avg/max triple over the non-null values of a column.
// Count is zero when the column holds no values.
type Aggregate struct {
	Count int64   `gorm:"column:n"`
	Min   float64 `gorm:"column:min_v"`
	Avg   float64 `gorm:"column:avg_v"`
	Max   float64 `gorm:"column:max_v"`
}

// CatalogStats is the store-wide report printed after an ingestion run.
type CatalogStats struct {
	TotalFiles int64
	Labels     []LabelCount
	Samples    Aggregate
	Voltage    Aggregate
	Current    Aggregate
}

// BlobRef is the part of a file row needed to check its blob.
type BlobRef struct {
	FileID         int64   `gorm:"column:file_id"`
	BinaryDataPath string  `gorm:"column:binary_data_path"`
	DataChecksum   *string `gorm:"column:data_checksum"`
}
