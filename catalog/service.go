// Package catalog is the boundary API over the repository and the blob store.
// Request handlers call it and translate results with KindOf.
package catalog

import (
	"context"

	"go.uber.org/zap"

	"arc-catalog/blobstore"
	"arc-catalog/store"
)

type Service struct {
	repo  *store.Repository
	blobs *blobstore.Store
	log   *zap.Logger
}

func New(repo *store.Repository, blobs *blobstore.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, blobs: blobs, log: log}
}

// SetLabel accepts a label name or its numeric key.
func (s *Service) SetLabel(ctx context.Context, id int64, labelOrKey string) (string, error) {
	label, ok := store.NormalizeLabel(labelOrKey)
	if !ok {
		return "", store.ErrValidation.New("unknown label %q", labelOrKey)
	}
	if err := s.repo.UpdateLabel(ctx, id, label); err != nil {
		return "", err
	}
	s.log.Debug("label set", zap.Int64("file_id", id), zap.String("label", label))
	return label, nil
}

// SetTransients replaces all three markers; nil clears a marker.
func (s *Service) SetTransients(ctx context.Context, id int64, t1, t2, t3 *int64) error {
	return s.repo.UpdateTransients(ctx, id, t1, t2, t3)
}

func (s *Service) Reject(ctx context.Context, id int64) (*store.Rejection, error) {
	return s.repo.AddRejection(ctx, id)
}

func (s *Service) Rejections(ctx context.Context) ([]store.Rejection, error) {
	return s.repo.ListRejections(ctx)
}

func (s *Service) SetStatus(ctx context.Context, u store.StatusUpdate) error {
	return s.repo.UpsertStatus(ctx, u)
}

func (s *Service) Status(ctx context.Context, id int64) (*store.ExperimentStatus, error) {
	return s.repo.GetStatus(ctx, id)
}

func (s *Service) Files(ctx context.Context, label string) ([]store.FileSummary, error) {
	if label != "" {
		l, ok := store.NormalizeLabel(label)
		if !ok {
			return nil, store.ErrValidation.New("unknown label %q", label)
		}
		label = l
	}
	return s.repo.ListFiles(ctx, label)
}

func (s *Service) FilesByStatus(ctx context.Context, f store.StatusFilter) ([]store.FileWithStatus, error) {
	return s.repo.ListFilesByStatus(ctx, f)
}

func (s *Service) File(ctx context.Context, id int64) (*store.File, error) {
	return s.repo.GetFile(ctx, id)
}

func (s *Service) Search(ctx context.Context, q store.SearchQuery) ([]store.SearchResult, error) {
	return s.repo.SearchFiles(ctx, q)
}

func (s *Service) LabelStatistics(ctx context.Context) ([]store.LabelCount, error) {
	return s.repo.LabelStatistics(ctx)
}

func (s *Service) StatusSummary(ctx context.Context) (*store.StatusSummary, error) {
	return s.repo.StatusSummary(ctx)
}

func (s *Service) Stats(ctx context.Context) (*store.CatalogStats, error) {
	return s.repo.CatalogStats(ctx)
}

// AugmentationScheme returns the expected segment sequence of a file's label.
func (s *Service) AugmentationScheme(ctx context.Context, id int64) ([]string, error) {
	f, err := s.repo.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	return store.AugmentationScheme(f.SelectedLabel), nil
}

// FileData loads the waveform of a file. With verify set and a recorded
// checksum, a mismatch is returned as ErrChecksumMismatch together with the
// data so the caller can decide what to show.
func (s *Service) FileData(ctx context.Context, id int64, verify bool) (*store.File, *blobstore.Waveform, error) {
	f, err := s.repo.GetFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !f.Complete() {
		return f, nil, blobstore.ErrNotFound.New("file %d has no blob yet", id)
	}
	w, err := s.blobs.Load(id)
	if err != nil {
		return f, nil, err
	}
	if verify && f.DataChecksum != nil {
		if err := s.blobs.Verify(id, *f.DataChecksum); err != nil {
			s.log.Warn("blob checksum mismatch", zap.Int64("file_id", id), zap.Error(err))
			return f, w, err
		}
	}
	return f, w, nil
}
