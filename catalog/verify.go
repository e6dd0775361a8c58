package catalog

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arc-catalog/blobstore"
	"arc-catalog/store"
)

const DefaultVerifyWorkers = 4

// Problem is one file whose blob does not check out.
type Problem struct {
	FileID int64
	Kind   Kind
	// Reason is pending, missing, corrupt, mismatch or io.
	Reason string
	Err    error
}

// VerifyAll checks every cataloged blob against its recorded checksum, or
// decodes it when no checksum was recorded. Nothing is repaired. The error
// is only set when the catalog itself could not be read.
func (s *Service) VerifyAll(ctx context.Context, workers int) ([]Problem, error) {
	if workers <= 0 {
		workers = DefaultVerifyWorkers
	}
	refs, err := s.repo.ListBlobRefs(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		problems []Problem
	)
	report := func(p Problem) {
		mu.Lock()
		problems = append(problems, p)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, ref := range refs {
		ref := ref
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ref.BinaryDataPath == "" || ref.BinaryDataPath == store.PendingBlobRef {
				report(Problem{FileID: ref.FileID, Kind: NotFound, Reason: "pending"})
				return nil
			}
			if err := s.checkBlob(ref); err != nil {
				report(Problem{FileID: ref.FileID, Kind: KindOf(err), Reason: reasonOf(err), Err: err})
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(problems, func(i, j int) bool { return problems[i].FileID < problems[j].FileID })
	s.log.Info("verification done", zap.Int("files", len(refs)), zap.Int("problems", len(problems)))
	return problems, nil
}

func (s *Service) checkBlob(ref store.BlobRef) error {
	if ref.DataChecksum != nil && *ref.DataChecksum != "" {
		return s.blobs.Verify(ref.FileID, *ref.DataChecksum)
	}
	_, err := s.blobs.Load(ref.FileID)
	return err
}

func reasonOf(err error) string {
	switch {
	case blobstore.ErrNotFound.Has(err):
		return "missing"
	case blobstore.ErrChecksumMismatch.Has(err):
		return "mismatch"
	case blobstore.ErrCorrupt.Has(err):
		return "corrupt"
	default:
		return "io"
	}
}

// SweepResult lists what SweepOrphans moved aside.
type SweepResult struct {
	Quarantined []string
	TmpRemoved  int
}

// SweepOrphans quarantines blobs whose id has no catalog row and clears
// leftover temp files. It must not run while an ingestion is in progress:
// blobs of uncommitted items look like orphans.
func (s *Service) SweepOrphans(ctx context.Context, quarantineDir string) (*SweepResult, error) {
	ids, err := s.repo.ListFileIDs(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	onDisk, err := s.blobs.IDs()
	if err != nil {
		return nil, err
	}

	res := &SweepResult{}
	for _, id := range onDisk {
		if _, ok := known[id]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dst, err := s.blobs.Quarantine(id, quarantineDir)
		if err != nil {
			return res, err
		}
		s.log.Info("orphan blob quarantined", zap.Int64("id", id), zap.String("path", dst))
		res.Quarantined = append(res.Quarantined, dst)
	}
	n, err := s.blobs.CleanTmp()
	res.TmpRemoved = n
	if err != nil {
		return res, err
	}
	return res, nil
}
