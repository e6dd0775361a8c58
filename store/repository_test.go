package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func ptr[T any](v T) *T { return &v }

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	return NewRepository(newTestPool(t, 3), zaptest.NewLogger(t))
}

type fixtureFile struct {
	name    string
	path    string
	label   string
	voltage *float64
	current *float64
}

func insertFiles(t *testing.T, repo *Repository, files ...fixtureFile) []int64 {
	t.Helper()
	batch, err := repo.BeginBatch(context.Background(), 2)
	require.NoError(t, err)
	ids := make([]int64, 0, len(files))
	for _, ff := range files {
		require.NoError(t, batch.Item(func(tx *Tx) error {
			id, err := tx.InsertFile(&File{
				OriginalFilename: ff.name,
				OriginalPath:     ff.path,
				SelectedLabel:    ff.label,
				VoltageLevel:     ff.voltage,
				CurrentLevel:     ff.current,
			})
			if err != nil {
				return err
			}
			ids = append(ids, id)
			return tx.SetBlobRef(id, ff.name+".npy", "00", 100)
		}))
	}
	require.NoError(t, batch.Close())
	return ids
}

func TestRepository_GetFile(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ids := insertFiles(t, repo, fixtureFile{name: "arc_300V", path: "/data/arc_300V", label: "arc", voltage: ptr(300.0)})

	f, err := repo.GetFile(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, "arc_300V", f.OriginalFilename)
	require.Equal(t, "arc", f.SelectedLabel)
	require.Equal(t, 300.0, *f.VoltageLevel)
	require.Nil(t, f.CurrentLevel)
	require.Equal(t, float64(DefaultSamplingRate), f.SamplingRate)
	require.True(t, f.Complete())

	_, err = repo.GetFile(ctx, ids[0]+100)
	require.True(t, ErrNotFound.Has(err))

	_, err = repo.GetFile(ctx, 0)
	require.True(t, ErrValidation.Has(err))
}

func TestRepository_PathFilenameUnique(t *testing.T) {
	repo := newTestRepository(t)
	insertFiles(t, repo, fixtureFile{name: "exp", path: "/data/a/exp"})

	batch, err := repo.BeginBatch(context.Background(), 10)
	require.NoError(t, err)
	err = batch.Item(func(tx *Tx) error {
		_, err := tx.InsertFile(&File{OriginalFilename: "exp", OriginalPath: "/data/a/exp"})
		return err
	})
	require.Error(t, err)
	require.True(t, ErrDuplicate.Has(err))

	// Same filename under another path is a different experiment.
	require.NoError(t, batch.Item(func(tx *Tx) error {
		_, err := tx.InsertFile(&File{OriginalFilename: "exp", OriginalPath: "/data/b/exp"})
		return err
	}))
	require.NoError(t, batch.Close())

	files, err := repo.ListFiles(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, files, 2)
}

func TestRepository_BatchItemFailureLeavesNoRow(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	batch, err := repo.BeginBatch(ctx, 10)
	require.NoError(t, err)
	err = batch.Item(func(tx *Tx) error {
		if _, err := tx.InsertFile(&File{OriginalFilename: "x", OriginalPath: "/x"}); err != nil {
			return err
		}
		return ErrValidation.New("blob write failed")
	})
	require.True(t, ErrValidation.Has(err))
	require.NoError(t, batch.Close())
	require.Equal(t, 0, batch.Committed())

	ids, err := repo.ListFileIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRepository_BatchRollback(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	batch, err := repo.BeginBatch(ctx, 2)
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, batch.Item(func(tx *Tx) error {
			_, err := tx.InsertFile(&File{OriginalFilename: name, OriginalPath: "/" + name})
			return err
		}))
	}
	require.Equal(t, 2, batch.Committed())
	require.NoError(t, batch.Rollback())

	files, err := repo.ListFiles(ctx, "")
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, PendingBlobRef, files[0].BinaryDataPath)
}

func TestRepository_FailedCommitReportsLostItems(t *testing.T) {
	pool := newTestPool(t, 2)
	repo := NewRepository(pool, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batch, err := repo.BeginBatch(ctx, 10)
	require.NoError(t, err)
	for _, name := range []string{"a", "b"} {
		require.NoError(t, batch.Item(func(tx *Tx) error {
			_, err := tx.InsertFile(&File{OriginalFilename: name, OriginalPath: "/" + name})
			return err
		}))
	}
	cancel()

	err = batch.Close()
	require.True(t, ErrBatchAborted.Has(err), "%v", err)
	require.Equal(t, 2, batch.Lost())
	require.Equal(t, 0, batch.Committed())
	require.Equal(t, 0, pool.Stats().InUse)

	// The batch is finished; later items are refused instead of touching a
	// dead transaction.
	require.Error(t, batch.Item(func(*Tx) error { return nil }))

	ids, err := repo.ListFileIDs(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRepository_ReadersSeeOnlyCommittedRows(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	batch, err := repo.BeginBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, batch.Item(func(tx *Tx) error {
		_, err := tx.InsertFile(&File{OriginalFilename: "open", OriginalPath: "/data/open"})
		return err
	}))

	files, err := repo.ListFiles(ctx, "")
	require.NoError(t, err)
	require.Empty(t, files)

	require.NoError(t, batch.Close())
	files, err = repo.ListFiles(ctx, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestRepository_LockContentionIsBusy(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(ctx, PoolConfig{
		Path:           filepath.Join(t.TempDir(), "catalog.db"),
		Size:           2,
		AcquireTimeout: time.Second,
		BusyTimeout:    50 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.CloseAll() })
	repo := NewRepository(pool, zaptest.NewLogger(t))
	ids := insertFiles(t, repo, fixtureFile{name: "a", path: "/data/a"})

	batch, err := repo.BeginBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, batch.Item(func(tx *Tx) error {
		_, err := tx.InsertFile(&File{OriginalFilename: "b", OriginalPath: "/data/b"})
		return err
	}))

	err = repo.UpdateLabel(ctx, ids[0], "arc")
	require.True(t, ErrBusy.Has(err), "%v", err)
	require.False(t, ErrDatabase.Has(err))

	require.NoError(t, batch.Close())
	require.NoError(t, repo.UpdateLabel(ctx, ids[0], "arc"))
}

func TestRepository_UpdateLabel(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ids := insertFiles(t, repo, fixtureFile{name: "a", path: "/a"})

	require.NoError(t, repo.UpdateLabel(ctx, ids[0], "weak_arc"))
	files, err := repo.ListFiles(ctx, "weak_arc")
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.True(t, ErrValidation.Has(repo.UpdateLabel(ctx, ids[0], " ")))
	require.True(t, ErrNotFound.Has(repo.UpdateLabel(ctx, 999, "arc")))
}

func TestRepository_UpdateTransientsOverwritesAll(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ids := insertFiles(t, repo, fixtureFile{name: "a", path: "/a"})

	require.NoError(t, repo.UpdateTransients(ctx, ids[0], ptr[int64](10), ptr[int64](20), ptr[int64](30)))
	require.NoError(t, repo.UpdateTransients(ctx, ids[0], ptr[int64](11), nil, nil))

	f, err := repo.GetFile(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, int64(11), *f.Transient1Index)
	require.Nil(t, f.Transient2Index)
	require.Nil(t, f.Transient3Index)

	err = repo.UpdateTransients(ctx, ids[0], ptr[int64](-1), nil, nil)
	require.True(t, ErrValidation.Has(err))
	require.True(t, ErrNotFound.Has(repo.UpdateTransients(ctx, 999, nil, nil, nil)))
}

func TestRepository_UpsertStatusKeepsOneRow(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ids := insertFiles(t, repo, fixtureFile{name: "a", path: "/a"})

	require.NoError(t, repo.UpsertStatus(ctx, StatusUpdate{FileID: ids[0], Status: "pending"}))
	require.NoError(t, repo.UpsertStatus(ctx, StatusUpdate{
		FileID:     ids[0],
		Status:     "approved",
		Reviewed:   true,
		Notes:      ptr("clean arc"),
		Reviewer:   ptr("lab"),
		Confidence: ptr(0.9),
	}))

	var n int64
	require.NoError(t, repo.pool.With(ctx, func(db *gorm.DB) error {
		return db.Model(&ExperimentStatus{}).Count(&n).Error
	}))
	require.Equal(t, int64(1), n)

	st, err := repo.GetStatus(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, "approved", st.Status)
	require.True(t, st.ManualReviewed)
	require.Equal(t, "clean arc", *st.ReviewerNotes)
	require.NotNil(t, st.ReviewedAt)

	require.True(t, ErrNotFound.Has(repo.UpsertStatus(ctx, StatusUpdate{FileID: 999, Status: "x"})))
	require.True(t, ErrValidation.Has(repo.UpsertStatus(ctx, StatusUpdate{FileID: ids[0], Status: "x", Confidence: ptr(1.5)})))
}

func TestRepository_ListFilesByStatus(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ids := insertFiles(t, repo,
		fixtureFile{name: "a", path: "/a"},
		fixtureFile{name: "b", path: "/b"},
		fixtureFile{name: "c", path: "/c"},
	)
	require.NoError(t, repo.UpsertStatus(ctx, StatusUpdate{FileID: ids[0], Status: "approved", Reviewed: true}))
	require.NoError(t, repo.UpsertStatus(ctx, StatusUpdate{FileID: ids[1], Status: "pending"}))

	all, err := repo.ListFilesByStatus(ctx, StatusFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Nil(t, all[2].Status)

	approved, err := repo.ListFilesByStatus(ctx, StatusFilter{Status: ptr("approved")})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	require.Equal(t, "a", approved[0].Filename)

	unreviewed, err := repo.ListFilesByStatus(ctx, StatusFilter{Reviewed: ptr(false)})
	require.NoError(t, err)
	require.Len(t, unreviewed, 1)
	require.Equal(t, ids[1], unreviewed[0].FileID)
}

func TestRepository_StatusSummary(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ids := insertFiles(t, repo,
		fixtureFile{name: "a", path: "/a"},
		fixtureFile{name: "b", path: "/b"},
		fixtureFile{name: "c", path: "/c"},
	)

	old := time.Now().UTC().Add(-48 * time.Hour)
	repo.now = func() time.Time { return old }
	require.NoError(t, repo.UpsertStatus(ctx, StatusUpdate{FileID: ids[0], Status: "approved", Reviewed: true}))
	repo.now = now
	require.NoError(t, repo.UpsertStatus(ctx, StatusUpdate{FileID: ids[1], Status: "approved", Reviewed: true}))
	require.NoError(t, repo.UpsertStatus(ctx, StatusUpdate{FileID: ids[2], Status: "pending"}))

	sum, err := repo.StatusSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, []StatusCount{{Status: "approved", Count: 2}, {Status: "pending", Count: 1}}, sum.ByStatus)
	require.Equal(t, []ReviewCount{{ManualReviewed: false, Count: 1}, {ManualReviewed: true, Count: 2}}, sum.ByReviewed)
	require.Equal(t, int64(2), sum.RecentReviews)
}

func TestRepository_LabelStatistics(t *testing.T) {
	repo := newTestRepository(t)
	insertFiles(t, repo,
		fixtureFile{name: "a", path: "/a", label: "arc"},
		fixtureFile{name: "b", path: "/b", label: "arc"},
		fixtureFile{name: "c", path: "/c", label: "steady_state"},
		fixtureFile{name: "d", path: "/d"},
	)
	stats, err := repo.LabelStatistics(context.Background())
	require.NoError(t, err)
	require.Equal(t, []LabelCount{
		{Label: "arc", Count: 2},
		{Label: "steady_state", Count: 1},
		{Label: "unknown", Count: 1},
	}, stats)
}

func TestRepository_SearchIsConjunctive(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	insertFiles(t, repo,
		fixtureFile{name: "arc_matrix_300V_10mA", path: "/1", voltage: ptr(300.0), current: ptr(10.0)},
		fixtureFile{name: "weak_arc_380V_20mA", path: "/2", voltage: ptr(380.0), current: ptr(20.0)},
		fixtureFile{name: "arc_matrix_500V_10mA", path: "/3", voltage: ptr(500.0), current: ptr(10.0)},
		fixtureFile{name: "steady_350V", path: "/4", voltage: ptr(350.0)},
		fixtureFile{name: "arc_nolevel", path: "/5"},
	)

	res, err := repo.SearchFiles(ctx, SearchQuery{NamePattern: "arc", Voltage: &Range{Min: 300, Max: 400}})
	require.NoError(t, err)
	names := make([]string, 0, len(res))
	for _, r := range res {
		names = append(names, r.Filename)
	}
	require.Equal(t, []string{"arc_matrix_300V_10mA", "weak_arc_380V_20mA"}, names)

	res, err = repo.SearchFiles(ctx, SearchQuery{NamePattern: "arc", Voltage: &Range{Min: 300, Max: 400}, Current: &Range{Min: 15, Max: 25}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "weak_arc_380V_20mA", res[0].Filename)

	res, err = repo.SearchFiles(ctx, SearchQuery{})
	require.NoError(t, err)
	require.Len(t, res, 5)

	_, err = repo.SearchFiles(ctx, SearchQuery{Voltage: &Range{Min: 400, Max: 300}})
	require.True(t, ErrValidation.Has(err))
}

func TestRepository_SearchEscapesWildcards(t *testing.T) {
	repo := newTestRepository(t)
	insertFiles(t, repo,
		fixtureFile{name: "run_100%_load", path: "/1"},
		fixtureFile{name: "run_1000_load", path: "/2"},
	)
	res, err := repo.SearchFiles(context.Background(), SearchQuery{NamePattern: "100%"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "run_100%_load", res[0].Filename)
}

func TestRepository_AddRejection(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ids := insertFiles(t, repo,
		fixtureFile{name: "a", path: "/a", label: "arc"},
		fixtureFile{name: "b", path: "/b", label: "other"},
	)

	first, err := repo.AddRejection(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, "arc", first.OriginalLabel)

	repo.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	_, err = repo.AddRejection(ctx, ids[1])
	require.NoError(t, err)

	st, err := repo.GetStatus(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, RejectStatus, st.Status)
	require.True(t, st.ManualReviewed)

	rejections, err := repo.ListRejections(ctx)
	require.NoError(t, err)
	require.Len(t, rejections, 2)
	require.Equal(t, ids[1], rejections[0].FileID)
	require.Equal(t, "/a", rejections[1].OriginalPath)

	_, err = repo.AddRejection(ctx, 999)
	require.True(t, ErrNotFound.Has(err))
}

func TestRepository_CatalogStats(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	empty, err := repo.CatalogStats(ctx)
	require.NoError(t, err)
	require.Zero(t, empty.TotalFiles)
	require.Zero(t, empty.Voltage.Count)

	insertFiles(t, repo,
		fixtureFile{name: "a", path: "/a", label: "arc", voltage: ptr(100.0)},
		fixtureFile{name: "b", path: "/b", label: "arc", voltage: ptr(300.0)},
		fixtureFile{name: "c", path: "/c"},
	)
	st, err := repo.CatalogStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.TotalFiles)
	require.Equal(t, int64(3), st.Samples.Count)
	require.Equal(t, 100.0, st.Samples.Avg)
	require.Equal(t, Aggregate{Count: 2, Min: 100, Avg: 200, Max: 300}, st.Voltage)
	require.Zero(t, st.Current.Count)
}

func TestNormalizeLabel(t *testing.T) {
	cases := map[string]string{
		"1":            "arc",
		"3":            "restriking_arc",
		"8":            "parallel_motor_continuous",
		"0":            "other",
		" Weak_Arc ":   "weak_arc",
		"unknown":      "unknown",
		"steady_state": "steady_state",
	}
	for in, want := range cases {
		got, ok := NormalizeLabel(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "9", "arcs", "10"} {
		_, ok := NormalizeLabel(bad)
		require.False(t, ok, bad)
	}
	require.Equal(t, []string{"unknown"}, AugmentationScheme("nope"))
	require.Len(t, AugmentationScheme("restriking_arc"), 5)
}
