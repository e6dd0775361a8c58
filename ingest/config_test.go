package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig_MappingForm(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database: /var/lib/arc/catalog.db
blob_dir: /var/lib/arc/blobs
source_dir: /data/raw
pool:
  size: 4
  acquire_timeout: 5s
commit_every: 25
max_samples: 1000000
timeout: 2h
debug: true
label_dirs:
  arc_matrix_experiment: arc
  motor_runs: {label: "8"}
  ignored: ""
`), 0o644))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/arc/catalog.db", cfg.Database)
	require.Equal(t, 4, cfg.Pool.Size)
	require.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
	require.Equal(t, 25, cfg.CommitEvery)
	require.Equal(t, 2*time.Hour, cfg.Timeout)
	require.True(t, cfg.Debug)

	m, err := cfg.LabelDirs.Map()
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"arc_matrix_experiment": "arc",
		"motor_runs":            "parallel_motor_continuous",
	}, m)
}

func TestLabelDirsConfig_ListForm(t *testing.T) {
	var cfg FileConfig
	require.NoError(t, yaml.Unmarshal([]byte(`
label_dirs:
  - dir: steady_state
    label: steady_state
  - dir: negatives
    label: "5"
`), &cfg))
	m, err := cfg.LabelDirs.Map()
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"steady_state": "steady_state",
		"negatives":    "negative_transient",
	}, m)
}

func TestLabelDirsConfig_RejectsScalar(t *testing.T) {
	var cfg FileConfig
	err := yaml.Unmarshal([]byte("label_dirs: arc\n"), &cfg)
	require.Error(t, err)
	require.True(t, Error.Has(err), "%v", err)

	require.Error(t, yaml.Unmarshal([]byte("label_dirs:\n  arc_runs: [arc]\n"), &cfg))
}

func TestLabelDirsConfig_RejectsUnknownLabel(t *testing.T) {
	cfg := LabelDirsConfig{Items: []LabelDirConfig{{Dir: "x", Label: "arcs"}}}
	_, err := cfg.Map()
	require.Error(t, err)
	require.True(t, Error.Has(err))
}
