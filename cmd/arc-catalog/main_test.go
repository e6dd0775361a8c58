package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/require"
)

func writeCapture(t *testing.T, path string, data []float64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, npyio.Write(f, data))
	require.NoError(t, f.Close())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_IngestWithConfigAndFlagOverride(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "raw")
	for _, name := range []string{"20240101_300V_10mA", "20240102_400V_20mA"} {
		dir := filepath.Join(src, "sparks", name)
		writeCapture(t, filepath.Join(dir, name+"_ch1.npy"), []float64{1, 2, 3})
		writeCapture(t, filepath.Join(dir, name+"_ch4.npy"), []float64{4, 5, 6})
	}
	cfgPath := filepath.Join(tmp, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
database: `+filepath.Join(tmp, "catalog.db")+`
blob_dir: `+filepath.Join(tmp, "blobs")+`
source_dir: `+src+`
pool:
  size: 2
label_dirs:
  sparks: "1"
`), 0o644))

	out, err := run(t, "ingest", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "2 processed, 0 errors")
	require.Contains(t, out, "arc")

	out, err = run(t, "verify", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "all blobs verified")

	// An explicit flag wins over the config file.
	out, err = run(t, "summary", "--config", cfgPath, "--db", filepath.Join(tmp, "other.db"))
	require.NoError(t, err)
	require.Contains(t, out, "Catalog: 0 files")

	out, err = run(t, "ingest", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "0 processed, 2 errors (2 duplicates")
}

func TestCLI_IngestRequiresSource(t *testing.T) {
	tmp := t.TempDir()
	_, err := run(t, "ingest", "--db", filepath.Join(tmp, "c.db"), "--blob-dir", filepath.Join(tmp, "b"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing source dir")
}
