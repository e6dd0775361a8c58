package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/require"
)

func writeNPY(t *testing.T, path string, data any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, npyio.Write(f, data))
	require.NoError(t, f.Close())
}

func writeNPZ(t *testing.T, path string, members map[string]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name + ".npy")
		require.NoError(t, err)
		require.NoError(t, npyio.Write(w, members[name]))
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func ramp(n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) * scale
	}
	return out
}

// rawNPY builds a version 1.0 .npy file around a literal header dict.
func rawNPY(header string, payload []byte) []byte {
	const prefix = 10
	if pad := 64 - (prefix+len(header)+1)%64; pad < 64 {
		header += strings.Repeat(" ", pad)
	}
	header += "\n"
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(payload)
	return buf.Bytes()
}
