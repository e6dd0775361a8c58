// Package blobstore keeps one NumPy array file per cataloged experiment.
//
// A blob is <root>/<%08d id>.npy holding a (samples, 2) little-endian float64
// array in C order: column 0 is load voltage, column 1 source current. Writes
// go to <root>/tmp first and are renamed into place, so a blob is either
// absent or complete.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"
	"github.com/zeebo/errs"
	"gonum.org/v1/gonum/mat"
)

const (
	blobExt    = ".npy"
	tmpDirName = "tmp"
	blobDtype  = "<f8"
)

// Waveform is the two-channel payload of one experiment.
type Waveform struct {
	Voltage []float64
	Current []float64
}

// Len is the number of samples per channel.
func (w *Waveform) Len() int { return len(w.Voltage) }

// Saved describes a blob written by Save.
type Saved struct {
	// Path is the absolute file path.
	Path string
	// Name is the path relative to the store root; this is what the catalog records.
	Name string
	// Checksum is the hex sha256 of the file bytes.
	Checksum string
	Samples  int64
}

type Store struct {
	root string
}

// New creates root (and its tmp directory) if needed.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, ErrInvalid.New("blob root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, ErrIO.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDirName), 0o755); err != nil {
		return nil, ErrIO.Wrap(err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// Name is the blob file name for id.
func Name(id int64) string { return fmt.Sprintf("%08d%s", id, blobExt) }

func (s *Store) Path(id int64) string { return filepath.Join(s.root, Name(id)) }

type hashingWriter struct {
	w      io.Writer
	hasher hash.Hash
}

func newHashingWriter(w io.Writer) *hashingWriter {
	h := sha256.New()
	return &hashingWriter{w: io.MultiWriter(w, h), hasher: h}
}

func (h *hashingWriter) Write(p []byte) (int, error) { return h.w.Write(p) }

func (h *hashingWriter) Sum() string { return hex.EncodeToString(h.hasher.Sum(nil)) }

// Save writes the blob for id. The channels must have the same non-zero
// length. NaN and infinite samples are stored as captured. An existing file
// for id is replaced.
func (s *Store) Save(id int64, voltage, current []float64) (*Saved, error) {
	if id <= 0 {
		return nil, ErrInvalid.New("blob id must be positive, got %d", id)
	}
	if len(voltage) == 0 || len(voltage) != len(current) {
		return nil, ErrInvalid.New("channel lengths %d and %d must be equal and non-zero", len(voltage), len(current))
	}
	data := make([]float64, 0, 2*len(voltage))
	for i := range voltage {
		data = append(data, voltage[i], current[i])
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDirName), "*.tmp")
	if err != nil {
		return nil, ErrIO.Wrap(err)
	}
	abort := func(err error) (*Saved, error) {
		return nil, errs.Combine(ErrIO.Wrap(err), tmp.Close(), os.Remove(tmp.Name()))
	}

	hw := newHashingWriter(tmp)
	if err := npyio.Write(hw, mat.NewDense(len(voltage), 2, data)); err != nil {
		return abort(err)
	}
	if err := tmp.Sync(); err != nil {
		return abort(err)
	}
	if err := tmp.Close(); err != nil {
		return nil, errs.Combine(ErrIO.Wrap(err), os.Remove(tmp.Name()))
	}
	dst := s.Path(id)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, errs.Combine(ErrIO.Wrap(err), os.Remove(tmp.Name()))
	}
	if err := syncDir(s.root); err != nil {
		return nil, ErrIO.Wrap(err)
	}
	return &Saved{Path: dst, Name: Name(id), Checksum: hw.Sum(), Samples: int64(len(voltage))}, nil
}

func (s *Store) open(id int64) (*os.File, error) {
	f, err := os.Open(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound.New("%s", Name(id))
	}
	if err != nil {
		return nil, ErrIO.Wrap(err)
	}
	return f, nil
}

// syncDir flushes the directory entry so a rename survives a power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	return errs.Combine(d.Sync(), d.Close())
}

// Load decodes the blob for id.
func (s *Store) Load(id int64) (*Waveform, error) {
	f, err := s.open(id)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, ErrIO.Wrap(err)
	}
	return decode(f, info.Size())
}

func decode(r io.Reader, size int64) (*Waveform, error) {
	arr, err := ReadArray(r, size)
	if err != nil {
		if ErrInvalid.Has(err) {
			return nil, ErrCorrupt.Wrap(err)
		}
		return nil, err
	}
	switch {
	case arr.Dtype != blobDtype:
		return nil, ErrCorrupt.New("dtype %q, want %q", arr.Dtype, blobDtype)
	case arr.Fortran:
		return nil, ErrCorrupt.New("fortran order")
	case len(arr.Shape) != 2 || arr.Shape[1] != 2 || arr.Shape[0] == 0:
		return nil, ErrCorrupt.New("shape %v, want (n, 2)", arr.Shape)
	}
	n := arr.Shape[0]
	w := &Waveform{Voltage: make([]float64, n), Current: make([]float64, n)}
	for i := 0; i < n; i++ {
		w.Voltage[i] = arr.Data[2*i]
		w.Current[i] = arr.Data[2*i+1]
	}
	return w, nil
}

// Checksum recomputes the hex sha256 of the blob for id.
func (s *Store) Checksum(id int64) (string, error) {
	f, err := s.open(id)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", ErrIO.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares the blob against expected. It never modifies the blob.
func (s *Store) Verify(id int64, expected string) error {
	got, err := s.Checksum(id)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expected) {
		return ErrChecksumMismatch.New("%s: have %s, recorded %s", Name(id), got, expected)
	}
	return nil
}

// IDs lists the ids of the blobs on disk in ascending order. Files that do
// not follow the blob naming are skipped.
func (s *Store) IDs() ([]int64, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, ErrIO.Wrap(err)
	}
	var ids []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func parseName(name string) (int64, bool) {
	stem, ok := strings.CutSuffix(name, blobExt)
	if !ok || len(stem) < 8 {
		return 0, false
	}
	for _, r := range stem {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(stem, 10, 64)
	if err != nil || id <= 0 || Name(id) != name {
		return 0, false
	}
	return id, true
}
