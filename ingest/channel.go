package ingest

import (
	"archive/zip"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/sbinet/npyio"

	"arc-catalog/blobstore"
)

const (
	// DefaultMaxSamples is 0.5 s at the 5 MS/s capture rate.
	DefaultMaxSamples = 2_500_000

	// payloadMember is the preferred array inside an .npz or .mat capture.
	payloadMember = "data"
	// minFallbackElements is the size a fallback array must exceed to be
	// taken for channel data rather than metadata.
	minFallbackElements = 1000
)

// LoadChannel reads one capture file as a flat float64 sequence truncated
// to maxSamples.
func LoadChannel(path string, maxSamples int) ([]float64, error) {
	var (
		arr *blobstore.Array
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npy":
		arr, err = loadNPY(path)
	case ".npz":
		arr, err = loadNPZ(path)
	case ".mat":
		arr, err = loadMAT(path)
	default:
		return nil, Error.New("%s: unsupported capture format", filepath.Base(path))
	}
	if err != nil {
		return nil, err
	}
	data := flattenC(arr)
	if len(data) == 0 {
		return nil, Error.New("%s: no samples", filepath.Base(path))
	}
	if maxSamples > 0 && len(data) > maxSamples {
		data = data[:maxSamples]
	}
	return data, nil
}

func loadNPY(path string) (*blobstore.Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	arr, err := blobstore.ReadArray(f, info.Size())
	if err != nil {
		return nil, Error.New("%s: %v", filepath.Base(path), err)
	}
	return arr, nil
}

// candidate is one named array of a capture container.
type candidate struct {
	name    string
	numeric bool
	size    int
}

type member struct {
	candidate
	file *zip.File
}

// loadNPZ picks the "data" array, else the largest numeric array holding
// more than minFallbackElements values.
func loadNPZ(path string) (*blobstore.Array, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, Error.New("%s: %v", filepath.Base(path), err)
	}
	defer zr.Close()

	members := make([]*member, 0, len(zr.File))
	candidates := make([]candidate, 0, len(zr.File))
	for _, zf := range zr.File {
		m, err := inspect(zf)
		if err != nil {
			return nil, Error.New("%s[%s]: %v", filepath.Base(path), zf.Name, err)
		}
		members = append(members, m)
		candidates = append(candidates, m.candidate)
	}
	i := pickPayload(candidates)
	if i < 0 {
		return nil, Error.New("%s: no numeric array", filepath.Base(path))
	}
	pick := members[i]

	rc, err := pick.file.Open()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rc.Close()
	arr, err := blobstore.ReadArray(rc, memberSize(pick.file))
	if err != nil {
		return nil, Error.New("%s[%s]: %v", filepath.Base(path), pick.name, err)
	}
	return arr, nil
}

// inspect reads only the header of an archive member.
func inspect(zf *zip.File) (*member, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	r, err := npyio.NewReader(rc)
	if err != nil {
		return nil, err
	}
	size, ok := blobstore.Elements(r.Header.Descr.Shape, 1)
	if !ok {
		return nil, blobstore.ErrCorrupt.New("invalid shape %v", r.Header.Descr.Shape)
	}
	return &member{
		candidate: candidate{
			name:    strings.TrimSuffix(zf.Name, ".npy"),
			numeric: blobstore.IsNumeric(r.Header.Descr.Type),
			size:    size,
		},
		file: zf,
	}, nil
}

// memberSize is the uncompressed size recorded for an archive member. The zip
// reader fails once a member yields more than that.
func memberSize(zf *zip.File) int64 {
	if zf.UncompressedSize64 > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(zf.UncompressedSize64)
}

// pickPayload returns the index of the array named data, else of the largest
// numeric array with more than minFallbackElements values, else -1.
func pickPayload(cs []candidate) int {
	best := -1
	for i, c := range cs {
		if c.name == payloadMember {
			return i
		}
		if !c.numeric || c.size <= minFallbackElements {
			continue
		}
		if best < 0 || c.size > cs[best].size {
			best = i
		}
	}
	return best
}

// flattenC returns the values in C (row-major) order.
func flattenC(arr *blobstore.Array) []float64 {
	if !arr.Fortran || len(arr.Shape) < 2 {
		return arr.Data
	}
	shape := arr.Shape
	n := len(arr.Data)
	out := make([]float64, n)
	// Column-major strides.
	fstride := make([]int, len(shape))
	s := 1
	for i := range shape {
		fstride[i] = s
		s *= shape[i]
	}
	idx := make([]int, len(shape))
	for c := 0; c < n; c++ {
		off := 0
		for i, v := range idx {
			off += v * fstride[i]
		}
		out[c] = arr.Data[off]
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}
