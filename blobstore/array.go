package blobstore

import (
	"io"
	"math"

	"github.com/sbinet/npyio"
)

// Array is a decoded NumPy array with its values widened to float64.
type Array struct {
	Shape   []int
	Fortran bool
	Dtype   string
	Data    []float64
}

// Elements returns the number of elements of shape, or false when a
// dimension is negative or the product of itemSize-byte elements overflows.
func Elements(shape []int, itemSize int) (int, bool) {
	if itemSize <= 0 {
		itemSize = 1
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt/itemSize/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// IsNumeric reports whether dtype names an integer or floating point type
// ReadArray can widen.
func IsNumeric(dtype string) bool {
	_, ok := dtypes[dtype]
	return ok
}

type widenFunc func(r *npyio.Reader, n int) ([]float64, error)

func widenAs[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64](r *npyio.Reader, n int) ([]float64, error) {
	raw := make([]T, n)
	if err := r.Read(&raw); err != nil {
		return nil, err
	}
	if out, ok := any(raw).([]float64); ok {
		return out, nil
	}
	out := make([]float64, n)
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out, nil
}

type dtype struct {
	size  int
	widen widenFunc
}

var dtypes = map[string]dtype{
	"<f8": {8, widenAs[float64]},
	"<f4": {4, widenAs[float32]},
	"<i8": {8, widenAs[int64]},
	"<i4": {4, widenAs[int32]},
	"<i2": {2, widenAs[int16]},
	"|i1": {1, widenAs[int8]},
	"<u8": {8, widenAs[uint64]},
	"<u4": {4, widenAs[uint32]},
	"<u2": {2, widenAs[uint16]},
	"|u1": {1, widenAs[uint8]},
}

// ReadArray decodes one .npy stream of size bytes, header included.
// Non-numeric dtypes fail with ErrInvalid; malformed headers or payloads, and
// shapes that need more bytes than the stream holds, fail with ErrCorrupt.
func ReadArray(r io.Reader, size int64) (*Array, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, ErrCorrupt.Wrap(err)
	}
	descr := nr.Header.Descr
	dt, ok := dtypes[descr.Type]
	if !ok {
		return nil, ErrInvalid.New("unsupported dtype %q", descr.Type)
	}
	shape := append([]int(nil), descr.Shape...)
	n, ok := Elements(shape, dt.size)
	if !ok {
		return nil, ErrCorrupt.New("invalid shape %v", shape)
	}
	if need := int64(n) * int64(dt.size); need > size {
		return nil, ErrCorrupt.New("shape %v needs %d bytes, stream holds %d", shape, need, size)
	}
	data := []float64{}
	if n > 0 {
		data, err = dt.widen(nr, n)
		if err != nil {
			return nil, ErrCorrupt.Wrap(err)
		}
	}
	return &Array{Shape: shape, Fortran: descr.Fortran, Dtype: descr.Type, Data: data}, nil
}
