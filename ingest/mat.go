package ingest

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"arc-catalog/blobstore"
)

// MAT-file level 5 layout, as written by MATLAB "save -v7" and older.
const (
	matHeaderLen = 128
	matVersion   = 0x0100

	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15

	mxDOUBLE = 6
	mxUINT64 = 15
)

var matTypeSize = map[uint32]int{
	miINT8: 1, miUINT8: 1,
	miINT16: 2, miUINT16: 2,
	miINT32: 4, miUINT32: 4, miSINGLE: 4,
	miDOUBLE: 8, miINT64: 8, miUINT64: 8,
}

// matVar is one numeric variable of a MAT-file, values in column-major order.
type matVar struct {
	name string
	dims []int
	data []float64
}

// loadMAT picks the variable named data, else the largest numeric variable
// holding more than minFallbackElements values. Complex variables contribute
// their real part.
func loadMAT(path string) (*blobstore.Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer f.Close()
	vars, err := readMAT(f)
	if err != nil {
		return nil, Error.New("%s: %v", filepath.Base(path), err)
	}
	candidates := make([]candidate, len(vars))
	for i, v := range vars {
		candidates[i] = candidate{name: v.name, numeric: true, size: len(v.data)}
	}
	i := pickPayload(candidates)
	if i < 0 {
		return nil, Error.New("%s: no numeric array", filepath.Base(path))
	}
	v := vars[i]
	return &blobstore.Array{Shape: v.dims, Fortran: true, Dtype: "mat", Data: v.data}, nil
}

func readMAT(r io.Reader) ([]matVar, error) {
	var hdr [matHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("mat header: %w", err)
	}
	var order binary.ByteOrder
	switch string(hdr[126:128]) {
	case "IM":
		order = binary.LittleEndian
	case "MI":
		order = binary.BigEndian
	default:
		return nil, errors.New("not a level 5 MAT-file")
	}
	if v := order.Uint16(hdr[124:126]); v != matVersion {
		return nil, fmt.Errorf("unsupported MAT-file version %#04x", v)
	}
	return readMATElements(r, order)
}

func readMATElements(r io.Reader, order binary.ByteOrder) ([]matVar, error) {
	var vars []matVar
	for {
		typ, body, err := readMATElement(r, order)
		if errors.Is(err, io.EOF) {
			return vars, nil
		}
		if err != nil {
			return nil, err
		}
		switch typ {
		case miCOMPRESSED:
			zr, err := zlib.NewReader(bytes.NewReader(body))
			if err != nil {
				return nil, fmt.Errorf("compressed element: %w", err)
			}
			inner, err := readMATElements(zr, order)
			_ = zr.Close()
			if err != nil {
				return nil, err
			}
			vars = append(vars, inner...)
		case miMATRIX:
			v, ok, err := parseMATMatrix(body, order)
			if err != nil {
				return nil, err
			}
			if ok {
				vars = append(vars, *v)
			}
		}
	}
}

// readMATElement returns the type and body of the next data element. It
// returns io.EOF only at a clean element boundary. The body is read
// incrementally, so a tag declaring more bytes than the stream holds fails
// without allocating the declared size.
func readMATElement(r io.Reader, order binary.ByteOrder) (uint32, []byte, error) {
	var tag [8]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("element tag: %w", err)
	}
	first := order.Uint32(tag[:4])
	if small := first >> 16; small != 0 {
		if small > 4 {
			return 0, nil, fmt.Errorf("small element of %d bytes", small)
		}
		return first & 0xffff, tag[4 : 4+small], nil
	}
	typ, size := first, order.Uint32(tag[4:])
	body, err := io.ReadAll(io.LimitReader(r, int64(size)))
	if err != nil {
		return 0, nil, fmt.Errorf("element body: %w", err)
	}
	if uint32(len(body)) != size {
		return 0, nil, fmt.Errorf("element truncated: %d of %d bytes", len(body), size)
	}
	if typ != miCOMPRESSED {
		if pad := (8 - size%8) % 8; pad > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil && !errors.Is(err, io.EOF) {
				return 0, nil, fmt.Errorf("element padding: %w", err)
			}
		}
	}
	return typ, body, nil
}

// parseMATMatrix decodes a numeric miMATRIX body. Cells, structs, strings,
// sparse and empty matrices are skipped.
func parseMATMatrix(body []byte, order binary.ByteOrder) (*matVar, bool, error) {
	if len(body) == 0 {
		return nil, false, nil
	}
	r := bytes.NewReader(body)
	next := func(what string, want ...uint32) (uint32, []byte, error) {
		typ, b, err := readMATElement(r, order)
		if err != nil {
			return 0, nil, fmt.Errorf("matrix %s: %w", what, err)
		}
		for _, w := range want {
			if typ == w {
				return typ, b, nil
			}
		}
		if len(want) == 0 {
			return typ, b, nil
		}
		return 0, nil, fmt.Errorf("matrix %s: unexpected data type %d", what, typ)
	}

	_, flags, err := next("flags", miUINT32)
	if err != nil {
		return nil, false, err
	}
	if len(flags) < 4 {
		return nil, false, errors.New("matrix flags: short element")
	}
	class := order.Uint32(flags[:4]) & 0xff

	_, rawDims, err := next("dimensions", miINT32)
	if err != nil {
		return nil, false, err
	}
	if len(rawDims) < 8 || len(rawDims)%4 != 0 {
		return nil, false, errors.New("matrix dimensions: malformed")
	}
	dims := make([]int, len(rawDims)/4)
	for i := range dims {
		d := int32(order.Uint32(rawDims[4*i:]))
		if d < 0 {
			return nil, false, fmt.Errorf("matrix dimensions: negative extent %d", d)
		}
		dims[i] = int(d)
	}

	_, name, err := next("name", miINT8)
	if err != nil {
		return nil, false, err
	}
	if class < mxDOUBLE || class > mxUINT64 {
		return nil, false, nil
	}

	// Only the real part is read; an imaginary part would follow it.
	typ, re, err := next("real part")
	if err != nil {
		return nil, false, err
	}
	n, ok := blobstore.Elements(dims, 1)
	if !ok {
		return nil, false, fmt.Errorf("matrix %q: invalid dimensions %v", name, dims)
	}
	data, err := matValues(typ, re, order)
	if err != nil {
		return nil, false, fmt.Errorf("matrix %q: %w", name, err)
	}
	if len(data) != n {
		return nil, false, fmt.Errorf("matrix %q: %d values for dimensions %v", name, len(data), dims)
	}
	if n == 0 {
		return nil, false, nil
	}
	return &matVar{name: string(name), dims: dims, data: data}, true, nil
}

// matValues widens a numeric element to float64. The storage type may be
// narrower than the variable's class.
func matValues(typ uint32, b []byte, order binary.ByteOrder) ([]float64, error) {
	size, ok := matTypeSize[typ]
	if !ok {
		return nil, fmt.Errorf("unsupported data type %d", typ)
	}
	if len(b)%size != 0 {
		return nil, fmt.Errorf("%d bytes is not a multiple of %d", len(b), size)
	}
	out := make([]float64, len(b)/size)
	for i := range out {
		p := b[i*size:]
		switch typ {
		case miINT8:
			out[i] = float64(int8(p[0]))
		case miUINT8:
			out[i] = float64(p[0])
		case miINT16:
			out[i] = float64(int16(order.Uint16(p)))
		case miUINT16:
			out[i] = float64(order.Uint16(p))
		case miINT32:
			out[i] = float64(int32(order.Uint32(p)))
		case miUINT32:
			out[i] = float64(order.Uint32(p))
		case miSINGLE:
			out[i] = float64(math.Float32frombits(order.Uint32(p)))
		case miDOUBLE:
			out[i] = math.Float64frombits(order.Uint64(p))
		case miINT64:
			out[i] = float64(int64(order.Uint64(p)))
		case miUINT64:
			out[i] = float64(order.Uint64(p))
		}
	}
	return out, nil
}
