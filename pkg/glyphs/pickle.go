// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package glyphs

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"os"
	"strconv"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

// LoadPickle loads a dataset from a pickled Python list of `(image, label)` tuples, where each image is a 2D
// (or `[H, W, 1]`) numpy array of pixel values in [0, 255], and each label is a small integer (plain Python int
// or numpy scalar).
func LoadPickle(path string) (*Dataset, error) {
	obj, err := unpickleFile(path)
	if err != nil {
		return nil, err
	}
	entries, ok := asSequence(obj)
	if !ok {
		return nil, errors.Errorf("pickle %q holds a %T, expected a list of (image, label) tuples", path, obj)
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("pickle %q holds an empty list", path)
	}

	var (
		height, width int
		pixels        []uint8
		labels        = make([]int32, 0, len(entries))
	)
	for ii, entry := range entries {
		pair, ok := asSequence(entry)
		if !ok || len(pair) != 2 {
			return nil, errors.Errorf("pickle %q entry #%d is a %T, expected an (image, label) tuple", path, ii, entry)
		}
		arr, ok := pair[0].(*ndarray)
		if !ok {
			return nil, errors.Errorf("pickle %q entry #%d image is a %T, expected a numpy array", path, ii, pair[0])
		}
		h, w, err := arr.imageDims()
		if err != nil {
			return nil, errors.WithMessagef(err, "pickle %q entry #%d", path, ii)
		}
		if ii == 0 {
			height, width = h, w
			pixels = make([]uint8, 0, len(entries)*h*w)
		} else if h != height || w != width {
			return nil, errors.Errorf("pickle %q entry #%d image is %dx%d, but previous images are %dx%d",
				path, ii, h, w, height, width)
		}
		values, err := arr.uint8Values()
		if err != nil {
			return nil, errors.WithMessagef(err, "pickle %q entry #%d", path, ii)
		}
		pixels = append(pixels, values...)

		label, err := asInt(pair[1])
		if err != nil {
			return nil, errors.WithMessagef(err, "pickle %q entry #%d label", path, ii)
		}
		if label < 0 || label > math.MaxInt32 {
			return nil, errors.Errorf("pickle %q entry #%d has invalid label %d", path, ii, label)
		}
		labels = append(labels, int32(label))
	}
	return New(datasetName(path), height, width, pixels, labels, 0)
}

// LoadLabelNames loads a pickled Python list of strings: the name of each class, indexed by the class id.
func LoadLabelNames(path string) ([]string, error) {
	obj, err := unpickleFile(path)
	if err != nil {
		return nil, err
	}
	entries, ok := asSequence(obj)
	if !ok {
		return nil, errors.Errorf("pickle %q holds a %T, expected a list of label names", path, obj)
	}
	names := make([]string, len(entries))
	for ii, entry := range entries {
		switch v := entry.(type) {
		case string:
			names[ii] = v
		case []byte:
			names[ii] = string(v)
		default:
			names[ii] = fmt.Sprint(v)
		}
	}
	return names, nil
}

func unpickleFile(path string) (any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pickle file %q", path)
	}
	defer func() { _ = f.Close() }()
	obj, err := unpickle(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to unpickle %q", path)
	}
	return obj, nil
}

// unpickle reads one pickled object, resolving the numpy classes needed to reconstruct arrays and scalars.
func unpickle(r io.Reader) (any, error) {
	u := pickle.NewUnpickler(r)
	u.FindClass = findClass
	obj, err := u.Load()
	if err != nil {
		return nil, errors.Wrap(err, "unpickling")
	}
	return obj, nil
}

func findClass(module, name string) (any, error) {
	switch module + "." + name {
	case "numpy.core.multiarray._reconstruct", "numpy._core.multiarray._reconstruct":
		return callableFn(reconstructArray), nil
	case "numpy.core.numeric._frombuffer", "numpy._core.numeric._frombuffer":
		return callableFn(frombufferArray), nil
	case "numpy.core.multiarray.scalar", "numpy._core.multiarray.scalar":
		return callableFn(reconstructScalar), nil
	case "numpy.ndarray":
		return ndarrayClass{}, nil
	case "numpy.dtype":
		return callableFn(newDType), nil
	case "_codecs.encode":
		return callableFn(codecsEncode), nil
	}
	return types.NewGenericClass(module, name), nil
}

// callableFn adapts a Go function to a Python callable for the unpickler.
type callableFn func(args ...any) (any, error)

func (fn callableFn) Call(args ...any) (any, error) {
	return fn(args...)
}

// ndarrayClass stands for the `numpy.ndarray` type, passed as the first argument of `_reconstruct`.
type ndarrayClass struct{}

// ndarray is a numpy array reconstructed from its pickled state.
type ndarray struct {
	shape   []int
	dtype   *dtype
	fortran bool
	data    []byte
}

func reconstructArray(_ ...any) (any, error) {
	return &ndarray{}, nil
}

// PySetState implements types.PyStateSettable. The state is the tuple
// `(version, shape, dtype, is_fortran, raw_data)`.
func (a *ndarray) PySetState(state any) error {
	fields, ok := asSequence(state)
	if !ok || len(fields) != 5 {
		return errors.Errorf("unexpected numpy array state %v", state)
	}
	var err error
	if a.shape, err = asShape(fields[1]); err != nil {
		return err
	}
	if a.dtype, ok = fields[2].(*dtype); !ok {
		return errors.Errorf("unexpected numpy array dtype %v", fields[2])
	}
	if b, ok := fields[3].(bool); ok {
		a.fortran = b
	}
	if a.data, err = asBytes(fields[4]); err != nil {
		return errors.WithMessage(err, "numpy array data")
	}
	return nil
}

// frombufferArray rebuilds an array pickled as `_frombuffer(buffer, dtype, shape, order)`, the form used by
// numpy for pickle protocol 5 and above.
func frombufferArray(args ...any) (any, error) {
	if len(args) != 4 {
		return nil, errors.Errorf("numpy _frombuffer called with %d arguments, expected 4", len(args))
	}
	data, err := asBytes(args[0])
	if err != nil {
		return nil, errors.WithMessage(err, "numpy array buffer")
	}
	dt, ok := args[1].(*dtype)
	if !ok {
		return nil, errors.Errorf("unexpected numpy array dtype %v", args[1])
	}
	shape, err := asShape(args[2])
	if err != nil {
		return nil, err
	}
	order, _ := args[3].(string)
	return &ndarray{shape: shape, dtype: dt, fortran: order == "F", data: data}, nil
}

// asShape converts a pickled tuple of dimensions.
func asShape(obj any) ([]int, error) {
	dims, ok := asSequence(obj)
	if !ok {
		return nil, errors.Errorf("unexpected numpy array shape %v", obj)
	}
	shape := make([]int, len(dims))
	for ii, dim := range dims {
		d, err := asInt(dim)
		if err != nil {
			return nil, errors.WithMessage(err, "numpy array shape")
		}
		shape[ii] = int(d)
	}
	return shape, nil
}

func (a *ndarray) size() int {
	size := 1
	for _, dim := range a.shape {
		size *= dim
	}
	return size
}

// imageDims returns the height and width of an array shaped `[H, W]` or `[H, W, 1]`.
func (a *ndarray) imageDims() (height, width int, err error) {
	switch {
	case len(a.shape) == 2:
		return a.shape[0], a.shape[1], nil
	case len(a.shape) == 3 && a.shape[2] == 1:
		return a.shape[0], a.shape[1], nil
	}
	return 0, 0, errors.Errorf("image array has shape %v, expected [height, width] or [height, width, 1]", a.shape)
}

// uint8Values returns the array values in row-major order, converted to uint8 (rounded and clamped to [0, 255]).
func (a *ndarray) uint8Values() ([]uint8, error) {
	n := a.size()
	var values []uint8
	if a.dtype.kind == 'u' && a.dtype.itemSize == 1 {
		if len(a.data) != n {
			return nil, errors.Errorf("numpy array with shape %v has %d bytes of data", a.shape, len(a.data))
		}
		values = make([]uint8, n)
		copy(values, a.data)
	} else {
		floats, err := a.dtype.decode(a.data, n)
		if err != nil {
			return nil, err
		}
		values = make([]uint8, n)
		for ii, v := range floats {
			values[ii] = uint8(math.Round(min(max(v, 0), 255)))
		}
	}
	if a.fortran && len(a.shape) >= 2 {
		// Column-major: transpose the two spatial axes back to row-major.
		rows, cols := a.shape[0], a.shape[1]
		transposed := make([]uint8, n)
		for r := range rows {
			for c := range cols {
				transposed[r*cols+c] = values[c*rows+r]
			}
		}
		values = transposed
	}
	return values, nil
}

// dtype is a numpy dtype, e.g.: "u1", "i8", "f4".
type dtype struct {
	kind      byte
	itemSize  int
	byteOrder binary.ByteOrder
}

func newDType(args ...any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("numpy.dtype called without arguments")
	}
	typeStr, ok := args[0].(string)
	if !ok || len(typeStr) < 2 {
		return nil, errors.Errorf("unsupported numpy dtype %v", args[0])
	}
	itemSize, err := strconv.Atoi(typeStr[1:])
	if err != nil {
		return nil, errors.Errorf("unsupported numpy dtype %q", typeStr)
	}
	return &dtype{kind: typeStr[0], itemSize: itemSize, byteOrder: binary.LittleEndian}, nil
}

// PySetState implements types.PyStateSettable. The second element of the state holds the byte order.
func (dt *dtype) PySetState(state any) error {
	fields, ok := asSequence(state)
	if !ok || len(fields) < 2 {
		return errors.Errorf("unexpected numpy dtype state %v", state)
	}
	if order, ok := fields[1].(string); ok && order == ">" {
		dt.byteOrder = binary.BigEndian
	}
	return nil
}

// decode n values from data, converted to float64.
func (dt *dtype) decode(data []byte, n int) ([]float64, error) {
	if len(data) != n*dt.itemSize {
		return nil, errors.Errorf("numpy data has %d bytes, expected %d values of %d bytes", len(data), n, dt.itemSize)
	}
	values := make([]float64, n)
	for ii := range n {
		item := data[ii*dt.itemSize : (ii+1)*dt.itemSize]
		switch {
		case dt.kind == 'u' && dt.itemSize == 1, dt.kind == 'b' && dt.itemSize == 1:
			values[ii] = float64(item[0])
		case dt.kind == 'i' && dt.itemSize == 1:
			values[ii] = float64(int8(item[0]))
		case dt.kind == 'u' && dt.itemSize == 2:
			values[ii] = float64(dt.byteOrder.Uint16(item))
		case dt.kind == 'i' && dt.itemSize == 2:
			values[ii] = float64(int16(dt.byteOrder.Uint16(item)))
		case dt.kind == 'u' && dt.itemSize == 4:
			values[ii] = float64(dt.byteOrder.Uint32(item))
		case dt.kind == 'i' && dt.itemSize == 4:
			values[ii] = float64(int32(dt.byteOrder.Uint32(item)))
		case dt.kind == 'u' && dt.itemSize == 8:
			values[ii] = float64(dt.byteOrder.Uint64(item))
		case dt.kind == 'i' && dt.itemSize == 8:
			values[ii] = float64(int64(dt.byteOrder.Uint64(item)))
		case dt.kind == 'f' && dt.itemSize == 4:
			values[ii] = float64(math.Float32frombits(dt.byteOrder.Uint32(item)))
		case dt.kind == 'f' && dt.itemSize == 8:
			values[ii] = math.Float64frombits(dt.byteOrder.Uint64(item))
		default:
			return nil, errors.Errorf("unsupported numpy dtype %c%d", dt.kind, dt.itemSize)
		}
	}
	return values, nil
}

// reconstructScalar handles `numpy.core.multiarray.scalar(dtype, data)`.
func reconstructScalar(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, errors.Errorf("numpy scalar reconstruction takes 2 arguments, got %d", len(args))
	}
	dt, ok := args[0].(*dtype)
	if !ok {
		return nil, errors.Errorf("numpy scalar with unexpected dtype %v", args[0])
	}
	data, err := asBytes(args[1])
	if err != nil {
		return nil, errors.WithMessage(err, "numpy scalar data")
	}
	values, err := dt.decode(data, 1)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// codecsEncode handles `_codecs.encode(text, "latin1")`, used by protocol 2 pickles to store bytes.
func codecsEncode(args ...any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("_codecs.encode called without arguments")
	}
	text, ok := args[0].(string)
	if !ok {
		return nil, errors.Errorf("_codecs.encode called with a %T", args[0])
	}
	runes := []rune(text)
	data := make([]byte, len(runes))
	for ii, r := range runes {
		if r > 0xFF {
			return nil, errors.Errorf("_codecs.encode: character %q is not latin1", r)
		}
		data[ii] = byte(r)
	}
	return data, nil
}

// asSequence converts pickled lists and tuples to a Go slice.
func asSequence(obj any) ([]any, bool) {
	switch v := obj.(type) {
	case *types.List:
		return *v, true
	case types.List:
		return v, true
	case *types.Tuple:
		return *v, true
	case types.Tuple:
		return v, true
	case []any:
		return v, true
	}
	return nil, false
}

func asBytes(obj any) ([]byte, error) {
	switch v := obj.(type) {
	case []byte:
		return v, nil
	case *types.ByteArray:
		return *v, nil
	case types.ByteArray:
		return v, nil
	case string:
		// Python 2 pickles store raw data as str.
		return []byte(v), nil
	}
	return nil, errors.Errorf("expected bytes, got %T", obj)
}

// asInt converts the pickled representations of an integer label to int64.
func asInt(obj any) (int64, error) {
	switch v := obj.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case *big.Int:
		if !v.IsInt64() {
			return 0, errors.Errorf("integer %s out of range", v)
		}
		return v.Int64(), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.Errorf("expected an integer, got %g", v)
		}
		return int64(v), nil
	case *ndarray:
		if v.size() != 1 {
			return 0, errors.Errorf("expected a scalar, got numpy array with shape %v", v.shape)
		}
		values, err := v.dtype.decode(v.data, 1)
		if err != nil {
			return 0, err
		}
		return asInt(values[0])
	}
	return 0, errors.Errorf("expected an integer, got %T", obj)
}
