package codec

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Set is an unordered collection of comparable values. Any map[K]struct{} is
// also encoded as a set; decoding always produces a Set.
type Set map[any]struct{}

func NewSet(items ...any) Set {
	s := make(Set, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func (s Set) Add(item any) {
	s[item] = struct{}{}
}

func (s Set) Has(item any) bool {
	_, ok := s[item]
	return ok
}

func (s Set) Len() int {
	return len(s)
}

// Items returns the members in unspecified order.
func (s Set) Items() []any {
	out := make([]any, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	return out
}

const (
	naiveLayout       = "2006-01-02T15:04:05.000000"
	awareLayout       = "2006-01-02T15:04:05.000000Z"
	naiveParseLayout  = "2006-01-02T15:04:05.999999999"
	naiveParseLayout2 = "2006-01-02 15:04:05.999999999"
)

// NaiveTime is a wall-clock timestamp that carries no time zone. Every
// time.Time is treated as zone aware; wrap it with Naive to drop the zone.
type NaiveTime struct {
	time.Time
}

// Naive keeps the wall clock reading of t and discards its zone.
func Naive(t time.Time) NaiveTime {
	return NaiveTime{time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)}
}

func (n NaiveTime) String() string {
	return n.Time.Format(naiveLayout)
}

func formatNaive(n NaiveTime) string {
	return n.Time.Format(naiveLayout)
}

func formatAware(t time.Time) string {
	return t.UTC().Format(awareLayout)
}

// parseDateTime accepts RFC 3339 strings with Z or a numeric offset, and zone-less
// ISO-8601 strings. naive drops whatever zone was parsed.
func parseDateTime(s string, naive bool) (any, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		var nerr error
		t, nerr = time.ParseInLocation(naiveParseLayout, s, time.UTC)
		if nerr != nil {
			t, nerr = time.ParseInLocation(naiveParseLayout2, s, time.UTC)
		}
		if nerr != nil {
			return nil, fmt.Errorf("%w: timestamp %q: %w", ErrMalformedTree, s, err)
		}
	}
	if naive {
		return Naive(t), nil
	}
	return t, nil
}

// DType names the element type of an NDArray, using numpy's spelling.
type DType string

const (
	Float64 DType = "float64"
	Float32 DType = "float32"
	Int64   DType = "int64"
	Int32   DType = "int32"
	Int16   DType = "int16"
	Int8    DType = "int8"
	Uint64  DType = "uint64"
	Uint32  DType = "uint32"
	Uint16  DType = "uint16"
	Uint8   DType = "uint8"
	BoolT   DType = "bool"
)

// Element lists the Go element types an NDArray can hold.
type Element interface {
	float64 | float32 | int | int64 | int32 | int16 | int8 | uint | uint64 | uint32 | uint16 | uint8 | bool
}

// NDArray is a dense, row-major, n-dimensional array with a fixed element type.
type NDArray struct {
	shape []int
	dtype DType
	data  any // flat typed slice matching dtype
}

// NewArray builds an array of the given shape over a copy of data. int and
// uint elements are stored as int64 and uint64.
func NewArray[T Element](shape []int, data []T) (*NDArray, error) {
	size, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrMalformedArray, len(data), shape)
	}

	a := &NDArray{shape: slices.Clone(shape)}
	switch d := any(data).(type) {
	case []float64:
		a.dtype, a.data = Float64, slices.Clone(d)
	case []float32:
		a.dtype, a.data = Float32, slices.Clone(d)
	case []int:
		out := make([]int64, len(d))
		for i, v := range d {
			out[i] = int64(v)
		}
		a.dtype, a.data = Int64, out
	case []int64:
		a.dtype, a.data = Int64, slices.Clone(d)
	case []int32:
		a.dtype, a.data = Int32, slices.Clone(d)
	case []int16:
		a.dtype, a.data = Int16, slices.Clone(d)
	case []int8:
		a.dtype, a.data = Int8, slices.Clone(d)
	case []uint:
		out := make([]uint64, len(d))
		for i, v := range d {
			out[i] = uint64(v)
		}
		a.dtype, a.data = Uint64, out
	case []uint64:
		a.dtype, a.data = Uint64, slices.Clone(d)
	case []uint32:
		a.dtype, a.data = Uint32, slices.Clone(d)
	case []uint16:
		a.dtype, a.data = Uint16, slices.Clone(d)
	case []uint8:
		a.dtype, a.data = Uint8, slices.Clone(d)
	case []bool:
		a.dtype, a.data = BoolT, slices.Clone(d)
	}
	return a, nil
}

// MustArray is NewArray that panics on a shape mismatch.
func MustArray[T Element](shape []int, data []T) *NDArray {
	a, err := NewArray(shape, data)
	if err != nil {
		panic(err)
	}
	return a
}

// Values returns the flat backing data when T matches the array's storage type.
func Values[T Element](a *NDArray) ([]T, bool) {
	d, ok := a.data.([]T)
	return d, ok
}

func (a *NDArray) Shape() []int { return slices.Clone(a.shape) }
func (a *NDArray) DType() DType { return a.dtype }

// Len is the total number of elements.
func (a *NDArray) Len() int {
	n, _ := shapeSize(a.shape)
	return n
}

// Equal reports whether both arrays have the same dtype, shape and elements.
func (a *NDArray) Equal(b *NDArray) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.dtype != b.dtype || !slices.Equal(a.shape, b.shape) {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if a.at(i) != b.at(i) {
			return false
		}
	}
	return true
}

// at returns element i of the flat data as a comparable value.
func (a *NDArray) at(i int) any {
	switch d := a.data.(type) {
	case []float64:
		return d[i]
	case []float32:
		return d[i]
	case []int64:
		return d[i]
	case []int32:
		return d[i]
	case []int16:
		return d[i]
	case []int8:
		return d[i]
	case []uint64:
		return d[i]
	case []uint32:
		return d[i]
	case []uint16:
		return d[i]
	case []uint8:
		return d[i]
	case []bool:
		return d[i]
	}
	return nil
}

// element renders element i as a node.
func (a *NDArray) element(i int) (Node, error) {
	switch d := a.data.(type) {
	case []float64:
		return Float(d[i]), nil
	case []float32:
		return Float(d[i]), nil
	case []int64:
		return Int(d[i]), nil
	case []int32:
		return Int(d[i]), nil
	case []int16:
		return Int(d[i]), nil
	case []int8:
		return Int(d[i]), nil
	case []uint64:
		if d[i] > math.MaxInt64 {
			return nil, fmt.Errorf("%w: uint64 element %d overflows int64", ErrUnsupportedType, d[i])
		}
		return Int(d[i]), nil
	case []uint32:
		return Int(d[i]), nil
	case []uint16:
		return Int(d[i]), nil
	case []uint8:
		return Int(d[i]), nil
	case []bool:
		return Bool(d[i]), nil
	}
	return nil, fmt.Errorf("%w: array without data", ErrMalformedArray)
}

// nested renders the array as nested sequences following its shape.
func (a *NDArray) nested() (Node, error) {
	pos := 0
	var build func(dim int) (Node, error)
	build = func(dim int) (Node, error) {
		if dim == len(a.shape) {
			n, err := a.element(pos)
			pos++
			return n, err
		}
		seq := make(Seq, a.shape[dim])
		for i := range seq {
			n, err := build(dim + 1)
			if err != nil {
				return nil, err
			}
			seq[i] = n
		}
		return seq, nil
	}
	return build(0)
}

// knownDType reports whether arrays of dtype can be reconstructed.
func knownDType(dtype string) bool {
	switch DType(dtype) {
	case Float64, Float32, Int64, Int32, Int16, Int8, Uint64, Uint32, Uint16, Uint8, BoolT:
		return true
	}
	return false
}

// arrayFromNested flattens decoded nested data according to shape and
// converts every element to dtype.
func arrayFromNested(shape []int, dtype DType, nested any) (*NDArray, error) {
	size, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	flat := make([]any, 0, size)
	var walk func(dim int, v any) error
	walk = func(dim int, v any) error {
		if dim == len(shape) {
			flat = append(flat, v)
			return nil
		}
		items, ok := v.([]any)
		if !ok || len(items) != shape[dim] {
			return fmt.Errorf("%w: data does not match shape %v at dimension %d", ErrMalformedArray, shape, dim)
		}
		for _, item := range items {
			if err := walk(dim+1, item); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(0, nested); err != nil {
		return nil, err
	}

	switch dtype {
	case Float64:
		return convertFlat(shape, flat, toFloat[float64])
	case Float32:
		return convertFlat(shape, flat, toFloat[float32])
	case Int64:
		return convertFlat(shape, flat, toInt[int64](math.MinInt64, math.MaxInt64))
	case Int32:
		return convertFlat(shape, flat, toInt[int32](math.MinInt32, math.MaxInt32))
	case Int16:
		return convertFlat(shape, flat, toInt[int16](math.MinInt16, math.MaxInt16))
	case Int8:
		return convertFlat(shape, flat, toInt[int8](math.MinInt8, math.MaxInt8))
	case Uint64:
		return convertFlat(shape, flat, toInt[uint64](0, math.MaxInt64))
	case Uint32:
		return convertFlat(shape, flat, toInt[uint32](0, math.MaxUint32))
	case Uint16:
		return convertFlat(shape, flat, toInt[uint16](0, math.MaxUint16))
	case Uint8:
		return convertFlat(shape, flat, toInt[uint8](0, math.MaxUint8))
	case BoolT:
		return convertFlat(shape, flat, func(v any) (bool, error) {
			b, ok := v.(bool)
			if !ok {
				return false, fmt.Errorf("%w: %v is not a bool", ErrMalformedArray, v)
			}
			return b, nil
		})
	}
	return nil, fmt.Errorf("%w: unknown dtype %q", ErrMalformedArray, dtype)
}

func convertFlat[T Element](shape []int, flat []any, conv func(any) (T, error)) (*NDArray, error) {
	out := make([]T, len(flat))
	for i, v := range flat {
		x, err := conv(v)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return NewArray(shape, out)
}

func toFloat[T float32 | float64](v any) (T, error) {
	switch x := v.(type) {
	case float64:
		return T(x), nil
	case int:
		return T(x), nil
	}
	return 0, fmt.Errorf("%w: %v is not a number", ErrMalformedArray, v)
}

func toInt[T int64 | int32 | int16 | int8 | uint64 | uint32 | uint16 | uint8](lo, hi int64) func(any) (T, error) {
	return func(v any) (T, error) {
		var n int64
		switch x := v.(type) {
		case int:
			n = int64(x)
		case float64:
			if x != math.Trunc(x) {
				return 0, fmt.Errorf("%w: %v is not an integer", ErrMalformedArray, x)
			}
			n = int64(x)
		default:
			return 0, fmt.Errorf("%w: %v is not a number", ErrMalformedArray, v)
		}
		if n < lo || n > hi {
			return 0, fmt.Errorf("%w: %d out of range", ErrMalformedArray, n)
		}
		return T(n), nil
	}
}

func shapeSize(shape []int) (int, error) {
	size := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrMalformedArray, shape)
		}
		size *= d
	}
	return size, nil
}
