package fields

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Assign stores src into dst, converting loosely typed decoded data
// (int, float64, []any, map[string]any, map[any]struct{}) into the static type
// of dst. dst must be settable.
func Assign(dst reflect.Value, src any) error {
	if !dst.CanSet() {
		return fmt.Errorf("%w: destination %s is not settable", ErrConvert, dst.Type())
	}
	if src == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	return assignValue(dst, reflect.ValueOf(src))
}

func assignValue(dst, sv reflect.Value) error {
	dt := dst.Type()

	for sv.Kind() == reflect.Interface {
		if sv.IsNil() {
			dst.Set(reflect.Zero(dt))
			return nil
		}
		sv = sv.Elem()
	}

	if sv.Type().AssignableTo(dt) {
		dst.Set(sv)
		return nil
	}

	if sv.Kind() == reflect.Pointer && dt.Kind() != reflect.Pointer && dt.Kind() != reflect.Interface {
		if sv.IsNil() {
			dst.Set(reflect.Zero(dt))
			return nil
		}
		return assignValue(dst, sv.Elem())
	}

	switch dt.Kind() {
	case reflect.Interface:
		if sv.Type().Implements(dt) {
			dst.Set(sv)
			return nil
		}
	case reflect.Pointer:
		if sv.Kind() == reflect.Pointer && sv.IsNil() {
			dst.Set(reflect.Zero(dt))
			return nil
		}
		elem := reflect.New(dt.Elem())
		if err := assignValue(elem.Elem(), sv); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(sv)
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("%w: %d overflows %s", ErrConvert, n, dt)
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := toUint64(sv)
		if err != nil {
			return err
		}
		if dst.OverflowUint(n) {
			return fmt.Errorf("%w: %d overflows %s", ErrConvert, n, dt)
		}
		dst.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(sv)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil
	case reflect.Bool:
		if sv.Kind() == reflect.Bool {
			dst.SetBool(sv.Bool())
			return nil
		}
	case reflect.String:
		if sv.Kind() == reflect.String {
			dst.SetString(sv.String())
			return nil
		}
	case reflect.Slice:
		if sv.Kind() == reflect.Slice || sv.Kind() == reflect.Array {
			if sv.Kind() == reflect.Slice && sv.IsNil() {
				dst.Set(reflect.Zero(dt))
				return nil
			}
			out := reflect.MakeSlice(dt, sv.Len(), sv.Len())
			for i := 0; i < sv.Len(); i++ {
				if err := assignValue(out.Index(i), sv.Index(i)); err != nil {
					return fmt.Errorf("index %d: %w", i, err)
				}
			}
			dst.Set(out)
			return nil
		}
	case reflect.Array:
		if sv.Kind() == reflect.Slice || sv.Kind() == reflect.Array {
			if sv.Len() != dt.Len() {
				return fmt.Errorf("%w: length %d into %s", ErrConvert, sv.Len(), dt)
			}
			for i := 0; i < sv.Len(); i++ {
				if err := assignValue(dst.Index(i), sv.Index(i)); err != nil {
					return fmt.Errorf("index %d: %w", i, err)
				}
			}
			return nil
		}
	case reflect.Map:
		if sv.Kind() == reflect.Map {
			if sv.IsNil() {
				dst.Set(reflect.Zero(dt))
				return nil
			}
			out := reflect.MakeMapWithSize(dt, sv.Len())
			iter := sv.MapRange()
			for iter.Next() {
				k := reflect.New(dt.Key()).Elem()
				if err := assignKey(k, iter.Key()); err != nil {
					return err
				}
				v := reflect.New(dt.Elem()).Elem()
				if err := assignValue(v, iter.Value()); err != nil {
					return fmt.Errorf("key %v: %w", iter.Key(), err)
				}
				out.SetMapIndex(k, v)
			}
			dst.Set(out)
			return nil
		}
	}

	if sv.Type().ConvertibleTo(dt) && sv.Kind() == dt.Kind() {
		dst.Set(sv.Convert(dt))
		return nil
	}
	return fmt.Errorf("%w: %s into %s", ErrConvert, sv.Type(), dt)
}

// assignKey additionally parses string keys into numeric key types, since
// every mapping key survives the wire as a string.
func assignKey(dst, key reflect.Value) error {
	for key.Kind() == reflect.Interface {
		key = key.Elem()
	}
	if key.Kind() == reflect.String {
		s := key.String()
		switch dst.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil || dst.OverflowInt(n) {
				return fmt.Errorf("%w: key %q into %s", ErrConvert, s, dst.Type())
			}
			dst.SetInt(n)
			return nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil || dst.OverflowUint(n) {
				return fmt.Errorf("%w: key %q into %s", ErrConvert, s, dst.Type())
			}
			dst.SetUint(n)
			return nil
		}
	}
	return assignValue(dst, key)
}

func toInt64(sv reflect.Value) (int64, error) {
	switch sv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return sv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := sv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrConvert, u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := sv.Float()
		if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrConvert, f)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("%w: %s is not numeric", ErrConvert, sv.Type())
}

func toUint64(sv reflect.Value) (uint64, error) {
	switch sv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return sv.Uint(), nil
	}
	n, err := toInt64(sv)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrConvert, n)
	}
	return uint64(n), nil
}

func toFloat64(sv reflect.Value) (float64, error) {
	switch sv.Kind() {
	case reflect.Float32, reflect.Float64:
		return sv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(sv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(sv.Uint()), nil
	}
	return 0, fmt.Errorf("%w: %s is not numeric", ErrConvert, sv.Type())
}
