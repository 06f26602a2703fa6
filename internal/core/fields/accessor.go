package fields

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

var (
	ErrNotStruct    = errors.New("fields: target is not a struct")
	ErrNilTarget    = errors.New("fields: target is nil")
	ErrUnknownField = errors.New("fields: unknown field")
	ErrConvert      = errors.New("fields: cannot convert value")
)

// Accessor reads and writes the exported fields of one struct type by name.
// Names come from the struct tag (when a tag key is configured) or fall back
// to the Go field name. Fields promoted from embedded structs are addressable
// by their own name, which is how a "child" type reaches the state declared
// by the "parent" it embeds.
type Accessor struct {
	typ   reflect.Type
	tag   string
	index map[string][]int
	names []string
}

type cacheKey struct {
	typ reflect.Type
	tag string
}

var accessorCache sync.Map // cacheKey -> *Accessor

// For returns the cached Accessor for t (a struct or pointer-to-struct type).
func For(t reflect.Type, tag string) (*Accessor, error) {
	if t == nil {
		return nil, ErrNilTarget
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s", ErrNotStruct, t)
	}

	key := cacheKey{typ: t, tag: tag}
	if a, ok := accessorCache.Load(key); ok {
		return a.(*Accessor), nil
	}

	a := &Accessor{
		typ:   t,
		tag:   tag,
		index: make(map[string][]int),
	}
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag != "" {
			if tv, ok := f.Tag.Lookup(tag); ok {
				tv, _, _ = strings.Cut(tv, ",")
				if tv == "-" {
					continue
				}
				if tv != "" {
					name = tv
				}
			}
		}
		// a shallower field keeps its name
		if _, exists := a.index[name]; exists {
			continue
		}
		a.index[name] = f.Index
		a.names = append(a.names, name)
	}

	actual, _ := accessorCache.LoadOrStore(key, a)
	return actual.(*Accessor), nil
}

// Type returns the struct type served by the accessor.
func (a *Accessor) Type() reflect.Type {
	return a.typ
}

// Has reports whether name resolves to a field.
func (a *Accessor) Has(name string) bool {
	_, ok := a.index[name]
	return ok
}

// Names returns the resolvable names in declaration order.
func (a *Accessor) Names() []string {
	out := make([]string, len(a.names))
	copy(out, a.names)
	return out
}

// FieldType returns the static type of the named field.
func (a *Accessor) FieldType(name string) (reflect.Type, bool) {
	idx, ok := a.index[name]
	if !ok {
		return nil, false
	}
	return a.typ.FieldByIndex(idx).Type, true
}

// Get returns the current value of the named field of target.
func (a *Accessor) Get(target any, name string) (any, error) {
	sv, err := a.structValue(target)
	if err != nil {
		return nil, err
	}
	idx, ok := a.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, a.typ.Name(), name)
	}
	fv, err := sv.FieldByIndexErr(idx)
	if err != nil {
		// nil embedded pointer on the path
		return nil, nil
	}
	return fv.Interface(), nil
}

// Set assigns value to the named field of target, converting it to the field
// type when needed (see Assign). Nil embedded pointers on the path are allocated.
func (a *Accessor) Set(target any, name string, value any) error {
	sv, err := a.structValue(target)
	if err != nil {
		return err
	}
	idx, ok := a.index[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, a.typ.Name(), name)
	}
	fv := sv
	for i, x := range idx {
		if i > 0 && fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				fv.Set(reflect.New(fv.Type().Elem()))
			}
			fv = fv.Elem()
		}
		fv = fv.Field(x)
	}
	if err := Assign(fv, value); err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	return nil
}

func (a *Accessor) structValue(target any) (reflect.Value, error) {
	rv := reflect.ValueOf(target)
	if !rv.IsValid() {
		return reflect.Value{}, ErrNilTarget
	}
	if rv.Kind() != reflect.Pointer {
		return reflect.Value{}, fmt.Errorf("%w: %T is not a pointer", ErrNotStruct, target)
	}
	if rv.IsNil() {
		return reflect.Value{}, ErrNilTarget
	}
	rv = rv.Elem()
	if rv.Type() != a.typ {
		return reflect.Value{}, fmt.Errorf("%w: accessor for %s used on %s", ErrNotStruct, a.typ, rv.Type())
	}
	return rv, nil
}
