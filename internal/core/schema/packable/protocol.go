package packable

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/pkg/errors"

	"github.com/zeusync/serialstate/internal/core/fields"
	"github.com/zeusync/serialstate/internal/core/observability/log"
)

// Tag is the struct tag key naming a manifest field. Untagged fields use their Go name.
const Tag = "pack"

// Protocol packs and unpacks Packable object graphs. It never consults the
// type registry.
type Protocol struct {
	log log.Log
}

func New(l log.Log) *Protocol {
	if l == nil {
		l = log.Provide()
	}
	return &Protocol{log: l}
}

// Pack builds the wire mapping of p. Any failure aborts the whole call.
func (pr *Protocol) Pack(p Packable) (map[string]any, error) {
	if isNil(p) {
		return nil, errors.Wrap(ErrCorruptManifest, "nil object")
	}
	m, acc, err := describe(p)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(m.seen))
	for _, name := range m.plain {
		v, err := acc.Get(p, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}

	for _, name := range m.objects {
		v, err := acc.Get(p, name)
		if err != nil {
			return nil, err
		}
		child, ok := v.(Packable)
		if !ok || isNil(child) {
			return nil, errors.Wrapf(ErrCorruptManifest, "%T.%s is %T, cannot pack", p, name, v)
		}
		packed, err := pr.Pack(child)
		if err != nil {
			return nil, errors.WithMessagef(err, "%T.%s", p, name)
		}
		out[name] = packed
	}

	for _, t := range m.lists {
		v, err := acc.Get(p, t.name)
		if err != nil {
			return nil, err
		}
		rv := reflect.ValueOf(v)
		if v != nil && rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, errors.Wrapf(ErrCorruptManifest, "%T.%s is %T, want a list", p, t.name, v)
		}
		items := make([]any, 0)
		if v != nil {
			for i := 0; i < rv.Len(); i++ {
				packed, err := pr.packElement(rv.Index(i).Interface())
				if err != nil {
					return nil, errors.WithMessagef(err, "%T.%s[%d]", p, t.name, i)
				}
				items = append(items, packed)
			}
		}
		out[t.name] = items
	}

	for _, t := range m.maps {
		v, err := acc.Get(p, t.name)
		if err != nil {
			return nil, err
		}
		rv := reflect.ValueOf(v)
		if v != nil && (rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String) {
			return nil, errors.Wrapf(ErrCorruptManifest, "%T.%s is %T, want a string-keyed map", p, t.name, v)
		}
		items := make(map[string]any)
		if v != nil {
			iter := rv.MapRange()
			for iter.Next() {
				key := iter.Key().String()
				packed, err := pr.packElement(iter.Value().Interface())
				if err != nil {
					return nil, errors.WithMessagef(err, "%T.%s[%q]", p, t.name, key)
				}
				items[key] = packed
			}
		}
		out[t.name] = items
	}

	return out, nil
}

func (pr *Protocol) packElement(v any) (map[string]any, error) {
	child, ok := v.(Packable)
	if !ok || isNil(child) {
		return nil, errors.Wrapf(ErrCorruptManifest, "element is %T", v)
	}
	return pr.Pack(child)
}

// Unpack populates p from data in manifest order: plain fields, objects, lists,
// then maps. The first failure is logged and returned; fields assigned before
// it keep their new values.
func (pr *Protocol) Unpack(p Packable, data map[string]any) error {
	if isNil(p) {
		return errors.Wrap(ErrCorruptManifest, "nil object")
	}
	m, acc, err := describe(p)
	if err != nil {
		return pr.fail(p, "", err)
	}

	for _, name := range m.plain {
		pr.log.Debug("unpacking plain field", log.TypeOf("object", p), log.String("field", name))
		raw, ok := data[name]
		if !ok {
			return pr.fail(p, name, errors.Wrapf(ErrMissingKey, "%q", name))
		}
		if err := acc.Set(p, name, raw); err != nil {
			return pr.fail(p, name, err)
		}
	}

	for _, name := range m.objects {
		pr.log.Debug("unpacking object field", log.TypeOf("object", p), log.String("field", name))
		if err := pr.unpackObject(p, acc, name, data); err != nil {
			return pr.fail(p, name, err)
		}
	}

	for _, t := range m.lists {
		pr.log.Debug("unpacking list field", log.TypeOf("object", p), log.String("field", t.name))
		if err := pr.unpackList(p, acc, t, data); err != nil {
			return pr.fail(p, t.name, err)
		}
	}

	for _, t := range m.maps {
		pr.log.Debug("unpacking map field", log.TypeOf("object", p), log.String("field", t.name))
		if err := pr.unpackMap(p, acc, t, data); err != nil {
			return pr.fail(p, t.name, err)
		}
	}
	return nil
}

// unpackObject mutates the nested object in place, allocating it when nil.
func (pr *Protocol) unpackObject(p Packable, acc *fields.Accessor, name string, data map[string]any) error {
	raw, ok := data[name]
	if !ok {
		return errors.Wrapf(ErrMissingKey, "%q", name)
	}
	sub, ok := asMapping(raw)
	if !ok {
		return errors.Wrapf(ErrShape, "%q is %T, want a mapping", name, raw)
	}

	v, err := acc.Get(p, name)
	if err != nil {
		return err
	}
	child, ok := v.(Packable)
	if !ok || isNil(child) {
		child, err = allocate(p, acc, name)
		if err != nil {
			return err
		}
	}
	return pr.Unpack(child, sub)
}

func (pr *Protocol) unpackList(p Packable, acc *fields.Accessor, t templated, data map[string]any) error {
	raw, ok := data[t.name]
	if !ok {
		return errors.Wrapf(ErrMissingKey, "%q", t.name)
	}
	items, ok := raw.([]any)
	if !ok {
		return errors.Wrapf(ErrShape, "%q is %T, want a list", t.name, raw)
	}

	out := make([]any, 0, len(items))
	for i, item := range items {
		sub, ok := asMapping(item)
		if !ok {
			return errors.Wrapf(ErrShape, "%q[%d] is %T, want a mapping", t.name, i, item)
		}
		obj, err := clonePrototype(t)
		if err != nil {
			return err
		}
		if err := pr.Unpack(obj, sub); err != nil {
			return errors.WithMessagef(err, "%q[%d]", t.name, i)
		}
		out = append(out, obj)
	}
	return acc.Set(p, t.name, out)
}

func (pr *Protocol) unpackMap(p Packable, acc *fields.Accessor, t templated, data map[string]any) error {
	raw, ok := data[t.name]
	if !ok {
		return errors.Wrapf(ErrMissingKey, "%q", t.name)
	}
	items, ok := asMapping(raw)
	if !ok {
		return errors.Wrapf(ErrShape, "%q is %T, want a mapping", t.name, raw)
	}

	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(items))
	for _, key := range keys {
		sub, ok := asMapping(items[key])
		if !ok {
			return errors.Wrapf(ErrShape, "%q[%q] is %T, want a mapping", t.name, key, items[key])
		}
		obj, err := clonePrototype(t)
		if err != nil {
			return err
		}
		if err := pr.Unpack(obj, sub); err != nil {
			return errors.WithMessagef(err, "%q[%q]", t.name, key)
		}
		out[key] = obj
	}
	return acc.Set(p, t.name, out)
}

// loggedError marks a failure already reported by the innermost Unpack.
type loggedError struct {
	err error
}

func (e *loggedError) Error() string { return e.err.Error() }
func (e *loggedError) Unwrap() error { return e.err }
func (e *loggedError) Cause() error  { return e.err }

// fail logs err once, at the object where it happened. Enclosing objects only
// add their field to the message.
func (pr *Protocol) fail(p Packable, field string, err error) error {
	var logged *loggedError
	if errors.As(err, &logged) {
		return errors.WithMessagef(err, "%T.%s", p, field)
	}
	pr.log.Error("failed to unpack object",
		log.TypeOf("object", p),
		log.String("field", field),
		log.Error(err),
	)
	return &loggedError{err: err}
}

// Marshal packs p into JSON.
func (pr *Protocol) Marshal(p Packable) ([]byte, error) {
	packed, err := pr.Pack(p)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(packed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode packed object")
	}
	return data, nil
}

// Unmarshal unpacks JSON data into p.
func (pr *Protocol) Unmarshal(p Packable, data []byte) error {
	var packed map[string]any
	if err := json.Unmarshal(data, &packed); err != nil {
		return errors.Wrapf(ErrShape, "decode: %v", err)
	}
	return pr.Unpack(p, packed)
}

// Pack uses the process-wide logger.
func Pack(p Packable) (map[string]any, error) {
	return New(log.Provide()).Pack(p)
}

// Unpack uses the process-wide logger.
func Unpack(p Packable, data map[string]any) error {
	return New(log.Provide()).Unpack(p, data)
}

func describe(p Packable) (*Manifest, *fields.Accessor, error) {
	m := newManifest()
	p.SetManifest(m)
	if err := m.Err(); err != nil {
		return nil, nil, err
	}
	acc, err := fields.For(reflect.TypeOf(p), Tag)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range m.Names() {
		if !acc.Has(name) {
			return nil, nil, errors.Wrapf(ErrCorruptManifest, "%T has no field %q", p, name)
		}
	}
	return m, acc, nil
}

func clonePrototype(t templated) (Packable, error) {
	if isNil(t.prototype) {
		return nil, errors.Wrapf(ErrCorruptManifest, "%q has no prototype", t.name)
	}
	if c, ok := t.prototype.(Cloner); ok {
		return c.Clone(), nil
	}
	return fields.DeepCopy(t.prototype), nil
}

// allocate stores a fresh zero value in a nil object field.
func allocate(p Packable, acc *fields.Accessor, name string) (Packable, error) {
	ft, ok := acc.FieldType(name)
	if !ok || ft.Kind() != reflect.Pointer {
		return nil, errors.Wrapf(ErrCorruptManifest, "%T.%s is not a pointer to a packable", p, name)
	}
	child, ok := reflect.New(ft.Elem()).Interface().(Packable)
	if !ok {
		return nil, errors.Wrapf(ErrCorruptManifest, "%s is not packable", ft)
	}
	if err := acc.Set(p, name, child); err != nil {
		return nil, err
	}
	return child, nil
}

func asMapping(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, item := range m {
			out[fmt.Sprint(k)] = item
		}
		return out, true
	}
	return nil, false
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
