package state

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/zeusync/serialstate/internal/core/fields"
	"github.com/zeusync/serialstate/internal/core/schema/registry"
)

// Tag is the struct tag key naming a persisted field.
const Tag = "state"

var (
	ErrMissingField  = errors.New("state: declared field does not exist on type")
	ErrNotRegistered = errors.New("state: type is not registered")
	ErrWrongType     = errors.New("state: deserialize produced an unexpected type")
	ErrPostHook      = errors.New("state: post-deserialize hook failed")
)

// Schema declares how a Go type persists its state.
type Schema struct {
	// Name is the stable registry name. Defaults to the Go type name, e.g. "pkg.Sensor".
	Name string

	// Fields lists the type's own persisted fields in order. nil means the type
	// declares nothing and relies on Extends; an empty slice is a valid
	// declaration of no own fields.
	Fields []string

	// Extends names the registered parent whose effective fields are inherited.
	// The Go type usually embeds the parent struct so the fields are promoted.
	Extends string

	// Replace drops the inherited fields in favour of Fields.
	Replace bool

	// Version is the current schema version, 1 when left zero.
	Version int

	Upgrade registry.UpgradeFunc
}

// Accessor lets a type expose its state without reflection.
type Accessor interface {
	StateValue(field string) (any, error)
	SetStateValue(field string, value any) error
}

// PostDeserializer is implemented by types that need deferred setup once every
// persisted field has been assigned.
type PostDeserializer interface {
	PostDeserialize() error
}

var accessorType = reflect.TypeOf((*Accessor)(nil)).Elem()

// Register adds *T to reg under s. The effective field list is resolved once,
// here, and every field must exist on T unless *T implements Accessor.
func Register[T any](reg *registry.Registry, s Schema) error {
	if reg == nil {
		reg = registry.Default()
	}
	ptr := reflect.TypeOf((*T)(nil))
	if s.Name == "" {
		s.Name = ptr.Elem().String()
	}
	if s.Version == 0 {
		s.Version = 1
	}

	effective, err := reg.ResolveFields(s.Fields, s.Extends, s.Replace)
	if err != nil {
		return fmt.Errorf("register %s: %w", s.Name, err)
	}

	var acc *fields.Accessor
	if !ptr.Implements(accessorType) {
		acc, err = fields.For(ptr, Tag)
		if err != nil {
			return fmt.Errorf("register %s: %w", s.Name, err)
		}
		for _, f := range effective {
			if !acc.Has(f) {
				return fmt.Errorf("%w: %s.%s", ErrMissingField, s.Name, f)
			}
		}
	}

	return reg.RegisterType(registry.Entry{
		Name:    s.Name,
		Type:    ptr,
		Version: s.Version,
		Serialize: func(obj any) (registry.State, error) {
			return collect(obj, effective, acc)
		},
		Deserialize: func(payload registry.State) (any, error) {
			return restore[T](payload, acc)
		},
		Upgrade: s.Upgrade,
		Fields:  effective,
	})
}

// MustRegister is Register for package init functions.
func MustRegister[T any](reg *registry.Registry, s Schema) {
	if err := Register[T](reg, s); err != nil {
		panic(err)
	}
}

// StateDict returns {field: current value} for every effective field of v,
// a pointer to a registered type.
func StateDict(reg *registry.Registry, v any) (registry.State, error) {
	if reg == nil {
		reg = registry.Default()
	}
	entry, ok := reg.GetByGoType(reflect.TypeOf(v))
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotRegistered, v)
	}
	return entry.Serialize(v)
}

// FromState reconstructs a T from a state dict without running any
// constructor, then calls PostDeserialize when T defines it.
func FromState[T any](reg *registry.Registry, payload registry.State) (*T, error) {
	if reg == nil {
		reg = registry.Default()
	}
	entry, ok := reg.GetByGoType(reflect.TypeOf((*T)(nil)))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, reflect.TypeOf((*T)(nil)).Elem())
	}
	obj, err := entry.Deserialize(payload)
	if err != nil {
		return nil, err
	}
	out, ok := obj.(*T)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrWrongType, obj)
	}
	return out, nil
}

func collect(obj any, names []string, acc *fields.Accessor) (registry.State, error) {
	out := make(registry.State, len(names))
	if sa, ok := obj.(Accessor); ok {
		for _, name := range names {
			v, err := sa.StateValue(name)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			out[name] = v
		}
		return out, nil
	}
	for _, name := range names {
		v, err := acc.Get(obj, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// restore assigns every payload key that names a field. Keys the type no longer
// has are skipped.
func restore[T any](payload registry.State, acc *fields.Accessor) (any, error) {
	obj := new(T)

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if sa, ok := any(obj).(Accessor); ok {
		for _, k := range keys {
			if err := sa.SetStateValue(k, payload[k]); err != nil {
				return nil, fmt.Errorf("field %s: %w", k, err)
			}
		}
	} else {
		for _, k := range keys {
			if !acc.Has(k) {
				continue
			}
			if err := acc.Set(obj, k, payload[k]); err != nil {
				return nil, err
			}
		}
	}

	if hook, ok := any(obj).(PostDeserializer); ok {
		if err := hook.PostDeserialize(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPostHook, err)
		}
	}
	return obj, nil
}
