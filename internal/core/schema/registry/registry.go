package registry

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/zeusync/serialstate/internal/core/observability/log"
)

type TypeName = string

// State is the plain-data payload a registered type serializes to.
type State = map[string]any

type (
	SerializeFunc   func(obj any) (State, error)
	DeserializeFunc func(payload State) (any, error)
	UpgradeFunc     func(payload State, fromVersion, toVersion int) (State, error)
)

var (
	ErrInvalidEntry   = errors.New("registry: invalid entry")
	ErrReservedName   = errors.New("registry: reserved type name")
	ErrUnknownType    = errors.New("registry: unknown type")
	ErrUnknownParent  = errors.New("registry: unknown parent type")
	ErrNoStateFields  = errors.New("registry: no state fields declared")
	ErrNoUpgrade      = errors.New("registry: no upgrade function")
	ErrUpgradeFailure = errors.New("registry: upgrade failed")
)

// Entry is the reconstruction metadata for one registered type.
type Entry struct {
	Name        TypeName
	Type        reflect.Type
	Version     int
	Serialize   SerializeFunc
	Deserialize DeserializeFunc
	Upgrade     UpgradeFunc

	// Fields is the effective list of persisted fields, parent fields first.
	Fields []string
}

// Registry maps stable type names to entries. Decoding only ever reads it;
// writes happen from Go code at type-definition time.
type Registry struct {
	mu     sync.RWMutex
	byName map[TypeName]*Entry
	byType map[reflect.Type]*Entry
	log    log.Log
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

func New() *Registry {
	return &Registry{
		byName: make(map[TypeName]*Entry),
		byType: make(map[reflect.Type]*Entry),
	}
}

// Default returns the process-wide registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() { defaultRegistry = New() })
	return defaultRegistry
}

// SetLogger attaches a logger used for registration diagnostics.
func (r *Registry) SetLogger(l log.Log) {
	r.mu.Lock()
	r.log = l
	r.mu.Unlock()
}

// IsReserved reports whether name collides with the built-in node tags.
func IsReserved(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

// RegisterType adds e, or replaces a differing entry of the same name.
// Registering an identical entry again is a no-op.
func (r *Registry) RegisterType(e Entry) error {
	switch {
	case e.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidEntry)
	case IsReserved(e.Name):
		return fmt.Errorf("%w: %s", ErrReservedName, e.Name)
	case e.Type == nil:
		return fmt.Errorf("%w: %s has no Go type", ErrInvalidEntry, e.Name)
	case e.Version < 1:
		return fmt.Errorf("%w: %s has version %d", ErrInvalidEntry, e.Name, e.Version)
	case e.Serialize == nil || e.Deserialize == nil:
		return fmt.Errorf("%w: %s needs serialize and deserialize functions", ErrInvalidEntry, e.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byName[e.Name]; ok {
		if prev.sameAs(&e) {
			return nil
		}
		if r.byType[prev.Type] == prev {
			delete(r.byType, prev.Type)
		}
	}

	entry := e
	entry.Fields = slices.Clone(e.Fields)
	r.byName[e.Name] = &entry
	r.byType[e.Type] = &entry

	if r.log != nil {
		r.log.Debug("registered serializable type",
			log.String("type", e.Name),
			log.Any("go_type", e.Type),
			log.Int("version", e.Version),
			log.Strings("fields", entry.Fields),
		)
	}
	return nil
}

// GetType looks up an entry by its registered name.
func (r *Registry) GetType(name TypeName) (*Entry, bool) {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	return e, ok
}

// GetByGoType looks up an entry by the Go type it was registered for.
func (r *Registry) GetByGoType(t reflect.Type) (*Entry, bool) {
	r.mu.RLock()
	e, ok := r.byType[t]
	r.mu.RUnlock()
	return e, ok
}

// ListTypes returns the registered names in sorted order.
func (r *Registry) ListTypes() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ResolveFields composes the effective field list of a type from its own
// declaration and its parent's effective list. own == nil means the type
// declares nothing and inherits; an empty non-nil slice is a valid declaration.
func (r *Registry) ResolveFields(own []string, extends TypeName, replace bool) ([]string, error) {
	var inherited []string
	parentDeclared := false
	if extends != "" {
		parent, ok := r.GetType(extends)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParent, extends)
		}
		inherited = parent.Fields
		parentDeclared = true
	}

	if own == nil && !parentDeclared {
		return nil, ErrNoStateFields
	}

	var out []string
	if !replace || own == nil {
		out = append(out, inherited...)
	}
	for _, f := range own {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// Migrate upgrades payload of type name from one schema version to another.
func (r *Registry) Migrate(name TypeName, fromVersion, toVersion int, payload State) (State, error) {
	e, ok := r.GetType(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	if fromVersion == toVersion {
		return payload, nil
	}
	if e.Upgrade == nil {
		return nil, fmt.Errorf("%w: %s v%d -> v%d", ErrNoUpgrade, name, fromVersion, toVersion)
	}
	out, err := e.Upgrade(payload, fromVersion, toVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %s v%d -> v%d: %w", ErrUpgradeFailure, name, fromVersion, toVersion, err)
	}
	return out, nil
}

func (e *Entry) sameAs(o *Entry) bool {
	return e.Name == o.Name &&
		e.Type == o.Type &&
		e.Version == o.Version &&
		slices.Equal(e.Fields, o.Fields) &&
		funcPointer(e.Serialize) == funcPointer(o.Serialize) &&
		funcPointer(e.Deserialize) == funcPointer(o.Deserialize) &&
		funcPointer(e.Upgrade) == funcPointer(o.Upgrade)
}

// funcPointer identifies a function by its code pointer. Closures created from
// the same literal compare equal.
func funcPointer(fn any) uintptr {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.IsNil() {
		return 0
	}
	return v.Pointer()
}
