package packable

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateField  = errors.New("packable: field declared more than once")
	ErrCorruptManifest = errors.New("packable: corrupt manifest item")
	ErrMissingKey      = errors.New("packable: key missing from data")
	ErrShape           = errors.New("packable: data has the wrong shape")
)

// Packable objects describe their wire layout through a Manifest.
type Packable interface {
	SetManifest(m *Manifest)
}

// Cloner lets a prototype provide its own deep copy.
type Cloner interface {
	Clone() Packable
}

type kind uint8

const (
	kindPlain kind = iota
	kindObject
	kindList
	kindMap
)

func (k kind) String() string {
	switch k {
	case kindPlain:
		return "plain"
	case kindObject:
		return "object"
	case kindList:
		return "list"
	case kindMap:
		return "map"
	}
	return "unknown"
}

type templated struct {
	name      string
	prototype Packable
}

// Manifest lists which fields are plain values, nested objects, lists of
// objects and maps of objects. A field name may appear in one collection only.
type Manifest struct {
	plain   []string
	objects []string
	lists   []templated
	maps    []templated

	seen map[string]kind
	errs []error
}

func newManifest() *Manifest {
	return &Manifest{seen: make(map[string]kind)}
}

// Plain declares fields copied verbatim.
func (m *Manifest) Plain(names ...string) *Manifest {
	for _, name := range names {
		if m.claim(name, kindPlain) {
			m.plain = append(m.plain, name)
		}
	}
	return m
}

// Object declares fields holding a single nested Packable.
func (m *Manifest) Object(names ...string) *Manifest {
	for _, name := range names {
		if m.claim(name, kindObject) {
			m.objects = append(m.objects, name)
		}
	}
	return m
}

// List declares a slice field whose elements are rebuilt from prototype.
func (m *Manifest) List(name string, prototype Packable) *Manifest {
	if m.claim(name, kindList) {
		m.lists = append(m.lists, templated{name: name, prototype: prototype})
	}
	return m
}

// Map declares a string-keyed map field whose values are rebuilt from prototype.
func (m *Manifest) Map(name string, prototype Packable) *Manifest {
	if m.claim(name, kindMap) {
		m.maps = append(m.maps, templated{name: name, prototype: prototype})
	}
	return m
}

// Names returns every declared field in pack order.
func (m *Manifest) Names() []string {
	out := make([]string, 0, len(m.seen))
	out = append(out, m.plain...)
	out = append(out, m.objects...)
	for _, t := range m.lists {
		out = append(out, t.name)
	}
	for _, t := range m.maps {
		out = append(out, t.name)
	}
	return out
}

// Err reports declaration problems such as duplicate names.
func (m *Manifest) Err() error {
	return errors.Join(m.errs...)
}

func (m *Manifest) claim(name string, k kind) bool {
	if prev, ok := m.seen[name]; ok {
		m.errs = append(m.errs, fmt.Errorf("%w: %q as %s and %s", ErrDuplicateField, name, prev, k))
		return false
	}
	m.seen[name] = k
	return true
}
