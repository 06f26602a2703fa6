package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/zeusync/serialstate/internal/core/observability/log"
	"github.com/zeusync/serialstate/internal/core/schema/registry"
)

var (
	ErrUnsupportedType = errors.New("codec: unsupported type")
	ErrUnsupportedKey  = errors.New("codec: mapping keys must be strings")
	ErrUnhashable      = errors.New("codec: set member is not hashable")
	ErrCycle           = errors.New("codec: cyclic object graph")
	ErrMaxDepth        = errors.New("codec: maximum nesting depth exceeded")
	ErrMalformedTree   = errors.New("codec: malformed serialized data")
	ErrMalformedArray  = errors.New("codec: malformed array")
	ErrSerialize       = errors.New("codec: serialize failed")
	ErrDeserialize     = errors.New("codec: deserialize failed")
)

const DefaultMaxDepth = 512

// Option configures a Codec.
type Option func(*Codec)

// WithLogger routes decode warnings to l.
func WithLogger(l log.Log) Option {
	return func(c *Codec) {
		c.log = l
	}
}

// WithMaxDepth bounds the nesting depth accepted by Encode and Decode.
func WithMaxDepth(depth int) Option {
	return func(c *Codec) {
		if depth > 0 {
			c.maxDepth = depth
		}
	}
}

// WithUnmigratedPayloads lets Decode hand a payload whose version differs from
// the registered one to the deserialize function unchanged when the type has no
// upgrade function. A warning is logged instead of failing with
// registry.ErrNoUpgrade.
func WithUnmigratedPayloads() Option {
	return func(c *Codec) {
		c.allowUnmigrated = true
	}
}

// WithoutArrays makes Decode return array data as plain nested sequences.
func WithoutArrays() Option {
	return func(c *Codec) {
		c.arrays = false
	}
}

// Codec converts Go values to Serialized Nodes and back. It holds no mutable
// state and is safe for concurrent use.
type Codec struct {
	registry        *registry.Registry
	log             log.Log
	maxDepth        int
	allowUnmigrated bool
	arrays          bool
}

func New(reg *registry.Registry, opts ...Option) *Codec {
	if reg == nil {
		reg = registry.Default()
	}
	c := &Codec{
		registry: reg,
		maxDepth: DefaultMaxDepth,
		arrays:   true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = log.Provide()
	}
	return c
}

// Provide builds a codec over an explicit registry and logger.
func Provide(reg *registry.Registry, l log.Log) *Codec {
	return New(reg, WithLogger(l))
}

// Default returns a codec over the process-wide registry.
func Default() *Codec {
	return New(registry.Default())
}

// Registry returns the registry the codec resolves types against.
func (c *Codec) Registry() *registry.Registry {
	return c.registry
}

// Encode converts v into a node.
func (c *Codec) Encode(v any) (Node, error) {
	e := encoder{c: c, visiting: make(map[visitKey]struct{})}
	return e.encode(v, 0)
}

// EncodeTree converts v into a plain tree.
func (c *Codec) EncodeTree(v any) (any, error) {
	n, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	return n.Tree(), nil
}

// Decode converts a node back into Go values.
func (c *Codec) Decode(n Node) (any, error) {
	return c.decode(n, 0)
}

// DecodeTree parses and decodes a plain tree.
func (c *Codec) DecodeTree(tree any) (any, error) {
	n, err := ParseTree(tree)
	if err != nil {
		return nil, err
	}
	return c.Decode(n)
}

type encoder struct {
	c        *Codec
	visiting map[visitKey]struct{}
}

// visitKey includes the type because a struct and its first field share an address.
type visitKey struct {
	ptr uintptr
	typ reflect.Type
}

func (e *encoder) encode(v any, depth int) (Node, error) {
	if depth > e.c.maxDepth {
		return nil, ErrMaxDepth
	}
	if v == nil {
		return Null{}, nil
	}

	rv := reflect.ValueOf(v)

	if entry, obj, ok := e.lookup(rv); ok {
		return e.encodeObject(entry, obj, depth)
	}

	switch x := v.(type) {
	case time.Time:
		return DateTimeNode{Value: formatAware(x), Naive: false}, nil
	case NaiveTime:
		return DateTimeNode{Value: formatNaive(x), Naive: true}, nil
	case json.Number:
		return ParseTree(x)
	case *NDArray:
		if x == nil {
			return Null{}, nil
		}
		return e.encodeArray(x)
	case NDArray:
		return e.encodeArray(&x)
	case Node:
		return nil, fmt.Errorf("%w: %T is already encoded", ErrUnsupportedType, v)
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedType, u)
		}
		return Int(u), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Map:
		return e.encodeMap(rv, depth)
	case reflect.Slice, reflect.Array:
		return e.encodeSeq(rv, depth)
	case reflect.Pointer:
		if rv.IsNil() {
			return Null{}, nil
		}
		leave, err := e.enter(rv)
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.encode(rv.Elem().Interface(), depth+1)
	}

	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

// lookup finds the registry entry for the dynamic type of rv. A value of T is
// accepted for a registered *T by encoding a pointer to a copy.
func (e *encoder) lookup(rv reflect.Value) (*registry.Entry, any, bool) {
	if entry, ok := e.c.registry.GetByGoType(rv.Type()); ok {
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, nil, false
		}
		return entry, rv.Interface(), true
	}
	if rv.Kind() != reflect.Pointer {
		if entry, ok := e.c.registry.GetByGoType(reflect.PointerTo(rv.Type())); ok {
			p := reflect.New(rv.Type())
			p.Elem().Set(rv)
			return entry, p.Interface(), true
		}
	}
	return nil, nil, false
}

func (e *encoder) encodeObject(entry *registry.Entry, obj any, depth int) (Node, error) {
	rv := reflect.ValueOf(obj)
	if rv.Kind() == reflect.Pointer {
		leave, err := e.enter(rv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name, err)
		}
		defer leave()
	}

	payload, err := entry.Serialize(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSerialize, entry.Name, err)
	}
	state, err := e.encode(payload, depth+1)
	if err != nil {
		return nil, err
	}
	return ObjectNode{Type: entry.Name, Version: entry.Version, State: state}, nil
}

func (e *encoder) encodeArray(a *NDArray) (Node, error) {
	data, err := a.nested()
	if err != nil {
		return nil, err
	}
	return ArrayNode{Shape: a.Shape(), DType: string(a.dtype), Data: data}, nil
}

func (e *encoder) encodeMap(rv reflect.Value, depth int) (Node, error) {
	if rv.IsNil() {
		return Map{}, nil
	}
	leave, err := e.enter(rv)
	if err != nil {
		return nil, err
	}
	defer leave()

	if isSetType(rv.Type()) {
		items := make([]Node, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := e.encode(iter.Key().Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			items = append(items, n)
		}
		return SetNode{Items: items}, nil
	}

	if rv.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, rv.Type())
	}
	out := make(Map, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		n, err := e.encode(iter.Value().Interface(), depth+1)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", iter.Key().String(), err)
		}
		out[iter.Key().String()] = n
	}
	return out, nil
}

func (e *encoder) encodeSeq(rv reflect.Value, depth int) (Node, error) {
	out := make(Seq, rv.Len())
	for i := range out {
		n, err := e.encode(rv.Index(i).Interface(), depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// enter marks a pointer or map as being on the current encode path.
func (e *encoder) enter(rv reflect.Value) (func(), error) {
	key := visitKey{ptr: rv.Pointer(), typ: rv.Type()}
	if _, ok := e.visiting[key]; ok {
		return nil, fmt.Errorf("%w: %s revisited", ErrCycle, rv.Type())
	}
	e.visiting[key] = struct{}{}
	return func() { delete(e.visiting, key) }, nil
}

func isSetType(t reflect.Type) bool {
	return t.Kind() == reflect.Map && t.Elem().Kind() == reflect.Struct && t.Elem().NumField() == 0
}

func (c *Codec) decode(n Node, depth int) (any, error) {
	if depth > c.maxDepth {
		return nil, ErrMaxDepth
	}

	switch x := n.(type) {
	case nil, Null:
		return nil, nil
	case Bool:
		return bool(x), nil
	case Int:
		return int(x), nil
	case Float:
		return float64(x), nil
	case String:
		return string(x), nil
	case Seq:
		return c.decodeSeq(x, depth)
	case Map:
		return c.decodeMap(x, depth)
	case SetNode:
		out := make(Set, len(x.Items))
		for _, item := range x.Items {
			v, err := c.decode(item, depth+1)
			if err != nil {
				return nil, err
			}
			if v != nil && !reflect.TypeOf(v).Comparable() {
				return nil, fmt.Errorf("%w: %T", ErrUnhashable, v)
			}
			out[v] = struct{}{}
		}
		return out, nil
	case DateTimeNode:
		return parseDateTime(x.Value, x.Naive)
	case ArrayNode:
		return c.decodeArray(x, depth)
	case ObjectNode:
		return c.decodeObject(x, depth)
	default:
		return nil, fmt.Errorf("%w: unknown node %T", ErrMalformedTree, n)
	}
}

func (c *Codec) decodeSeq(s Seq, depth int) ([]any, error) {
	out := make([]any, len(s))
	for i, item := range s {
		v, err := c.decode(item, depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *Codec) decodeMap(m Map, depth int) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, item := range m {
		v, err := c.decode(item, depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (c *Codec) decodeArray(a ArrayNode, depth int) (any, error) {
	nested, err := c.decode(a.Data, depth+1)
	if err != nil {
		return nil, err
	}
	if !c.arrays || !knownDType(a.DType) {
		c.log.Warn("array support unavailable, keeping nested data",
			log.String("dtype", a.DType),
			log.Bool("arrays_enabled", c.arrays),
		)
		return nested, nil
	}
	return arrayFromNested(a.Shape, DType(a.DType), nested)
}

func (c *Codec) decodeObject(o ObjectNode, depth int) (any, error) {
	// inner payload first so nested objects exist before the outer one
	state, err := c.decode(o.State, depth+1)
	if err != nil {
		return nil, err
	}

	entry, ok := c.registry.GetType(o.Type)
	if !ok {
		c.log.Warn("unregistered type in serialized data, decoding as plain mapping",
			log.String("type", o.Type),
			log.Int("version", o.Version),
		)
		return map[string]any{
			KeyType:    o.Type,
			KeyVersion: o.Version,
			KeyState:   state,
		}, nil
	}

	payload, ok := state.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s state_data is %T, want a mapping", ErrMalformedTree, o.Type, state)
	}

	if o.Version != entry.Version {
		if entry.Upgrade == nil && c.allowUnmigrated {
			c.log.Warn("no upgrade function for serialized version, using payload as is",
				log.String("type", o.Type),
				log.Int("from_version", o.Version),
				log.Int("to_version", entry.Version),
			)
		} else {
			payload, err = c.registry.Migrate(o.Type, o.Version, entry.Version, payload)
			if err != nil {
				return nil, err
			}
		}
	}

	obj, err := entry.Deserialize(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeserialize, o.Type, err)
	}
	return obj, nil
}
