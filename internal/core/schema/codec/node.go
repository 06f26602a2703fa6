package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Tag keys and built-in tag values of the serialized form.
const (
	KeyType    = "__type__"
	KeyVersion = "cls_serializer_version"
	KeyState   = "state_data"
	KeyData    = "data"
	KeyNaive   = "naive"
	KeyShape   = "shape"
	KeyDType   = "dtype"

	TagSet      = "__set__"
	TagDateTime = "__datetime__"
	TagNDArray  = "__ndarray__"
)

// Node is the JSON-safe representation of a value. It is a closed sum type:
// the only implementations are the types declared in this file.
type Node interface {
	// Tree renders the node as plain maps, slices and scalars ready for a
	// JSON, YAML or CBOR encoder.
	Tree() any
	isNode()
}

type (
	Null   struct{}
	Bool   bool
	Int    int64
	Float  float64
	String string
	Seq    []Node
	Map    map[string]Node

	// SetNode is an unordered collection; member order carries no meaning.
	SetNode struct {
		Items []Node
	}

	DateTimeNode struct {
		Value string
		Naive bool
	}

	ArrayNode struct {
		Shape []int
		DType string
		Data  Node
	}

	ObjectNode struct {
		Type    string
		Version int
		State   Node
	}
)

func (Null) isNode()         {}
func (Bool) isNode()         {}
func (Int) isNode()          {}
func (Float) isNode()        {}
func (String) isNode()       {}
func (Seq) isNode()          {}
func (Map) isNode()          {}
func (SetNode) isNode()      {}
func (DateTimeNode) isNode() {}
func (ArrayNode) isNode()    {}
func (ObjectNode) isNode()   {}

func (Null) Tree() any     { return nil }
func (n Bool) Tree() any   { return bool(n) }
func (n Int) Tree() any    { return int64(n) }
func (n Float) Tree() any  { return floatValue(n) }
func (n String) Tree() any { return string(n) }

func (n Seq) Tree() any {
	out := make([]any, len(n))
	for i, item := range n {
		out[i] = item.Tree()
	}
	return out
}

func (n Map) Tree() any {
	out := make(map[string]any, len(n))
	for k, v := range n {
		out[k] = v.Tree()
	}
	return out
}

func (n SetNode) Tree() any {
	return map[string]any{
		KeyType: TagSet,
		KeyData: Seq(n.Items).Tree(),
	}
}

func (n DateTimeNode) Tree() any {
	return map[string]any{
		KeyType:  TagDateTime,
		KeyData:  n.Value,
		KeyNaive: n.Naive,
	}
}

func (n ArrayNode) Tree() any {
	shape := make([]any, len(n.Shape))
	for i, d := range n.Shape {
		shape[i] = int64(d)
	}
	return map[string]any{
		KeyType:  TagNDArray,
		KeyShape: shape,
		KeyDType: n.DType,
		KeyData:  n.Data.Tree(),
	}
}

func (n ObjectNode) Tree() any {
	return map[string]any{
		KeyType:    n.Type,
		KeyVersion: int64(n.Version),
		KeyState:   n.State.Tree(),
	}
}

// floatValue keeps integral floats recognisable as floats in text formats,
// so 2.0 is written as "2.0" rather than "2".
type floatValue float64

func (f floatValue) text() (string, bool) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", false
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e21 {
		return strconv.FormatFloat(v, 'f', -1, 64) + ".0", true
	}
	return strconv.FormatFloat(v, 'g', -1, 64), true
}

func (f floatValue) MarshalJSON() ([]byte, error) {
	if s, ok := f.text(); ok {
		return []byte(s), nil
	}
	// NaN and infinities are rejected by encoding/json
	return json.Marshal(float64(f))
}

func (f floatValue) MarshalYAML() (any, error) {
	v := float64(f)
	var s string
	switch {
	case math.IsNaN(v):
		s = ".nan"
	case math.IsInf(v, 1):
		s = ".inf"
	case math.IsInf(v, -1):
		s = "-.inf"
	default:
		s, _ = f.text()
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: s}, nil
}

// ParseTree classifies a plain tree, as produced by a JSON, YAML or CBOR
// decoder, into nodes. Maps carrying a known tag become tagged nodes; a map
// whose __type__ names anything else becomes an ObjectNode only when it also
// has the version and state keys.
func ParseTree(v any) (Node, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case Node:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %q", ErrMalformedTree, x)
		}
		return Float(f), nil
	case int:
		return Int(x), nil
	case int8:
		return Int(x), nil
	case int16:
		return Int(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Int(x), nil
	case uint:
		return parseUint(uint64(x))
	case uint8:
		return Int(x), nil
	case uint16:
		return Int(x), nil
	case uint32:
		return Int(x), nil
	case uint64:
		return parseUint(x)
	case float32:
		return Float(x), nil
	case float64:
		return Float(x), nil
	case floatValue:
		return Float(x), nil
	case time.Time:
		return DateTimeNode{Value: formatAware(x)}, nil
	case []any:
		seq := make(Seq, len(x))
		for i, item := range x {
			n, err := ParseTree(item)
			if err != nil {
				return nil, err
			}
			seq[i] = n
		}
		return seq, nil
	case map[string]any:
		return parseMap(x)
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			m[fmt.Sprint(k)] = item
		}
		return parseMap(m)
	default:
		return nil, fmt.Errorf("%w: unexpected %T", ErrMalformedTree, v)
	}
}

func parseUint(u uint64) (Node, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d overflows int64", ErrMalformedTree, u)
	}
	return Int(u), nil
}

func parseMap(m map[string]any) (Node, error) {
	if tag, ok := m[KeyType].(string); ok {
		n, ok, err := parseTagged(tag, m)
		if err != nil {
			return nil, err
		}
		if ok {
			return n, nil
		}
	}

	out := make(Map, len(m))
	for k, v := range m {
		n, err := ParseTree(v)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

// parseTagged returns ok=false when m only looks tagged, in which case it is
// kept as an ordinary mapping.
func parseTagged(tag string, m map[string]any) (Node, bool, error) {
	switch tag {
	case TagSet:
		items, ok := m[KeyData].([]any)
		if !ok {
			return nil, false, nil
		}
		seq, err := ParseTree(items)
		if err != nil {
			return nil, false, err
		}
		return SetNode{Items: seq.(Seq)}, true, nil

	case TagDateTime:
		s, ok := m[KeyData].(string)
		if !ok {
			return nil, false, nil
		}
		naive, _ := m[KeyNaive].(bool)
		return DateTimeNode{Value: s, Naive: naive}, true, nil

	case TagNDArray:
		rawShape, ok := m[KeyShape].([]any)
		if !ok {
			return nil, false, nil
		}
		dtype, ok := m[KeyDType].(string)
		if !ok {
			return nil, false, nil
		}
		raw, ok := m[KeyData]
		if !ok {
			return nil, false, nil
		}
		shape := make([]int, len(rawShape))
		for i, d := range rawShape {
			n, err := ParseTree(d)
			if err != nil {
				return nil, false, err
			}
			dim, ok := n.(Int)
			if !ok || dim < 0 {
				return nil, false, fmt.Errorf("%w: bad array dimension %v", ErrMalformedTree, d)
			}
			shape[i] = int(dim)
		}
		data, err := ParseTree(raw)
		if err != nil {
			return nil, false, err
		}
		return ArrayNode{Shape: shape, DType: dtype, Data: data}, true, nil

	default:
		rawVersion, hasVersion := m[KeyVersion]
		rawState, hasState := m[KeyState]
		if !hasVersion || !hasState {
			return nil, false, nil
		}
		vn, err := ParseTree(rawVersion)
		if err != nil {
			return nil, false, err
		}
		version, ok := vn.(Int)
		if !ok {
			if f, isFloat := vn.(Float); isFloat && float64(f) == math.Trunc(float64(f)) {
				version = Int(f)
			} else {
				return nil, false, nil
			}
		}
		state, err := ParseTree(rawState)
		if err != nil {
			return nil, false, err
		}
		return ObjectNode{Type: tag, Version: int(version), State: state}, true, nil
	}
}

// Walk calls fn for n and, while fn returns true, for every node nested in it.
// Map entries are visited in key order.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch x := n.(type) {
	case Seq:
		for _, item := range x {
			Walk(item, fn)
		}
	case Map:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			Walk(x[k], fn)
		}
	case SetNode:
		for _, item := range x.Items {
			Walk(item, fn)
		}
	case ArrayNode:
		Walk(x.Data, fn)
	case ObjectNode:
		Walk(x.State, fn)
	}
}
