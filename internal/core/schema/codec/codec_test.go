package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zeusync/serialstate/internal/core/observability/log"
	"github.com/zeusync/serialstate/internal/core/schema/registry"
)

type point struct {
	A int
	B string
}

func serializePoint(obj any) (registry.State, error) {
	p := obj.(*point)
	return registry.State{"a": p.A, "b": p.B}, nil
}

func deserializePoint(payload registry.State) (any, error) {
	a, _ := payload["a"].(int)
	b, _ := payload["b"].(string)
	return &point{A: a, B: b}, nil
}

func pointEntry(version int, upgrade registry.UpgradeFunc) registry.Entry {
	return registry.Entry{
		Name:        "test.Point",
		Type:        reflect.TypeOf(&point{}),
		Version:     version,
		Serialize:   serializePoint,
		Deserialize: deserializePoint,
		Upgrade:     upgrade,
		Fields:      []string{"a", "b"},
	}
}

type box struct {
	Items []any
}

func newTestCodec(t *testing.T, opts ...Option) (*Codec, *registry.Registry, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	reg := registry.New()
	opts = append([]Option{WithLogger(log.NewFromZap(zap.New(core)))}, opts...)
	return New(reg, opts...), reg, logs
}

// roundTrip encodes v, pushes the tree through JSON and decodes it again.
func roundTrip(t *testing.T, c *Codec, v any) any {
	t.Helper()
	tree, err := c.EncodeTree(v)
	require.NoError(t, err)

	raw, err := json.Marshal(tree)
	require.NoError(t, err)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var parsed any
	require.NoError(t, dec.Decode(&parsed))

	out, err := c.DecodeTree(parsed)
	require.NoError(t, err)
	return out
}

func TestPrimitiveRoundTrip(t *testing.T) {
	c, _, _ := newTestCodec(t)

	assert.Nil(t, roundTrip(t, c, nil))
	assert.Equal(t, true, roundTrip(t, c, true))
	assert.Equal(t, 42, roundTrip(t, c, 42))
	assert.Equal(t, -7, roundTrip(t, c, int8(-7)))
	assert.Equal(t, 9, roundTrip(t, c, uint16(9)))
	assert.Equal(t, 1.5, roundTrip(t, c, 1.5))
	assert.Equal(t, 2.0, roundTrip(t, c, float32(2)))
	assert.Equal(t, "héllo <&>", roundTrip(t, c, "héllo <&>"))
}

func TestIntegralFloatStaysFloat(t *testing.T) {
	c, _, _ := newTestCodec(t)

	tree, err := c.EncodeTree(map[string]any{"x": 2.0})
	require.NoError(t, err)
	raw, err := json.Marshal(tree)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x": 2.0}`, string(raw))
	assert.Contains(t, string(raw), "2.0")

	out := roundTrip(t, c, 2.0)
	assert.IsType(t, float64(0), out)
}

func TestContainerRoundTrip(t *testing.T) {
	c, _, _ := newTestCodec(t)

	in := map[string]any{
		"list":   []any{1, "two", 3.5, nil},
		"nested": map[string]any{"deep": []any{[]any{true}}},
		"tuple":  [2]int{4, 5},
		"typed":  map[string][]string{"k": {"a", "b"}},
	}
	out := roundTrip(t, c, in)

	assert.Equal(t, map[string]any{
		"list":   []any{1, "two", 3.5, nil},
		"nested": map[string]any{"deep": []any{[]any{true}}},
		"tuple":  []any{4, 5},
		"typed":  map[string]any{"k": []any{"a", "b"}},
	}, out)
}

func TestNilContainersEncodeEmpty(t *testing.T) {
	c, _, _ := newTestCodec(t)

	var s []int
	var m map[string]int
	n, err := c.Encode(s)
	require.NoError(t, err)
	assert.Equal(t, Seq{}, n)

	n, err = c.Encode(m)
	require.NoError(t, err)
	assert.Equal(t, Map{}, n)
}

func TestSetRoundTrip(t *testing.T) {
	c, _, _ := newTestCodec(t)

	out := roundTrip(t, c, NewSet(1, "a", 3))
	require.IsType(t, Set{}, out)
	assert.Equal(t, NewSet(1, "a", 3), out)

	typed := map[string]struct{}{"x": {}, "y": {}}
	out = roundTrip(t, c, typed)
	assert.Equal(t, NewSet("x", "y"), out)
}

func TestSetRejectsUnhashableMember(t *testing.T) {
	c, _, _ := newTestCodec(t)

	n := SetNode{Items: []Node{Seq{Int(1)}}}
	_, err := c.Decode(n)
	assert.ErrorIs(t, err, ErrUnhashable)
}

func TestNaiveAndAwareTimestamps(t *testing.T) {
	c, _, _ := newTestCodec(t)

	naive := Naive(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	n, err := c.Encode(naive)
	require.NoError(t, err)
	assert.Equal(t, DateTimeNode{Value: "2024-01-01T00:00:00.000000", Naive: true}, n)

	out := roundTrip(t, c, naive)
	require.IsType(t, NaiveTime{}, out)
	assert.True(t, naive.Equal(out.(NaiveTime).Time))

	zone := time.FixedZone("UTC+2", 2*60*60)
	aware := time.Date(2024, 6, 1, 14, 30, 0, 123456000, zone)
	n, err = c.Encode(aware)
	require.NoError(t, err)
	assert.Equal(t, DateTimeNode{Value: "2024-06-01T12:30:00.123456Z", Naive: false}, n)

	out = roundTrip(t, c, aware)
	require.IsType(t, time.Time{}, out)
	assert.True(t, aware.Equal(out.(time.Time)))
	assert.Equal(t, time.UTC, out.(time.Time).Location())
}

func TestDateTimeAcceptsNumericOffset(t *testing.T) {
	c, _, _ := newTestCodec(t)

	out, err := c.Decode(DateTimeNode{Value: "2024-01-01T02:00:00+02:00"})
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Equal(out.(time.Time)))

	_, err = c.Decode(DateTimeNode{Value: "yesterday"})
	assert.ErrorIs(t, err, ErrMalformedTree)
}

func TestArrayRoundTrip(t *testing.T) {
	c, _, _ := newTestCodec(t)

	arr := MustArray([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	tree, err := c.EncodeTree(arr)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		KeyType:  TagNDArray,
		KeyShape: []any{int64(2), int64(3)},
		KeyDType: "float32",
		KeyData: []any{
			[]any{floatValue(1), floatValue(2), floatValue(3)},
			[]any{floatValue(4), floatValue(5), floatValue(6)},
		},
	}, tree)

	out := roundTrip(t, c, arr)
	require.IsType(t, &NDArray{}, out)
	assert.True(t, arr.Equal(out.(*NDArray)))

	ints := MustArray([]int{3}, []int{7, 8, 9})
	out = roundTrip(t, c, ints)
	got, ok := Values[int64](out.(*NDArray))
	require.True(t, ok)
	assert.Equal(t, []int64{7, 8, 9}, got)
}

func TestArrayDegradesWithoutSupport(t *testing.T) {
	c, _, logs := newTestCodec(t, WithoutArrays())

	out := roundTrip(t, c, MustArray([]int{2}, []bool{true, false}))
	assert.Equal(t, []any{true, false}, out)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())

	c, _, logs = newTestCodec(t)
	out, err := c.Decode(ArrayNode{Shape: []int{1}, DType: "complex128", Data: Seq{String("1+2j")}})
	require.NoError(t, err)
	assert.Equal(t, []any{"1+2j"}, out)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestArrayShapeMismatch(t *testing.T) {
	c, _, _ := newTestCodec(t)

	_, err := NewArray([]int{2, 2}, []int{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedArray)

	_, err = c.Decode(ArrayNode{Shape: []int{2}, DType: "int64", Data: Seq{Int(1)}})
	assert.ErrorIs(t, err, ErrMalformedArray)
}

func TestRegisteredObjectRoundTrip(t *testing.T) {
	c, reg, _ := newTestCodec(t)
	require.NoError(t, reg.RegisterType(pointEntry(1, nil)))

	n, err := c.Encode(&point{A: 1, B: "x"})
	require.NoError(t, err)
	assert.Equal(t, ObjectNode{
		Type:    "test.Point",
		Version: 1,
		State:   Map{"a": Int(1), "b": String("x")},
	}, n)

	out := roundTrip(t, c, &point{A: 1, B: "x"})
	assert.Equal(t, &point{A: 1, B: "x"}, out)

	// a value is looked up through its pointer type
	out = roundTrip(t, c, point{A: 2, B: "y"})
	assert.Equal(t, &point{A: 2, B: "y"}, out)
}

func TestNestedObjectsDecodeInnerFirst(t *testing.T) {
	c, reg, _ := newTestCodec(t)
	require.NoError(t, reg.RegisterType(pointEntry(1, nil)))
	require.NoError(t, reg.RegisterType(registry.Entry{
		Name:    "test.Box",
		Type:    reflect.TypeOf(&box{}),
		Version: 1,
		Serialize: func(obj any) (registry.State, error) {
			return registry.State{"items": obj.(*box).Items}, nil
		},
		Deserialize: func(payload registry.State) (any, error) {
			items, _ := payload["items"].([]any)
			for _, item := range items {
				if _, ok := item.(*point); !ok {
					return nil, errors.New("inner object not reconstructed")
				}
			}
			return &box{Items: items}, nil
		},
	}))

	in := &box{Items: []any{&point{A: 1}, &point{A: 2}}}
	out := roundTrip(t, c, in)
	assert.Equal(t, in, out)
}

func TestVersionUpgrade(t *testing.T) {
	c, reg, _ := newTestCodec(t)
	require.NoError(t, reg.RegisterType(pointEntry(1, nil)))

	tree, err := c.EncodeTree(&point{A: 5, B: "old"})
	require.NoError(t, err)

	var calls int
	require.NoError(t, reg.RegisterType(pointEntry(2, func(payload registry.State, from, to int) (registry.State, error) {
		calls++
		assert.Equal(t, 1, from)
		assert.Equal(t, 2, to)
		payload["b"] = "default"
		return payload, nil
	})))

	out, err := c.DecodeTree(tree)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, &point{A: 5, B: "default"}, out)
}

func TestVersionMismatchWithoutUpgrade(t *testing.T) {
	c, reg, _ := newTestCodec(t)
	require.NoError(t, reg.RegisterType(pointEntry(2, nil)))

	node := ObjectNode{Type: "test.Point", Version: 1, State: Map{"a": Int(3), "b": String("v1")}}
	_, err := c.Decode(node)
	assert.ErrorIs(t, err, registry.ErrNoUpgrade)

	core, logs := observer.New(zapcore.DebugLevel)
	lenient := New(reg, WithLogger(log.NewFromZap(zap.New(core))), WithUnmigratedPayloads())
	out, err := lenient.Decode(node)
	require.NoError(t, err)
	assert.Equal(t, &point{A: 3, B: "v1"}, out)
	assert.Equal(t, 1, logs.FilterMessageSnippet("no upgrade function").Len())
}

func TestUnknownTypeDegrades(t *testing.T) {
	c, _, logs := newTestCodec(t)

	tree := map[string]any{
		"__type__":               "Ghost",
		"cls_serializer_version": json.Number("1"),
		"state_data":             map[string]any{"x": json.Number("1")},
	}
	out, err := c.DecodeTree(tree)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"__type__":               "Ghost",
		"cls_serializer_version": 1,
		"state_data":             map[string]any{"x": 1},
	}, out)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "Ghost", warnings[0].ContextMap()["type"])
}

func TestLooksTaggedButIsPlainMap(t *testing.T) {
	c, _, logs := newTestCodec(t)

	out, err := c.DecodeTree(map[string]any{"__type__": "note", "body": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"__type__": "note", "body": "hi"}, out)
	assert.Zero(t, logs.Len())
}

func TestDeserializeErrorPropagates(t *testing.T) {
	c, reg, _ := newTestCodec(t)
	entry := pointEntry(1, nil)
	boom := errors.New("boom")
	entry.Deserialize = func(registry.State) (any, error) { return nil, boom }
	require.NoError(t, reg.RegisterType(entry))

	tree, err := c.EncodeTree(&point{})
	require.NoError(t, err)
	_, err = c.DecodeTree(tree)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrDeserialize)
}

func TestUnsupportedValues(t *testing.T) {
	c, _, _ := newTestCodec(t)

	_, err := c.Encode(struct{ X int }{1})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = c.Encode(make(chan int))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = c.Encode(map[int]string{1: "a"})
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = c.Encode(uint64(1 << 63))
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestCycleDetection(t *testing.T) {
	c, _, _ := newTestCodec(t)

	m := map[string]any{}
	m["self"] = m
	_, err := c.Encode(m)
	assert.ErrorIs(t, err, ErrCycle)

	// shared, non-cyclic references are fine
	shared := []any{1}
	_, err = c.Encode(map[string]any{"a": &shared, "b": &shared})
	assert.NoError(t, err)
}

type cursor struct {
	Pos   int
	Label string
}

func TestFirstFieldPointerIsNotACycle(t *testing.T) {
	c, reg, _ := newTestCodec(t)
	require.NoError(t, reg.RegisterType(registry.Entry{
		Name:    "test.Cursor",
		Type:    reflect.TypeOf(&cursor{}),
		Version: 1,
		Serialize: func(obj any) (registry.State, error) {
			cur := obj.(*cursor)
			return registry.State{"pos": &cur.Pos, "label": cur.Label}, nil
		},
		Deserialize: func(payload registry.State) (any, error) {
			pos, _ := payload["pos"].(int)
			label, _ := payload["label"].(string)
			return &cursor{Pos: pos, Label: label}, nil
		},
		Fields: []string{"pos", "label"},
	}))

	n, err := c.Encode(&cursor{Pos: 4, Label: "x"})
	require.NoError(t, err)
	assert.Equal(t, ObjectNode{
		Type:    "test.Cursor",
		Version: 1,
		State:   Map{"pos": Int(4), "label": String("x")},
	}, n)
}

func TestDefaultCodecConcurrentUse(t *testing.T) {
	require.NoError(t, registry.Default().RegisterType(pointEntry(1, nil)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := Default()
			in := map[string]any{
				"point": &point{A: i, B: "p"},
				"items": []any{i, "two", 3.5},
			}
			tree, err := c.EncodeTree(in)
			if !assert.NoError(t, err) {
				return
			}
			out, err := c.DecodeTree(tree)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, in, out)
		}()
	}
	wg.Wait()
}

func TestMaxDepth(t *testing.T) {
	c, _, _ := newTestCodec(t, WithMaxDepth(4))

	var v any = "leaf"
	for i := 0; i < 10; i++ {
		v = []any{v}
	}
	_, err := c.Encode(v)
	assert.ErrorIs(t, err, ErrMaxDepth)

	var n Node = String("leaf")
	for i := 0; i < 10; i++ {
		n = Seq{n}
	}
	_, err = c.Decode(n)
	assert.ErrorIs(t, err, ErrMaxDepth)
}

func TestWalk(t *testing.T) {
	c, reg, _ := newTestCodec(t)
	require.NoError(t, reg.RegisterType(pointEntry(1, nil)))

	n, err := c.Encode(map[string]any{
		"z": []any{&point{A: 1}, NewSet("s")},
		"a": MustArray([]int{2}, []int64{1, 2}),
		"m": &point{A: 2},
	})
	require.NoError(t, err)

	var order []string
	Walk(n, func(node Node) bool {
		switch x := node.(type) {
		case ObjectNode:
			order = append(order, x.Type)
		case SetNode:
			order = append(order, TagSet)
		case ArrayNode:
			order = append(order, TagNDArray)
			return false
		case Int:
			order = append(order, "int")
		}
		return true
	})
	// "a" < "m" < "z"; array elements are skipped, object payload ints are not
	assert.Equal(t, []string{TagNDArray, "test.Point", "int", "test.Point", "int", TagSet}, order)
}
