package packable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zeusync/serialstate/internal/core/observability/log"
)

type Item struct {
	Name string `pack:"name"`
	Qty  int    `pack:"qty"`
}

func (i *Item) SetManifest(m *Manifest) {
	m.Plain("name", "qty")
}

type Crate struct {
	Count int              `pack:"count"`
	Lid   *Item            `pack:"lid"`
	Items []*Item          `pack:"items"`
	Slots map[string]*Item `pack:"slots"`
}

func (c *Crate) SetManifest(m *Manifest) {
	m.Plain("count").
		Object("lid").
		List("items", &Item{}).
		Map("slots", &Item{})
}

type Quad struct {
	A, B, C, D string
}

func (q *Quad) SetManifest(m *Manifest) {
	m.Plain("A", "B", "C", "D")
}

type Twice struct {
	X int
}

func (t *Twice) SetManifest(m *Manifest) {
	m.Plain("X").Object("X")
}

// Stamped counts how often its prototype is cloned.
type Stamped struct {
	ID     int `pack:"id"`
	clones *int
}

func (s *Stamped) SetManifest(m *Manifest) {
	m.Plain("id")
}

func (s *Stamped) Clone() Packable {
	*s.clones++
	return &Stamped{clones: s.clones}
}

type Shelf struct {
	Rows []*Stamped `pack:"rows"`
}

func (s *Shelf) SetManifest(m *Manifest) {
	m.List("rows", &Stamped{clones: shelfClones})
}

var shelfClones = new(int)

func newTestProtocol() (*Protocol, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return New(log.NewFromZap(zap.New(core))), logs
}

func sampleCrate() *Crate {
	return &Crate{
		Count: 3,
		Lid:   &Item{Name: "lid", Qty: 1},
		Items: []*Item{{Name: "a", Qty: 2}, {Name: "b", Qty: 5}},
		Slots: map[string]*Item{"x": {Name: "left", Qty: 7}, "y": {Name: "right", Qty: 8}},
	}
}

func TestPackShape(t *testing.T) {
	pr, _ := newTestProtocol()

	packed, err := pr.Pack(sampleCrate())
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"count": 3,
		"lid":   map[string]any{"name": "lid", "qty": 1},
		"items": []any{
			map[string]any{"name": "a", "qty": 2},
			map[string]any{"name": "b", "qty": 5},
		},
		"slots": map[string]any{
			"x": map[string]any{"name": "left", "qty": 7},
			"y": map[string]any{"name": "right", "qty": 8},
		},
	}, packed)
}

func TestUnpackIntoFreshObject(t *testing.T) {
	pr, logs := newTestProtocol()

	packed, err := pr.Pack(sampleCrate())
	require.NoError(t, err)

	fresh := &Crate{}
	require.NoError(t, pr.Unpack(fresh, packed))
	assert.Equal(t, sampleCrate(), fresh)
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestJSONRoundTrip(t *testing.T) {
	pr, _ := newTestProtocol()

	data, err := pr.Marshal(sampleCrate())
	require.NoError(t, err)

	fresh := &Crate{Lid: &Item{}}
	require.NoError(t, pr.Unmarshal(fresh, data))
	assert.Equal(t, sampleCrate(), fresh)
}

func TestUnpackMutatesNestedObjectInPlace(t *testing.T) {
	pr, _ := newTestProtocol()

	packed, err := pr.Pack(sampleCrate())
	require.NoError(t, err)

	lid := &Item{}
	target := &Crate{Lid: lid}
	require.NoError(t, pr.Unpack(target, packed))
	assert.Same(t, lid, target.Lid)
	assert.Equal(t, "lid", lid.Name)
}

func TestPartialUnpackOnFailure(t *testing.T) {
	pr, logs := newTestProtocol()

	q := &Quad{A: "old", B: "old", C: "old", D: "old"}
	err := pr.Unpack(q, map[string]any{"A": "a", "B": "b", "D": "d"})
	require.ErrorIs(t, err, ErrMissingKey)

	assert.Equal(t, &Quad{A: "a", B: "b", C: "old", D: "old"}, q)

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errs, 1)
	assert.Equal(t, "C", errs[0].ContextMap()["field"])
	assert.Equal(t, "*packable.Quad", errs[0].ContextMap()["object"])
}

func TestUnpackConversionFailure(t *testing.T) {
	pr, _ := newTestProtocol()

	c := &Crate{}
	err := pr.Unpack(c, map[string]any{"count": "three"})
	assert.Error(t, err)
	assert.Zero(t, c.Count)
}

func TestPackNilObjectIsFatal(t *testing.T) {
	pr, _ := newTestProtocol()

	c := sampleCrate()
	c.Lid = nil
	packed, err := pr.Pack(c)
	assert.ErrorIs(t, err, ErrCorruptManifest)
	assert.Nil(t, packed)

	c = sampleCrate()
	c.Items = append(c.Items, nil)
	_, err = pr.Pack(c)
	assert.ErrorIs(t, err, ErrCorruptManifest)
}

func TestDuplicateManifestField(t *testing.T) {
	pr, _ := newTestProtocol()

	_, err := pr.Pack(&Twice{X: 1})
	assert.ErrorIs(t, err, ErrDuplicateField)

	err = pr.Unpack(&Twice{}, map[string]any{"X": 1})
	assert.ErrorIs(t, err, ErrDuplicateField)
}

func TestPrototypeCloner(t *testing.T) {
	pr, _ := newTestProtocol()
	*shelfClones = 0

	s := &Shelf{}
	err := pr.Unpack(s, map[string]any{"rows": []any{
		map[string]any{"id": 1},
		map[string]any{"id": 2},
	}})
	require.NoError(t, err)
	require.Len(t, s.Rows, 2)
	assert.Equal(t, 2, s.Rows[1].ID)
	assert.Equal(t, 2, *shelfClones)
	assert.NotSame(t, s.Rows[0], s.Rows[1])
}

func TestPrototypeIsNotShared(t *testing.T) {
	pr, _ := newTestProtocol()

	c := &Crate{}
	require.NoError(t, pr.Unpack(c, map[string]any{
		"count": 1,
		"lid":   map[string]any{"name": "l", "qty": 0},
		"items": []any{map[string]any{"name": "a", "qty": 1}, map[string]any{"name": "b", "qty": 2}},
		"slots": map[string]any{},
	}))
	require.Len(t, c.Items, 2)
	assert.NotSame(t, c.Items[0], c.Items[1])
	assert.Equal(t, "a", c.Items[0].Name)
	assert.Empty(t, c.Slots)
}

func TestNestedFailureLoggedOnce(t *testing.T) {
	pr, logs := newTestProtocol()

	c := &Crate{}
	err := pr.Unpack(c, map[string]any{
		"count": 1,
		"lid":   map[string]any{"name": "l", "qty": 0},
		"items": []any{map[string]any{"name": "a"}},
		"slots": map[string]any{},
	})
	require.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "*packable.Crate.items")

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errs, 1)
	assert.Equal(t, "*packable.Item", errs[0].ContextMap()["object"])
	assert.Equal(t, "qty", errs[0].ContextMap()["field"])
}
