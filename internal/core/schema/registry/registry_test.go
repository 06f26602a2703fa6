package registry

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct{ X int }

func serializeSample(obj any) (State, error) {
	return State{"x": obj.(*sample).X}, nil
}

func deserializeSample(payload State) (any, error) {
	x, _ := payload["x"].(int)
	return &sample{X: x}, nil
}

func sampleEntry(name string, version int) Entry {
	return Entry{
		Name:        name,
		Type:        reflect.TypeOf(&sample{}),
		Version:     version,
		Serialize:   serializeSample,
		Deserialize: deserializeSample,
		Fields:      []string{"x"},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterType(sampleEntry("sample", 1)))

	e, ok := r.GetType("sample")
	require.True(t, ok)
	assert.Equal(t, 1, e.Version)
	assert.Equal(t, []string{"x"}, e.Fields)

	byType, ok := r.GetByGoType(reflect.TypeOf(&sample{}))
	require.True(t, ok)
	assert.Same(t, e, byType)

	_, ok = r.GetType("missing")
	assert.False(t, ok)
}

func TestIdenticalRegistrationIsNoop(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterType(sampleEntry("sample", 1)))
	first, _ := r.GetType("sample")

	require.NoError(t, r.RegisterType(sampleEntry("sample", 1)))
	second, _ := r.GetType("sample")

	assert.Same(t, first, second)
	assert.Equal(t, []string{"sample"}, r.ListTypes())
}

func TestDifferingRegistrationOverwrites(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterType(sampleEntry("sample", 1)))
	require.NoError(t, r.RegisterType(sampleEntry("sample", 2)))

	e, _ := r.GetType("sample")
	assert.Equal(t, 2, e.Version)
}

func TestConcurrentIdenticalRegistration(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.RegisterType(sampleEntry("sample", 1)))
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"sample"}, r.ListTypes())
}

func TestRegisterValidation(t *testing.T) {
	r := New()

	assert.ErrorIs(t, r.RegisterType(sampleEntry("", 1)), ErrInvalidEntry)
	assert.ErrorIs(t, r.RegisterType(sampleEntry("__set__", 1)), ErrReservedName)
	assert.ErrorIs(t, r.RegisterType(sampleEntry("sample", 0)), ErrInvalidEntry)

	e := sampleEntry("sample", 1)
	e.Deserialize = nil
	assert.ErrorIs(t, r.RegisterType(e), ErrInvalidEntry)

	assert.Empty(t, r.ListTypes())
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("__ndarray__"))
	assert.False(t, IsReserved("____"))
	assert.False(t, IsReserved("__partial"))
	assert.False(t, IsReserved("plain"))
}

func TestResolveFields(t *testing.T) {
	r := New()
	parent := sampleEntry("parent", 1)
	parent.Fields = []string{"a", "b"}
	require.NoError(t, r.RegisterType(parent))

	fields, err := r.ResolveFields([]string{"c", "a"}, "parent", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, fields)

	fields, err = r.ResolveFields([]string{"c"}, "parent", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, fields)

	fields, err = r.ResolveFields(nil, "parent", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fields)

	fields, err = r.ResolveFields([]string{}, "", false)
	require.NoError(t, err)
	assert.Equal(t, []string{}, fields)

	_, err = r.ResolveFields(nil, "", false)
	assert.ErrorIs(t, err, ErrNoStateFields)

	_, err = r.ResolveFields([]string{"x"}, "ghost", false)
	assert.ErrorIs(t, err, ErrUnknownParent)
}

func TestMigrate(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterType(sampleEntry("plain", 2)))

	_, err := r.Migrate("plain", 1, 2, State{})
	assert.ErrorIs(t, err, ErrNoUpgrade)

	same, err := r.Migrate("plain", 2, 2, State{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, State{"x": 1}, same)

	e := sampleEntry("upgraded", 2)
	e.Upgrade = func(payload State, from, to int) (State, error) {
		payload["y"] = from*10 + to
		return payload, nil
	}
	require.NoError(t, r.RegisterType(e))

	out, err := r.Migrate("upgraded", 1, 2, State{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, State{"x": 1, "y": 12}, out)

	_, err = r.Migrate("ghost", 1, 2, State{})
	assert.ErrorIs(t, err, ErrUnknownType)
}
