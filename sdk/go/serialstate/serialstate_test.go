package serialstate_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/serialstate/sdk/go/serialstate"
)

type Waypoint struct {
	Label   string                `state:"label"`
	Reached serialstate.NaiveTime `state:"reached"`
	Tags    serialstate.Set       `state:"tags"`
	Track   *serialstate.NDArray  `state:"track"`
}

func init() {
	serialstate.MustRegister[Waypoint](serialstate.Schema{
		Name:   "sdktest.Waypoint",
		Fields: []string{"label", "reached", "tags", "track"},
	})
}

type Leg struct {
	From string `pack:"from"`
	To   string `pack:"to"`
}

func (l *Leg) SetManifest(m *serialstate.Manifest) {
	m.Plain("from", "to")
}

func sampleWaypoint(t *testing.T) *Waypoint {
	track, err := serialstate.NewArray([]int{2, 2}, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	return &Waypoint{
		Label:   "summit",
		Reached: serialstate.Naive(time.Date(2024, 7, 1, 11, 30, 0, 0, time.UTC)),
		Tags:    serialstate.NewSet("high", "cold"),
		Track:   track,
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waypoint.cbor.zst")
	in := sampleWaypoint(t)

	require.NoError(t, serialstate.Save(in, path))
	out, err := serialstate.Load(path)
	require.NoError(t, err)

	wp, ok := out.(*Waypoint)
	require.True(t, ok)
	assert.Equal(t, in.Label, wp.Label)
	assert.True(t, in.Reached.Equal(wp.Reached.Time))
	assert.Equal(t, in.Tags, wp.Tags)
	assert.True(t, in.Track.Equal(wp.Track))
}

func TestEncodeDecode(t *testing.T) {
	tree, err := serialstate.Encode(map[string]any{"wp": sampleWaypoint(t)})
	require.NoError(t, err)

	back, err := serialstate.Decode(tree)
	require.NoError(t, err)
	m, ok := back.(map[string]any)
	require.True(t, ok)
	assert.IsType(t, &Waypoint{}, m["wp"])
}

func TestStateDict(t *testing.T) {
	st, err := serialstate.StateDict(sampleWaypoint(t))
	require.NoError(t, err)
	assert.Equal(t, "summit", st["label"])

	wp, err := serialstate.FromState[Waypoint](serialstate.State{"label": "base"})
	require.NoError(t, err)
	assert.Equal(t, "base", wp.Label)
}

func TestRegisterReservedName(t *testing.T) {
	err := serialstate.Register[Waypoint](serialstate.Schema{Name: "__set__", Fields: []string{"label"}})
	assert.ErrorIs(t, err, serialstate.ErrReservedName)
}

func TestPackUnpack(t *testing.T) {
	packed, err := serialstate.Pack(&Leg{From: "a", To: "b"})
	require.NoError(t, err)

	var leg Leg
	require.NoError(t, serialstate.Unpack(&leg, packed))
	assert.Equal(t, Leg{From: "a", To: "b"}, leg)
}
