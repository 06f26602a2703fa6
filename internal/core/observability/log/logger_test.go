package log

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestSetupFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "serial.log")
	l, err := Setup(Config{Level: "info", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)
	assert.Same(t, l, Provide())

	l.Debug("hidden")
	l.Info("saved", String("path", "a.json"), Int("bytes", 12))
	l.SetLevel(LevelDebug)
	l.Debug("now visible")
	require.NoError(t, l.Sync())

	recs := readRecords(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, "saved", recs[0]["msg"])
	assert.Equal(t, "a.json", recs[0]["path"])
	assert.Equal(t, float64(12), recs[0]["bytes"])
	assert.Equal(t, "now visible", recs[1]["msg"])
	assert.Equal(t, LevelDebug, l.GetLevel())
}

func TestSetupRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	l, err := Setup(Config{
		Level:    "warn",
		Format:   "json",
		Outputs:  []string{path},
		Rotation: RotationConfig{Enable: true, MaxSizeMB: 1, MaxBackups: 1},
	})
	require.NoError(t, err)

	l.Info("dropped")
	l.Warn("kept", Bool("flag", true))
	require.NoError(t, l.Sync())

	recs := readRecords(t, path)
	require.Len(t, recs, 1)
	assert.Equal(t, "warn", recs[0]["level"])
	assert.Equal(t, true, recs[0]["flag"])
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, err := Setup(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"":        LevelInfo,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"off":     LevelSilent,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestFieldsReachZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))

	l.With(String("component", "codec")).Warn("decoded",
		Int64("n", 3),
		Float64("ratio", 0.5),
		Duration("took", time.Second),
		Strings("fields", []string{"a", "b"}),
		TypeOf("object", &Config{}),
		Error(errors.New("boom")),
		Any("extra", map[string]int{"x": 1}),
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "codec", ctx["component"])
	assert.Equal(t, int64(3), ctx["n"])
	assert.Equal(t, 0.5, ctx["ratio"])
	assert.Equal(t, time.Second, ctx["took"])
	assert.Equal(t, []any{"a", "b"}, ctx["fields"])
	assert.Equal(t, "*log.Config", ctx["object"])
	assert.Equal(t, "boom", ctx["error"])
}

func TestLogRespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))
	l.SetLevel(LevelWarn)

	l.Log(LevelInfo, "skipped")
	l.Log(LevelError, "written")
	l.Log(LevelSilent, "never")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "written", logs.All()[0].Message)
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("ignored")
	assert.Equal(t, LevelFatal, l.GetLevel())
}

func TestProvideDuringSetup(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NotNil(t, Provide())
		}()
		go func() {
			defer wg.Done()
			_, err := Setup(Config{Level: "error", Outputs: []string{"stderr"}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	l, err := Setup(Config{Level: "warn", Outputs: []string{"stderr"}})
	require.NoError(t, err)
	assert.Same(t, l, Provide())
}

func TestNewDoesNotReplaceProcessLogger(t *testing.T) {
	l, err := Setup(Config{Level: "error", Outputs: []string{"stderr"}})
	require.NoError(t, err)

	_ = New(LevelDebug)
	assert.Same(t, l, Provide())
}
