package logx

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, parseLevel(tt.in, zerolog.InfoLevel), "level %q", tt.in)
	}
}

func TestLoggerZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	require.True(t, zero.IsZero())
	zero.Info("writes nowhere without panicking")

	n := Nop()
	require.False(t, n.IsZero())
	n.Error("also silent", Err(errors.New("x")))
}

func TestWithAccumulatesFields(t *testing.T) {
	t.Parallel()
	base := Nop().With(String("comp", "test"))
	derived := base.With(Int("n", 1), Bool("ok", true))
	require.Len(t, derived.fields, 3)
	require.Len(t, base.fields, 1, "With must not mutate the receiver")
}

func TestServiceWritesJSONToFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{
		Level:   "debug",
		Console: false,
		File:    FileConfig{Enabled: true, Path: path},
	})

	log.With(String("comp", "test")).Info("hello", Int("n", 7))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(b, &entry))
	require.Equal(t, "hello", entry["message"])
	require.Equal(t, "test", entry["comp"])
	require.EqualValues(t, 7, entry["n"])
	require.Equal(t, "info", entry["level"])
	require.Contains(t, entry, "time")
}

func TestServiceApplySwapsLevelLive(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bot.log")
	cfg := Config{Level: "error", Console: false, File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg)

	log.Info("dropped at error level")

	cfg.Level = "debug"
	svc.Apply(cfg)
	log.Debug("visible after apply")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(b), "dropped at error level")
	require.Contains(t, string(b), "visible after apply")
}
