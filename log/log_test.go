package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{"trace": "trace", "DEBUG": "debug", "warning": "warn", "crit": "crit"} {
		lvl, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, LevelString(lvl))
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestModuleFiltering(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	var buf bytes.Buffer
	require.NoError(t, InitLoggerTo(&buf, "trace", false))

	Debug(TB, "hidden", "pc", 0x1000)
	require.Zero(t, buf.Len())

	EnableModules("tb, tcg")
	defer DisableModule(TB)
	defer DisableModule(TCG)
	Debug(TB, "block ready", "pc", 0x1000)
	require.Contains(t, buf.String(), "block ready")
	require.Contains(t, buf.String(), "mod=tb")

	buf.Reset()
	Info(CPU, "always shown")
	require.Contains(t, buf.String(), "always shown")
}

func TestModuleLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: LevelTrace})).With("cpu", 1)
	m := l.Module(Engine)
	require.Equal(t, Engine, m.Name())

	m.Trace("quiet")
	require.Zero(t, buf.Len())

	EnableModule(Engine)
	defer DisableModule(Engine)
	m.Trace("loud", "n", 2)
	require.Contains(t, buf.String(), "mod=engine")
	require.Contains(t, buf.String(), "cpu=1")
	require.Contains(t, buf.String(), "n=2")
}
