package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleLoggerTagsAndFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)
	cam := l.Module("Camera3")

	cam.Info("dropped %d", 1)
	assert.Empty(t, buf.String())

	cam.Warn("grab failed %d times", 4)
	line := buf.String()
	assert.Contains(t, line, "[WARN] [Camera3] grab failed 4 times")

	buf.Reset()
	l.SetLevel(SILENT)
	cam.Error("hidden")
	assert.Empty(t, buf.String())
}

func TestColorPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, true)
	l.Debug("Periphery", "hello")
	assert.True(t, strings.Contains(buf.String(), "\033[36m[DEBUG]\033[0m [Periphery] hello"))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestZeroModuleWithoutDefaultIsSafe(t *testing.T) {
	var m Module
	assert.NotPanics(t, func() { m.Info("nothing to see") })
}
