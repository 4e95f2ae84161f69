package log

import (
	"bytes"
	stdlog "log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"WaRn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
		" debug ": LevelDebug,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for input, want := range cases {
		assert.Equal(t, want, ParseLevel(input), "ParseLevel(%q)", input)
	}
}

func TestLogger_LevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelWarn)
	l.logger = stdlog.New(&buf, "", 0)

	l.Debug("hidden %d", 1)
	l.Info("hidden %d", 2)
	l.Warn("shown %d", 3)
	l.Error("shown %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "shown 3")
	assert.Contains(t, out, "[ERROR]")
}
