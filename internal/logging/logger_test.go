package logging

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoggerLevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		wantError bool
		wantWarn  bool
		wantInfo  bool
		wantDebug bool
	}{
		{LevelError, true, false, false, false},
		{LevelWarn, true, true, false, false},
		{LevelInfo, true, true, true, false},
		{LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger(&buf, tt.level)

			l.Errorf("e%d", 1)
			l.Warnf("w%d", 2)
			l.Infof("i%d", 3)
			l.Debugf("d%d", 4)

			out := buf.String()
			assert.Equal(t, tt.wantError, strings.Contains(out, "ERROR e1"))
			assert.Equal(t, tt.wantWarn, strings.Contains(out, "WARN w2"))
			assert.Equal(t, tt.wantInfo, strings.Contains(out, "INFO i3"))
			assert.Equal(t, tt.wantDebug, strings.Contains(out, "DEBUG d4"))
		})
	}
}

func TestFatalfCallsHandler(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LevelError)

	var got atomic.Value
	l.SetFatalHandler(func(msg string) { got.Store(msg) })
	l.Fatalf(NSWAL+"sync failed: %s", "disk gone")

	assert.Contains(t, buf.String(), "FATAL [wal] sync failed: disk gone")
	assert.Equal(t, "[wal] sync failed: disk gone", got.Load())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"error": LevelError,
		"WARN":  LevelWarn,
		"":      LevelWarn,
		"Info":  LevelInfo,
		"debug": LevelDebug,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestOrDefault(t *testing.T) {
	var typedNil *DefaultLogger
	assert.True(t, IsNil(typedNil))
	assert.NotNil(t, OrDefault(typedNil))
	assert.Equal(t, Discard, OrDefault(Discard))
}
