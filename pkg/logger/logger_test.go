package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter(&buf, zerolog.InfoLevel).With(String("env", "test"))

	l.Debug("fetch.skipped")
	l.Warn("fetch.fallback",
		String("key", "fred:DGS10"),
		Int("attempt", 3),
		Duration("backoff", 1500*time.Millisecond),
		Bool("stale", true),
		Error(errors.New("timeout")),
	)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &got))
	assert.Equal(t, "fetch.fallback", got["message"])
	assert.Equal(t, "warn", got["level"])
	assert.Equal(t, "test", got["env"])
	assert.Equal(t, "fred:DGS10", got["key"])
	assert.EqualValues(t, 3, got["attempt"])
	assert.EqualValues(t, 1500, got["backoff"])
	assert.Equal(t, true, got["stale"])
	assert.Equal(t, "timeout", got["error"])
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNopDiscards(t *testing.T) {
	Nop().With(String("a", "b")).Error("nothing")
}
