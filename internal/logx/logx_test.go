package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := FromWriter(&buf, "debug").With(String("run", "r1"))

	log.Warn("attempt failed", Uint64("nonce", 7), Err(errors.New("boom")))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "warn", got["level"])
	assert.Equal(t, "attempt failed", got["message"])
	assert.Equal(t, "r1", got["run"])
	assert.EqualValues(t, 7, got["nonce"])
	assert.Equal(t, "boom", got["err"])
	assert.Contains(t, got["caller"], "logx_test.go")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := FromWriter(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())

	var zero Logger
	zero.Error("discarded")
	Nop().Error("discarded")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.WarnLevel},
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"off", zerolog.Disabled},
		{"bogus", zerolog.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in, zerolog.WarnLevel))
		})
	}
}
