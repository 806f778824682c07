package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_KeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, zerolog.DebugLevel)

	l.Info("replicas set", "table", "doc.events", "replicas", 0)
	l.Warn("lease check failed", "error", errors.New("timeout"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "replicas set", lines[0]["message"])
	assert.Equal(t, "doc.events", lines[0]["table"])
	assert.Equal(t, float64(0), lines[0]["replicas"])
	assert.Equal(t, "timeout", lines[1]["error"])
	assert.Equal(t, "warn", lines[1]["level"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, zerolog.WarnLevel)

	l.Debug("hidden")
	l.Info("hidden")
	l.Error("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])

	l.SetLevel(zerolog.DebugLevel)
	l.Debug("now visible")
	assert.Len(t, decodeLines(t, &buf), 2)
}

func TestLogger_WithAndContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSON(&buf, zerolog.InfoLevel)

	ctx := WithLogger(context.Background(), base.With("command", "problematic-translogs"))
	ctx = WithRunID(ctx, "run-123")

	FromContext(ctx).Info("started")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "problematic-translogs", lines[0]["command"])
	assert.Equal(t, "run-123", lines[0]["run_id"])
	assert.Equal(t, "run-123", RunID(ctx))
}

func TestFromContext_FallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	prev := Global()
	SetGlobal(NewJSON(&buf, zerolog.InfoLevel))
	defer SetGlobal(prev)

	FromContext(context.Background()).Info("via global")
	assert.Contains(t, buf.String(), "via global")
}

func TestNewFromConfig_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "xmover.log")
	l, err := NewFromConfig(config.LoggingConfig{
		Level:      "info",
		Format:     "json",
		OutputPath: path,
		MaxSizeMB:  1,
	})
	require.NoError(t, err)

	l.Info("written to file", "node", "crate-1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), "crate-1")
}

func TestNewFromConfig_BadLevelFallsBackToInfo(t *testing.T) {
	l, err := NewFromConfig(config.LoggingConfig{Level: "chatty", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, l.Level())
}
