package annbench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(level slog.Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})), &buf
}

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestLoggerFields(t *testing.T) {
	l, buf := capture(slog.LevelDebug)
	l.WithRunID("a1b2").WithAlgorithm("LUCENE_HNSW").WithDataset("sift").Info("hello")

	recs := records(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "a1b2", recs[0]["run_id"])
	assert.Equal(t, "LUCENE_HNSW", recs[0]["algorithm"])
	assert.Equal(t, "sift", recs[0]["dataset"])
}

func TestLoggerLevelsFollowOutcome(t *testing.T) {
	ctx := context.Background()
	l, buf := capture(slog.LevelDebug)

	l.LogRun(ctx, "ok", time.Second, nil)
	l.LogRun(ctx, "bad", time.Second, errors.New("boom"))
	l.LogIngest(ctx, 10, time.Millisecond, nil)
	l.LogQueryPhase(ctx, 5, 0.9, errors.New("depth"))
	l.LogSweep(ctx, 3, 0)
	l.LogSweep(ctx, 3, 1)

	var levels []string
	for _, rec := range records(t, buf) {
		levels = append(levels, rec["level"].(string))
	}
	assert.Equal(t, []string{"INFO", "ERROR", "INFO", "ERROR", "INFO", "WARN"}, levels)
}

func TestNoopLogger(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
	l.LogRun(context.Background(), "x", 0, errors.New("ignored"))
}
