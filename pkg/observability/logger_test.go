package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e), line)
		entries = append(entries, e)
	}
	return entries
}

func TestLoggerJSONShape(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"organization_id": "org-1",
		"credits":         100,
	}).WithError(errors.New("boom")).Info("Credits granted")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "Credits granted", entries[0].Message)
	assert.NotEmpty(t, entries[0].Time)
	assert.Equal(t, "org-1", entries[0].Fields["organization_id"])
	assert.Equal(t, float64(100), entries[0].Fields["credits"])
	assert.Equal(t, "boom", entries[0].Fields["error"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Errorf("error %d", 1)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warning", entries[0].Level)
	assert.Equal(t, "error 1", entries[1].Message)
	assert.Equal(t, WarnLevel, logger.Level())
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerWithFormat(InfoLevel, TextFormat, &buf).WithField("job_id", "job-1").Info("Debited")

	out := buf.String()
	assert.Contains(t, out, "msg=Debited")
	assert.Contains(t, out, "job_id=job-1")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("error"))
	assert.Equal(t, InfoLevel, ParseLogLevel("verbose"))
	assert.Equal(t, "WARN", WarnLevel.String())
}

func TestWithErrorNil(t *testing.T) {
	logger := NopLogger()
	assert.Same(t, logger, logger.WithError(nil))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithOrganizationID(ctx, "org-1")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "org-1", GetOrganizationID(ctx))

	FromContext(ctx).Info("hello")
	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].Fields["request_id"])
	assert.Equal(t, "org-1", entries[0].Fields["organization_id"])

	assert.Empty(t, GetRequestID(context.Background()))
	assert.NotNil(t, GetLogger(context.Background()))
}
