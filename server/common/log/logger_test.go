package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextLineCarriesLevelAndCaller(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{out: &buf, threshold: debugLevel, format: logFormatText}

	l.logf(warnLevel, "event=test action=%s", "write")

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, ":WARN:")
	assert.True(t, strings.HasSuffix(line, "event=test action=write"), line)
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{out: &buf, threshold: debugLevel, format: logFormatJSON}

	l.logf(infoLevel, "hello %d", 42)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload))
	assert.Equal(t, "INFO", payload["level"])
	assert.Equal(t, "hello 42", payload["message"])
}

func TestThresholdDropsLowerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{out: &buf, threshold: parseLevel("warn"), format: logFormatText}

	l.logf(infoLevel, "skipped")
	l.logf(errorLevel, "kept")

	assert.NotContains(t, buf.String(), "skipped")
	assert.Contains(t, buf.String(), "kept")
}

func TestRotationMovesFullFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	var buf bytes.Buffer
	l := &logger{out: &buf, threshold: debugLevel, format: logFormatText, filePath: path, maxSizeBytes: 64}

	for i := 0; i < 4; i++ {
		l.logf(infoLevel, "line number %d with some padding", i)
	}
	l.closeFileLocked()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1)
}

func TestNextRotatedPathSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first, err := nextRotatedPath(filepath.Join(dir, "app.log"), now)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(first, nil, 0o644))

	second, err := nextRotatedPath(filepath.Join(dir, "app.log"), now)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasSuffix(second, "_2.log"), second)
}
