package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   LogLevel
	}{
		{"default", Config{Format: "text"}, LogLevelNormal},
		{"verbose json", Config{Level: LogLevelVerbose, Format: "json"}, LogLevelVerbose},
		{"quiet", Config{Level: LogLevelQuiet}, LogLevelQuiet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf

			logger, err := NewLogger(tt.config)
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	_, err := NewLogger(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("VERBOSE")
	require.NoError(t, err)
	assert.Equal(t, LogLevelVerbose, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LogLevelNormal, lvl)

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}

func TestQuietSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: LogLevelQuiet, Output: &buf})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Error("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogOperationStart_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf, Format: "json"})
	require.NoError(t, err)

	done := logger.LogOperationStart("backup", map[string]interface{}{"target": "orders"})
	done(errors.New("dump failed"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "start is logged at debug level only")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "backup", entry["operation"])
	assert.Equal(t, "orders", entry["target"])
	assert.Equal(t, "dump failed", entry["error"])
	assert.Equal(t, false, entry["success"])
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "host=db password=*** user=x", Redact("host=db password=s3cret user=x"))
	assert.Equal(t, "postgres://app:***@db:5432/orders", Redact("postgres://app:hunter2@db:5432/orders"))
	assert.Equal(t, "plain", Redact("plain"))
}
