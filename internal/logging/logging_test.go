package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
	assert.False(t, cfg.AddSource)
}

func TestNewLogger(t *testing.T) {
	t.Run("stdout text logger", func(t *testing.T) {
		logger, err := New(Config{Level: LevelInfo, Format: FormatText, Output: "stdout"})
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.Equal(t, LevelInfo, logger.config.Level)
	})

	t.Run("stderr json logger", func(t *testing.T) {
		logger, err := New(Config{Level: LevelError, Format: FormatJSON, Output: "stderr"})
		require.NoError(t, err)
		assert.NotNil(t, logger)
	})

	t.Run("file logger", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nested", "v6ledger.log")

		logger, err := New(Config{Level: LevelDebug, Format: FormatText, Output: logFile})
		require.NoError(t, err)
		require.NotNil(t, logger)

		info, err := os.Stat(logFile)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(logFilePerm), info.Mode().Perm())
	})

	t.Run("unwritable file path", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

		_, err := New(Config{Level: LevelInfo, Output: filepath.Join(blocker, "app.log")})
		assert.Error(t, err)
	})
}

func TestParseLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LogLevel("unknown"), Format: FormatText}, &buf)

	logger.Debug("hidden")
	logger.Info("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLevelsFilterOutput(t *testing.T) {
	tests := []struct {
		level   LogLevel
		visible []string
		hidden  []string
	}{
		{LevelDebug, []string{"debug-msg", "info-msg", "warn-msg", "error-msg"}, nil},
		{LevelInfo, []string{"info-msg", "warn-msg", "error-msg"}, []string{"debug-msg"}},
		{LevelWarn, []string{"warn-msg", "error-msg"}, []string{"debug-msg", "info-msg"}},
		{LevelError, []string{"error-msg"}, []string{"debug-msg", "info-msg", "warn-msg"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(Config{Level: tt.level, Format: FormatText}, &buf)

			logger.Debug("debug-msg")
			logger.Info("info-msg")
			logger.Warn("warn-msg")
			logger.Error("error-msg")

			for _, msg := range tt.visible {
				assert.Contains(t, buf.String(), msg)
			}
			for _, msg := range tt.hidden {
				assert.NotContains(t, buf.String(), msg)
			}
		})
	}
}

func TestJSONFormatFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelInfo, Format: FormatJSON}, &buf)

	logger.WithOperation("op-1", "import").InfoReconcile("committed", "inserted", 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "committed", record["msg"])
	assert.Equal(t, "reconcile", record["component"])
	assert.Equal(t, "op-1", record["operation_id"])
	assert.Equal(t, "import", record["kind"])
	assert.Equal(t, float64(2), record["inserted"])
}

func TestErrorHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelInfo, Format: FormatText}, &buf)

	logger.ErrorReconcile("rollback failed", fmt.Errorf("conn closed"), "stage", "applying")
	logger.ErrorDatabase("ping failed", fmt.Errorf("timeout"))
	logger.InfoDatabase("connected", "host", "db1")

	out := buf.String()
	assert.Contains(t, out, "component=reconcile")
	assert.Contains(t, out, "error=\"conn closed\"")
	assert.Contains(t, out, "stage=applying")
	assert.Contains(t, out, "component=database")
	assert.Contains(t, out, "host=db1")
}

func TestWithHelpersDoNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter(Config{Level: LevelInfo}, &buf)

	child := parent.WithComponent("api").WithError(fmt.Errorf("boom"))
	child.Info("child")
	parent.Info("parent")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "component=api")
	assert.Contains(t, lines[0], "error=boom")
	assert.NotContains(t, lines[1], "component=api")
}

func TestSetAndGetDefault(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	var buf bytes.Buffer
	SetDefault(NewWithWriter(Config{Level: LevelDebug}, &buf))

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")

	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		assert.Contains(t, buf.String(), "level="+level)
	}
}
