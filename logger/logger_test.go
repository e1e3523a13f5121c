package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, logrus.DebugLevel)

	l.WithFields(Fields{"trx": 7, "key": 5}).Warnf("lock wait")
	line := buf.String()

	assert.True(t, strings.HasPrefix(line, "["))
	assert.Contains(t, line, "[WARN]")
	assert.Contains(t, line, "logger_test.go")
	assert.True(t, strings.HasSuffix(line, "lock wait key=5 trx=7\n"), line)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, logrus.InfoLevel, parseLogLevel("bogus"))
}

func TestInitLogger(t *testing.T) {
	dir := t.TempDir()
	infoPath := filepath.Join(dir, "logs", "info.log")
	errorPath := filepath.Join(dir, "logs", "error.log")

	require.NoError(t, InitLogger(LogConfig{ErrorLogPath: errorPath, InfoLogPath: infoPath, LogLevel: "debug"}))
	defer func() {
		require.NoError(t, InitLogger(LogConfig{LogLevel: "info"}))
	}()

	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	Infof("hello %d", 1)
	Errorf("boom %s", "x")

	info, err := os.ReadFile(infoPath)
	require.NoError(t, err)
	assert.Contains(t, string(info), "hello 1")

	errs, err := os.ReadFile(errorPath)
	require.NoError(t, err)
	assert.Contains(t, string(errs), "boom x")
}
