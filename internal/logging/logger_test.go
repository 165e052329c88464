package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerConsoleLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{ConsoleOut: &buf, ConsoleLevel: WARN})
	defer Configure(Options{ConsoleLevel: INFO, FileLevel: TRACE})

	logger, err := NewLogger("test")
	require.NoError(t, err)

	logger.Info("skipped %d", 1)
	assert.Empty(t, buf.String())

	logger.Warn("kept %d", 2)
	assert.Contains(t, buf.String(), "kept 2")
	assert.Contains(t, buf.String(), "component=test")
}

func TestLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	Configure(Options{Dir: dir, ConsoleOut: &buf, ConsoleLevel: ERROR, FileLevel: DEBUG})
	defer Configure(Options{ConsoleLevel: INFO, FileLevel: TRACE})

	logger, err := NewLogger("filetest")
	require.NoError(t, err)
	require.NotNil(t, logger.file)
	name := logger.file.Name()

	logger.Debug("hello file")
	require.NoError(t, logger.Close())

	assert.Empty(t, buf.String())
	assert.FileExists(t, name)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}
