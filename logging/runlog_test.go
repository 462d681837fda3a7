package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncFileWritesInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	af, err := NewAsyncFile(path)
	require.NoError(t, err)

	for _, s := range []string{"first\n", "second\n", "third\n"} {
		_, err := af.Write([]byte(s))
		require.NoError(t, err)
	}
	require.NoError(t, af.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\nthird\n", string(content))

	// Closed files reject writes; a second close is harmless.
	_, err = af.Write([]byte("late"))
	require.Error(t, err)
	require.NoError(t, af.Close())
}

func TestRunLogLayout(t *testing.T) {
	dir := t.TempDir()
	rl, err := OpenRunLog(dir)
	require.NoError(t, err)

	rl.Banner("MyTest_001", "Checks the startup handshake", 2, 3)
	rl.Logger().Info("Starting server", "port", 8080)
	rl.Final(1500*time.Millisecond, "PASSED", "")
	require.NoError(t, rl.Close())

	content, err := os.ReadFile(filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	text := string(content)

	assert.Contains(t, text, "Id   : MyTest_001")
	assert.Contains(t, text, "Title: Checks the startup handshake")
	assert.Contains(t, text, "Cycle: 2")
	assert.Contains(t, text, "Starting server")
	assert.Contains(t, text, "Test duration: 1.50 secs")
	assert.Contains(t, text, "Test final outcome:  PASSED")
	assert.NotContains(t, text, "Test outcome reason")
}

func TestRunLogReasonLine(t *testing.T) {
	dir := t.TempDir()
	rl, err := OpenRunLog(dir)
	require.NoError(t, err)
	rl.Banner("T1", "", 1, 1)
	rl.Final(time.Second, "FAILED", "value mismatch")
	require.NoError(t, rl.Close())

	content, err := os.ReadFile(filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "Test outcome reason: value mismatch")
	assert.NotContains(t, string(content), "Cycle:")
}
