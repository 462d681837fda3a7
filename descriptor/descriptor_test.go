package descriptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

// writeDescriptor creates <root>/<dir>/pysystest.yaml with the given content.
func writeDescriptor(t *testing.T, root, dir, content string) string {
	t.Helper()
	testDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(testDir, 0o755))
	path := filepath.Join(testDir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesFullDescriptor(t *testing.T) {
	path := writeDescriptor(t, t.TempDir(), "MyServer_001", `
id: server-startup
title: Server starts and answers
purpose: |
  Checks the server comes up and reports its port.
groups: [server, smoke]
modes: [Tcp, Tls]
timeouts:
  process: 30
  pattern: 5
test:
  command: ./server.sh
  args: ["--port", "0"]
  env:
    SERVER_LICENCE: none
  expected_exit_status: 0
  expect:
    - expr: "Started on port (\\d+)"
      min_matches: 1
    - expr: "Ready"
      file: server.log
  errors: ["FATAL"]
`)

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "server-startup", d.ID)
	assert.Equal(t, "Server starts and answers", d.Title)
	assert.Equal(t, []string{"server", "smoke"}, d.Groups)
	assert.Equal(t, []string{"Tcp", "Tls"}, d.Modes)
	assert.Equal(t, filepath.Dir(path), d.Dir)
	require.NotNil(t, d.Timeouts)
	assert.Equal(t, 30.0, d.Timeouts.Process)
	require.NotNil(t, d.Test)
	assert.Equal(t, "./server.sh", d.Test.Command)
	assert.Equal(t, []string{"--port", "0"}, d.Test.Args)
	require.Len(t, d.Test.Expect, 2)
	assert.Equal(t, "server.log", d.Test.Expect[1].File)
	assert.Equal(t, []string{"FATAL"}, d.Test.Errors)
}

func TestLoadDefaultsIDToDirectoryName(t *testing.T) {
	path := writeDescriptor(t, t.TempDir(), "PySys_001", `
title: Named after its directory
test:
  command: /bin/true
`)

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "PySys_001", d.ID)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeDescriptor(t, t.TempDir(), "t1", `
titel: misspelled
test:
  command: /bin/true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "titel")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no test and no skip",
			content: "title: nothing to run\n",
			wantErr: "no test and no skip reason",
		},
		{
			name:    "missing command",
			content: "test:\n  args: [\"-c\", \"true\"]\n",
			wantErr: "test command is required",
		},
		{
			name:    "expect without expr",
			content: "test:\n  command: /bin/true\n  expect:\n    - file: out.txt\n",
			wantErr: "expect entry without expr",
		},
		{
			name:    "invalid expect expression",
			content: "test:\n  command: /bin/true\n  expect:\n    - expr: \"(unclosed\"\n",
			wantErr: "invalid expect expression",
		},
		{
			name:    "invalid error expression",
			content: "test:\n  command: /bin/true\n  errors: [\"(unclosed\"]\n",
			wantErr: "invalid error expression",
		},
		{
			name:    "negative min matches",
			content: "test:\n  command: /bin/true\n  expect:\n    - expr: ok\n      min_matches: -1\n",
			wantErr: "must not be negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDescriptor(t, t.TempDir(), "t1", tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadAllowsSkipOnlyDescriptor(t *testing.T) {
	path := writeDescriptor(t, t.TempDir(), "t1", "skip: waiting on server rewrite\n")

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "waiting on server rewrite", d.Skip)
	assert.Nil(t, d.Test)
}

func TestDiscoverReturnsSortedPathOrder(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, root, "t2", "test:\n  command: /bin/true\n")
	writeDescriptor(t, root, "t1", "test:\n  command: /bin/true\n")
	writeDescriptor(t, root, filepath.Join("nested", "t3"), "test:\n  command: /bin/true\n")

	descriptors, err := Discover(testLogger(), []string{root})
	require.NoError(t, err)
	require.Len(t, descriptors, 3)

	ids := []string{descriptors[0].ID, descriptors[1].ID, descriptors[2].ID}
	assert.Equal(t, []string{"t3", "t1", "t2"}, ids)
}

func TestDiscoverRejectsDuplicateIDs(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, root, "a", "id: same\ntest:\n  command: /bin/true\n")
	writeDescriptor(t, root, "b", "id: same\ntest:\n  command: /bin/true\n")

	_, err := Discover(testLogger(), []string{root})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate test id "same"`)
}

func TestDiscoverMissingRoot(t *testing.T) {
	_, err := Discover(testLogger(), []string{filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanning test root")
}

func TestSelect(t *testing.T) {
	descriptors := []Descriptor{
		{ID: "t1", Groups: []string{"smoke"}},
		{ID: "t2", Groups: []string{"smoke", "server"}},
		{ID: "t3", Groups: []string{"perf"}},
	}

	t.Run("empty filter keeps all", func(t *testing.T) {
		out, err := Select(descriptors, Filter{})
		require.NoError(t, err)
		assert.Len(t, out, 3)
	})

	t.Run("by id", func(t *testing.T) {
		out, err := Select(descriptors, Filter{IDs: []string{"t3", "t1"}})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "t1", out[0].ID)
		assert.Equal(t, "t3", out[1].ID)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := Select(descriptors, Filter{IDs: []string{"t9"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `no test found with id "t9"`)
	})

	t.Run("by group", func(t *testing.T) {
		out, err := Select(descriptors, Filter{Groups: []string{"server", "perf"}})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "t2", out[0].ID)
		assert.Equal(t, "t3", out[1].ID)
	})

	t.Run("id and group combined", func(t *testing.T) {
		out, err := Select(descriptors, Filter{IDs: []string{"t1", "t3"}, Groups: []string{"perf"}})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "t3", out[0].ID)
	})
}

func TestUnitsAppliesModeAndSkip(t *testing.T) {
	run := &CommandTest{Command: "/bin/true"}
	descriptors := []Descriptor{
		{ID: "tcp-only", Modes: []string{"Tcp"}, Test: run},
		{ID: "both", Modes: []string{"Tcp", "Tls"}, Test: run},
		{ID: "modeless", Test: run},
		{ID: "parked", Skip: "flaky on CI", Test: run},
	}

	t.Run("no mode runs everything not skipped", func(t *testing.T) {
		units := Units(descriptors, "")
		require.Len(t, units, 4)
		for _, u := range units[:3] {
			assert.Empty(t, u.SkipReason, u.ID)
			assert.NotNil(t, u.Make, u.ID)
		}
		assert.Equal(t, "flaky on CI", units[3].SkipReason)
		assert.Nil(t, units[3].Make)
	})

	t.Run("mode skips tests not supporting it", func(t *testing.T) {
		units := Units(descriptors, "Tls")
		require.Len(t, units, 4)
		assert.Equal(t, "Unable to run test in Tls mode", units[0].SkipReason)
		assert.Empty(t, units[1].SkipReason)
		assert.Equal(t, "Tls", units[1].Mode)
		assert.Equal(t, "Unable to run test in Tls mode", units[2].SkipReason)
		assert.Equal(t, "flaky on CI", units[3].SkipReason)
	})
}
