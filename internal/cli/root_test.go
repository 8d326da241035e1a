package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
)

const typesDir = "../../testdata/types"

// workspace runs commands against stores in one temporary directory.
type workspace struct {
	dir string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	return &workspace{dir: t.TempDir()}
}

// run executes the root command with the workspace paths appended and
// returns stdout.
func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args,
		"--db", filepath.Join(w.dir, "replica.db"),
		"--queue-db", filepath.Join(w.dir, "queue.db"),
		"--index", filepath.Join(w.dir, "index"),
		"--types", typesDir,
	))
	err := cmd.Execute()
	return out.String(), err
}

// runJSON executes a command with --format json and decodes the response.
func (w *workspace) runJSON(t *testing.T, args ...string) (CLIResponse, error) {
	t.Helper()
	out, err := w.run(t, append(args, "--format", "json")...)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp, err
}

func data(t *testing.T, resp CLIResponse) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "replica", cmd.Use)
	assert.Equal(t, ir.Version, cmd.Version)
	assert.Contains(t, cmd.Long, "search index")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"put"}, {"get"}, {"history"}, {"purge"}, {"index"}, {"run"}, {"info"},
		{"queue", "add"}, {"queue", "status"}, {"queue", "redrive"},
		{"max-sid"}, {"serve"}, {"validate"}, {"test"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db", "queue-db", "index", "types"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.run(t, "max-sid", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMissingConfigFile(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.run(t, "max-sid", "--config", filepath.Join(w.dir, "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestMissingTypesDirectory(t *testing.T) {
	w := newWorkspace(t)
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"max-sid",
		"--db", filepath.Join(w.dir, "replica.db"),
		"--queue-db", filepath.Join(w.dir, "queue.db"),
		"--index", filepath.Join(w.dir, "index"),
		"--types", filepath.Join(w.dir, "types"),
	})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "load types")
}
