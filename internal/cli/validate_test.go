package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runValidateCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"validate", "--format", format}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateTypes(t *testing.T) {
	out, err := runValidateCmd(t, "text", typesDir)
	require.NoError(t, err)
	assert.Equal(t, "✓ 3 type(s) valid\n", out)
}

func TestValidateTypesJSON(t *testing.T) {
	out, err := runValidateCmd(t, "json", typesDir)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	require.Len(t, resp.Data.Types, 3)

	byName := map[string]TypeSummary{}
	for _, ts := range resp.Data.Types {
		byName[ts.Name] = ts
	}
	assert.Equal(t, "targets", byName["Target"].Collection)
	assert.Equal(t, []string{"reverse"}, byName["Target"].RevLinks)
	assert.Equal(t, []string{"target", "target.lab", "related"}, byName["Source"].Embedded)
}

func TestValidateUsesConfiguredTypes(t *testing.T) {
	out, err := runValidateCmd(t, "text", "--types", typesDir)
	require.NoError(t, err)
	assert.Contains(t, out, "3 type(s) valid")
}

func TestValidateMissingDirectory(t *testing.T) {
	out, err := runValidateCmd(t, "json", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ErrCodeTypesNotFound, resp.Error.Code)
}

func TestValidateInvalidTypes(t *testing.T) {
	dir := t.TempDir()
	src := `package types

types: {
	Source: {
		links: target: "Target"
	}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "types.cue"), []byte(src), 0644))

	out, err := runValidateCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error ["+ErrCodeTypeError+"]")
	assert.Contains(t, out, "Target")
}

func TestValidateSyntaxErrorHasPosition(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "types.cue"), []byte("package types\n\ntypes: {\n\tLab: {\n"), 0644))

	out, err := runValidateCmd(t, "json", dir)
	require.Error(t, err)

	var resp struct {
		Error struct {
			Code    string      `json:"code"`
			Details TypeProblem `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ErrCodeTypeError, resp.Error.Code)
	assert.NotZero(t, resp.Error.Details.Line)
}
