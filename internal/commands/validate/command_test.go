package validate

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderhq/wonder/internal/commands/shared"
)

const validWorkflow = `
reference: greet
version: "1"
initialNodeRef: generate
nodes:
  - ref: generate
    task:
      steps:
        - ref: s0
          action:
            kind: mock
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateAcceptsGoodDefinition(t *testing.T) {
	out, err := runCommand(t, writeFile(t, validWorkflow))
	require.NoError(t, err)
	assert.Contains(t, out, "greet@1: valid")
}

func TestValidateJSONOutput(t *testing.T) {
	out, err := runCommand(t, writeFile(t, validWorkflow), "--json")
	require.NoError(t, err)
	var r result
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.True(t, r.Valid)
	assert.Equal(t, "greet", r.Reference)
	assert.Equal(t, 1, r.Nodes)
}

func TestValidateRejectsBrokenGraph(t *testing.T) {
	broken := validWorkflow + `
transitions:
  - ref: t1
    fromNodeRef: generate
    toNodeRef: missing
`
	out, err := runCommand(t, writeFile(t, broken))
	require.Error(t, err)
	var exitErr *shared.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, shared.ExitFailed, exitErr.Code)
	assert.Contains(t, out, "invalid")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := runCommand(t, "/does/not/exist.yaml")
	var exitErr *shared.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, shared.ExitUsage, exitErr.Code)
}
