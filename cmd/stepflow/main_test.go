package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const greetYAML = `
name: greet
inputs:
  who:
    type: string
    default: world
steps:
  - id: message
    action: value
    params:
      value: "hello ${{ inputs.who }}"
  - id: upper
    action: expr
    params:
      expression: upper(steps.message)
`

const brokenYAML = `
name: broken
steps:
  - id: a
    action: nope
`

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	flows := filepath.Join(dir, "workflows")
	require.NoError(t, os.MkdirAll(flows, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(flows, "greet.yaml"), []byte(greetYAML), 0o644))

	cfg := defaultConfig()
	cfg.WorkflowsDir = flows
	cfg.DBPath = filepath.Join(dir, "data", "stepflow.db")
	cfg.LogLevel = "error"
	return cfg
}

func TestRunOnce_PrintsResultAndArchives(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer

	err := runOnce(context.Background(), cfg, "greet", `{"who":"stepflow"}`, "", &out)
	require.NoError(t, err)

	var result schema.WorkflowResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "HELLO STEPFLOW", result.StepResults["upper"])
	require.NotEmpty(t, result.RunID)

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	require.NoError(t, err)
	defer st.Close()

	run, err := st.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, run.Status)
	assert.Equal(t, "greet", run.Workflow)
}

func TestRunOnce_ExtraFileAndFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBPath = ""

	file := filepath.Join(t.TempDir(), "boom.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
name: boom
steps:
  - id: explode
    action: fail
    params:
      message: kaboom
`), 0o644))

	var out bytes.Buffer
	err := runOnce(context.Background(), cfg, "boom", "", file, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	var result schema.WorkflowResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Equal(t, "explode", result.FailedStep)
}

func TestRunOnce_BadInputs(t *testing.T) {
	cfg := testConfig(t)
	err := runOnce(context.Background(), cfg, "greet", `[1,2]`, "", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--inputs")
}

func TestRunOnce_MissingWorkflowsDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkflowsDir = filepath.Join(t.TempDir(), "absent")
	cfg.DBPath = ""

	var out bytes.Buffer
	err := runOnce(context.Background(), cfg, "greet", "", "", &out)
	require.Error(t, err)

	var result schema.WorkflowResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, schema.ErrCodeNotFound, result.ErrorCode)
}

func TestValidateFiles(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(good, []byte(greetYAML), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte(brokenYAML), 0o644))

	var out bytes.Buffer
	require.NoError(t, validateFiles(cfg, []string{good}, &out))
	assert.Contains(t, out.String(), "good.yaml: ok")

	out.Reset()
	err := validateFiles(cfg, []string{good, bad, filepath.Join(dir, "missing.yaml")}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 files invalid")
	assert.Contains(t, out.String(), "bad.yaml: ")
	assert.Contains(t, out.String(), "nope")
}

func TestRenderDiagram(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, renderDiagram(ctx, cfg, "greet", "mermaid", "", &out))
	assert.Contains(t, out.String(), "graph TD")
	assert.Contains(t, out.String(), "message --> upper")

	file := filepath.Join(t.TempDir(), "greet.txt")
	require.NoError(t, renderDiagram(ctx, cfg, "greet", "ascii", file, &bytes.Buffer{}))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== greet ===")

	assert.Error(t, renderDiagram(ctx, cfg, "greet", "image", "", &out))
	assert.Error(t, renderDiagram(ctx, cfg, "greet", "svg", "", &out))
	assert.Error(t, renderDiagram(ctx, cfg, "nope", "ascii", "", &out))
}

func TestSecrets_SetListDeleteAndResolve(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	assert.ErrorContains(t, secretSet(ctx, cfg, "TOKEN", "x"), "STEPFLOW_VAULT_KEY")

	cfg.VaultKey = "passphrase"
	require.NoError(t, secretSet(ctx, cfg, "TOKEN", "tok-42"))
	require.NoError(t, secretSet(ctx, cfg, "OTHER", "o"))

	var listed bytes.Buffer
	require.NoError(t, secretList(ctx, cfg, &listed))
	assert.Equal(t, "OTHER\nTOKEN\n", listed.String())

	file := filepath.Join(t.TempDir(), "auth.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
name: auth
steps:
  - id: header
    action: value
    params:
      value: "Bearer ${{ secrets.TOKEN }}"
`), 0o644))

	var out bytes.Buffer
	require.NoError(t, runOnce(ctx, cfg, "auth", "", file, &out))
	var result schema.WorkflowResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, "Bearer tok-42", result.StepResults["header"])

	require.NoError(t, secretDelete(ctx, cfg, "OTHER"))
	assert.True(t, schema.IsCode(secretDelete(ctx, cfg, "OTHER"), schema.ErrCodeNotFound))

	cfg.VaultKey = "wrong"
	out.Reset()
	err := runOnce(ctx, cfg, "auth", "", file, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "decrypt failed")
}
