package actions

import (
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/isolation"
	"github.com/rendis/stepflow/pkg/schema"
)

func shellAction(t *testing.T, cfg ShellConfig) Action {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	return ShellActions(cfg)[0]
}

func TestShellExec_Registration(t *testing.T) {
	reg := newBuiltinRegistry(t, BuiltinDeps{})
	assert.False(t, reg.Has("shell.exec"))

	reg = newBuiltinRegistry(t, BuiltinDeps{Shell: &ShellConfig{}})
	assert.True(t, reg.Has("shell.exec"))
}

func TestShellExec_Output(t *testing.T) {
	a := shellAction(t, ShellConfig{})
	log := &runLog{}

	out, err := a.Execute(t.Context(), Input{
		StepID: "s",
		Params: map[string]any{
			"command": "sh",
			"args":    []any{"-c", `printf '%s:%s' "$GREETING" "$(cat)"`},
			"env":     map[string]any{"GREETING": "hi"},
			"stdin":   "there",
		},
		Log: log.Log,
	})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "hi:there", m["stdout"])
	assert.Equal(t, 0, m["exit_code"])
	assert.Equal(t, false, m["truncated"])
	require.Len(t, log.lines, 1)
	assert.Contains(t, log.lines[0], "shell.exec sh exited 0")
}

func TestShellExec_ParseJSON(t *testing.T) {
	a := shellAction(t, ShellConfig{})

	out, err := execute(t, a, map[string]any{
		"command":    "echo",
		"args":       []any{`{"n": 2}`},
		"parse_json": true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(2)}, out.(map[string]any)["json"])

	_, err = execute(t, a, map[string]any{"command": "echo", "args": []any{"nope"}, "parse_json": true}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestShellExec_NonZeroExit(t *testing.T) {
	a := shellAction(t, ShellConfig{})

	_, err := execute(t, a, map[string]any{
		"command": "sh",
		"args":    []any{"-c", "echo broken >&2; exit 3"},
	}, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
	assert.Contains(t, err.Error(), "status 3: broken")
}

func TestShellExec_Timeout(t *testing.T) {
	a := shellAction(t, ShellConfig{Limits: isolation.Limits{Timeout: 5 * time.Second}})

	start := time.Now()
	_, err := execute(t, a, map[string]any{
		"command":    "sleep",
		"args":       []any{"10"},
		"timeout_ms": 100,
	}, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout), err.Error())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShellExec_DirPolicy(t *testing.T) {
	allowed := t.TempDir()
	a := shellAction(t, ShellConfig{Limits: isolation.Limits{AllowedDirs: []string{allowed}}})

	out, err := execute(t, a, map[string]any{"command": "pwd", "dir": allowed}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out.(map[string]any)["stdout"])

	_, err = execute(t, a, map[string]any{"command": "pwd", "dir": t.TempDir()}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodePathDenied))
}

func TestShellExec_TruncatesOutput(t *testing.T) {
	a := shellAction(t, ShellConfig{MaxOutputBytes: 4})

	out, err := execute(t, a, map[string]any{"command": "echo", "args": []any{"abcdefgh"}}, nil)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "abcd", m["stdout"])
	assert.Equal(t, true, m["truncated"])
}

func TestCappedBuffer_CopyKeepsCap(t *testing.T) {
	b := &cappedBuffer{max: 4}
	_, ok := any(b).(io.ReaderFrom)
	assert.False(t, ok)

	n, err := io.Copy(b, io.LimitReader(strings.NewReader("abcdefgh"), 100))
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, "abcd", b.String())
	assert.Equal(t, []byte("abcd"), b.Bytes())
	assert.True(t, b.truncated)
}

func TestShellExec_Validate(t *testing.T) {
	a := &shellExecAction{}
	assert.Error(t, a.Validate(map[string]any{}))
	assert.Error(t, a.Validate(map[string]any{"command": "ls", "args": "-la"}))
	assert.Error(t, a.Validate(map[string]any{"command": "ls", "env": []any{"A=1"}}))
	assert.Error(t, a.Validate(map[string]any{"command": "ls", "timeout_ms": -5}))
	assert.NoError(t, a.Validate(map[string]any{"command": "ls", "args": []any{"-la", 3}}))
}
