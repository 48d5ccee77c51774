package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/isolation"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultMaxOutputBytes caps the captured stdout and stderr of shell.exec.
const DefaultMaxOutputBytes = 1 << 20

// ShellConfig enables shell.exec. Limits.Timeout is the ceiling a step's
// timeout_ms may lower but not raise.
type ShellConfig struct {
	Isolator       isolation.Isolator
	Limits         isolation.Limits
	MaxOutputBytes int
}

// ShellActions returns shell.exec bound to cfg.
func ShellActions(cfg ShellConfig) []Action {
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewIsolator()
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return []Action{&shellExecAction{cfg: cfg}}
}

type shellExecAction struct {
	cfg ShellConfig
}

func (a *shellExecAction) Name() string { return "shell.exec" }

func (a *shellExecAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a command without a shell; a non-zero exit fails the attempt",
		Params:      []string{"command", "args", "dir", "env", "stdin", "timeout_ms", "parse_json"},
	}
}

func (a *shellExecAction) Validate(params map[string]any) error {
	if stringParam(params, "command", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "shell.exec requires a non-empty 'command' string")
	}
	if _, err := stringList(params["args"]); err != nil {
		return err
	}
	if raw, ok := params["env"]; ok {
		if _, isMap := raw.(map[string]any); !isMap {
			return schema.NewError(schema.ErrCodeValidation, "shell.exec 'env' must be a map")
		}
	}
	if _, ok := params["timeout_ms"]; ok {
		if _, valid := millisParam(params, "timeout_ms"); !valid {
			return schema.NewError(schema.ErrCodeValidation, "shell.exec 'timeout_ms' must be a non-negative integer")
		}
	}
	return nil
}

func (a *shellExecAction) Execute(ctx context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	command := stringParam(input.Params, "command", "")
	args, _ := stringList(input.Params["args"])

	limits := a.cfg.Limits
	if d, ok := millisParam(input.Params, "timeout_ms"); ok && d > 0 && (limits.Timeout == 0 || d < limits.Timeout) {
		limits.Timeout = d
	}

	cmd := exec.Command(command, args...)
	if dir := stringParam(input.Params, "dir", ""); dir != "" {
		if err := limits.ValidatePath(dir); err != nil {
			return nil, err
		}
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), envPairs(input.Params["env"])...)
	if stdin := stringParam(input.Params, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	stdout := &cappedBuffer{max: a.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: a.cfg.MaxOutputBytes}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	wrapped, cleanup, err := a.cfg.Isolator.Wrap(ctx, cmd, limits)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.exec: %v", err).WithCause(err)
	}
	defer cleanup()

	start := time.Now()
	runErr := wrapped.Run()
	duration := time.Since(start)

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "shell.exec: %s cancelled", command).WithCause(ctx.Err())
	case limits.Timeout > 0 && duration >= limits.Timeout:
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "shell.exec: %s timed out after %s", command, limits.Timeout)
	case errors.As(runErr, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.exec: %v", runErr).WithCause(runErr)
	}

	input.logf("shell.exec %s exited %d in %s", command, exitCode, duration.Round(time.Millisecond))
	if exitCode != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.exec: %s exited with status %d: %s",
			command, exitCode, strings.TrimSpace(stderr.String())).
			WithDetails(map[string]any{"exit_code": exitCode})
	}

	out := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
		"truncated": stdout.truncated || stderr.truncated,
	}
	if parse, _ := input.Params["parse_json"].(bool); parse {
		var v any
		if err := json.Unmarshal(stdout.Bytes(), &v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.exec: stdout is not JSON: %v", err)
		}
		out["json"] = v
	}
	return out, nil
}

func stringList(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "'args' must be a list of strings")
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			out[i] = fmt.Sprint(item)
			continue
		}
		out[i] = s
	}
	return out, nil
}

func envPairs(raw any) []string {
	m, _ := raw.(map[string]any)
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+fmt.Sprint(v))
	}
	sort.Strings(pairs)
	return pairs
}

// cappedBuffer keeps the first max bytes written and discards the rest.
// The buffer is a named field so io.Copy cannot reach bytes.Buffer.ReadFrom.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }
