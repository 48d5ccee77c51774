package actions

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/rendis/stepflow/internal/isolation"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultMaxReadBytes caps what fs.read returns.
const DefaultMaxReadBytes = 10 << 20

// FSConfig enables the fs.* actions. Only the directory policy of Limits
// applies; every path is checked against it before it is touched.
type FSConfig struct {
	Limits       isolation.Limits
	MaxReadBytes int64
}

// FSActions returns the file actions bound to cfg.
func FSActions(cfg FSConfig) []Action {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxReadBytes
	}
	return []Action{
		&fsReadAction{cfg: cfg},
		&fsWriteAction{cfg: cfg},
		&fsListAction{cfg: cfg},
		&fsStatAction{cfg: cfg},
		&fsDeleteAction{cfg: cfg},
	}
}

// checkedPath resolves the path param and applies the directory policy.
func checkedPath(name string, params map[string]any, limits isolation.Limits) (string, error) {
	raw := stringParam(params, "path", "")
	if raw == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s requires a non-empty 'path' string", name)
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid path %q: %v", name, raw, err)
	}
	if err := limits.ValidatePath(abs); err != nil {
		return "", err
	}
	return abs, nil
}

func requirePath(name string, params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a non-empty 'path' string", name)
	}
	return nil
}

func fsError(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s: %v", name, err).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: %v", name, err).WithCause(err)
}

func fileInfo(path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"name":        info.Name(),
		"path":        path,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"is_dir":      info.IsDir(),
		"mode":        info.Mode().Perm().String(),
	}
}

// --- fs.read ---

type fsReadAction struct{ cfg FSConfig }

func (a *fsReadAction) Name() string { return "fs.read" }

func (a *fsReadAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Read a file as text, or base64 when it is not valid UTF-8",
		Params:      []string{"path", "encoding"},
	}
}

func (a *fsReadAction) Validate(params map[string]any) error {
	if err := requirePath(a.Name(), params); err != nil {
		return err
	}
	switch stringParam(params, "encoding", "auto") {
	case "auto", "text", "base64":
		return nil
	default:
		return schema.NewError(schema.ErrCodeValidation, "fs.read 'encoding' must be auto, text or base64")
	}
}

func (a *fsReadAction) Execute(_ context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	path, err := checkedPath(a.Name(), input.Params, a.cfg.Limits)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fsError(a.Name(), err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, a.cfg.MaxReadBytes+1))
	if err != nil {
		return nil, fsError(a.Name(), err)
	}
	truncated := int64(len(data)) > a.cfg.MaxReadBytes
	if truncated {
		data = data[:a.cfg.MaxReadBytes]
	}

	encoding := stringParam(input.Params, "encoding", "auto")
	if encoding == "auto" {
		encoding = "text"
		if !utf8.Valid(data) {
			encoding = "base64"
		}
	}
	content := string(data)
	if encoding == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	}
	return map[string]any{
		"path":      path,
		"content":   content,
		"encoding":  encoding,
		"size":      len(data),
		"truncated": truncated,
	}, nil
}

// --- fs.write ---

type fsWriteAction struct{ cfg FSConfig }

func (a *fsWriteAction) Name() string { return "fs.write" }

func (a *fsWriteAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write or append text to a file",
		Params:      []string{"path", "content", "append", "create_dirs"},
	}
}

func (a *fsWriteAction) Validate(params map[string]any) error {
	if err := requirePath(a.Name(), params); err != nil {
		return err
	}
	if _, ok := params["content"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "fs.write requires a 'content' string")
	}
	return nil
}

func (a *fsWriteAction) Execute(_ context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	path, err := checkedPath(a.Name(), input.Params, a.cfg.Limits)
	if err != nil {
		return nil, err
	}
	content := stringParam(input.Params, "content", "")

	if mkdir, _ := input.Params["create_dirs"].(bool); mkdir {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fsError(a.Name(), err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode, _ := input.Params["append"].(bool); appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fsError(a.Name(), err)
	}
	n, err := f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fsError(a.Name(), err)
	}
	input.logf("fs.write %s (%d bytes)", path, n)
	return map[string]any{"path": path, "written": n}, nil
}

// --- fs.list ---

type fsListAction struct{ cfg FSConfig }

func (a *fsListAction) Name() string { return "fs.list" }

func (a *fsListAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "List a directory, optionally recursive and filtered by a glob on entry names",
		Params:      []string{"path", "pattern", "recursive"},
	}
}

func (a *fsListAction) Validate(params map[string]any) error {
	if err := requirePath(a.Name(), params); err != nil {
		return err
	}
	if pattern := stringParam(params, "pattern", ""); pattern != "" {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q", pattern)
		}
	}
	return nil
}

func (a *fsListAction) Execute(_ context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	root, err := checkedPath(a.Name(), input.Params, a.cfg.Limits)
	if err != nil {
		return nil, err
	}
	pattern := stringParam(input.Params, "pattern", "")
	recursive, _ := input.Params["recursive"].(bool)

	entries := []any{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return skipUnlessRecursive(d, recursive)
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, fileInfo(p, info))
		return skipUnlessRecursive(d, recursive)
	})
	if err != nil {
		return nil, fsError(a.Name(), err)
	}
	return map[string]any{"path": root, "entries": entries}, nil
}

func skipUnlessRecursive(d fs.DirEntry, recursive bool) error {
	if d.IsDir() && !recursive {
		return filepath.SkipDir
	}
	return nil
}

// --- fs.stat ---

type fsStatAction struct{ cfg FSConfig }

func (a *fsStatAction) Name() string { return "fs.stat" }

func (a *fsStatAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Describe a file or directory; a missing path reports exists=false",
		Params:      []string{"path"},
	}
}

func (a *fsStatAction) Validate(params map[string]any) error {
	return requirePath(a.Name(), params)
}

func (a *fsStatAction) Execute(_ context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	path, err := checkedPath(a.Name(), input.Params, a.cfg.Limits)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{"path": path, "exists": false}, nil
	}
	if err != nil {
		return nil, fsError(a.Name(), err)
	}
	out := fileInfo(path, info)
	out["exists"] = true
	return out, nil
}

// --- fs.delete ---

type fsDeleteAction struct{ cfg FSConfig }

func (a *fsDeleteAction) Name() string { return "fs.delete" }

func (a *fsDeleteAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Delete a file, or a directory tree when recursive is set",
		Params:      []string{"path", "recursive"},
	}
}

func (a *fsDeleteAction) Validate(params map[string]any) error {
	return requirePath(a.Name(), params)
}

func (a *fsDeleteAction) Execute(_ context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	path, err := checkedPath(a.Name(), input.Params, a.cfg.Limits)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(path); err != nil {
		return nil, fsError(a.Name(), err)
	}

	if recursive, _ := input.Params["recursive"].(bool); recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return nil, fsError(a.Name(), err)
	}
	input.logf("fs.delete %s", path)
	return map[string]any{"path": path, "deleted": true}, nil
}
