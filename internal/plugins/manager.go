package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// Plugin statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusCrashed   = "crashed"
)

// Config describes a plugin subprocess. Its tools become actions named
// "<name>.<tool>".
type Config struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Options configures a Manager.
type Options struct {
	HealthInterval time.Duration // default 30s
	MaxFailures    int           // consecutive ping failures before reconnect (default 3)
	Breaker        BreakerConfig
	Logger         *slog.Logger
	Version        string           // reported in the MCP handshake
	Clock          func() time.Time // breaker clock (default time.Now)
}

// Manager connects to MCP servers and exposes their tools as actions.
type Manager struct {
	registry *actions.Registry
	opts     Options
	logger   *slog.Logger
	breakers *breakers

	mu      sync.RWMutex
	plugins map[string]*managedPlugin
}

type managedPlugin struct {
	name    string
	connect Connector
	actions []string
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.RWMutex
	client   *client.Client
	status   string
	errCount int
	lastErr  string
}

// NewManager creates a Manager that registers plugin tools into registry.
func NewManager(registry *actions.Registry, opts Options) *Manager {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Manager{
		registry: registry,
		opts:     opts,
		logger:   opts.Logger,
		breakers: newBreakers(opts.Breaker, opts.Clock),
		plugins:  make(map[string]*managedPlugin),
	}
}

// LoadAll starts every configured stdio plugin. A plugin that fails to load
// does not prevent the others; the failures are joined.
func (pm *Manager) LoadAll(ctx context.Context, configs []Config) error {
	var errs []error
	for _, cfg := range configs {
		if cfg.Command == "" {
			errs = append(errs, fmt.Errorf("plugin %q: command is required", cfg.Name))
			continue
		}
		if err := pm.Load(ctx, cfg.Name, StdioConnector(cfg.Command, cfg.Env, cfg.Args...)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load connects to a plugin, performs the MCP handshake, registers its
// tools as actions and starts the health check loop.
func (pm *Manager) Load(ctx context.Context, name string, connect Connector) error {
	if name == "" || strings.Contains(name, ".") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid plugin name %q", name)
	}
	pm.mu.Lock()
	if _, exists := pm.plugins[name]; exists {
		pm.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", name)
	}
	pm.mu.Unlock()

	c, err := pm.dial(ctx, connect)
	if err != nil {
		return fmt.Errorf("plugin %q: %w", name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("plugin %q: list tools: %w", name, err)
	}

	mp := &managedPlugin{name: name, connect: connect, client: c, status: StatusHealthy}
	for _, tool := range listed.Tools {
		act := &toolAction{
			plugin:      mp,
			tool:        tool.Name,
			description: tool.Description,
			params:      paramNames(tool),
			breakers:    pm.breakers,
			logger:      pm.logger,
		}
		if err := pm.registry.Register(act); err != nil {
			pm.unregister(mp)
			_ = c.Close()
			return fmt.Errorf("plugin %q: %w", name, err)
		}
		mp.actions = append(mp.actions, act.Name())
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	mp.cancel = cancel
	mp.done = make(chan struct{})

	pm.mu.Lock()
	pm.plugins[name] = mp
	pm.mu.Unlock()

	go pm.healthCheckLoop(loopCtx, mp)

	pm.logger.Info("plugin loaded", slog.String("plugin", name), slog.Int("actions", len(mp.actions)))
	return nil
}

func (pm *Manager) dial(ctx context.Context, connect Connector) (*client.Client, error) {
	c, err := connect(ctx)
	if err != nil {
		return nil, err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "stepflow", Version: pm.opts.Version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return c, nil
}

// healthCheckLoop pings the plugin and reconnects after MaxFailures
// consecutive failures.
func (pm *Manager) healthCheckLoop(ctx context.Context, mp *managedPlugin) {
	defer close(mp.done)

	ticker := time.NewTicker(pm.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := mp.current().Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		mp.mu.Lock()
		if err == nil {
			mp.errCount, mp.status, mp.lastErr = 0, StatusHealthy, ""
			mp.mu.Unlock()
			continue
		}
		mp.errCount++
		mp.lastErr = err.Error()
		failures := mp.errCount
		if failures < pm.opts.MaxFailures {
			mp.mu.Unlock()
			continue
		}
		mp.status = StatusUnhealthy
		mp.mu.Unlock()

		pm.logger.Warn("plugin unhealthy",
			slog.String("plugin", mp.name),
			slog.Int("consecutive_errors", failures),
			slog.String("error", err.Error()),
		)
		pm.reconnect(ctx, mp, failures)
	}
}

// backoffDelay is min(1s * 2^failures, 60s).
func backoffDelay(failures int) time.Duration {
	return time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(failures)),
		float64(60*time.Second),
	))
}

func (pm *Manager) reconnect(ctx context.Context, mp *managedPlugin, failures int) {
	delay := backoffDelay(failures)
	pm.logger.Info("reconnecting plugin", slog.String("plugin", mp.name), slog.Duration("backoff", delay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	c, err := pm.dial(ctx, mp.connect)
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if err != nil {
		mp.status = StatusCrashed
		mp.lastErr = err.Error()
		pm.logger.Error("plugin reconnect failed", slog.String("plugin", mp.name), slog.String("error", err.Error()))
		return
	}
	old := mp.client
	mp.client, mp.status, mp.errCount, mp.lastErr = c, StatusHealthy, 0, ""
	_ = old.Close()
}

func (mp *managedPlugin) current() *client.Client {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.client
}

// Stop disconnects a plugin and removes its actions.
func (pm *Manager) Stop(name string) error {
	pm.mu.Lock()
	mp, ok := pm.plugins[name]
	if !ok {
		pm.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q not loaded", name)
	}
	delete(pm.plugins, name)
	pm.mu.Unlock()

	mp.cancel()
	<-mp.done
	pm.unregister(mp)

	mp.mu.Lock()
	c := mp.client
	mp.client = nil
	mp.mu.Unlock()

	pm.logger.Info("plugin stopped", slog.String("plugin", name))
	if c == nil {
		return nil
	}
	return c.Close()
}

// StopAll stops every loaded plugin.
func (pm *Manager) StopAll() error {
	pm.mu.RLock()
	names := make([]string, 0, len(pm.plugins))
	for name := range pm.plugins {
		names = append(names, name)
	}
	pm.mu.RUnlock()

	var errs []error
	for _, name := range names {
		if err := pm.Stop(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (pm *Manager) unregister(mp *managedPlugin) {
	for _, name := range mp.actions {
		pm.registry.Unregister(name)
	}
	pm.breakers.forget(mp.actions)
}

// Status returns the status of every loaded plugin.
func (pm *Manager) Status() map[string]string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make(map[string]string, len(pm.plugins))
	for name, mp := range pm.plugins {
		mp.mu.RLock()
		out[name] = mp.status
		mp.mu.RUnlock()
	}
	return out
}

func paramNames(tool mcp.Tool) []string {
	names := make([]string, 0, len(tool.InputSchema.Properties))
	for k := range tool.InputSchema.Properties {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// toolAction runs one plugin tool. Step params become the tool arguments.
// Protocol failures count against the tool's circuit; tool-reported errors
// do not.
type toolAction struct {
	plugin      *managedPlugin
	tool        string
	description string
	params      []string
	breakers    *breakers
	logger      *slog.Logger
}

func (a *toolAction) Name() string { return a.plugin.name + "." + a.tool }

func (a *toolAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{Description: a.description, Params: a.params}
}

func (a *toolAction) Validate(map[string]any) error { return nil }

func (a *toolAction) Execute(ctx context.Context, input actions.Input) (any, error) {
	c := a.plugin.current()
	if c == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "plugin %q is stopped", a.plugin.name)
	}

	if err := a.breakers.allow(a.Name()); err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = a.tool
	req.Params.Arguments = input.Params

	res, err := c.CallTool(ctx, req)
	switch {
	case err == nil:
		a.breakers.record(a.Name(), false)
	case ctx.Err() != nil:
		a.breakers.release(a.Name())
	default:
		if a.breakers.record(a.Name(), true) {
			a.logger.WarnContext(ctx, "plugin circuit opened",
				slog.String("action", a.Name()), slog.String("error", err.Error()))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", a.Name(), err)
	}
	texts := textContent(res)
	if res.IsError {
		return nil, fmt.Errorf("%s: %s", a.Name(), strings.Join(texts, "; "))
	}
	return resultValue(texts), nil
}

func textContent(res *mcp.CallToolResult) []string {
	var out []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			out = append(out, tc.Text)
		case *mcp.TextContent:
			out = append(out, tc.Text)
		}
	}
	return out
}

// resultValue decodes a single JSON text block; anything else is returned
// as text.
func resultValue(texts []string) any {
	switch len(texts) {
	case 0:
		return nil
	case 1:
		var v any
		if err := json.Unmarshal([]byte(texts[0]), &v); err == nil {
			return v
		}
		return texts[0]
	default:
		out := make([]any, len(texts))
		for i, t := range texts {
			out[i] = t
		}
		return out
	}
}
