package actions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// HTTPConfig configures the http.* actions. Zero fields take defaults.
type HTTPConfig struct {
	MaxResponseBytes int64
	Timeout          time.Duration // per request unless the step sets timeout_ms
	Transport        http.RoundTripper
}

const (
	defaultMaxResponseBytes = 10 << 20
	defaultHTTPTimeout      = 30 * time.Second
)

var httpParams = []string{
	"method", "url", "headers", "query", "body", "body_encoding", "auth",
	"timeout_ms", "follow_redirects", "max_redirects", "tls_skip_verify", "fail_on_error_status",
}

// HTTPActions returns http.request and its GET/POST shorthands.
func HTTPActions(cfg HTTPConfig) []Action {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	req := &httpRequestAction{cfg: cfg}
	return []Action{
		req,
		&httpMethodAction{name: "http.get", method: http.MethodGet, inner: req},
		&httpMethodAction{name: "http.post", method: http.MethodPost, inner: req},
	}
}

type httpRequestAction struct {
	cfg HTTPConfig
}

func (a *httpRequestAction) Name() string { return "http.request" }

func (a *httpRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send an HTTP request and return status, headers and the decoded body",
		Params:      httpParams,
	}
}

func (a *httpRequestAction) Validate(params map[string]any) error {
	return validateHTTPParams(a.Name(), params)
}

func validateHTTPParams(name string, params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a non-empty 'url' string", name)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url %q", name, rawURL)
	}
	switch stringParam(params, "body_encoding", "json") {
	case "json", "form", "text", "raw":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: body_encoding must be one of json, form, text, raw", name)
	}
	if _, ok := params["timeout_ms"]; ok {
		if _, valid := millisParam(params, "timeout_ms"); !valid {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s 'timeout_ms' must be a non-negative integer", name)
		}
	}
	return nil
}

func (a *httpRequestAction) Execute(ctx context.Context, input Input) (any, error) {
	params := input.Params
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	rawURL := stringParam(params, "url", "")

	if query, ok := params["query"].(map[string]any); ok && len(query) > 0 {
		u, _ := url.Parse(rawURL)
		q := u.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	body, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	timeout := a.cfg.Timeout
	if d, ok := millisParam(params, "timeout_ms"); ok && d > 0 {
		timeout = d
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %v", err).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	applyAuth(req, params["auth"])

	start := time.Now()
	resp, err := a.client(params).Do(req)
	duration := time.Since(start)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "http.request: %s %s cancelled", method, rawURL).WithCause(ctx.Err())
		case reqCtx.Err() != nil:
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http.request: %s %s timed out after %s", method, rawURL, timeout)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBytes))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: read body: %v", err).WithCause(err)
	}

	respType := resp.Header.Get("Content-Type")
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         decodeBody(raw, respType),
		"content_type": respType,
		"duration_ms":  duration.Milliseconds(),
	}
	input.logf("%s %s -> %d in %s", method, rawURL, resp.StatusCode, duration.Round(time.Millisecond))

	if fail, _ := params["fail_on_error_status"].(bool); fail && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %s %s returned %d", method, rawURL, resp.StatusCode).
			WithDetails(out)
	}
	return out, nil
}

// client builds a fresh client per call so redirect and TLS options never
// leak between steps.
func (a *httpRequestAction) client(params map[string]any) *http.Client {
	transport := a.cfg.Transport
	if skip, _ := params["tls_skip_verify"].(bool); skip {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per step
		transport = t
	}
	c := &http.Client{Transport: transport}

	follow := true
	if v, ok := params["follow_redirects"].(bool); ok {
		follow = v
	}
	limit := int64(10)
	if n, ok := intParam(params, "max_redirects"); ok && n >= 0 {
		limit = n
	}
	c.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if !follow {
			return http.ErrUseLastResponse
		}
		if int64(len(via)) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	}
	return c
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		form, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: form body must be a map")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(raw)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprint(raw)), "", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeExecution, "http.request: encode body: %v", err).WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, raw any) {
	auth, ok := raw.(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// decodeBody returns JSON bodies as values and everything else as text.
func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// httpMethodAction pins the method of http.request.
type httpMethodAction struct {
	name   string
	method string
	inner  *httpRequestAction
}

func (a *httpMethodAction) Name() string { return a.name }

func (a *httpMethodAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Shorthand for http.request with method " + a.method,
		Params:      httpParams[1:],
	}
}

func (a *httpMethodAction) Validate(params map[string]any) error {
	return validateHTTPParams(a.name, params)
}

func (a *httpMethodAction) Execute(ctx context.Context, input Input) (any, error) {
	params := maps.Clone(input.Params)
	if params == nil {
		params = map[string]any{}
	}
	params["method"] = a.method
	input.Params = params
	return a.inner.Execute(ctx, input)
}
