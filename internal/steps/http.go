package steps

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cast"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// HTTPConfig configures the http step.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Transport overrides the client transport, mainly for tests.
	Transport http.RoundTripper
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

// httpStep performs one HTTP request and yields the response as a map.
type httpStep struct {
	cfg HTTPConfig
}

func newHTTPStep(cfg HTTPConfig) *httpStep {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &httpStep{cfg: cfg}
}

func (*httpStep) Type() string              { return "http" }
func (*httpStep) ShorthandTemplate() string { return "[${method}] ${url}" }

func (s *httpStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	rawURL := strings.TrimSpace(inv.String("url"))
	if u, err := url.ParseRequestURI(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL).WithStep(inv.StepID)
	}
	method := strings.ToUpper(inv.String("method"))
	if method == "" {
		method = http.MethodGet
	}

	timeout, err := timeoutInput(ctx, inv, s.cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(inv.Input["body"], inv.String("body_encoding"))
	if err != nil {
		return nil, inv.Fail("http: %s", err).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, inv.Fail("http: failed to create request: %s", err).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := inv.Input["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, expressions.Stringify(v))
		}
	}
	applyAuth(req, inv.Input["auth"])

	client := s.client(inv)
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http: %s %s timed out after %s", method, rawURL, timeout).
				WithStep(inv.StepID).WithCause(err)
		}
		return nil, inv.Fail("http: request failed: %s", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxResponseBody))
	if err != nil {
		return nil, inv.Fail("http: failed to read response body: %s", err).WithCause(err)
	}

	respType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(respType, "json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         parsed,
		"content_type": respType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	if truthy(inv.Input["fail_on_error_status"]) && resp.StatusCode >= 400 {
		return nil, inv.Fail("http: server returned %d", resp.StatusCode).WithDetails(out)
	}
	return &Result{Value: out}, nil
}

func (s *httpStep) client(inv *Invocation) *http.Client {
	transport := s.cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if truthy(inv.Input["tls_skip_verify"]) {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		transport = t
	}
	client := &http.Client{Transport: transport}

	follow := true
	if v, ok := inv.Input["follow_redirects"]; ok {
		follow = cast.ToBool(v)
	}
	limit := 10
	if v, ok := inv.Input["max_redirects"]; ok {
		limit = cast.ToInt(v)
	}
	switch {
	case !follow:
		client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	case limit > 0:
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}

func encodeBody(body any, encoding string) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		fields, ok := body.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("form body must be a map, got %T", body)
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, expressions.Stringify(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(expressions.Stringify(body)), "text/plain", nil
	case "raw":
		return strings.NewReader(expressions.Stringify(body)), "", nil
	case "", "json":
		b, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal body as JSON: %w", err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
	return nil, "", fmt.Errorf("unknown body_encoding %q", encoding)
}

func applyAuth(req *http.Request, raw any) {
	auth, ok := raw.(map[string]any)
	if !ok {
		return
	}
	str := func(k string) string { return expressions.Stringify(auth[k]) }
	switch str("type") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+str("token"))
	case "basic":
		req.SetBasicAuth(str("username"), str("password"))
	case "api_key":
		if name := str("header_name"); name != "" {
			req.Header.Set(name, str("header_value"))
		}
	}
}
