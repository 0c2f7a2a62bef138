package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// DefaultMaxBody caps how much of a response body the HTTP tool returns.
const DefaultMaxBody = 64 << 10

var httpSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"method":  map[string]interface{}{"type": "string", "enum": []interface{}{"GET", "POST"}},
		"url":     map[string]interface{}{"type": "string", "description": "absolute http or https URL"},
		"headers": map[string]interface{}{"type": "object"},
		"body":    map[string]interface{}{"type": "string"},
	},
	"required": []interface{}{"url"},
}

type httpRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type httpConfig struct {
	client  *http.Client
	hosts   []string
	maxBody int64
}

// HTTPOption configures the HTTP tool.
type HTTPOption func(*httpConfig)

// WithHTTPClient sends requests through client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *httpConfig) { c.client = client }
}

// WithAllowedHosts restricts requests to the given host names. Without it
// any host may be called.
func WithAllowedHosts(hosts ...string) HTTPOption {
	return func(c *httpConfig) { c.hosts = hosts }
}

// WithMaxBody caps the response body returned to the model; longer bodies
// are cut and reported with "truncated": true.
func WithMaxBody(n int64) HTTPOption {
	return func(c *httpConfig) { c.maxBody = n }
}

// NewHTTPTool returns the "http_request" tool, which lets a model send GET
// and POST requests. The result holds status_code, headers (multiple values
// joined with ", "), body and truncated.
//
// Requests the model gets wrong (bad method, disallowed host, malformed URL)
// fail with an error the model can read and correct; a non-2xx status is a
// normal result.
func NewHTTPTool(opts ...HTTPOption) *Func {
	cfg := httpConfig{client: http.DefaultClient, maxBody: DefaultMaxBody}
	for _, opt := range opts {
		opt(&cfg)
	}
	return Typed("http_request", "Send an HTTP GET or POST request and return the status, headers and body.", httpSchema,
		func(ctx context.Context, in httpRequest) (map[string]interface{}, error) {
			return cfg.do(ctx, in)
		})
}

func (c *httpConfig) do(ctx context.Context, in httpRequest) (map[string]interface{}, error) {
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported HTTP method %s (use GET or POST)", method)
	}
	if in.URL == "" {
		return nil, errors.New("url is required")
	}
	target, err := url.Parse(in.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, fmt.Errorf("invalid url %q", in.URL)
	}
	if len(c.hosts) > 0 && !slices.Contains(c.hosts, target.Hostname()) {
		return nil, fmt.Errorf("host %s is not allowed", target.Hostname())
	}

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	truncated := int64(len(data)) > c.maxBody
	if truncated {
		data = data[:c.maxBody]
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for k, vs := range resp.Header {
		headers[k] = strings.Join(vs, ", ")
	}
	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(data),
		"truncated":   truncated,
	}, nil
}
