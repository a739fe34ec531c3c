package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPError is returned for non-2xx responses. It exposes the status via
// HTTPStatus so the engine's retry classifier can treat 408/429/5xx as
// transient.
type HTTPError struct {
	Status int
	URL    string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http_request %s: status %d", e.URL, e.Status)
}

// HTTPStatus reports the response status code.
func (e *HTTPError) HTTPStatus() int { return e.Status }

// HTTPTool makes HTTP requests on behalf of a workflow.
//
// Input parameters:
//   - url: target URL (required)
//   - method: "GET" or "POST" (defaults to "GET")
//   - headers: optional map of request headers
//   - body: optional request body for POST
//
// Output:
//   - status_code: response status
//   - headers: response headers (first value per key)
//   - body: response body as string
type HTTPTool struct {
	client *http.Client

	// MaxBodyBytes caps how much of a response body is read. Zero means
	// 1 MiB.
	MaxBodyBytes int64
}

// NewHTTPTool creates an HTTP tool backed by the given client; a nil
// client uses http.DefaultClient semantics with context-driven timeouts.
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTool{client: client}
}

// Name implements Tool.
func (h *HTTPTool) Name() string { return "http_request" }

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("http_request: url parameter required")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("http_request: unsupported method %q", method)
	}

	var body io.Reader
	if b, ok := input["body"].(string); ok && b != "" {
		body = bytes.NewBufferString(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("http_request: build request: %w", err)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("http_request: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, URL: urlStr, Body: string(respBody)}
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}
