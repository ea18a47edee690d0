package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"
)

// HTTPClient is an HTTP-only test client that can hit either:
// - An in-process test server (via httptest)
// - An external server (via real HTTP)
//
// This allows the same tests to run against a deployed instance as well.
type HTTPClient struct {
	// For in-process testing
	inProcessHandler http.Handler

	// For external server testing
	baseURL    string
	httpClient *http.Client
}

// HTTPResponse wraps both httptest.ResponseRecorder and http.Response
// to provide a unified interface for tests.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// RequestOption customizes an outgoing test request.
type RequestOption func(*http.Request)

// WithJSONBody sets a JSON request body.
func WithJSONBody(v any) RequestOption {
	return func(req *http.Request) {
		data, _ := json.Marshal(v)
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.ContentLength = int64(len(data))
		req.Header.Set("Content-Type", "application/json")
	}
}

// WithUser sets the acting-user header for attribution.
func WithUser(name string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set("X-Gridplane-User", name)
	}
}

// WithBranch activates a branch for the request via the branch header.
func WithBranch(schemaID string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set("X-Gridplane-Branch", schemaID)
	}
}

// WithHeader sets an arbitrary request header.
func WithHeader(key, value string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

// NewHTTPClient creates a new HTTP client.
// If TEST_SERVER_URL env var is set, it uses that for external server testing.
// Otherwise, it requires an in-process handler.
func NewHTTPClient(handler http.Handler) *HTTPClient {
	baseURL := os.Getenv("TEST_SERVER_URL")

	client := &HTTPClient{
		inProcessHandler: handler,
		baseURL:          baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	return client
}

// NewExternalHTTPClient creates a client for external server testing only.
// baseURL should be like "http://localhost:8400"
func NewExternalHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// IsExternal returns true if this client hits an external server
func (c *HTTPClient) IsExternal() bool {
	return c.baseURL != ""
}

// BaseURL returns the base URL for external servers, or empty for in-process
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Request performs an HTTP request
func (c *HTTPClient) Request(method, path string, opts ...RequestOption) *HTTPResponse {
	if c.IsExternal() {
		return c.externalRequest(method, path, opts...)
	}
	return c.inProcessRequest(method, path, opts...)
}

// inProcessRequest handles requests to in-process test server
func (c *HTTPClient) inProcessRequest(method, path string, opts ...RequestOption) *HTTPResponse {
	req := httptest.NewRequest(method, path, nil)

	// Apply options
	for _, opt := range opts {
		opt(req)
	}

	rec := httptest.NewRecorder()
	c.inProcessHandler.ServeHTTP(rec, req)

	return &HTTPResponse{
		StatusCode: rec.Code,
		Body:       rec.Body.Bytes(),
		Headers:    rec.Header(),
	}
}

// externalRequest handles requests to external server
func (c *HTTPClient) externalRequest(method, path string, opts ...RequestOption) *HTTPResponse {
	// Build full URL
	url := c.baseURL + path

	// Create a temporary request to collect options
	tempReq := httptest.NewRequest(method, path, nil)
	for _, opt := range opts {
		opt(tempReq)
	}

	// Create the real request
	var body io.Reader
	if tempReq.Body != nil {
		bodyBytes, _ := io.ReadAll(tempReq.Body)
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return &HTTPResponse{StatusCode: 0, Body: []byte(err.Error())}
	}

	// Copy headers from temp request
	for k, v := range tempReq.Header {
		req.Header[k] = v
	}

	// Perform request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &HTTPResponse{StatusCode: 0, Body: []byte(err.Error())}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	return &HTTPResponse{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    resp.Header,
	}
}

// GET performs a GET request
func (c *HTTPClient) GET(path string, opts ...RequestOption) *HTTPResponse {
	return c.Request(http.MethodGet, path, opts...)
}

// POST performs a POST request
func (c *HTTPClient) POST(path string, opts ...RequestOption) *HTTPResponse {
	return c.Request(http.MethodPost, path, opts...)
}

// PUT performs a PUT request
func (c *HTTPClient) PUT(path string, opts ...RequestOption) *HTTPResponse {
	return c.Request(http.MethodPut, path, opts...)
}

// DELETE performs a DELETE request
func (c *HTTPClient) DELETE(path string, opts ...RequestOption) *HTTPResponse {
	return c.Request(http.MethodDelete, path, opts...)
}

// PATCH performs a PATCH request
func (c *HTTPClient) PATCH(path string, opts ...RequestOption) *HTTPResponse {
	return c.Request(http.MethodPatch, path, opts...)
}

// JSON unmarshals the response body into v
func (r *HTTPResponse) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns the response body as a string
func (r *HTTPResponse) String() string {
	return string(r.Body)
}

// Cookie returns the named response cookie, or nil if it was not set.
func (r *HTTPResponse) Cookie(name string) *http.Cookie {
	parsed := (&http.Response{Header: r.Headers}).Cookies()
	for _, c := range parsed {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ============================================================================
// API Helper Methods for Creating Test Fixtures via HTTP
// ============================================================================

// CreateBranch creates a branch via API and returns its ID
func (c *HTTPClient) CreateBranch(name, user string) (string, error) {
	resp := c.POST("/api/branches",
		WithUser(user),
		WithJSONBody(map[string]any{"name": name}),
	)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to create branch: status %d, body: %s", resp.StatusCode, resp.String())
	}

	var result map[string]any
	if err := resp.JSON(&result); err != nil {
		return "", fmt.Errorf("failed to parse branch response: %w", err)
	}

	id, ok := result["id"].(string)
	if !ok {
		return "", fmt.Errorf("branch response missing id field")
	}

	return id, nil
}

// DeleteBranch deletes a branch via API
func (c *HTTPClient) DeleteBranch(branchID, user string) error {
	resp := c.DELETE(fmt.Sprintf("/api/branches/%s", branchID),
		WithUser(user),
	)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failed to delete branch: status %d, body: %s", resp.StatusCode, resp.String())
	}

	return nil
}

// ListBranches lists branches, optionally filtered by status
func (c *HTTPClient) ListBranches(status string) ([]map[string]any, error) {
	path := "/api/branches"
	if status != "" {
		path += "?status=" + strings.TrimSpace(status)
	}

	resp := c.GET(path)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list branches: status %d, body: %s", resp.StatusCode, resp.String())
	}

	var result []map[string]any
	if err := resp.JSON(&result); err != nil {
		return nil, fmt.Errorf("failed to parse branches response: %w", err)
	}

	return result, nil
}
