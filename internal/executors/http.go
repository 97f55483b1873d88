package executors

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// HTTPConfig configures the http executor.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// AllowedHosts restricts request targets when non-empty. Entries match
	// the URL host exactly, or any subdomain when prefixed with ".".
	AllowedHosts []string
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPExecutor implements the "http" task type.
type HTTPExecutor struct {
	config HTTPConfig
}

// NewHTTPExecutor creates a new http executor.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPExecutor{config: cfg}
}

func (e *HTTPExecutor) Type() string { return "http" }

func (e *HTTPExecutor) Description() string {
	return "Execute an HTTP request with control over method, headers, body, auth and redirects."
}

func (e *HTTPExecutor) validate(params map[string]any) (*url.URL, error) {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "http: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "http: invalid url %q", rawURL)
	}
	if !e.hostAllowed(u.Hostname()) {
		return nil, schema.NewErrorf(schema.ErrCodeForbidden, "http: host %q is not allowed", u.Hostname())
	}
	return u, nil
}

func (e *HTTPExecutor) hostAllowed(host string) bool {
	if len(e.config.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range e.config.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || (strings.HasPrefix(allowed, ".") && strings.HasSuffix(host, allowed)) {
			return true
		}
	}
	return false
}

func (e *HTTPExecutor) Execute(ctx context.Context, r Request) (*Result, error) {
	params := r.Parameters
	if params == nil {
		params = map[string]any{}
	}

	u, err := e.validate(params)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	bodyEncoding := stringParam(params, "body_encoding", "json")
	followRedirects := boolParam(params, "follow_redirects", true)
	maxRedirects := intParam(params, "max_redirects", 10)
	tlsSkipVerify := boolParam(params, "tls_skip_verify", false)
	failOnErrorStatus := boolParam(params, "fail_on_error_status", true)
	timeout := durationParam(params, "timeout", e.config.DefaultTimeout)

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		switch bodyEncoding {
		case "form":
			if formData, ok := rawBody.(map[string]any); ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		case "raw":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
		default: // json
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeNonRetryable, "http: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reqCtx, stop := r.Signal.Context(reqCtx)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "http: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if auth, ok := params["auth"].(map[string]any); ok {
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

	// A fresh client per request keeps per-task TLS and redirect settings apart.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}
	if !followRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := int(maxRedirects)
		client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			if !e.hostAllowed(next.URL.Hostname()) {
				return fmt.Errorf("redirect to disallowed host %q", next.URL.Hostname())
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if r.Signal.Cancelled() {
			return nil, r.Signal.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http: request timed out after %s", timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) > 0 {
		parsedBody = string(bodyBytes)
		if strings.Contains(respContentType, "application/json") {
			var jsonBody any
			if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
				parsedBody = jsonBody
			}
		}
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	output := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		// 5xx and 429 are worth another attempt, other 4xx are not.
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "http: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	return &Result{
		Output: output,
		Logs:   []string{fmt.Sprintf("%s %s -> %d in %dms", method, u.Redacted(), resp.StatusCode, durationMs)},
	}, nil
}
