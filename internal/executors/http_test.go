package executors

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/cancellation"
	"github.com/rendis/taskflow/pkg/schema"
)

func execHTTP(t *testing.T, ex *HTTPExecutor, params map[string]any) (map[string]any, error) {
	t.Helper()
	res, err := ex.Execute(context.Background(), Request{Parameters: params})
	if err != nil {
		return nil, err
	}
	out, ok := res.Output.(map[string]any)
	require.True(t, ok)
	return out, nil
}

func TestHTTP_GET_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		json.NewEncoder(w).Encode(map[string]any{"greeting": "hello", "count": 42})
	}))
	defer srv.Close()

	out, err := execHTTP(t, NewHTTPExecutor(HTTPConfig{}), map[string]any{"url": srv.URL})
	require.NoError(t, err)

	assert.Equal(t, 200, out["status_code"])
	body, ok := out["body"].(map[string]any)
	require.True(t, ok, "body should be parsed map")
	assert.Equal(t, "hello", body["greeting"])
	assert.Equal(t, "test-value", out["headers"].(map[string]any)["X-Custom"])
}

func TestHTTP_POST_JSONBodyWithAuth(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &received)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	out, err := execHTTP(t, NewHTTPExecutor(HTTPConfig{}), map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"name": "test"},
		"auth":   map[string]any{"type": "bearer", "token": "tok"},
	})
	require.NoError(t, err)
	assert.Equal(t, "test", received["name"])
	assert.Equal(t, "ok", out["body"])
}

func TestHTTP_StatusClassification(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	ex := NewHTTPExecutor(HTTPConfig{})

	_, err := execHTTP(t, ex, map[string]any{"url": srv.URL})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNonRetryable))

	status = http.StatusBadGateway
	_, err = execHTTP(t, ex, map[string]any{"url": srv.URL})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	out, err := execHTTP(t, ex, map[string]any{"url": srv.URL, "fail_on_error_status": false})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, out["status_code"])
}

func TestHTTP_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := execHTTP(t, NewHTTPExecutor(HTTPConfig{}), map[string]any{"url": srv.URL, "timeout": "50ms"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
}

func TestHTTP_Cancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	sig := cancellation.NewSignal()
	time.AfterFunc(30*time.Millisecond, func() { sig.Fire("stop") })
	_, err := NewHTTPExecutor(HTTPConfig{}).Execute(context.Background(), Request{
		Parameters: map[string]any{"url": srv.URL},
		Signal:     sig,
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
}

func TestHTTP_AllowedHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	_, err := execHTTP(t, NewHTTPExecutor(HTTPConfig{AllowedHosts: []string{"example.com"}}), map[string]any{"url": srv.URL})
	assert.True(t, schema.HasCode(err, schema.ErrCodeForbidden))

	_, err = execHTTP(t, NewHTTPExecutor(HTTPConfig{AllowedHosts: []string{u.Hostname()}}), map[string]any{"url": srv.URL})
	assert.NoError(t, err)

	ex := NewHTTPExecutor(HTTPConfig{AllowedHosts: []string{".example.com"}})
	assert.True(t, ex.hostAllowed("api.example.com"))
	assert.False(t, ex.hostAllowed("example.org"))
}

func TestHTTP_InvalidURL(t *testing.T) {
	ex := NewHTTPExecutor(HTTPConfig{})
	for _, raw := range []string{"", "ftp://x", "not a url"} {
		_, err := execHTTP(t, ex, map[string]any{"url": raw})
		assert.True(t, schema.HasCode(err, schema.ErrCodeNonRetryable), raw)
	}
}
