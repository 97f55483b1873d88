package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/rendis/taskflow/internal/metrics"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestOpsServer(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.TriggerFired("manual")

	e := newOpsServer(fakePinger{}, m.Handler())

	rec := get(t, e, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get(t, e, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, e, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskflow_trigger_fires_total")
}

func TestOpsServer_NotReady(t *testing.T) {
	e := newOpsServer(fakePinger{err: errors.New("database is locked")}, http.NotFoundHandler())

	rec := get(t, e, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}
