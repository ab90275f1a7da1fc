package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	ok bool
}

func (s stubProvider) HealthCheck(ctx context.Context) (bool, map[string]string) {
	state := "ok"
	if !s.ok {
		state = "unavailable"
	}
	return s.ok, map[string]string{"state_store": state}
}

func (s stubProvider) StatusSnapshot(ctx context.Context) interface{} {
	return map[string]interface{}{"emergency_stop": false, "protected_slots": 1}
}

func serve(t *testing.T, ws *WebServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := serve(t, NewWebServer("127.0.0.1", 0, false, stubProvider{ok: true}), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])

	rec = serve(t, NewWebServer("127.0.0.1", 0, false, stubProvider{ok: false}), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusAndMetrics(t *testing.T) {
	ws := NewWebServer("127.0.0.1", 0, false, stubProvider{ok: true})

	rec := serve(t, ws, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "protected_slots")

	rec = serve(t, ws, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = serve(t, ws, "/debug/pprof/")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartStop(t *testing.T) {
	ws := NewWebServer("127.0.0.1", 0, false, stubProvider{ok: true})
	require.NoError(t, ws.Start())
	ws.Stop(time.Second)
}
