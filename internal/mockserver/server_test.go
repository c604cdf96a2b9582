package mockserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(Config{SlowDelay: 10 * time.Millisecond, LatencyScale: 0.01}).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &body))
	}
	return resp.StatusCode, body
}

func TestServer_Endpoints(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		path   string
		status int
		field  string
		want   any
	}{
		{"/health", 200, "status", "healthy"},
		{"/ready", 200, "status", "ready"},
		{"/", 200, "service", "Sample Application"},
		{"/api/users", 200, "count", float64(3)},
		{"/api/users/42", 200, "name", "User 42"},
		{"/api/users/101", 404, "error", "User not found"},
		{"/api/users/abc", 404, "error", "Resource not found"},
		{"/api/simulate-error?type=500", 500, "error", "Internal server error"},
		{"/api/simulate-error?type=404", 404, "error", "Not found"},
		{"/api/simulate-error?type=slow", 200, "message", "Slow response"},
		{"/api/simulate-error", 500, "error", "Internal server error"},
		{"/nope", 404, "error", "Resource not found"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := get(t, ts.URL+tt.path)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.want, body[tt.field])
		})
	}
}

func TestServer_CreateUser(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/users", "application/json", strings.NewReader(`{"name":"Dana","email":"dana@example.com"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var u User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	assert.Equal(t, "Dana", u.Name)
	assert.True(t, u.ID >= 1 && u.ID <= 1000)

	resp2, err := http.Post(ts.URL+"/api/users", "application/json", strings.NewReader(`{"name":"NoEmail"}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestServer_Static(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/static/css/main.css")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/css; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	get(t, ts.URL+"/api/users")
	get(t, ts.URL+"/api/users/7")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, `http_requests_total{endpoint="/api/users",method="GET",status="200"} 1`)
	assert.Contains(t, text, `business_operations_total{operation="get_user",status="success"} 1`)
	assert.Contains(t, text, `app_info{environment="development",version="1.0.0"} 1`)
}
