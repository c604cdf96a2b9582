package loadtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampede-load/stampede/internal/loadtest/config"
)

func TestHTTPExecutor_Execute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "short and stout")
	}))
	defer server.Close()

	exec := NewHTTPExecutor(DefaultHTTPClientConfig())
	defer exec.Close()

	resp := exec.Execute(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    server.URL + "/pot",
		Header: http.Header{"X-Test": []string{"abc"}},
	})
	require.NoError(t, resp.Err)
	assert.Equal(t, http.StatusTeapot, resp.Status)
	assert.Equal(t, "abc", resp.Header.Get("X-Echo"))
	assert.Equal(t, "short and stout", string(resp.Body))
	assert.Greater(t, resp.Duration, time.Duration(0))
	assert.GreaterOrEqual(t, resp.Duration, resp.Waiting)
	assert.Greater(t, resp.BytesReceived, int64(len("short and stout")))
	assert.Greater(t, resp.BytesSent, int64(0))
}

func TestHTTPExecutor_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	exec := NewHTTPExecutor(DefaultHTTPClientConfig())
	defer exec.Close()

	resp := exec.Execute(context.Background(), &Request{Method: http.MethodGet, URL: server.URL, Timeout: 20 * time.Millisecond})
	require.Error(t, resp.Err)
	assert.Equal(t, "timeout", errorClass(resp.Err))
	assert.Equal(t, 0, resp.Status)
}

func TestHTTPExecutor_InsecureSkipVerify(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	strict := NewHTTPExecutor(DefaultHTTPClientConfig())
	defer strict.Close()
	assert.Error(t, strict.Execute(context.Background(), &Request{Method: "GET", URL: server.URL}).Err)

	cfg := HTTPClientConfigFromSettings(config.GlobalSettings{InsecureSkipVerify: true})
	lenient := NewHTTPExecutor(cfg)
	defer lenient.Close()
	resp := lenient.Execute(context.Background(), &Request{Method: "GET", URL: server.URL})
	require.NoError(t, resp.Err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestHTTPExecutor_MaxRPS(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	cfg := DefaultHTTPClientConfig()
	cfg.MaxRPS = 50
	exec := NewHTTPExecutor(cfg)
	defer exec.Close()

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, exec.Execute(context.Background(), &Request{Method: "GET", URL: server.URL}).Err)
	}
	// first permit is immediate, the next five are 20ms apart
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("get: %w", context.Canceled), "canceled"},
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, "connection"},
		{&net.DNSError{Err: "no such host", Name: "nope.invalid"}, "dns"},
		{errors.New("boom"), "request"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorClass(tt.err), "%v", tt.err)
	}
}
