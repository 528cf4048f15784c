package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gammadia/accelpool/session"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, Options{})
}

func TestConfigureSendsFullPayload(t *testing.T) {
	var got configurationRequest
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, configurationRoute, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(response{Diagnostics: session.Diagnostics{Message: "configured"}})
	})

	diag, err := client.Configure(context.Background(), session.Parameters{"reload": true})
	require.NoError(t, err)
	assert.Equal(t, "configured", diag.Message)
	assert.Equal(t, true, got.Parameters["reload"])
}

func TestConfigureRemoteError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(response{InError: true, Diagnostics: session.Diagnostics{Message: "bad bitstream"}})
	})

	_, err := client.Configure(context.Background(), nil)
	var remoteErr *session.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "configuration", remoteErr.Op)
	assert.Equal(t, "bad bitstream", remoteErr.Message)
}

func TestExecuteReturnsResult(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, processRoute, r.URL.Path)
		var req processRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "file:///tmp/in", req.FileIn)
		_ = json.NewEncoder(w).Encode(response{
			Specific:    map[string]any{"matches": float64(3)},
			Diagnostics: session.Diagnostics{Profiling: map[string]any{"wall-clock-time": 0.25}},
		})
	})

	result, err := client.Execute(context.Background(), session.Job{Input: "file:///tmp/in"})
	require.NoError(t, err)
	assert.Equal(t, float64(3), result.Specific["matches"])
	assert.Equal(t, 0.25, result.Diagnostics.Profiling["wall-clock-time"])
}

func TestExecuteRemoteErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(response{InError: true, Diagnostics: session.Diagnostics{Message: "boom"}})
	})

	_, err := client.Execute(context.Background(), session.Job{})
	var remoteErr *session.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, int32(1), calls.Load(), "remote application errors must not be retried")
}

func TestTransportErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(response{})
	})

	err := client.Teardown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCancelledContextAbortsRequest(t *testing.T) {
	client := New("127.0.0.1:1", Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Execute(ctx, session.Job{})
	require.Error(t, err)
}
