package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", BaseURL("0.0.0.0", 8080))
	assert.Equal(t, "http://localhost:8080", BaseURL("", 0))
	assert.Equal(t, "http://10.1.2.3:9000", BaseURL("10.1.2.3", 9000))
}

func TestClient_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(interfaces.SystemStatus{
			Status:  "healthy",
			Version: "1.2.3",
			Watcher: interfaces.WatcherStatus{State: interfaces.WatcherStateRunning},
		})
	}))
	defer srv.Close()

	status, err := New(srv.URL+"/", "").Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, interfaces.WatcherStateRunning, status.Watcher.State)
}

func TestClient_Offline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "").Status(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
}

func TestClient_Breaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/breakers/jupiter-quote":
			_ = json.NewEncoder(w).Encode(interfaces.BreakerSnapshot{Key: "jupiter-quote", State: "open"})
		case "/api/v1/breakers":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"breakers": []interfaces.BreakerSnapshot{{Key: "a"}, {Key: "b"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"breaker missing not found"}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")

	snap, err := c.Breaker(context.Background(), "jupiter-quote")
	require.NoError(t, err)
	assert.Equal(t, "open", snap.State)

	all, err := c.Breakers(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = c.Breaker(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "breaker missing not found", apiErr.Message)
}

func TestClient_RestartWatcher(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "op-1", r.Header.Get("Idempotency-Key"))
		if calls > 1 {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":"watcher restarted","watcher":{"state":"connecting"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")

	first, err := c.RestartWatcher(context.Background(), "op-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, interfaces.WatcherStateConnecting, first.Watcher.State)

	second, err := c.RestartWatcher(context.Background(), "op-1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
}

func TestClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid API key"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "wrong").RestartWatcher(context.Background(), "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
