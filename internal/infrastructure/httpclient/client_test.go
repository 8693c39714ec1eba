package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/resilience"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(path string) func(*resty.Request) (*resty.Response, error) {
	return func(r *resty.Request) (*resty.Response, error) {
		return r.Get(path)
	}
}

func TestClientDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.Equal(t, "SimLab-HTTP/1.0", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL})
	client.SetHeader("X-Test", "yes")

	resp, err := client.Do(context.Background(), get("/"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "ok", resp.String())
	assert.Equal(t, uint32(1), client.BreakerCounts().Successes)
}

func TestClientServerErrorsTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := New(Options{
		BaseURL: srv.URL,
		Breaker: resilience.Settings{
			Cooldown: time.Minute,
			Trip:     func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 2 },
		},
	})

	for i := 0; i < 2; i++ {
		resp, err := client.Do(context.Background(), get("/"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode())
	}
	assert.Equal(t, resilience.StateOpen, client.BreakerState())

	_, err := client.Do(context.Background(), get("/"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := New(Options{
		BaseURL: srv.URL,
		Breaker: resilience.Settings{
			Trip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 1 },
		},
	})

	resp, err := client.Do(context.Background(), get("/"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())
	assert.Equal(t, resilience.StateClosed, client.BreakerState())
}

func TestClientCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(Options{
		BaseURL: srv.URL,
		Breaker: resilience.Settings{
			Trip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 1 },
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Do(ctx, get("/"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, resilience.StateClosed, client.BreakerState())
}

func TestClientTransportRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL, Retries: 1})

	resp, err := client.Do(context.Background(), get("/"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientRateLimit(t *testing.T) {
	client := New(Options{RequestsPerSecond: 1})

	_, err := client.Request(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = client.Request(ctx)
	assert.Error(t, err)
}
