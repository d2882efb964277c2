package pulse

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEngineEndToEnd drives a small chi service through the full loop:
// middleware-observed traffic, a probe sweep over the discovered routes, and
// the read API reporting both.
func TestEngineEndToEnd(t *testing.T) {
	p := newTestPulse(t, Config{DetailedLogging: false})

	r := chi.NewRouter()
	r.Use(p.Middleware())
	r.Get("/orders", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "orderID") == "404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	p.Mount(r)

	srv := httptest.NewServer(r)
	defer srv.Close()

	for _, path := range []string{"/orders", "/orders/1", "/orders/2", "/orders/404"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}

	t.Run("traffic lands under route templates", func(t *testing.T) {
		byID := p.Store().PatternSummary("GET /orders/{orderID}")
		assert.Equal(t, uint64(3), byID.WindowRequestCount)
		assert.Equal(t, uint64(1), byID.ErrorCount)

		list := p.Store().PatternSummary("GET /orders")
		assert.Equal(t, uint64(1), list.WindowRequestCount)
	})

	t.Run("probe sweep uses the in-process handler", func(t *testing.T) {
		jobID, err := p.Probes().Start([]string{"GET /orders"})
		require.NoError(t, err)
		job, err := p.Probes().Wait(t.Context(), jobID)
		require.NoError(t, err)

		require.Equal(t, JobCompleted, job.Status)
		assert.Equal(t, ProbeHealthy, job.Results["GET /orders"].Status)

		res, ok := p.Registry().LastProbeResult("GET /orders")
		require.True(t, ok)
		assert.Equal(t, ProbeHealthy, res.Status)
	})

	t.Run("probe traffic counted once", func(t *testing.T) {
		// 1 middleware-observed request plus 1 orchestrator-recorded probe.
		list := p.Store().PatternSummary("GET /orders")
		assert.Equal(t, uint64(2), list.WindowRequestCount)
	})
}

func TestEngineDeclaredRoutes(t *testing.T) {
	routes := []Route{
		{Method: "GET", Path: "/v1/users"},
		{Method: "GET", Path: "/v1/users/{userID}"},
	}
	p := newTestPulse(t, Config{DetailedLogging: false}, WithRoutes(routes))

	require.NotNil(t, p.Registry(), "declared routes build the registry before mount")
	assert.Len(t, p.Registry().Endpoints(), 2)

	p.OnRequestComplete("GET", "/v1/users/abc123", http.StatusOK, 10*time.Millisecond)
	sum := p.Store().PatternSummary("GET /v1/users/{userID}")
	assert.Equal(t, uint64(1), sum.WindowRequestCount,
		"non-numeric ids still match the declared template")
}

func TestEngineNormalizeFallback(t *testing.T) {
	p := newTestPulse(t, Config{DetailedLogging: false})

	// Before any registry exists, heuristic normalization applies.
	p.OnRequestComplete("GET", "/things/12345", http.StatusOK, 5*time.Millisecond)
	sum := p.Store().PatternSummary("GET /things/{id}")
	assert.Equal(t, uint64(1), sum.WindowRequestCount)
}

func TestEngineAutoProbe(t *testing.T) {
	caller := NewMockCaller()
	routes := []Route{{Method: "GET", Path: "/ping"}}
	p := newTestPulse(t, Config{
		DetailedLogging:   false,
		AutoProbeInterval: 50 * time.Millisecond,
	}, WithRoutes(routes), WithCaller(caller))

	r := chi.NewRouter()
	r.Use(p.Middleware())
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	p.Mount(r)

	require.Eventually(t, func() bool {
		job, ok := p.Probes().LastJob()
		return ok && job.Status == JobCompleted
	}, 5*time.Second, 20*time.Millisecond, "the scheduled sweep should run without a manual start")

	res, ok := p.Registry().LastProbeResult("GET /ping")
	require.True(t, ok)
	assert.Equal(t, ProbeHealthy, res.Status)
}

func TestEngineCloseStopsAutoProbe(t *testing.T) {
	caller := NewMockCaller()
	p, err := New(Config{
		DetailedLogging:   false,
		AutoProbeInterval: 30 * time.Millisecond,
	}, WithRoutes([]Route{{Method: "GET", Path: "/ping"}}), WithCaller(caller))
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(p.Middleware())
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	p.Mount(r)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "closing twice is safe")
	calls := len(caller.Calls())
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, len(caller.Calls()), calls+1,
		"at most one in-flight sweep may land after close")
}
