package pulse

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestApp mounts the engine on a small chi service and returns the engine
// plus a running test server.
func newTestApp(t *testing.T, cfg Config, opts ...Option) (*Pulse, *httptest.Server) {
	t.Helper()
	p := newTestPulse(t, cfg, opts...)

	r := chi.NewRouter()
	r.Use(p.Middleware())
	r.Get("/items", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/items/{itemID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/items", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	r.Get("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	p.Mount(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return p, srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHandlerMetrics(t *testing.T) {
	p, srv := newTestApp(t, Config{DetailedLogging: false})

	for i := 0; i < 10; i++ {
		p.OnRequestComplete("GET", "/items", http.StatusOK, 20*time.Millisecond)
	}
	p.OnRequestComplete("GET", "/broken", http.StatusInternalServerError, 5*time.Millisecond)

	var payload metricsPayload
	resp := getJSON(t, srv.URL+"/health/pulse/", &payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	assert.Equal(t, uint64(11), payload.Summary.WindowRequestCount)
	assert.Equal(t, uint64(1), payload.Summary.ErrorCount)
	require.NotNil(t, payload.Summary.P95ResponseTime)

	t.Run("per endpoint breakdown", func(t *testing.T) {
		items, ok := payload.EndpointMetrics["GET /items"]
		require.True(t, ok)
		assert.Equal(t, uint64(10), items.WindowRequestCount)
		assert.Equal(t, uint64(1), payload.StatusCodes["GET /broken"][http.StatusInternalServerError])
	})

	t.Run("sla compliance", func(t *testing.T) {
		require.NotNil(t, payload.SLACompliance.LatencySLAMet)
		assert.True(t, *payload.SLACompliance.LatencySLAMet)
		assert.False(t, payload.SLACompliance.ErrorRateSLAMet, "1 of 11 requests failed, above the 5% target")
		require.NotNil(t, payload.SLACompliance.OverallSLAMet)
		assert.False(t, *payload.SLACompliance.OverallSLAMet)
	})
}

func TestHandlerMetricsEmpty(t *testing.T) {
	_, srv := newTestApp(t, Config{DetailedLogging: false})

	var payload metricsPayload
	getJSON(t, srv.URL+"/health/pulse/", &payload)

	assert.Zero(t, payload.Summary.WindowRequestCount)
	assert.Nil(t, payload.Summary.P50ResponseTime, "percentiles are null without samples")
	assert.Nil(t, payload.SLACompliance.LatencySLAMet)
}

func TestHandlerEndpoints(t *testing.T) {
	p, srv := newTestApp(t, Config{DetailedLogging: false})
	p.OnRequestComplete("GET", "/items", http.StatusOK, 10*time.Millisecond)

	var payload endpointsPayload
	getJSON(t, srv.URL+"/health/pulse/endpoints", &payload)

	require.NotEmpty(t, payload.Endpoints)
	byID := make(map[string]endpointPayload, len(payload.Endpoints))
	for _, ep := range payload.Endpoints {
		byID[ep.ID] = ep
	}

	t.Run("registry join", func(t *testing.T) {
		items, ok := byID["GET /items"]
		require.True(t, ok)
		assert.False(t, items.RequiresInput)
		assert.Equal(t, uint64(1), items.Metrics.TotalRequests)

		create, ok := byID["POST /items"]
		require.True(t, ok)
		assert.True(t, create.RequiresInput)
	})

	t.Run("own surface excluded", func(t *testing.T) {
		for id := range byID {
			assert.NotContains(t, id, "/health/pulse")
		}
	})

	t.Run("unprobed endpoints report unknown", func(t *testing.T) {
		items := byID["GET /items"]
		require.NotNil(t, items.LastProbe)
		assert.Equal(t, string(ProbeUnknown), items.LastProbe.Status)
	})

	t.Run("counts", func(t *testing.T) {
		total := int(payload.Summary["total"].(float64))
		auto := int(payload.Summary["auto_probed"].(float64))
		requiresInput := int(payload.Summary["requires_input"].(float64))
		assert.Equal(t, len(payload.Endpoints), total)
		assert.Equal(t, total, auto+requiresInput)
	})
}

func TestHandlerProbeLifecycle(t *testing.T) {
	caller := NewMockCaller()
	p, srv := newTestApp(t, Config{DetailedLogging: false}, WithCaller(caller))

	resp, err := http.Post(srv.URL+"/health/pulse/probe", "application/json", nil)
	require.NoError(t, err)
	var started struct {
		JobID string `json:"job_id"`
		Total int    `json:"total"`
	}
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, started.JobID)

	ctx := t.Context()
	_, err = p.Probes().Wait(ctx, started.JobID)
	require.NoError(t, err)

	var job jobPayload
	jobResp := getJSON(t, srv.URL+"/health/pulse/probe/"+started.JobID, &job)
	assert.Equal(t, http.StatusOK, jobResp.StatusCode)
	assert.Equal(t, string(JobCompleted), job.Status)
	assert.Equal(t, job.TotalCount, job.CompletedCount)
	assert.NotEmpty(t, job.CompletedAt)

	t.Run("results keyed by endpoint id", func(t *testing.T) {
		res, ok := job.Results["GET /items"]
		require.True(t, ok)
		assert.Equal(t, string(ProbeHealthy), res.Status)
	})

	t.Run("endpoint listing reflects last sweep", func(t *testing.T) {
		var payload endpointsPayload
		getJSON(t, srv.URL+"/health/pulse/endpoints", &payload)
		assert.Equal(t, started.JobID, payload.Summary["last_job_id"])
		assert.Equal(t, string(JobCompleted), payload.Summary["last_job_status"])
	})
}

func TestHandlerProbeSelection(t *testing.T) {
	caller := NewMockCaller()
	p, srv := newTestApp(t, Config{DetailedLogging: false}, WithCaller(caller))

	body := bytes.NewBufferString(`{"endpoints": ["GET /items"]}`)
	resp, err := http.Post(srv.URL+"/health/pulse/probe", "application/json", body)
	require.NoError(t, err)
	var started struct {
		JobID string `json:"job_id"`
		Total int    `json:"total"`
	}
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()

	assert.Equal(t, 1, started.Total)
	_, err = p.Probes().Wait(t.Context(), started.JobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/items"}, caller.Calls())
}

func TestHandlerProbeErrors(t *testing.T) {
	caller := NewMockCaller()
	caller.Outcomes["/items"] = MockOutcome{Delay: 200 * time.Millisecond}
	p, srv := newTestApp(t, Config{DetailedLogging: false}, WithCaller(caller))

	t.Run("unknown endpoint ids", func(t *testing.T) {
		body := bytes.NewBufferString(`{"endpoints": ["GET /nope"]}`)
		resp, err := http.Post(srv.URL+"/health/pulse/probe", "application/json", body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		body := bytes.NewBufferString(`{"endpoints": `)
		resp, err := http.Post(srv.URL+"/health/pulse/probe", "application/json", body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("conflicting start", func(t *testing.T) {
		jobID, err := p.Probes().Start([]string{"GET /items"})
		require.NoError(t, err)

		resp, err := http.Post(srv.URL+"/health/pulse/probe", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		_, err = p.Probes().Wait(t.Context(), jobID)
		require.NoError(t, err)
	})

	t.Run("unknown job id", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health/pulse/probe/does-not-exist")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHandlerLiveFeed(t *testing.T) {
	p, srv := newTestApp(t, Config{DetailedLogging: false})
	p.OnRequestComplete("GET", "/items", http.StatusOK, 15*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/health/pulse/live"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload metricsPayload
	require.NoError(t, sonic.Unmarshal(data, &payload))
	assert.Equal(t, uint64(1), payload.Summary.WindowRequestCount)
}

func TestHandlerCORS(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		_, srv := newTestApp(t, Config{DetailedLogging: false, PermissiveCORS: true})

		req, err := http.NewRequest(http.MethodOptions, srv.URL+"/health/pulse/", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("disabled by default", func(t *testing.T) {
		_, srv := newTestApp(t, Config{DetailedLogging: false})

		resp, err := http.Get(srv.URL + "/health/pulse/")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})
}
