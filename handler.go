package pulse

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// liveFeedInterval is how often the websocket feed pushes a fresh summary.
const liveFeedInterval = 2 * time.Second

// Wire types for the read API. Percentiles are nullable: null means the
// window holds no latency samples yet.
type summaryPayload struct {
	RequestsPerMinute  float64  `json:"requests_per_minute"`
	WindowRequestCount uint64   `json:"window_request_count"`
	TotalRequests      uint64   `json:"total_requests"`
	SuccessCount       uint64   `json:"success_count"`
	ErrorCount         uint64   `json:"error_count"`
	SuccessRate        float64  `json:"success_rate"`
	ErrorRate          float64  `json:"error_rate"`
	AvgResponseTime    float64  `json:"avg_response_time"`
	P50ResponseTime    *float64 `json:"p50_response_time"`
	P95ResponseTime    *float64 `json:"p95_response_time"`
	P99ResponseTime    *float64 `json:"p99_response_time"`
}

type metricsPayload struct {
	Summary         summaryPayload            `json:"summary"`
	EndpointMetrics map[string]summaryPayload `json:"endpoint_metrics"`
	StatusCodes     map[string]map[int]uint64 `json:"status_codes"`
	SLACompliance   slaPayload                `json:"sla_compliance"`
}

type slaPayload struct {
	LatencySLAMet   *bool             `json:"latency_sla_met"`
	ErrorRateSLAMet bool              `json:"error_rate_sla_met"`
	OverallSLAMet   *bool             `json:"overall_sla_met"`
	Details         map[string]string `json:"details"`
}

type endpointPayload struct {
	ID            string                 `json:"id"`
	Method        string                 `json:"method"`
	Path          string                 `json:"path"`
	Summary       string                 `json:"summary,omitempty"`
	RequiresInput bool                   `json:"requires_input"`
	LastProbe     *probeResultPayload    `json:"last_probe"`
	Metrics       endpointMetricsPayload `json:"metrics"`
}

type endpointMetricsPayload struct {
	TotalRequests   uint64   `json:"total_requests"`
	SuccessCount    uint64   `json:"success_count"`
	ErrorCount      uint64   `json:"error_count"`
	AvgResponseTime float64  `json:"avg_response_time"`
	P95ResponseTime *float64 `json:"p95_response_time"`
	ErrorRate       float64  `json:"error_rate"`
}

type probeResultPayload struct {
	Status     string              `json:"status"`
	StatusCode int                 `json:"status_code,omitempty"`
	LatencyMS  *float64            `json:"latency_ms"`
	Timing     *probeTimingPayload `json:"timing,omitempty"`
	CheckedAt  *string             `json:"checked_at"`
	Detail     string              `json:"detail,omitempty"`
}

type probeTimingPayload struct {
	DNSLookupMS        *float64 `json:"dns_lookup_ms,omitempty"`
	TCPConnectMS       *float64 `json:"tcp_connect_ms,omitempty"`
	TLSHandshakeMS     *float64 `json:"tls_handshake_ms,omitempty"`
	ServerProcessingMS *float64 `json:"server_processing_ms,omitempty"`
}

type endpointsPayload struct {
	Endpoints []endpointPayload `json:"endpoints"`
	Summary   map[string]any    `json:"summary"`
}

type probeStartRequest struct {
	Endpoints []string `json:"endpoints"`
}

type jobPayload struct {
	JobID          string                        `json:"job_id"`
	Status         string                        `json:"status"`
	CompletedCount int                           `json:"completed_count"`
	TotalCount     int                           `json:"total_count"`
	StartedAt      string                        `json:"started_at,omitempty"`
	CompletedAt    string                        `json:"completed_at,omitempty"`
	Results        map[string]probeResultPayload `json:"results,omitempty"`
}

// Handler returns the read API router: metrics summary, the endpoint
// registry join, probe control, and the websocket live feed. Mounted by
// Pulse.Mount under the configured mount path.
func (p *Pulse) Handler() http.Handler {
	r := chi.NewRouter()
	if p.cfg.PermissiveCORS {
		r.Use(permissiveCORS)
	}

	r.Get("/", p.handleMetrics)
	r.Get("/endpoints", p.handleEndpoints)
	r.Post("/probe", p.handleProbeStart)
	r.Get("/probe/{jobID}", p.handleJobStatus)
	r.Get("/live", p.handleLiveFeed)
	return r
}

func (p *Pulse) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.metricsPayload())
}

func (p *Pulse) metricsPayload() metricsPayload {
	snap := p.store.Snapshot()

	payload := metricsPayload{
		Summary:         toSummaryPayload(snap.Summary),
		EndpointMetrics: make(map[string]summaryPayload, len(snap.Endpoints)),
		StatusCodes:     snap.StatusCodes,
		SLACompliance:   slaCompliance(snap.Summary),
	}
	for key, sum := range snap.Endpoints {
		payload.EndpointMetrics[key] = toSummaryPayload(sum)
	}
	return payload
}

func (p *Pulse) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	reg := p.registry.Load()
	if reg == nil {
		// Not mounted yet; degrade to an empty listing.
		writeJSON(w, http.StatusOK, endpointsPayload{
			Endpoints: []endpointPayload{},
			Summary:   map[string]any{"total": 0, "auto_probed": 0, "requires_input": 0},
		})
		return
	}

	endpoints := reg.Endpoints()
	payload := endpointsPayload{Endpoints: make([]endpointPayload, 0, len(endpoints))}

	autoProbed := 0
	for _, ep := range endpoints {
		if !ep.RequiresInput {
			autoProbed++
		}

		item := endpointPayload{
			ID:            ep.ID,
			Method:        ep.Method,
			Path:          ep.Path,
			Summary:       ep.Summary,
			RequiresInput: ep.RequiresInput,
			LastProbe:     &probeResultPayload{Status: string(ProbeUnknown)},
		}
		if res, ok := reg.LastProbeResult(ep.ID); ok {
			item.LastProbe = toProbePayload(res)
		}

		sum := p.store.PatternSummary(ep.MetricsKey())
		item.Metrics = endpointMetricsPayload{
			TotalRequests:   sum.WindowRequestCount,
			SuccessCount:    sum.SuccessCount,
			ErrorCount:      sum.ErrorCount,
			AvgResponseTime: sum.AvgResponseTime,
			P95ResponseTime: sum.P95ResponseTime,
			ErrorRate:       sum.ErrorRate,
		}
		payload.Endpoints = append(payload.Endpoints, item)
	}

	payload.Summary = map[string]any{
		"total":          len(endpoints),
		"auto_probed":    autoProbed,
		"requires_input": len(endpoints) - autoProbed,
	}
	if job, ok := p.probes.LastJob(); ok {
		payload.Summary["last_job_id"] = job.ID
		payload.Summary["last_job_status"] = string(job.Status)
		payload.Summary["last_job_started_at"] = formatTime(job.StartedAt)
		if !job.CompletedAt.IsZero() {
			payload.Summary["last_job_completed_at"] = formatTime(job.CompletedAt)
		}
	}

	writeJSON(w, http.StatusOK, payload)
}

func (p *Pulse) handleProbeStart(w http.ResponseWriter, r *http.Request) {
	var req probeStartRequest
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err == nil && len(body) > 0 {
			if err := sonic.Unmarshal(body, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
				return
			}
		}
	}

	jobID, err := p.probes.Start(req.Endpoints)
	switch {
	case errors.Is(err, ErrJobConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, ErrUnknownEndpoint):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	job, _ := p.probes.Job(jobID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"total":  job.TotalCount,
	})
}

func (p *Pulse) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := p.probes.Job(jobID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "probe job not found"})
		return
	}
	writeJSON(w, http.StatusOK, toJobPayload(job))
}

// liveUpgrader accepts any origin: the feed carries the same data as the
// public read endpoints, and the dashboard may be served cross-origin.
var liveUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleLiveFeed streams summary snapshots over a websocket until the client
// disconnects, so the dashboard does not have to poll the summary endpoint.
func (p *Pulse) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("live feed upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(liveFeedInterval)
	defer ticker.Stop()

	for {
		data, err := sonic.Marshal(p.metricsPayload())
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

func toSummaryPayload(s Summary) summaryPayload {
	return summaryPayload{
		RequestsPerMinute:  s.RequestsPerMinute,
		WindowRequestCount: s.WindowRequestCount,
		TotalRequests:      s.TotalRequests,
		SuccessCount:       s.SuccessCount,
		ErrorCount:         s.ErrorCount,
		SuccessRate:        s.SuccessRate,
		ErrorRate:          s.ErrorRate,
		AvgResponseTime:    s.AvgResponseTime,
		P50ResponseTime:    s.P50ResponseTime,
		P95ResponseTime:    s.P95ResponseTime,
		P99ResponseTime:    s.P99ResponseTime,
	}
}

func slaCompliance(s Summary) slaPayload {
	errorRateMet := s.ErrorRate < slaErrorRatePercent
	payload := slaPayload{
		ErrorRateSLAMet: errorRateMet,
		Details: map[string]string{
			"p95_response_time_sla": "200ms",
			"error_rate_sla":        "5%",
		},
	}
	if s.P95ResponseTime == nil {
		return payload
	}

	latencyMet := *s.P95ResponseTime < slaP95Millis
	overall := latencyMet && errorRateMet
	payload.LatencySLAMet = &latencyMet
	payload.OverallSLAMet = &overall
	return payload
}

func toProbePayload(res ProbeResult) *probeResultPayload {
	out := &probeResultPayload{
		Status:     string(res.Status),
		StatusCode: res.StatusCode,
		Detail:     res.Detail,
	}
	if res.Latency > 0 {
		ms := float64(res.Latency) / float64(time.Millisecond)
		out.LatencyMS = &ms
	}
	if res.Timing != nil {
		out.Timing = &probeTimingPayload{
			DNSLookupMS:        durationMS(res.Timing.DNSLookup),
			TCPConnectMS:       durationMS(res.Timing.TCPConnect),
			TLSHandshakeMS:     durationMS(res.Timing.TLSHandshake),
			ServerProcessingMS: durationMS(res.Timing.ServerProcessing),
		}
	}
	if !res.CheckedAt.IsZero() {
		at := formatTime(res.CheckedAt)
		out.CheckedAt = &at
	}
	return out
}

func toJobPayload(job JobSnapshot) jobPayload {
	out := jobPayload{
		JobID:          job.ID,
		Status:         string(job.Status),
		CompletedCount: job.CompletedCount,
		TotalCount:     job.TotalCount,
		Results:        make(map[string]probeResultPayload, len(job.Results)),
	}
	if !job.StartedAt.IsZero() {
		out.StartedAt = formatTime(job.StartedAt)
	}
	if !job.CompletedAt.IsZero() {
		out.CompletedAt = formatTime(job.CompletedAt)
	}
	for id, res := range job.Results {
		out.Results[id] = *toProbePayload(res)
	}
	return out
}

func durationMS(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	ms := float64(*d) / float64(time.Millisecond)
	return &ms
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// writeJSON encodes v with sonic. Encoding failures degrade to a bare 500;
// they never panic into the host.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// permissiveCORS allows any origin on the read API, for dashboards served
// from a different host.
func permissiveCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
