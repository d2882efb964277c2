package pulse

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// latencyHeader carries the measured handling time back to the client.
const latencyHeader = "X-Response-Time-Ms"

// slaP95Millis and slaErrorRatePercent are the service level targets the
// summary endpoint reports compliance against.
const (
	slaP95Millis        = 200.0
	slaErrorRatePercent = 5.0
)

// OnRequestComplete is the mount contract: adapters invoke it once per
// completed request. The path is normalized here, preferring registered
// route templates, so callers pass the concrete request path.
func (p *Pulse) OnRequestComplete(method, path string, statusCode int, duration time.Duration) {
	pattern := p.normalize(path)
	obs := Observation{
		Timestamp:  time.Now(),
		Pattern:    pattern,
		Method:     strings.ToUpper(method),
		StatusCode: statusCode,
		Duration:   duration,
	}

	p.store.Record(obs)
	p.sink.ObserveRequest(obs)

	if p.cfg.DetailedLogging {
		p.logRequest(obs)
	}
}

// logRequest emits the slow-request / error-response alerts and the SLA
// violation warning, mirroring what the dashboard highlights.
func (p *Pulse) logRequest(obs Observation) {
	ms := float64(obs.Duration) / float64(time.Millisecond)

	switch {
	case obs.Duration > p.cfg.SlowRequest:
		log.Warn().Str("method", obs.Method).Str("path", obs.Pattern).
			Int("status", obs.StatusCode).Float64("duration_ms", ms).
			Msg("slow request")
	case obs.StatusCode >= 400:
		log.Error().Str("method", obs.Method).Str("path", obs.Pattern).
			Int("status", obs.StatusCode).Float64("duration_ms", ms).
			Msg("error response")
	}

	summary := p.store.PatternSummary(obs.Method + " " + obs.Pattern)
	if summary.P95ResponseTime != nil && *summary.P95ResponseTime > slaP95Millis {
		log.Warn().Str("endpoint", obs.Method+" "+obs.Pattern).
			Float64("p95_response_time", *summary.P95ResponseTime).
			Float64("sla_limit", slaP95Millis).
			Msg("latency SLA violation")
	}
}

// Middleware returns the request interceptor: a standard net/http middleware
// that measures each request, attaches the latency header, and feeds the
// store. Requests under the mount path are not tracked, so the engine never
// observes its own surface.
func (p *Pulse) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Probe traffic is recorded by the orchestrator itself, so it is
			// not intercepted here a second time.
			if underPath(r.URL.Path, p.cfg.MountPath) || r.Header.Get(ProbeHeader) != "" {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, started: time.Now()}
			next.ServeHTTP(rec, r)

			// A hijacked connection (websocket upgrade) is not a request
			// observation; its handler runs for the connection lifetime.
			if rec.hijacked {
				return
			}

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			p.OnRequestComplete(r.Method, r.URL.Path, status, time.Since(rec.started))
		})
	}
}

// underPath reports whether path is base itself or below it. The segment
// boundary matters: "/health/pulsey" is not under "/health/pulse".
func underPath(path, base string) bool {
	if !strings.HasPrefix(path, base) {
		return false
	}
	return len(path) == len(base) || path[len(base)] == '/'
}

// statusRecorder captures the response status and stamps the latency header
// just before headers flush, when the handling time is known.
type statusRecorder struct {
	http.ResponseWriter
	started     time.Time
	status      int
	wroteHeader bool
	hijacked    bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	elapsed := float64(time.Since(r.started)) / float64(time.Millisecond)
	r.Header().Set(latencyHeader, fmt.Sprintf("%.2f", elapsed))
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

// Flush forwards to the underlying writer when it supports streaming.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards to the underlying writer so upgrade handlers (websockets)
// keep working behind the interceptor.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.hijacked = true
	}
	return conn, rw, err
}
