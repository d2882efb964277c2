package pulse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ProbeHeader marks requests issued by the probe orchestrator, so hosts can
// distinguish synthetic traffic from real clients.
const ProbeHeader = "X-Pulse-Probe"

// maxProbeBodyBytes caps how much response body a probe captures for the
// failure detail string.
const maxProbeBodyBytes = 512

// Caller issues a single probe request against one endpoint path. The engine
// depends on this interface only; the concrete transport is wiring.
type Caller interface {
	Probe(ctx context.Context, method, path string) (ProbeOutcome, error)
}

// ProbeOutcome is the raw result of one probe call, before the orchestrator
// classifies it. Timing is only populated by network transports.
type ProbeOutcome struct {
	StatusCode int
	Body       string
	Timing     *ProbeTiming
}

// HandlerCaller probes the host application by invoking its http.Handler
// directly, in-process, without touching the network. This keeps probes free
// of connection setup noise and works before the host starts listening.
type HandlerCaller struct {
	handler http.Handler
}

// NewHandlerCaller wraps a host handler as a probe transport.
func NewHandlerCaller(h http.Handler) *HandlerCaller {
	return &HandlerCaller{handler: h}
}

// Probe invokes the handler with a synthetic request. The handler runs in its
// own goroutine so a handler that ignores its context cannot stall the probe
// beyond the context deadline.
func (c *HandlerCaller) Probe(ctx context.Context, method, path string) (ProbeOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, method, path, nil)
	if err != nil {
		return ProbeOutcome{}, err
	}
	req.Header.Set(ProbeHeader, "true")
	req.RemoteAddr = "pulse-probe"

	rec := &probeRecorder{header: make(http.Header), status: http.StatusOK}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.handler.ServeHTTP(rec, req)
	}()

	select {
	case <-done:
		return ProbeOutcome{StatusCode: rec.status, Body: rec.body.String()}, nil
	case <-ctx.Done():
		return ProbeOutcome{}, ctx.Err()
	}
}

// probeRecorder is a minimal ResponseWriter capturing the status code and a
// bounded body prefix. Writes after the cap are counted but discarded.
type probeRecorder struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *probeRecorder) Header() http.Header {
	return r.header
}

func (r *probeRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
}

func (r *probeRecorder) Write(p []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	if remaining := maxProbeBodyBytes - r.body.Len(); remaining > 0 {
		if len(p) > remaining {
			r.body.Write(p[:remaining])
		} else {
			r.body.Write(p)
		}
	}
	return len(p), nil
}

// HTTPCaller probes the host over the network, for deployments where the
// engine runs beside rather than inside the service.
type HTTPCaller struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCaller creates a network probe transport targeting baseURL. A nil
// client gets a dedicated one with a bounded dial timeout, so probe dials
// never inherit the unbounded defaults.
func NewHTTPCaller(baseURL string, client *http.Client) (*HTTPCaller, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base URL is empty")
	}
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.DialContext = (&net.Dialer{Timeout: 5 * time.Second}).DialContext
		client = &http.Client{Transport: tr}
	}
	return &HTTPCaller{baseURL: baseURL, client: client}, nil
}

// Probe issues the request and reads a bounded prefix of the response body.
// The transport phases are traced, so network probes report where their
// latency went.
func (c *HTTPCaller) Probe(ctx context.Context, method, path string) (ProbeOutcome, error) {
	var ts probeTimestamps
	req, err := http.NewRequestWithContext(traceContext(ctx, &ts), method, c.baseURL+path, nil)
	if err != nil {
		return ProbeOutcome{}, err
	}
	req.Header.Set(ProbeHeader, "true")

	resp, err := c.client.Do(req)
	if err != nil {
		return ProbeOutcome{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodyBytes))
	return ProbeOutcome{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Timing:     ts.timing(),
	}, nil
}
