package pulse

import (
	"context"
	"crypto/tls"
	"net/http/httptrace"
	"time"
)

// probeTimestamps records the phase boundaries of one network probe.
type probeTimestamps struct {
	start     time.Time
	dnsStart  time.Time
	dnsDone   time.Time
	connStart time.Time
	connDone  time.Time
	tlsStart  time.Time
	tlsDone   time.Time
	wroteDone time.Time
	firstByte time.Time
}

// ProbeTiming breaks a network probe's latency into transport phases. Fields
// are nil when the phase did not occur: reused connections skip DNS and the
// handshake, plain HTTP skips TLS, and in-process probes have no transport at
// all.
type ProbeTiming struct {
	DNSLookup        *time.Duration
	TCPConnect       *time.Duration
	TLSHandshake     *time.Duration
	ServerProcessing *time.Duration
}

func ptr[T any](v T) *T { return &v }

// timing derives the phase durations from the recorded boundaries, or nil
// when no phase was observed.
func (t probeTimestamps) timing() *ProbeTiming {
	out := &ProbeTiming{}
	observed := false

	if !t.dnsStart.IsZero() && !t.dnsDone.IsZero() {
		out.DNSLookup = ptr(t.dnsDone.Sub(t.dnsStart))
		observed = true
	}
	if !t.connStart.IsZero() && !t.connDone.IsZero() {
		out.TCPConnect = ptr(t.connDone.Sub(t.connStart))
		observed = true
	}
	if !t.tlsStart.IsZero() && !t.tlsDone.IsZero() {
		out.TLSHandshake = ptr(t.tlsDone.Sub(t.tlsStart))
		observed = true
	}
	if !t.wroteDone.IsZero() && !t.firstByte.IsZero() {
		out.ServerProcessing = ptr(t.firstByte.Sub(t.wroteDone))
		observed = true
	}

	if !observed {
		return nil
	}
	return out
}

// traceContext installs an httptrace recording phase boundaries into ts. The
// callbacks run on the transport's goroutines, but all fire before the
// request's response is returned, so reading ts afterwards is safe.
func traceContext(ctx context.Context, ts *probeTimestamps) context.Context {
	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { ts.dnsStart = time.Now() },
		DNSDone:  func(httptrace.DNSDoneInfo) { ts.dnsDone = time.Now() },
		ConnectStart: func(string, string) {
			if ts.connStart.IsZero() {
				ts.connStart = time.Now()
			}
		},
		ConnectDone: func(string, string, error) {
			if ts.connDone.IsZero() {
				ts.connDone = time.Now()
			}
		},
		TLSHandshakeStart: func() { ts.tlsStart = time.Now() },
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			ts.tlsDone = time.Now()
		},
		WroteRequest:         func(httptrace.WroteRequestInfo) { ts.wroteDone = time.Now() },
		GotFirstResponseByte: func() { ts.firstByte = time.Now() },
	}
	return httptrace.WithClientTrace(ctx, trace)
}
