package pulse

import (
	"context"
	"net/http"
	"sync"
	"time"
)

//
// Mocks
//

// MockCaller returns scripted outcomes per path and records every call it
// receives.
type MockCaller struct {
	mu       sync.Mutex
	calls    []string
	inflight int
	peak     int

	// Outcomes maps a path to its scripted response. Paths without an entry
	// return 200 instantly.
	Outcomes map[string]MockOutcome
}

type MockOutcome struct {
	StatusCode int
	Body       string
	Delay      time.Duration
	Err        error
	// Hang makes the probe block until the context expires.
	Hang bool
}

func NewMockCaller() *MockCaller {
	return &MockCaller{Outcomes: make(map[string]MockOutcome)}
}

func (c *MockCaller) Probe(ctx context.Context, _, path string) (ProbeOutcome, error) {
	c.mu.Lock()
	c.calls = append(c.calls, path)
	c.inflight++
	if c.inflight > c.peak {
		c.peak = c.inflight
	}
	outcome := c.Outcomes[path]
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
	}()

	if outcome.Hang {
		<-ctx.Done()
		return ProbeOutcome{}, ctx.Err()
	}
	if outcome.Delay > 0 {
		select {
		case <-time.After(outcome.Delay):
		case <-ctx.Done():
			return ProbeOutcome{}, ctx.Err()
		}
	}
	if outcome.Err != nil {
		return ProbeOutcome{}, outcome.Err
	}

	status := outcome.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return ProbeOutcome{StatusCode: status, Body: outcome.Body}, nil
}

func (c *MockCaller) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *MockCaller) PeakConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// recordingSink captures everything it observes.
type recordingSink struct {
	mu       sync.Mutex
	requests []Observation
	probes   []ProbeResult
}

func (s *recordingSink) ObserveRequest(obs Observation) {
	s.mu.Lock()
	s.requests = append(s.requests, obs)
	s.mu.Unlock()
}

func (s *recordingSink) ObserveProbe(res ProbeResult) {
	s.mu.Lock()
	s.probes = append(s.probes, res)
	s.mu.Unlock()
}

func (s *recordingSink) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *recordingSink) ProbeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.probes)
}
