package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors for probe control operations.
var (
	// ErrJobConflict rejects a probe start while another job is running. The
	// policy is reject-with-conflict, never queue: the caller retries once
	// the running job reaches a terminal state.
	ErrJobConflict = errors.New("a probe job is already running")
	// ErrJobNotFound is returned for status lookups on unknown job IDs.
	ErrJobNotFound = errors.New("probe job not found")
)

// probeFailureStatusCode is the synthetic status recorded into the store when
// a probe fails below the HTTP layer, so probe infrastructure failures still
// show up in endpoint error rates.
const probeFailureStatusCode = 599

// ProbeStatus classifies the outcome of one endpoint probe.
type ProbeStatus string

const (
	ProbeHealthy  ProbeStatus = "healthy"
	ProbeWarning  ProbeStatus = "warning"
	ProbeCritical ProbeStatus = "critical"
	ProbeSkipped  ProbeStatus = "skipped"
	ProbeUnknown  ProbeStatus = "unknown"
)

// JobStatus is the lifecycle state of a probe job. Jobs move
// pending -> running -> completed or failed, and never leave a terminal
// state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ProbeResult is the latest outcome of probing one endpoint.
type ProbeResult struct {
	EndpointID string
	Method     string
	Path       string
	Status     ProbeStatus
	StatusCode int
	Latency    time.Duration
	Timing     *ProbeTiming
	CheckedAt  time.Time
	Detail     string
}

// JobSnapshot is a point-in-time copy of a job's state, safe to hand to
// concurrent pollers.
type JobSnapshot struct {
	ID             string
	Status         JobStatus
	CompletedCount int
	TotalCount     int
	StartedAt      time.Time
	CompletedAt    time.Time
	Results        map[string]ProbeResult
}

// probeJob tracks one sweep across a set of endpoints. The results map is
// guarded by mu; completed targets transition their entry away from pending
// exactly once, which keeps the completed counter monotone and bounded by
// the total.
type probeJob struct {
	id      string
	targets []Endpoint
	total   int
	reg     *Registry
	caller  Caller

	status    atomic.String
	completed atomic.Int64

	mu        sync.Mutex
	finalized bool
	results   map[string]ProbeResult

	startedAt   time.Time
	completedAt atomic.Time
	done        chan struct{}
}

func (j *probeJob) snapshot() JobSnapshot {
	j.mu.Lock()
	results := make(map[string]ProbeResult, len(j.results))
	for k, v := range j.results {
		results[k] = v
	}
	j.mu.Unlock()

	return JobSnapshot{
		ID:             j.id,
		Status:         JobStatus(j.status.Load()),
		CompletedCount: int(j.completed.Load()),
		TotalCount:     j.total,
		StartedAt:      j.startedAt,
		CompletedAt:    j.completedAt.Load(),
		Results:        results,
	}
}

// record transitions one target's entry from pending to a terminal result.
// Returns false when the entry was already terminal or the job finalized,
// which makes completion exactly-once even when a late probe races the
// job-timeout fill-in.
func (j *probeJob) record(res ProbeResult) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finalized {
		return false
	}
	if existing, ok := j.results[res.EndpointID]; ok && existing.Status != "" {
		return false
	}
	j.results[res.EndpointID] = res
	j.completed.Inc()
	return true
}

// ProbeManager orchestrates concurrent health probes against registered
// endpoints. At most one job runs at a time per process. Registry and caller
// are resolved through providers at job start, so the manager can be built
// before the host finishes mounting.
type ProbeManager struct {
	registryFn func() *Registry
	callerFn   func() Caller
	store      *Store
	sink       Sink

	concurrency    int
	probeTimeout   time.Duration
	jobTimeout     time.Duration
	healthyLatency time.Duration
	retainJobs     int

	mu        sync.Mutex
	jobs      map[string]*probeJob
	order     []string
	lastJobID string
	active    bool
}

// NewProbeManager wires a probe orchestrator. The store is optional; when
// present, probe traffic is recorded as regular observations.
func NewProbeManager(registry func() *Registry, caller func() Caller, store *Store, sink Sink, cfg Config) *ProbeManager {
	if sink == nil {
		sink = NopSink{}
	}
	if registry == nil {
		registry = func() *Registry { return nil }
	}
	if caller == nil {
		caller = func() Caller { return nil }
	}
	return &ProbeManager{
		registryFn:     registry,
		callerFn:       caller,
		store:          store,
		sink:           sink,
		concurrency:    cfg.ProbeConcurrency,
		probeTimeout:   cfg.ProbeTimeout,
		jobTimeout:     cfg.JobTimeout,
		healthyLatency: cfg.HealthyLatency,
		retainJobs:     cfg.RecentJobs,
		jobs:           make(map[string]*probeJob),
	}
}

// Start launches a probe job over the named endpoints, or over every
// registered endpoint when ids is empty. Returns ErrJobConflict while a job
// is running and ErrUnknownEndpoint when any id is unrecognized; neither case
// has side effects.
func (m *ProbeManager) Start(ids []string) (string, error) {
	reg := m.registryFn()
	if reg == nil {
		return "", errors.New("endpoint registry not built, mount the engine first")
	}

	var requested []Endpoint
	if len(ids) == 0 {
		requested = reg.Endpoints()
	} else {
		var missing []string
		for _, id := range ids {
			ep, ok := reg.Endpoint(id)
			if !ok {
				missing = append(missing, id)
				continue
			}
			requested = append(requested, ep)
		}
		if len(missing) > 0 {
			return "", fmt.Errorf("%w: %v", ErrUnknownEndpoint, missing)
		}
	}

	// Endpoints needing input the engine cannot synthesize are not probe
	// tasks: they are marked skipped up front and excluded from the job's
	// accounting, so a sweep over only such endpoints completes with zero
	// targets.
	var targets []Endpoint
	var skipped []Endpoint
	for _, ep := range requested {
		if ep.RequiresInput {
			skipped = append(skipped, ep)
			continue
		}
		targets = append(targets, ep)
	}

	job := &probeJob{
		id:        xid.New().String(),
		targets:   targets,
		total:     len(targets),
		reg:       reg,
		caller:    m.callerFn(),
		results:   make(map[string]ProbeResult, len(targets)),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	job.status.Store(string(JobPending))

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return "", ErrJobConflict
	}
	m.active = true
	m.jobs[job.id] = job
	m.order = append(m.order, job.id)
	m.lastJobID = job.id
	m.evictOldLocked()
	m.mu.Unlock()

	now := time.Now()
	for _, ep := range skipped {
		res := ProbeResult{
			EndpointID: ep.ID,
			Method:     ep.Method,
			Path:       ep.Path,
			Status:     ProbeSkipped,
			CheckedAt:  now,
			Detail:     "requires input, not auto-probed",
		}
		reg.SetProbeResult(res)
		m.sink.ObserveProbe(res)
	}

	if job.caller == nil {
		// Nothing can be dispatched; the job itself fails.
		job.status.Store(string(JobFailed))
		job.completedAt.Store(time.Now())
		close(job.done)
		m.setInactive()
		log.Error().Str("job_id", job.id).Msg("probe job failed: no caller configured")
		return job.id, nil
	}

	go m.runJob(job)
	return job.id, nil
}

// Job returns a snapshot of the identified job. Safe under concurrent
// pollers; unknown IDs yield ErrJobNotFound.
func (m *ProbeManager) Job(id string) (JobSnapshot, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return JobSnapshot{}, ErrJobNotFound
	}
	return job.snapshot(), nil
}

// LastJob returns the most recently started job, if any.
func (m *ProbeManager) LastJob() (JobSnapshot, bool) {
	m.mu.Lock()
	id := m.lastJobID
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return JobSnapshot{}, false
	}
	return job.snapshot(), true
}

// Wait blocks until the identified job reaches a terminal state.
func (m *ProbeManager) Wait(ctx context.Context, id string) (JobSnapshot, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return JobSnapshot{}, ErrJobNotFound
	}
	select {
	case <-job.done:
		return job.snapshot(), nil
	case <-ctx.Done():
		return JobSnapshot{}, ctx.Err()
	}
}

func (m *ProbeManager) setInactive() {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
}

// evictOldLocked enforces the bounded recent-job retention. Caller holds mu.
func (m *ProbeManager) evictOldLocked() {
	for len(m.order) > m.retainJobs && m.retainJobs > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.jobs, oldest)
	}
}

// runJob executes the sweep. One endpoint's failure never fails the job; the
// job-level timeout is the sole guarantee that the sweep terminates even if
// individual probes hang.
func (m *ProbeManager) runJob(job *probeJob) {
	job.status.Store(string(JobRunning))

	ctx, cancel := context.WithTimeout(context.Background(), m.jobTimeout)
	defer cancel()

	// Dispatch runs inside the waiter goroutine: g.Go blocks once the limit
	// is reached, and a transport that ignores its context would otherwise
	// stall the loop before the deadline select is reached.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		var g errgroup.Group
		g.SetLimit(m.concurrency)
		for _, target := range job.targets {
			g.Go(func() error {
				m.probeTarget(ctx, job, target)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		log.Warn().Str("job_id", job.id).Dur("timeout", m.jobTimeout).
			Msg("probe job hit wall-clock cap, terminating")
	}
	m.finalize(job)
}

// finalize moves the job to its terminal state. Targets still pending (hung
// probes at the wall-clock cap) are recorded as unknown so the completed
// count always reaches the total.
func (m *ProbeManager) finalize(job *probeJob) {
	now := time.Now()

	job.mu.Lock()
	for _, target := range job.targets {
		if existing, ok := job.results[target.ID]; ok && existing.Status != "" {
			continue
		}
		job.results[target.ID] = ProbeResult{
			EndpointID: target.ID,
			Method:     target.Method,
			Path:       target.Path,
			Status:     ProbeUnknown,
			CheckedAt:  now,
			Detail:     "probe did not finish before the job timeout",
		}
		job.completed.Inc()
	}
	job.finalized = true
	job.mu.Unlock()

	job.status.Store(string(JobCompleted))
	job.completedAt.Store(now)
	close(job.done)
	m.setInactive()

	log.Info().Str("job_id", job.id).Int("targets", job.total).
		Msg("probe job completed")
}

// probeTarget probes a single endpoint and records the classified result.
func (m *ProbeManager) probeTarget(ctx context.Context, job *probeJob, target Endpoint) {
	tctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := job.caller.Probe(tctx, target.Method, target.Path)
	latency := time.Since(start)

	res := ProbeResult{
		EndpointID: target.ID,
		Method:     target.Method,
		Path:       target.Path,
		Latency:    latency,
		CheckedAt:  time.Now(),
	}

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		res.Status = ProbeCritical
		res.Detail = "probe timed out"
	case err != nil:
		// The probe machinery itself failed; not evidence about the endpoint.
		res.Status = ProbeUnknown
		res.Detail = err.Error()
	default:
		res.StatusCode = outcome.StatusCode
		res.Timing = outcome.Timing
		switch {
		case outcome.StatusCode >= 200 && outcome.StatusCode < 400 && latency <= m.healthyLatency:
			res.Status = ProbeHealthy
		case outcome.StatusCode >= 200 && outcome.StatusCode < 400:
			res.Status = ProbeWarning
		default:
			res.Status = ProbeCritical
			res.Detail = outcome.Body
		}
	}

	if m.store != nil {
		code := res.StatusCode
		if code == 0 {
			code = probeFailureStatusCode
		}
		m.store.Record(Observation{
			Timestamp:  res.CheckedAt,
			Pattern:    target.Path,
			Method:     target.Method,
			StatusCode: code,
			Duration:   latency,
		})
	}

	m.commit(job, res)
}

// commit records the result on the job and, when accepted, publishes it as
// the endpoint's latest probe outcome.
func (m *ProbeManager) commit(job *probeJob, res ProbeResult) {
	if !job.record(res) {
		return
	}
	job.reg.SetProbeResult(res)
	m.sink.ObserveProbe(res)
}
