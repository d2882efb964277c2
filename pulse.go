package pulse

import (
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jkbrsn/taskman"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// Pulse is the observability engine: one long-lived instance per process,
// created at mount time and torn down at shutdown. It owns the rolling
// window store, the endpoint registry, and the probe orchestrator; the host
// only sees the middleware, the read API handler, and OnRequestComplete.
type Pulse struct {
	cfg   Config
	store *Store
	sink  Sink

	registry atomic.Pointer[Registry]
	probes   *ProbeManager
	caller   Caller
	routes   []Route

	taskManager *taskman.TaskManager
	closed      atomic.Bool
}

// New creates a Pulse engine. The registry and probe orchestrator finish
// wiring at Mount, when the host's routes and handler are known.
func New(cfg Config, opts ...Option) (*Pulse, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.MountPath = cleanPath(cfg.MountPath)

	p := &Pulse{
		cfg:   cfg,
		store: NewStore(cfg.Window, cfg.BucketCount, cfg.DigestCompression),
		sink:  NopSink{},
	}
	for _, opt := range opts {
		opt(p)
	}

	p.probes = NewProbeManager(
		p.registry.Load,
		func() Caller { return p.caller },
		p.store, p.sink, cfg,
	)

	if len(p.routes) > 0 {
		p.registry.Store(NewRegistry(p.routes, cfg.MountPath))
	}
	return p, nil
}

// Mount attaches the engine to a chi router: discovers the route table and
// serves the read API under the configured mount path. Must be called after
// the host's routes are registered, so discovery sees them. The interceptor
// is installed separately, with r.Use(p.Middleware()) before the first
// route; chi requires middleware ahead of routes, so Mount cannot add it.
func (p *Pulse) Mount(r chi.Router) {
	r.Mount(p.cfg.MountPath, p.Handler())

	if p.registry.Load() == nil {
		p.registry.Store(RegistryFromChi(r, p.cfg.MountPath))
	}
	if p.caller == nil {
		p.caller = NewHandlerCaller(r)
	}
	p.scheduleAutoProbe()

	log.Info().Str("mount_path", p.cfg.MountPath).
		Int("endpoints", len(p.registry.Load().Endpoints())).
		Msg("pulse mounted")
}

func (p *Pulse) scheduleAutoProbe() {
	if p.cfg.AutoProbeInterval > 0 && p.taskManager == nil {
		p.taskManager = taskman.New()
		job := taskman.Job{
			ID:       "pulse-auto-probe",
			Cadence:  p.cfg.AutoProbeInterval,
			NextExec: time.Now().Add(p.cfg.AutoProbeInterval),
			Tasks:    []taskman.Task{autoProbeTask{pulse: p}},
		}
		if err := p.taskManager.ScheduleJob(job); err != nil {
			log.Error().Err(err).Msg("failed to schedule auto-probe job")
		}
	}
}

// normalize resolves a concrete path to its pattern, preferring registered
// route templates once the registry exists.
func (p *Pulse) normalize(path string) string {
	if reg := p.registry.Load(); reg != nil {
		return reg.Normalize(path)
	}
	return NormalizePath(path)
}

// Store exposes the rolling window store, for hosts recording observations
// from outside the middleware path.
func (p *Pulse) Store() *Store {
	return p.store
}

// Registry returns the endpoint registry, nil before Mount (unless routes
// were declared up front).
func (p *Pulse) Registry() *Registry {
	return p.registry.Load()
}

// Probes returns the probe orchestrator, nil before the registry exists.
func (p *Pulse) Probes() *ProbeManager {
	return p.probes
}

// Close stops background activity, including the auto-probe scheduler.
// Metrics and job state stay readable; nothing is persisted, so a restart
// resets all state.
func (p *Pulse) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.taskManager != nil {
		p.taskManager.Stop()
	}
	return nil
}

// autoProbeTask runs one scheduled probe sweep. A sweep that collides with a
// running job is skipped; the next cadence tick retries.
type autoProbeTask struct {
	pulse *Pulse
}

func (t autoProbeTask) Execute() error {
	if t.pulse.closed.Load() {
		return nil
	}
	jobID, err := t.pulse.probes.Start(nil)
	if err != nil {
		log.Debug().Err(err).Msg("scheduled probe sweep skipped")
		return nil
	}
	log.Debug().Str("job_id", jobID).Msg("scheduled probe sweep started")
	return nil
}
