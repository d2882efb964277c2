package pulse

import (
	"errors"
	"time"
)

// Config carries the engine's tuning knobs. Zero values are filled from
// DefaultConfig by New, so hosts only set what they care about.
type Config struct {
	// Window is the trailing interval metrics aggregate over.
	Window time.Duration

	// BucketCount is how many rotating time buckets the window splits into.
	// Expired latency samples can linger in quantiles for up to one bucket
	// width (Window / BucketCount) past the window edge.
	BucketCount int

	// DigestCompression bounds the latency sketch: more compression means
	// more centroids and tighter quantile estimates.
	DigestCompression float64

	// ProbeConcurrency caps how many probe tasks run at once.
	ProbeConcurrency int

	// ProbeTimeout bounds each individual probe call.
	ProbeTimeout time.Duration

	// JobTimeout is the wall-clock cap on a whole probe sweep. The job
	// reaches a terminal state by this deadline even if probes hang.
	JobTimeout time.Duration

	// HealthyLatency is the threshold separating healthy from warning for
	// successful probes.
	HealthyLatency time.Duration

	// SlowRequest is the latency above which a completed request is logged
	// when detailed logging is on.
	SlowRequest time.Duration

	// MountPath is where the read API (and dashboard) is served.
	MountPath string

	// DetailedLogging enables slow-request and error-response log lines.
	DetailedLogging bool

	// PermissiveCORS adds allow-all CORS headers on the read API, for
	// dashboards served from another origin.
	PermissiveCORS bool

	// AutoProbeInterval, when positive, schedules a recurring probe sweep.
	AutoProbeInterval time.Duration

	// RecentJobs bounds how many finished probe jobs stay queryable.
	RecentJobs int
}

// DefaultConfig returns the engine defaults: a 5 minute window in 10 second
// buckets, 10-way probe fan-out, and the thresholds the dashboard expects.
func DefaultConfig() Config {
	return Config{
		Window:            5 * time.Minute,
		BucketCount:       30,
		DigestCompression: defaultCompression,
		ProbeConcurrency:  10,
		ProbeTimeout:      10 * time.Second,
		JobTimeout:        60 * time.Second,
		HealthyLatency:    time.Second,
		SlowRequest:       time.Second,
		MountPath:         "/health/pulse",
		DetailedLogging:   true,
		RecentJobs:        16,
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.BucketCount == 0 {
		c.BucketCount = def.BucketCount
	}
	if c.DigestCompression == 0 {
		c.DigestCompression = def.DigestCompression
	}
	if c.ProbeConcurrency == 0 {
		c.ProbeConcurrency = def.ProbeConcurrency
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.HealthyLatency == 0 {
		c.HealthyLatency = def.HealthyLatency
	}
	if c.SlowRequest == 0 {
		c.SlowRequest = def.SlowRequest
	}
	if c.MountPath == "" {
		c.MountPath = def.MountPath
	}
	if c.RecentJobs == 0 {
		c.RecentJobs = def.RecentJobs
	}
	return c
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Window < 0 {
		return errors.New("Config.Window cannot be negative")
	}
	if c.BucketCount < 0 {
		return errors.New("Config.BucketCount cannot be negative")
	}
	if c.ProbeConcurrency < 0 {
		return errors.New("Config.ProbeConcurrency cannot be negative")
	}
	if c.ProbeTimeout < 0 || c.JobTimeout < 0 {
		return errors.New("probe timeouts cannot be negative")
	}
	if c.JobTimeout > 0 && c.ProbeTimeout > c.JobTimeout {
		return errors.New("Config.ProbeTimeout must not exceed Config.JobTimeout")
	}
	if c.AutoProbeInterval < 0 {
		return errors.New("Config.AutoProbeInterval cannot be negative")
	}
	return nil
}

// Option is a functional option for the Pulse engine.
type Option func(*Pulse)

// WithSink configures a metrics sink observing requests and probe results.
func WithSink(s Sink) Option {
	return func(p *Pulse) {
		if s != nil {
			p.sink = s
		}
	}
}

// WithCaller overrides the probe transport. The default probes the mounted
// handler in-process.
func WithCaller(c Caller) Option {
	return func(p *Pulse) { p.caller = c }
}

// WithRoutes declares the host's route table explicitly instead of relying
// on chi discovery at mount time.
func WithRoutes(routes []Route) Option {
	return func(p *Pulse) { p.routes = routes }
}

// WithClock overrides the store's time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Pulse) {
		if clock != nil {
			p.store.clock = clock
		}
	}
}
