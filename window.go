package pulse

import (
	"sync"
	"time"
)

// Summary is the aggregated view of one pattern, or of all traffic, over the
// trailing window. Percentile fields are nil until the window holds at least
// one valid latency sample. Rates are percentages, latencies milliseconds.
type Summary struct {
	RequestsPerMinute  float64
	WindowRequestCount uint64
	TotalRequests      uint64
	SuccessCount       uint64
	ErrorCount         uint64
	SuccessRate        float64
	ErrorRate          float64
	AvgResponseTime    float64
	P50ResponseTime    *float64
	P95ResponseTime    *float64
	P99ResponseTime    *float64
	StatusCodes        map[int]uint64
}

// Snapshot is the full read model of the store: the global summary plus the
// per-endpoint breakdown, keyed by "METHOD /pattern".
type Snapshot struct {
	Summary     Summary
	Endpoints   map[string]Summary
	StatusCodes map[string]map[int]uint64
}

// bucket aggregates all observations that fell into one fixed-width slice of
// time. A bucket's digest never evicts individual samples; expiry happens by
// rotating whole buckets out of the live range.
type bucket struct {
	epoch       int64
	count       uint64
	errorCount  uint64
	sum         float64
	statusCodes map[int]uint64
	digest      *Digest
}

// shard holds the bucket ring for a single pattern, guarded by its own lock
// so unrelated patterns never contend with each other.
type shard struct {
	mu      sync.Mutex
	total   uint64
	buckets []bucket
}

// Store aggregates request observations over a bounded trailing window.
//
// Latency percentiles use rotating time-bucketed digests: the window is split
// into bucketCount fixed-width buckets, each with its own digest, and a read
// merges the digests of the buckets still inside the window. An expired
// sample can therefore linger in quantiles for up to one bucket width past
// the window edge, which is the documented approximation error of this
// eviction strategy. Memory per pattern is bounded by bucketCount digests.
type Store struct {
	window      time.Duration
	bucketWidth time.Duration
	bucketCount int
	compression float64
	clock       func() time.Time

	mu       sync.RWMutex
	patterns map[string]*shard
	global   *shard
}

// NewStore creates a store aggregating over the given window, split into
// bucketCount rotating buckets.
func NewStore(window time.Duration, bucketCount int, compression float64) *Store {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if bucketCount < 2 {
		bucketCount = 30
	}
	s := &Store{
		window:      window,
		bucketWidth: window / time.Duration(bucketCount),
		bucketCount: bucketCount,
		compression: compression,
		clock:       time.Now,
		patterns:    make(map[string]*shard),
	}
	s.global = s.newShard()
	return s
}

func (s *Store) newShard() *shard {
	sh := &shard{buckets: make([]bucket, s.bucketCount)}
	for i := range sh.buckets {
		sh.buckets[i].epoch = -1
	}
	return sh
}

// Record folds one observation into the per-pattern and global aggregates.
// Safe for arbitrarily many concurrent writers; writers for different
// patterns only share the global shard lock.
func (s *Store) Record(obs Observation) {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = s.clock()
	}
	key := obs.Method + " " + obs.Pattern

	sh := s.pattern(key)
	s.recordInto(sh, obs)
	s.recordInto(s.global, obs)
}

func (s *Store) pattern(key string) *shard {
	s.mu.RLock()
	sh, ok := s.patterns[key]
	s.mu.RUnlock()
	if ok {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.patterns[key]; ok {
		return sh
	}
	sh = s.newShard()
	s.patterns[key] = sh
	return sh
}

func (s *Store) recordInto(sh *shard, obs Observation) {
	epoch := obs.Timestamp.UnixNano() / int64(s.bucketWidth)
	ms := float64(obs.Duration) / float64(time.Millisecond)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b := &sh.buckets[int(epoch%int64(s.bucketCount))]
	if b.epoch != epoch {
		// The slot belongs to an aged-out time slice; rotate it.
		b.epoch = epoch
		b.count = 0
		b.errorCount = 0
		b.sum = 0
		b.statusCodes = make(map[int]uint64)
		b.digest = NewDigest(s.compression)
	}

	sh.total++
	b.count++
	if !obs.Success() {
		b.errorCount++
	}
	b.statusCodes[obs.StatusCode]++
	// The digest rejects negative samples; the running sum follows the same
	// rule so averages cannot go negative on clock skew.
	if ms >= 0 {
		b.sum += ms
	}
	b.digest.Add(ms)
}

// Summary returns the aggregate over all traffic in the window.
func (s *Store) Summary() Summary {
	return s.summarize(s.global)
}

// PatternSummary returns the windowed aggregate for one "METHOD /pattern"
// key. Unknown keys yield an empty summary rather than an error, so read
// paths degrade instead of propagating failures into the host.
func (s *Store) PatternSummary(key string) Summary {
	s.mu.RLock()
	sh, ok := s.patterns[key]
	s.mu.RUnlock()
	if !ok {
		return Summary{StatusCodes: map[int]uint64{}}
	}
	return s.summarize(sh)
}

// Snapshot returns the global summary plus every per-pattern breakdown. The
// work per pattern is proportional to bucketCount and the digest size, never
// to the number of requests observed.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	keys := make([]string, 0, len(s.patterns))
	shards := make([]*shard, 0, len(s.patterns))
	for k, sh := range s.patterns {
		keys = append(keys, k)
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	snap := Snapshot{
		Summary:     s.Summary(),
		Endpoints:   make(map[string]Summary, len(keys)),
		StatusCodes: make(map[string]map[int]uint64, len(keys)),
	}
	for i, k := range keys {
		sum := s.summarize(shards[i])
		snap.Endpoints[k] = sum
		snap.StatusCodes[k] = sum.StatusCodes
	}
	return snap
}

func (s *Store) summarize(sh *shard) Summary {
	now := s.clock()
	oldest := now.Add(-s.window).UnixNano() / int64(s.bucketWidth)
	newest := now.UnixNano() / int64(s.bucketWidth)

	merged := NewDigest(s.compression)
	sum := Summary{StatusCodes: make(map[int]uint64)}

	sh.mu.Lock()
	sum.TotalRequests = sh.total
	for i := range sh.buckets {
		b := &sh.buckets[i]
		if b.epoch < oldest || b.epoch > newest || b.count == 0 {
			continue
		}
		sum.WindowRequestCount += b.count
		sum.ErrorCount += b.errorCount
		sum.AvgResponseTime += b.sum
		for code, n := range b.statusCodes {
			sum.StatusCodes[code] += n
		}
		merged.Merge(b.digest)
	}
	sh.mu.Unlock()

	if sum.WindowRequestCount == 0 {
		return sum
	}

	sum.SuccessCount = sum.WindowRequestCount - sum.ErrorCount
	sum.ErrorRate = float64(sum.ErrorCount) / float64(sum.WindowRequestCount) * 100
	sum.SuccessRate = 100 - sum.ErrorRate
	sum.AvgResponseTime /= float64(sum.WindowRequestCount)
	sum.RequestsPerMinute = float64(sum.WindowRequestCount) / s.window.Minutes()

	if p50, err := merged.Quantile(0.50); err == nil {
		sum.P50ResponseTime = &p50
	}
	if p95, err := merged.Quantile(0.95); err == nil {
		sum.P95ResponseTime = &p95
	}
	if p99, err := merged.Quantile(0.99); err == nil {
		sum.P99ResponseTime = &p99
	}
	return sum
}
