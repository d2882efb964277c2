package pulse

import (
	"errors"
	"math"
	"sort"
)

// ErrNoSamples is returned by quantile queries before any valid sample has
// been inserted. Callers surface it as "no data" rather than fabricating a
// value.
var ErrNoSamples = errors.New("digest holds no samples")

const (
	defaultCompression = 100.0
	minCompression     = 20.0
)

// centroid is a cluster of nearby samples, represented by its mean and the
// number of samples it absorbed.
type centroid struct {
	mean   float64
	weight float64
}

// Digest is a bounded-memory sketch of a latency distribution, in the style
// of a merging t-digest: incoming values accumulate in a small buffer and are
// periodically merged into a sorted centroid list whose size is capped by the
// compression parameter. Memory is therefore independent of how many values
// the stream carries, at the price of a bounded quantile approximation error.
//
// Digest is not safe for concurrent use; the window store guards it.
type Digest struct {
	compression float64
	centroids   []centroid
	buffer      []float64

	count    uint64
	sum      float64
	min, max float64
	rejected uint64
}

// NewDigest creates a digest with the given compression. Larger compression
// means more centroids, more memory, and tighter quantile estimates. Values
// below the minimum are clamped.
func NewDigest(compression float64) *Digest {
	if compression < minCompression {
		compression = defaultCompression
	}
	return &Digest{
		compression: compression,
		buffer:      make([]float64, 0, int(4*compression)),
		min:         math.Inf(1),
		max:         math.Inf(-1),
	}
}

// Add inserts a value into the digest. Non-finite and negative values are
// rejected and counted separately; they never surface as errors because the
// insert path runs inline with monitored requests.
func (d *Digest) Add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		d.rejected++
		return
	}

	d.buffer = append(d.buffer, v)
	d.count++
	d.sum += v
	if v < d.min {
		d.min = v
	}
	if v > d.max {
		d.max = v
	}

	if len(d.buffer) == cap(d.buffer) {
		d.flush()
	}
}

// Count returns the number of accepted samples.
func (d *Digest) Count() uint64 {
	return d.count
}

// Sum returns the sum of all accepted samples.
func (d *Digest) Sum() float64 {
	return d.sum
}

// Rejected returns the number of values refused at insert time.
func (d *Digest) Rejected() uint64 {
	return d.rejected
}

// Quantile estimates the q-th quantile of the inserted values, clamping q to
// [0, 1]. Returns ErrNoSamples until at least one valid sample exists. For a
// fixed digest state the result is monotonically non-decreasing in q.
func (d *Digest) Quantile(q float64) (float64, error) {
	if d.count == 0 {
		return 0, ErrNoSamples
	}
	d.flush()

	if q < 0 {
		q = 0
	} else if q > 1 {
		q = 1
	}

	total := float64(d.count)
	target := q * total

	// Centroid i is centered at its cumulative-weight midpoint; interpolate
	// linearly between adjacent midpoints and clamp to the observed extremes.
	var cum float64
	prevMean := d.min
	prevPos := 0.0
	for _, c := range d.centroids {
		pos := cum + c.weight/2
		if target <= pos {
			if pos == prevPos {
				return c.mean, nil
			}
			frac := (target - prevPos) / (pos - prevPos)
			return clamp(prevMean+frac*(c.mean-prevMean), d.min, d.max), nil
		}
		cum += c.weight
		prevMean = c.mean
		prevPos = pos
	}
	return d.max, nil
}

// Merge folds the other digest into this one. Both digests are flushed first;
// the combined centroid list is re-compressed so the centroid bound holds for
// the merged result as well.
func (d *Digest) Merge(other *Digest) {
	if other == nil || (other.count == 0 && other.rejected == 0) {
		return
	}
	d.flush()
	other.flush()

	d.centroids = append(d.centroids, other.centroids...)
	sort.Slice(d.centroids, func(i, j int) bool {
		return d.centroids[i].mean < d.centroids[j].mean
	})

	d.count += other.count
	d.sum += other.sum
	d.rejected += other.rejected
	if other.min < d.min {
		d.min = other.min
	}
	if other.max > d.max {
		d.max = other.max
	}

	d.centroids = compressCentroids(d.centroids, float64(d.count), d.compression)
}

// flush merges buffered values into the centroid list.
func (d *Digest) flush() {
	if len(d.buffer) == 0 {
		return
	}
	sort.Float64s(d.buffer)

	merged := make([]centroid, 0, len(d.centroids)+len(d.buffer))
	i, j := 0, 0
	for i < len(d.centroids) && j < len(d.buffer) {
		if d.centroids[i].mean <= d.buffer[j] {
			merged = append(merged, d.centroids[i])
			i++
		} else {
			merged = append(merged, centroid{mean: d.buffer[j], weight: 1})
			j++
		}
	}
	merged = append(merged, d.centroids[i:]...)
	for ; j < len(d.buffer); j++ {
		merged = append(merged, centroid{mean: d.buffer[j], weight: 1})
	}

	d.centroids = compressCentroids(merged, float64(d.count), d.compression)
	d.buffer = d.buffer[:0]
}

// compressCentroids collapses a sorted centroid list so that each centroid
// stays within the t-digest size bound 4*n*q*(1-q)/compression, which keeps
// the list length proportional to the compression parameter while preserving
// tighter resolution near the tails.
func compressCentroids(cs []centroid, total, compression float64) []centroid {
	if len(cs) <= 1 {
		return cs
	}

	out := cs[:1]
	var cum float64
	for _, c := range cs[1:] {
		cur := &out[len(out)-1]
		proposed := cur.weight + c.weight
		q := (cum + proposed/2) / total
		limit := 4 * total * q * (1 - q) / compression
		if limit < 1 {
			limit = 1
		}
		if proposed <= limit {
			cur.mean = (cur.mean*cur.weight + c.mean*c.weight) / proposed
			cur.weight = proposed
		} else {
			cum += cur.weight
			out = append(out, c)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
