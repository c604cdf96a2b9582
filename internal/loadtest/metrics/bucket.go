package metrics

import (
	"sync"
	"time"
)

// Phase represents a phase of the load profile.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
	PhaseDone     Phase = "done"
)

// LatencyPercentiles holds latency percentile values of one interval.
type LatencyPercentiles struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// TimeBucket summarizes one sampling interval.
//
// Totals are cumulative since the run started; everything prefixed with
// Interval covers this bucket only.
type TimeBucket struct {
	Timestamp time.Time     `json:"timestamp"`
	Elapsed   time.Duration `json:"elapsed"`

	TotalRequests int64 `json:"totalRequests"`
	TotalFailures int64 `json:"totalFailures"`
	TotalBytes    int64 `json:"totalBytes"`

	IntervalRequests  int64              `json:"intervalRequests"`
	IntervalRPS       float64            `json:"intervalRPS"`
	IntervalErrorRate float64            `json:"intervalErrorRate"`
	Latency           LatencyPercentiles `json:"latency"`

	ActiveVUs int   `json:"activeVUs"`
	TargetVUs int   `json:"targetVUs"`
	Phase     Phase `json:"phase"`
}

// TimeBucketStore keeps the most recent buckets in a ring buffer.
type TimeBucketStore struct {
	mu         sync.RWMutex
	buckets    []*TimeBucket
	head       int
	count      int
	maxBuckets int
}

// NewTimeBucketStore creates a store holding at most maxBuckets buckets.
func NewTimeBucketStore(maxBuckets int) *TimeBucketStore {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}
	return &TimeBucketStore{
		buckets:    make([]*TimeBucket, maxBuckets),
		maxBuckets: maxBuckets,
	}
}

// Append stores a bucket, evicting the oldest one when full.
func (s *TimeBucketStore) Append(b *TimeBucket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buckets[s.head] = b
	s.head = (s.head + 1) % s.maxBuckets
	if s.count < s.maxBuckets {
		s.count++
	}
}

// Buckets returns all buckets in chronological order.
func (s *TimeBucketStore) Buckets() []*TimeBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}
	out := make([]*TimeBucket, s.count)
	start := 0
	if s.count == s.maxBuckets {
		start = s.head
	}
	for i := 0; i < s.count; i++ {
		out[i] = s.buckets[(start+i)%s.maxBuckets]
	}
	return out
}

// Latest returns the most recent bucket, or nil.
func (s *TimeBucketStore) Latest() *TimeBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}
	return s.buckets[(s.head-1+s.maxBuckets)%s.maxBuckets]
}

// Count returns the number of stored buckets.
func (s *TimeBucketStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// SteadyStateRPS averages interval RPS over buckets in the steady phase.
func (s *TimeBucketStore) SteadyStateRPS() (float64, int) {
	var sum float64
	n := 0
	for _, b := range s.Buckets() {
		if b.Phase == PhaseSteady {
			sum += b.IntervalRPS
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}
