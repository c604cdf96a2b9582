package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// SamplerConfig configures interval sampling.
type SamplerConfig struct {
	// BucketInterval is the length of each time bucket (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets bounds the ring buffer (default: 3600)
	MaxBuckets int

	// HistogramMax is the largest recordable latency in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the HDR histogram precision (default: 3)
	HistogramSigFigs int
}

// DefaultSamplerConfig returns the default configuration.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

// VUSource reports the current active and target VU counts.
type VUSource func() (active, target int)

// Sampler turns the aggregator's sample stream into per-interval time
// buckets. Interval latencies come from an HDR histogram that is reset at
// every bucket, so they describe the interval and not the whole run.
type Sampler struct {
	config SamplerConfig
	store  *TimeBucketStore
	vus    VUSource

	mu            sync.Mutex
	hist          *hdrhistogram.Histogram
	intervalReqs  int64
	intervalFails int64
	totalReqs     int64
	totalFails    int64
	totalBytes    int64
	lastEmit      time.Time
	start         time.Time
	phase         Phase

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSampler creates a sampler fed by agg.
func NewSampler(agg *Aggregator, config SamplerConfig, vus VUSource) *Sampler {
	def := DefaultSamplerConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = def.BucketInterval
	}
	if config.MaxBuckets <= 0 {
		config.MaxBuckets = def.MaxBuckets
	}
	if config.HistogramMax <= 0 {
		config.HistogramMax = def.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = def.HistogramSigFigs
	}
	if vus == nil {
		vus = func() (int, int) { return 0, 0 }
	}

	now := time.Now()
	s := &Sampler{
		config:   config,
		store:    NewTimeBucketStore(config.MaxBuckets),
		vus:      vus,
		hist:     hdrhistogram.New(1, config.HistogramMax, config.HistogramSigFigs),
		lastEmit: now,
		start:    now,
		phase:    PhaseInit,
	}
	agg.Subscribe(s.observe)
	return s
}

func (s *Sampler) observe(samples []Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, smp := range samples {
		switch smp.Metric {
		case HTTPReqs:
			s.intervalReqs++
			s.totalReqs++
		case HTTPReqFailed:
			if smp.Value != 0 {
				s.intervalFails++
				s.totalFails++
			}
		case DataReceived:
			s.totalBytes += int64(smp.Value)
		case HTTPReqDuration:
			micros := int64(smp.Value * 1000)
			if micros < 1 {
				micros = 1
			}
			if micros > s.config.HistogramMax {
				micros = s.config.HistogramMax
			}
			_ = s.hist.RecordValue(micros)
		}
	}
}

// SetPhase marks the phase reported in subsequent buckets.
func (s *Sampler) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Phase returns the current phase.
func (s *Sampler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start launches the background emitter.
func (s *Sampler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	s.start = time.Now()
	s.lastEmit = s.start
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.BucketInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Emit()
			}
		}
	}()
}

// Stop halts the emitter and flushes a final bucket.
func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.Emit()
}

// Emit closes the current interval and appends its bucket.
func (s *Sampler) Emit() *TimeBucket {
	active, target := s.vus()

	s.mu.Lock()
	now := time.Now()
	interval := now.Sub(s.lastEmit).Seconds()
	if interval <= 0 {
		interval = s.config.BucketInterval.Seconds()
	}

	b := &TimeBucket{
		Timestamp:        now,
		Elapsed:          now.Sub(s.start),
		TotalRequests:    s.totalReqs,
		TotalFailures:    s.totalFails,
		TotalBytes:       s.totalBytes,
		IntervalRequests: s.intervalReqs,
		IntervalRPS:      float64(s.intervalReqs) / interval,
		ActiveVUs:        active,
		TargetVUs:        target,
		Phase:            s.phase,
	}
	if s.intervalReqs > 0 {
		b.IntervalErrorRate = float64(s.intervalFails) / float64(s.intervalReqs)
	}
	if s.hist.TotalCount() > 0 {
		b.Latency = LatencyPercentiles{
			Min: time.Duration(s.hist.Min()) * time.Microsecond,
			Max: time.Duration(s.hist.Max()) * time.Microsecond,
			P50: time.Duration(s.hist.ValueAtQuantile(50)) * time.Microsecond,
			P90: time.Duration(s.hist.ValueAtQuantile(90)) * time.Microsecond,
			P95: time.Duration(s.hist.ValueAtQuantile(95)) * time.Microsecond,
			P99: time.Duration(s.hist.ValueAtQuantile(99)) * time.Microsecond,
		}
	}

	s.hist.Reset()
	s.intervalReqs = 0
	s.intervalFails = 0
	s.lastEmit = now
	s.mu.Unlock()

	s.store.Append(b)
	return b
}

// Buckets returns every stored bucket in chronological order.
func (s *Sampler) Buckets() []*TimeBucket {
	return s.store.Buckets()
}

// Latest returns the most recent bucket, or nil.
func (s *Sampler) Latest() *TimeBucket {
	return s.store.Latest()
}

// SteadyStateRPS returns the mean RPS of steady-phase buckets.
func (s *Sampler) SteadyStateRPS() (float64, int) {
	return s.store.SteadyStateRPS()
}
