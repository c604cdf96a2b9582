package metrics

import (
	"context"
	"testing"
	"time"
)

func TestSampler_Emit(t *testing.T) {
	agg := NewAggregator()
	sampler := NewSampler(agg, SamplerConfig{BucketInterval: time.Hour}, func() (int, int) { return 3, 4 })
	sampler.SetPhase(PhaseSteady)

	for i := 1; i <= 10; i++ {
		_ = agg.AddBatch([]Sample{
			{Metric: HTTPReqs, Value: 1},
			{Metric: HTTPReqFailed, Value: Bool(i%5 == 0)},
			{Metric: HTTPReqDuration, Value: float64(i * 10)},
			{Metric: DataReceived, Value: 100},
		})
	}

	b := sampler.Emit()
	if b.IntervalRequests != 10 {
		t.Errorf("IntervalRequests = %d, want 10", b.IntervalRequests)
	}
	if b.IntervalErrorRate != 0.2 {
		t.Errorf("IntervalErrorRate = %v, want 0.2", b.IntervalErrorRate)
	}
	if b.TotalBytes != 1000 {
		t.Errorf("TotalBytes = %d, want 1000", b.TotalBytes)
	}
	if b.ActiveVUs != 3 || b.TargetVUs != 4 {
		t.Errorf("VUs = %d/%d, want 3/4", b.ActiveVUs, b.TargetVUs)
	}
	if b.Phase != PhaseSteady {
		t.Errorf("Phase = %v, want %v", b.Phase, PhaseSteady)
	}
	if b.Latency.P99 < 90*time.Millisecond || b.Latency.P99 > 110*time.Millisecond {
		t.Errorf("P99 = %v, want ~100ms", b.Latency.P99)
	}

	// The next interval starts from zero.
	next := sampler.Emit()
	if next.IntervalRequests != 0 || next.Latency.P50 != 0 {
		t.Errorf("second bucket not reset: %+v", next)
	}
	if next.TotalRequests != 10 {
		t.Errorf("TotalRequests = %d, want 10", next.TotalRequests)
	}
	if sampler.Latest() != next {
		t.Error("Latest() should return the most recent bucket")
	}
}

func TestTimeBucketStore_RingBuffer(t *testing.T) {
	store := NewTimeBucketStore(3)
	for i := 0; i < 5; i++ {
		store.Append(&TimeBucket{IntervalRequests: int64(i)})
	}

	buckets := store.Buckets()
	if len(buckets) != 3 {
		t.Fatalf("len = %d, want 3", len(buckets))
	}
	for i, want := range []int64{2, 3, 4} {
		if buckets[i].IntervalRequests != want {
			t.Errorf("bucket %d = %d, want %d", i, buckets[i].IntervalRequests, want)
		}
	}
}

func TestTimeBucketStore_SteadyStateRPS(t *testing.T) {
	store := NewTimeBucketStore(10)
	store.Append(&TimeBucket{Phase: PhaseRampUp, IntervalRPS: 5})
	store.Append(&TimeBucket{Phase: PhaseSteady, IntervalRPS: 10})
	store.Append(&TimeBucket{Phase: PhaseSteady, IntervalRPS: 20})

	rps, n := store.SteadyStateRPS()
	if n != 2 || rps != 15 {
		t.Errorf("SteadyStateRPS() = %v, %d; want 15, 2", rps, n)
	}
}

func TestSampler_StartStop(t *testing.T) {
	agg := NewAggregator()
	sampler := NewSampler(agg, SamplerConfig{BucketInterval: 10 * time.Millisecond}, nil)
	sampler.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	sampler.Stop()

	if n := len(sampler.Buckets()); n < 2 {
		t.Errorf("expected at least 2 buckets, got %d", n)
	}
}
