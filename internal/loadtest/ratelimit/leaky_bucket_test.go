package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewLeakyBucket(t *testing.T) {
	tests := []struct {
		name     string
		rate     float64
		expected float64
	}{
		{"positive rate", 100, 100},
		{"zero rate defaults to 1", 0, 1},
		{"negative rate defaults to 1", -10, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewLeakyBucket(tt.rate).Rate(); got != tt.expected {
				t.Errorf("Rate() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLeakyBucket_FirstPermitImmediate(t *testing.T) {
	lb := NewLeakyBucket(10)
	if d := time.Until(lb.Next()); d > time.Millisecond {
		t.Errorf("first Next() should be immediate, got delay %v", d)
	}
}

func TestLeakyBucket_Spacing(t *testing.T) {
	lb := NewLeakyBucket(100)
	_ = lb.Next()

	var last time.Time
	for i := 0; i < 5; i++ {
		next := lb.Next()
		if !last.IsZero() {
			gap := next.Sub(last)
			if gap < 9*time.Millisecond || gap > 11*time.Millisecond {
				t.Errorf("gap %d = %v, want ~10ms", i, gap)
			}
		}
		last = next
	}
}

func TestLeakyBucket_ConcurrentRate(t *testing.T) {
	lb := NewLeakyBucket(200)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := lb.Wait(ctx); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// 100 permits at 200/s, the first one free: ~495ms.
	elapsed := time.Since(start)
	if elapsed < 400*time.Millisecond || elapsed > 800*time.Millisecond {
		t.Errorf("100 permits took %v, want ~500ms", elapsed)
	}
	if got := lb.Stats().Granted; got != 100 {
		t.Errorf("Granted = %d, want 100", got)
	}
}

func TestLeakyBucket_WaitCancelled(t *testing.T) {
	lb := NewLeakyBucket(1)
	_ = lb.Next()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := lb.Wait(ctx); err == nil {
		t.Error("Wait() on cancelled context should fail")
	}
}

func TestLeakyBucket_SetRate(t *testing.T) {
	lb := NewLeakyBucket(1)
	lb.SetRate(50)
	if lb.Rate() != 50 {
		t.Errorf("Rate() = %v, want 50", lb.Rate())
	}
	lb.SetRate(0)
	if lb.Rate() != 1 {
		t.Errorf("Rate() = %v, want 1", lb.Rate())
	}
}
