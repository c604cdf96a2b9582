// Package ratelimit caps the global request rate shared by all virtual users.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter paces callers to a target rate.
type Limiter interface {
	Wait(ctx context.Context) error
}

// LeakyBucket schedules permits at a fixed rate.
//
// Each call to Next reserves the next slot and returns when it opens. Slots
// never pile up beyond maxBurst, so an idle period does not turn into a
// burst once load resumes.
//
// LeakyBucket is safe for concurrent use.
type LeakyBucket struct {
	mu          sync.Mutex
	rate        float64
	lastDrip    time.Time
	accumulated float64
	maxBurst    float64

	granted atomic.Int64
	waited  atomic.Int64
}

// NewLeakyBucket creates a bucket permitting rate requests per second.
// The first permit is granted immediately.
func NewLeakyBucket(rate float64) *LeakyBucket {
	return NewLeakyBucketWithBurst(rate, 1)
}

// NewLeakyBucketWithBurst creates a bucket that may bank up to maxBurst
// permits while callers are slow.
func NewLeakyBucketWithBurst(rate, maxBurst float64) *LeakyBucket {
	if rate <= 0 {
		rate = 1
	}
	if maxBurst < 1 {
		maxBurst = 1
	}
	return &LeakyBucket{
		rate:        rate,
		lastDrip:    time.Now(),
		accumulated: 1,
		maxBurst:    maxBurst,
	}
}

// Next reserves a permit and returns when it may be used. The returned time
// is now when a banked permit was available.
func (lb *LeakyBucket) Next() time.Time {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(lb.lastDrip).Seconds(); elapsed > 0 {
		lb.accumulated += elapsed * lb.rate
	}
	if lb.accumulated > lb.maxBurst {
		lb.accumulated = lb.maxBurst
	}

	lb.granted.Add(1)

	if lb.accumulated >= 1 {
		lb.accumulated--
		if now.After(lb.lastDrip) {
			lb.lastDrip = now
		}
		return now
	}

	// lastDrip moves to the reserved slot so the wait is not counted twice.
	wait := time.Duration((1 - lb.accumulated) / lb.rate * float64(time.Second))
	lb.accumulated = 0
	base := now
	if lb.lastDrip.After(now) {
		base = lb.lastDrip
	}
	next := base.Add(wait)
	lb.lastDrip = next
	lb.waited.Add(int64(next.Sub(now)))
	return next
}

// Wait blocks until the next permit or ctx is done.
func (lb *LeakyBucket) Wait(ctx context.Context) error {
	d := time.Until(lb.Next())
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetRate changes the rate without carrying banked permits over.
func (lb *LeakyBucket) SetRate(rate float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if rate <= 0 {
		rate = 1
	}
	lb.rate = rate
	lb.accumulated = 0
	lb.lastDrip = time.Now()
}

// Rate returns the permits per second.
func (lb *LeakyBucket) Rate() float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.rate
}

// Stats reports how many permits were granted and how long callers waited.
func (lb *LeakyBucket) Stats() Stats {
	return Stats{
		Granted:   lb.granted.Load(),
		TotalWait: time.Duration(lb.waited.Load()),
	}
}

// Stats summarizes limiter activity.
type Stats struct {
	Granted   int64         `json:"granted"`
	TotalWait time.Duration `json:"totalWait"`
}
