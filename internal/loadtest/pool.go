package loadtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PoolConfig configures a VUPool.
type PoolConfig struct {
	Scenario *Scenario
	Executor RequestExecutor
	Metrics  SampleSink
	Logger   logrus.FieldLogger

	// GracefulRampDown bounds how long a retired VU may keep an in-flight
	// request before it is cancelled.
	GracefulRampDown time.Duration

	// IDs hands out VU IDs; pools of one run share it so IDs are unique
	// across scenarios. Nil gives the pool its own counter.
	IDs *atomic.Int64
}

// VUPool owns the VUs of one scenario. Each VU loops over the scenario on
// its own goroutine until retired or the run context ends.
type VUPool struct {
	config PoolConfig
	logger logrus.FieldLogger

	mu  sync.Mutex
	vus []*VirtualUser // spawn order; stopped VUs are pruned on ScaleTo

	running atomic.Int64
	peak    atomic.Int64
	wg      sync.WaitGroup
}

// NewVUPool creates an empty pool.
func NewVUPool(cfg PoolConfig) *VUPool {
	if cfg.IDs == nil {
		cfg.IDs = new(atomic.Int64)
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	if cfg.Scenario != nil {
		logger = logger.WithField("scenario", cfg.Scenario.Name)
	}
	cfg.Logger = logger
	return &VUPool{config: cfg, logger: logger}
}

// ScaleTo spawns or retires VUs until exactly target are active and returns
// the active count. Retirement takes the newest VUs first.
func (p *VUPool) ScaleTo(ctx context.Context, target int) int {
	if target < 0 {
		target = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()

	var active []*VirtualUser
	for _, vu := range p.vus {
		if vu.IsActive() {
			active = append(active, vu)
		}
	}

	switch n := len(active); {
	case n < target:
		if ctx.Err() != nil {
			return n
		}
		for i := n; i < target; i++ {
			p.spawnLocked(ctx)
		}
		p.logger.WithFields(logrus.Fields{"from": n, "to": target}).Debug("scaled up")
	case n > target:
		for i := n - 1; i >= target; i-- {
			p.retire(active[i])
		}
		p.logger.WithFields(logrus.Fields{"from": n, "to": target}).Debug("scaled down")
	default:
		return n
	}
	return target
}

func (p *VUPool) spawnLocked(ctx context.Context) {
	id := int(p.config.IDs.Add(1))
	vu := NewVirtualUser(id, p.config.Scenario, p.config.Executor, p.config.Metrics, p.config.Logger)
	p.vus = append(p.vus, vu)

	running := p.running.Add(1)
	for {
		peak := p.peak.Load()
		if running <= peak || p.peak.CompareAndSwap(peak, running) {
			break
		}
	}

	p.wg.Add(1)
	go p.runVU(ctx, vu)
}

func (p *VUPool) retire(vu *VirtualUser) {
	vu.RequestStop()
	if p.config.GracefulRampDown <= 0 {
		vu.HardStop()
		return
	}
	go func() {
		if !vu.WaitForStop(p.config.GracefulRampDown) {
			vu.HardStop()
		}
	}()
}

func (p *VUPool) pruneLocked() {
	kept := p.vus[:0]
	for _, vu := range p.vus {
		if vu.GetState() != VUStateStopped {
			kept = append(kept, vu)
		}
	}
	for i := len(kept); i < len(p.vus); i++ {
		p.vus[i] = nil
	}
	p.vus = kept
}

// runVU executes iterations until the VU is stopped or ctx ends.
func (p *VUPool) runVU(ctx context.Context, vu *VirtualUser) {
	defer p.wg.Done()
	defer p.running.Add(-1)
	defer vu.MarkStopped()

	for {
		err := vu.RunIteration(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrVUStopping), errors.Is(err, ErrIterationInterrupted):
			return
		case ctx.Err() != nil:
			return
		default:
			p.logger.WithError(err).WithField("vu", vu.ID).Warn("iteration failed")
		}

		if !vu.Pace(ctx) {
			return
		}
	}
}

// Active returns the number of VUs that are neither stopping nor stopped.
func (p *VUPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, vu := range p.vus {
		if vu.IsActive() {
			n++
		}
	}
	return n
}

// Running returns the number of VU goroutines still alive, including VUs
// that are finishing after a stop request.
func (p *VUPool) Running() int {
	return int(p.running.Load())
}

// Peak returns the highest number of simultaneously running VUs.
func (p *VUPool) Peak() int {
	return int(p.peak.Load())
}

// StopAll asks every VU to stop after its current request step.
func (p *VUPool) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, vu := range p.vus {
		vu.RequestStop()
	}
}

// HardStopAll cancels in-flight requests of every VU.
func (p *VUPool) HardStopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, vu := range p.vus {
		vu.HardStop()
	}
}

// Wait blocks until all VU goroutines exit or timeout elapses. It returns
// true when every VU exited.
func (p *VUPool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Shutdown stops every VU, giving in-flight requests gracefulStop to finish
// before they are cancelled. It returns the number of VUs that had to be
// hard-stopped.
func (p *VUPool) Shutdown(gracefulStop time.Duration) int {
	p.StopAll()
	if p.Wait(gracefulStop) {
		return 0
	}

	forced := p.Running()
	p.logger.WithField("vus", forced).Warn("graceful stop timed out, cancelling in-flight requests")
	p.HardStopAll()
	p.wg.Wait()
	return forced
}
