package executor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stampede-load/stampede/internal/loadtest/metrics"
)

// ConstantVUs runs a fixed number of VUs for a specified duration.
//
// Each VU runs as fast as it can (closed model), optionally with pacing
// between iterations.
type ConstantVUs struct {
	base
}

// NewConstantVUs creates a constant-vus executor.
func NewConstantVUs(cfg *Config, deps Deps) (*ConstantVUs, error) {
	if cfg.Type != TypeConstantVUs {
		return nil, fmt.Errorf("invalid config type: expected %s, got %s", TypeConstantVUs, cfg.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("executor %s: pool is required", cfg.Name)
	}
	return &ConstantVUs{base: newBase(cfg, deps)}, nil
}

// Type returns the executor type.
func (e *ConstantVUs) Type() Type {
	return TypeConstantVUs
}

// MaxVUs returns the configured VU count.
func (e *ConstantVUs) MaxVUs() int {
	return e.config.VUs
}

// Run spawns all VUs, waits for the duration and shuts the pool down.
func (e *ConstantVUs) Run(ctx context.Context) error {
	if !e.waitStart(ctx) {
		e.finish()
		return nil
	}

	e.markStarted()
	e.logger.WithFields(logrus.Fields{
		"vus":      e.config.VUs,
		"duration": e.config.Duration,
	}).Info("starting constant-vus")

	runCtx, cancel := context.WithTimeout(ctx, e.config.Duration)
	defer cancel()

	e.setPhase(metrics.PhaseSteady)
	active := e.deps.Pool.ScaleTo(runCtx, e.config.VUs)
	e.record(0, e.config.VUs, active)

	<-runCtx.Done()
	e.record(e.config.Duration, e.config.VUs, e.deps.Pool.Active())
	e.finish()
	return nil
}

// GetStats returns executor statistics.
func (e *ConstantVUs) GetStats() *Stats {
	return e.stats()
}

var _ Executor = (*ConstantVUs)(nil)
