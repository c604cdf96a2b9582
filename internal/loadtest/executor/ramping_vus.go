package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTickInterval is how often the ramping controller rescales the pool
// when the config leaves TickInterval unset.
const DefaultTickInterval = 100 * time.Millisecond

// RampingVUs ramps VU count up and down according to stages.
//
// Every tick the controller asks the schedule for the target at the current
// elapsed time and scales the pool to exactly that many active VUs, so the
// active count tracks the linear ramp with at most one tick of lag.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from 0 to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	base
	schedule *Schedule
}

// NewRampingVUs creates a ramping executor.
func NewRampingVUs(cfg *Config, deps Deps) (*RampingVUs, error) {
	if cfg.Type != TypeRampingVUs {
		return nil, fmt.Errorf("invalid config type: expected %s, got %s", TypeRampingVUs, cfg.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("executor %s: pool is required", cfg.Name)
	}
	schedule, err := NewSchedule(cfg.StartVUs, cfg.Stages)
	if err != nil {
		return nil, err
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &RampingVUs{base: newBase(cfg, deps), schedule: schedule}, nil
}

// Type returns the executor type.
func (e *RampingVUs) Type() Type {
	return TypeRampingVUs
}

// Schedule returns the stage schedule.
func (e *RampingVUs) Schedule() *Schedule {
	return e.schedule
}

// MaxVUs returns the highest stage target.
func (e *RampingVUs) MaxVUs() int {
	return e.schedule.MaxTarget()
}

// Run drives the pool through the stages and blocks until all VUs exited.
func (e *RampingVUs) Run(ctx context.Context) error {
	if !e.waitStart(ctx) {
		e.finish()
		return nil
	}

	start := e.markStarted()
	total := e.schedule.Duration()
	e.logger.WithFields(logrus.Fields{
		"stages":   len(e.config.Stages),
		"duration": total,
		"maxVUs":   e.schedule.MaxTarget(),
	}).Info("starting ramping-vus")

	runCtx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	e.tick(runCtx, start)
	for {
		select {
		case <-runCtx.Done():
			e.finish()
			return nil
		case <-ticker.C:
			e.tick(runCtx, start)
		}
	}
}

// tick rescales the pool to the schedule's target for now.
func (e *RampingVUs) tick(ctx context.Context, start time.Time) {
	elapsed := time.Since(start)
	target := e.schedule.TargetAt(elapsed)
	active := e.deps.Pool.ScaleTo(ctx, target)
	e.record(elapsed, target, active)
	e.setPhase(e.schedule.PhaseAt(elapsed))
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	s := e.stats()
	s.TotalStages = len(e.config.Stages)
	if !s.StartTime.IsZero() {
		s.CurrentStage = e.schedule.StageAt(s.Elapsed)
		s.CurrentStageName = e.config.Stages[s.CurrentStage].Name
	}
	return s
}

var _ Executor = (*RampingVUs)(nil)
