// Package executor provides load generation strategies: it decides how many
// VUs a scenario runs at any moment and drives a VU pool accordingly.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampede-load/stampede/internal/loadtest/metrics"
)

// Type identifies the type of executor.
type Type string

const (
	// TypeConstantVUs runs a fixed number of VUs for a duration.
	TypeConstantVUs Type = "constant-vus"

	// TypeRampingVUs ramps VU count up and down according to stages.
	TypeRampingVUs Type = "ramping-vus"
)

// Pool is the VU pool an executor scales. *loadtest.VUPool implements it.
type Pool interface {
	ScaleTo(ctx context.Context, target int) int
	Active() int
	Running() int
	Shutdown(gracefulStop time.Duration) int
}

// Executor defines the interface for load generation strategies.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Name returns the scenario name.
	Name() string

	// Run waits for the start time, drives the pool for the scenario
	// duration and shuts the pool down. It blocks until every VU exited.
	Run(ctx context.Context) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetTargetVUs returns the VU count the executor is aiming for.
	GetTargetVUs() int

	// MaxVUs returns the largest VU count the executor will request.
	MaxVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Timeline returns the recorded target/active history.
	Timeline() []TimelinePoint
}

// Config contains configuration for an executor.
type Config struct {
	// Name is the scenario name
	Name string `json:"name" yaml:"name"`

	Type Type `json:"type" yaml:"type"`

	// constant-vus
	VUs      int           `json:"vus,omitempty" yaml:"vus,omitempty"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// ramping-vus
	StartVUs int     `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`
	Stages   []Stage `json:"stages,omitempty" yaml:"stages,omitempty"`

	// StartTime delays the executor relative to the run start
	StartTime time.Duration `json:"startTime,omitempty" yaml:"startTime,omitempty"`

	// GracefulStop bounds how long VUs may finish after the executor ends
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// GracefulRampDown bounds how long a retired VU may finish its request
	GracefulRampDown time.Duration `json:"gracefulRampDown,omitempty" yaml:"gracefulRampDown,omitempty"`

	// TickInterval is how often the ramping controller rescales the pool
	TickInterval time.Duration `json:"tickInterval,omitempty" yaml:"tickInterval,omitempty"`
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}

	switch c.Type {
	case TypeConstantVUs:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}

	case TypeRampingVUs:
		if _, err := NewSchedule(c.StartVUs, c.Stages); err != nil {
			return err
		}

	default:
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}

	if c.StartTime < 0 {
		return &ValidationError{Field: "startTime", Message: "must be >= 0"}
	}
	return nil
}

// TotalDuration calculates the scheduled duration, excluding start time and
// graceful stop.
func (c *Config) TotalDuration() time.Duration {
	switch c.Type {
	case TypeConstantVUs:
		return c.Duration
	case TypeRampingVUs:
		var total time.Duration
		for _, stage := range c.Stages {
			total += stage.Duration
		}
		return total
	default:
		return 0
	}
}

// Stats contains real-time executor statistics.
type Stats struct {
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	// Stage info (for ramping executors)
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`

	Phase metrics.Phase `json:"phase"`
}

// TimelinePoint is the pool state observed right after a tick.
type TimelinePoint struct {
	Elapsed time.Duration `json:"elapsed"`
	Target  int           `json:"target"`
	Active  int           `json:"active"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

// Deps are the collaborators an executor drives.
type Deps struct {
	Pool   Pool
	Logger logrus.FieldLogger

	// OnPhase is called whenever the executor's phase changes.
	OnPhase func(metrics.Phase)
}

// base holds state shared by the executors.
type base struct {
	config *Config
	deps   Deps
	logger logrus.FieldLogger

	mu        sync.RWMutex
	startTime time.Time
	finished  bool
	target    int
	active    int
	phase     metrics.Phase
	timeline  []TimelinePoint
}

func newBase(cfg *Config, deps Deps) base {
	logger := deps.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return base{
		config: cfg,
		deps:   deps,
		logger: logger.WithFields(logrus.Fields{"scenario": cfg.Name, "executor": cfg.Type}),
		phase:  metrics.PhaseInit,
	}
}

func (b *base) Name() string { return b.config.Name }

// waitStart sleeps for the configured start time; false means ctx ended.
func (b *base) waitStart(ctx context.Context) bool {
	if b.config.StartTime <= 0 {
		return ctx.Err() == nil
	}
	b.logger.WithField("startTime", b.config.StartTime).Debug("waiting for start time")
	timer := time.NewTimer(b.config.StartTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *base) markStarted() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startTime = time.Now()
	return b.startTime
}

// record stores a tick observation; consecutive duplicates are collapsed.
func (b *base) record(elapsed time.Duration, target, active int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = target
	b.active = active
	if n := len(b.timeline); n > 0 {
		last := b.timeline[n-1]
		if last.Target == target && last.Active == active {
			return
		}
	}
	b.timeline = append(b.timeline, TimelinePoint{Elapsed: elapsed, Target: target, Active: active})
}

func (b *base) setPhase(p metrics.Phase) {
	b.mu.Lock()
	changed := b.phase != p
	b.phase = p
	b.mu.Unlock()

	if changed {
		b.logger.WithField("phase", p).Debug("phase changed")
		if b.deps.OnPhase != nil {
			b.deps.OnPhase(p)
		}
	}
}

// finish shuts the pool down and marks the executor done.
func (b *base) finish() {
	forced := b.deps.Pool.Shutdown(b.config.GracefulStop)
	if forced > 0 {
		b.logger.WithField("vus", forced).Warn("VUs interrupted after graceful stop")
	}
	b.mu.Lock()
	b.finished = true
	b.active = 0
	b.target = 0
	b.mu.Unlock()
	b.setPhase(metrics.PhaseDone)
}

func (b *base) GetProgress() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.finished {
		return 1
	}
	if b.startTime.IsZero() {
		return 0
	}
	total := b.config.TotalDuration()
	if total <= 0 {
		return 1
	}
	p := float64(time.Since(b.startTime)) / float64(total)
	if p > 1 {
		p = 1
	}
	return p
}

func (b *base) GetActiveVUs() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.finished || b.startTime.IsZero() {
		return b.active
	}
	return b.deps.Pool.Active()
}

func (b *base) GetTargetVUs() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.target
}

func (b *base) Timeline() []TimelinePoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]TimelinePoint(nil), b.timeline...)
}

func (b *base) stats() *Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var elapsed time.Duration
	if !b.startTime.IsZero() {
		elapsed = time.Since(b.startTime)
	}
	return &Stats{
		StartTime:     b.startTime,
		CurrentTime:   time.Now(),
		Elapsed:       elapsed,
		TotalDuration: b.config.TotalDuration(),
		ActiveVUs:     b.active,
		TargetVUs:     b.target,
		Phase:         b.phase,
	}
}
