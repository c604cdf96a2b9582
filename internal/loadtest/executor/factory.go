package executor

import (
	"fmt"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/config"
)

// NewExecutor creates the executor named by cfg.Type.
//
// Supported types:
//   - "constant-vus" - Fixed number of VUs for a duration
//   - "ramping-vus" - VU count ramps up/down according to stages
func NewExecutor(cfg *Config, deps Deps) (Executor, error) {
	switch cfg.Type {
	case TypeConstantVUs:
		return NewConstantVUs(cfg, deps)
	case TypeRampingVUs:
		return NewRampingVUs(cfg, deps)
	default:
		return nil, fmt.Errorf("unknown executor type: %s", cfg.Type)
	}
}

// ConfigFromScenario converts a scenario definition from the scenario file
// into an executor config. tick is the ramping controller interval.
func ConfigFromScenario(name string, sc *config.ScenarioConfig, tick time.Duration) (*Config, error) {
	cfg := &Config{
		Name:         name,
		Type:         Type(sc.Executor),
		VUs:          sc.VUs,
		StartVUs:     sc.StartVUs,
		TickInterval: tick,
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"duration", sc.Duration, &cfg.Duration},
		{"gracefulStop", sc.GracefulStop, &cfg.GracefulStop},
		{"gracefulRampDown", sc.GracefulRampDown, &cfg.GracefulRampDown},
		{"startTime", sc.StartTime, &cfg.StartTime},
	}
	for _, d := range durations {
		v, err := config.ParseDurationString(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.field, err)
		}
		*d.dst = v
	}

	for i, stage := range sc.Stages {
		d, err := config.ParseDurationString(stage.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid stages[%d].duration: %w", i, err)
		}
		cfg.Stages = append(cfg.Stages, Stage{Duration: d, Target: stage.Target, Name: stage.Name})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
