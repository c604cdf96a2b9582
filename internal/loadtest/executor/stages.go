package executor

import (
	"fmt"
	"math"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/metrics"
)

// Stage defines a stage in ramping executors.
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target VU count reached at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Schedule turns a stage list into a target VU count for any elapsed time.
//
// Within a stage the target moves linearly from the previous stage's target
// (startVUs for the first stage) to the stage's own target. A Schedule is
// immutable and safe for concurrent use.
type Schedule struct {
	startVUs int
	stages   []Stage
	ends     []time.Duration
}

// NewSchedule validates stages and builds a schedule.
func NewSchedule(startVUs int, stages []Stage) (*Schedule, error) {
	if startVUs < 0 {
		return nil, &ValidationError{Field: "startVUs", Message: "must be >= 0"}
	}
	if len(stages) == 0 {
		return nil, &ValidationError{Field: "stages", Message: "at least one stage is required"}
	}

	s := &Schedule{
		startVUs: startVUs,
		stages:   append([]Stage(nil), stages...),
		ends:     make([]time.Duration, len(stages)),
	}
	var total time.Duration
	for i, st := range stages {
		if st.Duration <= 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("stages[%d].duration", i), Message: "must be > 0"}
		}
		if st.Target < 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("stages[%d].target", i), Message: "must be >= 0"}
		}
		total += st.Duration
		s.ends[i] = total
	}
	return s, nil
}

// Duration returns the total length of all stages.
func (s *Schedule) Duration() time.Duration {
	return s.ends[len(s.ends)-1]
}

// Stages returns a copy of the stages.
func (s *Schedule) Stages() []Stage {
	return append([]Stage(nil), s.stages...)
}

// MaxTarget returns the highest VU count the schedule reaches.
func (s *Schedule) MaxTarget() int {
	m := s.startVUs
	for _, st := range s.stages {
		if st.Target > m {
			m = st.Target
		}
	}
	return m
}

// StageAt returns the index of the stage running at elapsed. Before the
// start it is 0; after the end it is the last stage.
func (s *Schedule) StageAt(elapsed time.Duration) int {
	for i, end := range s.ends {
		if elapsed < end {
			return i
		}
	}
	return len(s.stages) - 1
}

func (s *Schedule) stageStart(i int) (time.Duration, int) {
	if i == 0 {
		return 0, s.startVUs
	}
	return s.ends[i-1], s.stages[i-1].Target
}

// ExactTargetAt returns the interpolated, unrounded target at elapsed.
func (s *Schedule) ExactTargetAt(elapsed time.Duration) float64 {
	if elapsed < 0 {
		return 0
	}
	if elapsed >= s.Duration() {
		return float64(s.stages[len(s.stages)-1].Target)
	}

	i := s.StageAt(elapsed)
	from, fromTarget := s.stageStart(i)
	progress := float64(elapsed-from) / float64(s.stages[i].Duration)
	return float64(fromTarget) + float64(s.stages[i].Target-fromTarget)*progress
}

// TargetAt returns the target VU count at elapsed, rounded half up.
func (s *Schedule) TargetAt(elapsed time.Duration) int {
	return int(math.Floor(s.ExactTargetAt(elapsed) + 0.5))
}

// PhaseAt classifies the stage running at elapsed by its direction.
func (s *Schedule) PhaseAt(elapsed time.Duration) metrics.Phase {
	if elapsed >= s.Duration() {
		return metrics.PhaseDone
	}
	i := s.StageAt(elapsed)
	_, fromTarget := s.stageStart(i)
	switch to := s.stages[i].Target; {
	case to > fromTarget:
		return metrics.PhaseRampUp
	case to < fromTarget:
		return metrics.PhaseRampDown
	default:
		return metrics.PhaseSteady
	}
}
