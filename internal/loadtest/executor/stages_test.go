package executor

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/metrics"
)

func threeStages() []Stage {
	return []Stage{
		{Duration: 30 * time.Second, Target: 10, Name: "ramp-up"},
		{Duration: 60 * time.Second, Target: 10, Name: "steady"},
		{Duration: 30 * time.Second, Target: 0, Name: "ramp-down"},
	}
}

func TestNewSchedule_Validation(t *testing.T) {
	tests := []struct {
		name     string
		startVUs int
		stages   []Stage
		field    string
	}{
		{"no stages", 0, nil, "stages"},
		{"zero duration", 0, []Stage{{Duration: 0, Target: 1}}, "stages[0].duration"},
		{"negative target", 0, []Stage{{Duration: time.Second, Target: 5}, {Duration: time.Second, Target: -1}}, "stages[1].target"},
		{"negative start", -1, []Stage{{Duration: time.Second, Target: 1}}, "startVUs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchedule(tt.startVUs, tt.stages)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("NewSchedule() error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestSchedule_ExactAtStageEdges(t *testing.T) {
	s, err := NewSchedule(0, threeStages())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{-time.Second, 0},
		{0, 0},
		{15 * time.Second, 5},
		{30 * time.Second, 10},
		{60 * time.Second, 10},
		{90 * time.Second, 10},
		{105 * time.Second, 5},
		{120 * time.Second, 0},
		{10 * time.Minute, 0},
	}
	for _, tt := range tests {
		if got := s.TargetAt(tt.elapsed); got != tt.want {
			t.Errorf("TargetAt(%v) = %d, want %d", tt.elapsed, got, tt.want)
		}
	}
	if s.Duration() != 2*time.Minute {
		t.Errorf("Duration() = %v", s.Duration())
	}
	if s.MaxTarget() != 10 {
		t.Errorf("MaxTarget() = %d", s.MaxTarget())
	}
}

func TestSchedule_Linear(t *testing.T) {
	s, err := NewSchedule(0, threeStages())
	if err != nil {
		t.Fatal(err)
	}

	// ramp-up slope is 10 VUs over 30s
	for ms := 0; ms <= 30000; ms += 250 {
		elapsed := time.Duration(ms) * time.Millisecond
		want := 10 * float64(ms) / 30000
		if got := s.ExactTargetAt(elapsed); math.Abs(got-want) > 1e-9 {
			t.Fatalf("ExactTargetAt(%v) = %v, want %v", elapsed, got, want)
		}
		if got := s.TargetAt(elapsed); math.Abs(float64(got)-want) > 0.5 {
			t.Fatalf("TargetAt(%v) = %d, more than half a VU from %v", elapsed, got, want)
		}
	}

	// monotonic within each segment
	prev := s.ExactTargetAt(30 * time.Second)
	for ms := 90000; ms <= 120000; ms += 100 {
		got := s.ExactTargetAt(time.Duration(ms) * time.Millisecond)
		if got > prev {
			t.Fatalf("ramp-down increased at %dms: %v > %v", ms, got, prev)
		}
		prev = got
	}
}

func TestSchedule_Deterministic(t *testing.T) {
	a, _ := NewSchedule(0, threeStages())
	b, _ := NewSchedule(0, threeStages())
	for ms := 0; ms < 130000; ms += 777 {
		d := time.Duration(ms) * time.Millisecond
		if a.ExactTargetAt(d) != b.ExactTargetAt(d) || a.ExactTargetAt(d) != a.ExactTargetAt(d) {
			t.Fatalf("schedule not deterministic at %v", d)
		}
	}
}

func TestSchedule_StartVUsAndRounding(t *testing.T) {
	s, err := NewSchedule(4, []Stage{{Duration: 10 * time.Second, Target: 5}})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.TargetAt(0); got != 4 {
		t.Errorf("TargetAt(0) = %d, want startVUs 4", got)
	}
	// 4.5 rounds half up
	if got := s.TargetAt(5 * time.Second); got != 5 {
		t.Errorf("TargetAt(5s) = %d, want 5", got)
	}
	if got := s.TargetAt(4 * time.Second); got != 4 {
		t.Errorf("TargetAt(4s) = %d, want 4", got)
	}
}

func TestSchedule_StageAndPhase(t *testing.T) {
	s, _ := NewSchedule(0, threeStages())
	tests := []struct {
		elapsed time.Duration
		stage   int
		phase   metrics.Phase
	}{
		{0, 0, metrics.PhaseRampUp},
		{29 * time.Second, 0, metrics.PhaseRampUp},
		{30 * time.Second, 1, metrics.PhaseSteady},
		{100 * time.Second, 2, metrics.PhaseRampDown},
		{3 * time.Minute, 2, metrics.PhaseDone},
	}
	for _, tt := range tests {
		if got := s.StageAt(tt.elapsed); got != tt.stage {
			t.Errorf("StageAt(%v) = %d, want %d", tt.elapsed, got, tt.stage)
		}
		if got := s.PhaseAt(tt.elapsed); got != tt.phase {
			t.Errorf("PhaseAt(%v) = %s, want %s", tt.elapsed, got, tt.phase)
		}
	}
}
