package threshold

import (
	"fmt"
	"strings"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/metrics"
)

// Observation is the measured value behind one condition.
type Observation struct {
	Condition string  `json:"condition"`
	Actual    float64 `json:"actual"`
	Passed    bool    `json:"passed"`
}

// Result is the outcome of one threshold.
type Result struct {
	Key          string        `json:"key"`
	Expression   string        `json:"expression"`
	Passed       bool          `json:"passed"`
	AbortOnFail  bool          `json:"abortOnFail,omitempty"`
	Observations []Observation `json:"observations"`
	Message      string        `json:"message,omitempty"`
}

// Evaluate checks every threshold against snap. A threshold whose metric has
// no entry in the snapshot fails.
func Evaluate(snap *metrics.Snapshot, ts []*Threshold) []Result {
	results := make([]Result, 0, len(ts))
	for _, t := range ts {
		results = append(results, evaluateOne(snap, t))
	}
	return results
}

func evaluateOne(snap *metrics.Snapshot, t *Threshold) Result {
	res := Result{
		Key:         t.Key,
		Expression:  t.Expression,
		Passed:      true,
		AbortOnFail: t.AbortOnFail,
	}

	name := t.Metric
	if len(t.Tags) > 0 {
		name = metrics.SubmetricName(t.Metric, t.Tags)
	}

	var failed []string
	for _, c := range t.Conditions {
		actual, err := snap.Value(name, c.Aggregation)
		if err != nil {
			res.Passed = false
			res.Message = err.Error()
			return res
		}
		ok := Compare(actual, c.Operator, c.Value)
		res.Observations = append(res.Observations, Observation{
			Condition: c.Raw,
			Actual:    actual,
			Passed:    ok,
		})
		if !ok {
			res.Passed = false
			failed = append(failed, fmt.Sprintf("%s=%s", c.Aggregation, formatValue(actual)))
		}
	}
	if !res.Passed {
		res.Message = "observed " + strings.Join(failed, ", ")
	}
	return res
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.4f", v)
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Evaluator re-checks abortOnFail thresholds while a run is in progress.
type Evaluator struct {
	thresholds []*Threshold
}

// NewEvaluator creates an evaluator over ts.
func NewEvaluator(ts []*Threshold) *Evaluator {
	return &Evaluator{thresholds: ts}
}

// HasAbortable reports whether any threshold can stop the run early.
func (e *Evaluator) HasAbortable() bool {
	for _, t := range e.thresholds {
		if t.AbortOnFail {
			return true
		}
	}
	return false
}

// CheckAbort evaluates the abortOnFail thresholds whose delay has elapsed
// and returns the first failure.
func (e *Evaluator) CheckAbort(snap *metrics.Snapshot, elapsed time.Duration) (Result, bool) {
	for _, t := range e.thresholds {
		if !t.AbortOnFail || elapsed < t.DelayAbortEval {
			continue
		}
		if res := evaluateOne(snap, t); !res.Passed {
			return res, true
		}
	}
	return Result{}, false
}

// Final evaluates every threshold.
func (e *Evaluator) Final(snap *metrics.Snapshot) []Result {
	return Evaluate(snap, e.thresholds)
}
