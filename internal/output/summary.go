package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/engine"
	"github.com/stampede-load/stampede/internal/loadtest/metrics"
	"github.com/stampede-load/stampede/internal/loadtest/threshold"
)

// Summary is the machine-readable result of a run.
type Summary struct {
	RunID          string                            `json:"runId"`
	Name           string                            `json:"name"`
	Description    string                            `json:"description,omitempty"`
	Status         engine.Status                     `json:"status"`
	Passed         bool                              `json:"passed"`
	StartTime      time.Time                         `json:"startTime"`
	EndTime        time.Time                         `json:"endTime"`
	DurationMs     float64                           `json:"durationMs"`
	SteadyStateRPS float64                           `json:"steadyStateRPS"`
	Scenarios      map[string]*engine.ScenarioResult `json:"scenarios"`
	Metrics        map[string]*SummaryMetric         `json:"metrics"`
	Thresholds     []threshold.Result                `json:"thresholds,omitempty"`
	AbortedBy      *threshold.Result                 `json:"abortedBy,omitempty"`
	TimeSeries     []*metrics.TimeBucket             `json:"timeSeries,omitempty"`
}

// SummaryMetric is one metric in the JSON summary.
type SummaryMetric struct {
	Type     string             `json:"type"`
	Contains string             `json:"contains"`
	Parent   string             `json:"parent,omitempty"`
	Tags     metrics.Tags       `json:"tags,omitempty"`
	Values   map[string]float64 `json:"values"`

	// Thresholds maps each expression on this metric to whether it passed.
	Thresholds map[string]bool `json:"thresholds,omitempty"`
}

// SummaryOptions control what goes into a summary.
type SummaryOptions struct {
	TrendStats     []string
	IncludeSeries  bool
	IncludeUnknown bool
}

// BuildSummary converts a test result into its exported form.
func BuildSummary(result *engine.TestResult, opts SummaryOptions) *Summary {
	trendStats := opts.TrendStats
	if len(trendStats) == 0 {
		trendStats = append(append([]string{}, DefaultTrendStats...), "p(99)", "count")
	}

	s := &Summary{
		RunID:          result.RunID,
		Name:           result.Name,
		Description:    result.Description,
		Status:         result.Status,
		Passed:         result.Passed,
		StartTime:      result.StartTime,
		EndTime:        result.EndTime,
		DurationMs:     metrics.Millis(result.Duration),
		SteadyStateRPS: result.SteadyStateRPS,
		Scenarios:      result.Scenarios,
		Metrics:        map[string]*SummaryMetric{},
		Thresholds:     result.Thresholds,
		AbortedBy:      result.AbortedBy,
	}
	if opts.IncludeSeries {
		s.TimeSeries = result.TimeSeries
	}

	if snap := result.Metrics; snap != nil {
		for _, name := range snap.Names() {
			e := snap.Entries[name]
			if e.Stats.Count == 0 && e.Parent == "" && !opts.IncludeUnknown {
				continue
			}
			s.Metrics[name] = summaryMetric(e, snap.Elapsed, trendStats)
		}
	}

	for _, t := range result.Thresholds {
		m, ok := s.Metrics[t.Key]
		if !ok {
			continue
		}
		if m.Thresholds == nil {
			m.Thresholds = map[string]bool{}
		}
		m.Thresholds[t.Expression] = t.Passed
	}
	return s
}

func summaryMetric(e metrics.Entry, elapsed time.Duration, trendStats []string) *SummaryMetric {
	m := &SummaryMetric{
		Type:     e.Metric.Type.String(),
		Contains: containsName(e.Metric.Contains),
		Parent:   e.Parent,
		Tags:     e.Tags,
		Values:   map[string]float64{},
	}
	st := e.Stats
	switch e.Metric.Type {
	case metrics.Counter:
		m.Values["count"] = st.Sum
		m.Values["rate"] = st.PerSecond(elapsed)
	case metrics.Gauge:
		m.Values["value"] = st.Last
		m.Values["min"] = st.Min
		m.Values["max"] = st.Max
	case metrics.Rate:
		m.Values["rate"] = st.Rate()
		m.Values["passes"] = float64(st.Trues)
		m.Values["fails"] = float64(st.Count - st.Trues)
	case metrics.Trend:
		for _, agg := range trendStats {
			if v, err := st.Aggregate(agg, elapsed); err == nil {
				m.Values[agg] = v
			}
		}
	}
	return m
}

func containsName(v metrics.ValueType) string {
	switch v {
	case metrics.Time:
		return "time"
	case metrics.Data:
		return "data"
	default:
		return "default"
	}
}

// WriteJSON writes the summary as indented JSON.
func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// ExportSummary writes the JSON summary of result to path, creating parent
// directories as needed.
func ExportSummary(path string, result *engine.TestResult, opts SummaryOptions) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create summary directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create summary file: %w", err)
	}
	if err := BuildSummary(result, opts).WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("write summary: %w", err)
	}
	return f.Close()
}
