package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Sink accumulates the values of one metric (or submetric).
//
// Sinks are not safe for concurrent use on their own; the Aggregator
// serializes access to them.
type Sink interface {
	Add(v float64)
	Stats() Stats
}

// NewSink returns an empty sink for the given metric type.
func NewSink(t MetricType) Sink {
	switch t {
	case Counter:
		return &CounterSink{}
	case Gauge:
		return &GaugeSink{}
	case Rate:
		return &RateSink{}
	default:
		return &TrendSink{}
	}
}

// Stats is an immutable view of a sink at a point in time.
type Stats struct {
	Type  MetricType `json:"type"`
	Count int64      `json:"count"`
	Sum   float64    `json:"sum"`
	Min   float64    `json:"min"`
	Max   float64    `json:"max"`
	Last  float64    `json:"last"`
	Trues int64      `json:"trues"`

	// sorted and recent hold trend values as two ascending runs. Both are
	// shared with the sink and must never be modified.
	sorted []float64
	recent []float64
}

// Avg returns the arithmetic mean of the observed values.
func (s Stats) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Rate returns trues/total for Rate metrics.
func (s Stats) Rate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Trues) / float64(s.Count)
}

// PerSecond returns the counter sum divided by elapsed seconds.
func (s Stats) PerSecond(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return s.Sum / elapsed.Seconds()
}

// Percentile returns the p-th percentile (0-100) of a trend.
//
// Values are linearly interpolated between the two closest ranks, so the
// median of [100, 200, ..., 1000] is 550.
func (s Stats) Percentile(p float64) float64 {
	n := len(s.sorted) + len(s.recent)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s.rank(0)
	}
	if p >= 100 {
		return s.rank(n - 1)
	}

	idx := float64(n-1) * p / 100
	lo := int(math.Floor(idx))
	frac := idx - float64(lo)
	if lo+1 >= n {
		return s.rank(lo)
	}
	a, b := s.rank(lo), s.rank(lo+1)
	return a + (b-a)*frac
}

// rank returns the k-th smallest (0-based) trend value across both runs.
func (s Stats) rank(k int) float64 {
	a, b := s.sorted, s.recent
	if len(b) == 0 {
		return a[k]
	}
	if len(a) == 0 {
		return b[k]
	}

	// Find how many of the k+1 smallest values come from a.
	lo, hi := max(0, k+1-len(b)), min(k+1, len(a))
	for lo < hi {
		i := (lo + hi) / 2
		if a[i] < b[k-i] {
			lo = i + 1
		} else {
			hi = i
		}
	}
	i, j := lo, k+1-lo
	switch {
	case i == 0:
		return b[j-1]
	case j == 0:
		return a[i-1]
	}
	return math.Max(a[i-1], b[j-1])
}

// Aggregate resolves an aggregation name such as "avg", "rate" or "p(95)"
// against the stats. elapsed is used for counter rates.
func (s Stats) Aggregate(name string, elapsed time.Duration) (float64, error) {
	switch s.Type {
	case Counter:
		switch name {
		case "count":
			return s.Sum, nil
		case "rate":
			return s.PerSecond(elapsed), nil
		}
	case Gauge:
		switch name {
		case "value":
			return s.Last, nil
		case "min":
			return s.Min, nil
		case "max":
			return s.Max, nil
		}
	case Rate:
		if name == "rate" {
			return s.Rate(), nil
		}
	case Trend:
		switch name {
		case "avg":
			return s.Avg(), nil
		case "min":
			return s.Min, nil
		case "max":
			return s.Max, nil
		case "med":
			return s.Percentile(50), nil
		case "count":
			return float64(s.Count), nil
		}
		if p, ok := ParsePercentile(name); ok {
			return s.Percentile(p), nil
		}
	}
	return 0, fmt.Errorf("aggregation %q is not supported by %s metrics", name, s.Type)
}

// SupportsAggregate reports whether a metric type accepts an aggregation name.
func SupportsAggregate(t MetricType, name string) bool {
	_, err := Stats{Type: t}.Aggregate(name, time.Second)
	return err == nil
}

// ParsePercentile parses "p(95)", "p(99.9)" or "p95" into a percentile.
func ParsePercentile(name string) (float64, bool) {
	if !strings.HasPrefix(name, "p") {
		return 0, false
	}
	raw := strings.TrimPrefix(name, "p")
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		raw = raw[1 : len(raw)-1]
	}
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil || p < 0 || p > 100 {
		return 0, false
	}
	return p, true
}

// CounterSink sums values.
type CounterSink struct {
	sum   float64
	count int64
}

// Add implements Sink.
func (c *CounterSink) Add(v float64) {
	c.sum += v
	c.count++
}

// Stats implements Sink.
func (c *CounterSink) Stats() Stats {
	return Stats{Type: Counter, Count: c.count, Sum: c.sum, Last: c.sum}
}

// GaugeSink keeps the latest value.
type GaugeSink struct {
	last, min, max float64
	count          int64
}

// Add implements Sink.
func (g *GaugeSink) Add(v float64) {
	if g.count == 0 || v < g.min {
		g.min = v
	}
	if g.count == 0 || v > g.max {
		g.max = v
	}
	g.last = v
	g.count++
}

// Stats implements Sink.
func (g *GaugeSink) Stats() Stats {
	return Stats{Type: Gauge, Count: g.count, Last: g.last, Min: g.min, Max: g.max}
}

// RateSink counts non-zero samples against the total.
type RateSink struct {
	trues int64
	total int64
}

// Add implements Sink.
func (r *RateSink) Add(v float64) {
	r.total++
	if v != 0 {
		r.trues++
	}
}

// Stats implements Sink.
func (r *RateSink) Stats() Stats {
	return Stats{Type: Rate, Count: r.total, Trues: r.trues, Sum: float64(r.trues)}
}

// trendFoldMin is the smallest recent run folded into the main run.
const trendFoldMin = 4096

// TrendSink keeps every value so percentiles are exact over the full run,
// at 8 bytes per sample.
//
// Values live in a large sorted main run, a small sorted recent run and an
// unsorted tail. Stats sorts the tail into recent, and folds recent into
// main once it outgrows an eighth of it, so a snapshot usually copies only
// the recent run. Runs are replaced, never modified, so views handed out
// earlier stay valid.
type TrendSink struct {
	main   []float64
	recent []float64
	tail   []float64
	count  int
	sum    float64
	min    float64
	max    float64
	last   float64
}

// Add implements Sink.
func (t *TrendSink) Add(v float64) {
	if t.count == 0 || v < t.min {
		t.min = v
	}
	if t.count == 0 || v > t.max {
		t.max = v
	}
	t.tail = append(t.tail, v)
	t.count++
	t.sum += v
	t.last = v
}

// Stats implements Sink.
func (t *TrendSink) Stats() Stats {
	if len(t.tail) > 0 {
		sort.Float64s(t.tail)
		t.recent = mergeSorted(t.recent, t.tail)
		t.tail = t.tail[:0]
	}
	if len(t.recent) >= trendFoldMin && len(t.recent) > len(t.main)/8 {
		t.main = mergeSorted(t.main, t.recent)
		t.recent = nil
	}

	return Stats{
		Type:   Trend,
		Count:  int64(t.count),
		Sum:    t.sum,
		Min:    t.min,
		Max:    t.max,
		Last:   t.last,
		sorted: t.main[:len(t.main):len(t.main)],
		recent: t.recent[:len(t.recent):len(t.recent)],
	}
}

func mergeSorted(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
