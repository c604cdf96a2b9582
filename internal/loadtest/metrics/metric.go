// Package metrics collects samples emitted by virtual users and aggregates
// them into counters, gauges, rates and trends.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MetricType identifies how samples of a metric are aggregated.
type MetricType int

const (
	// Counter sums sample values.
	Counter MetricType = iota
	// Gauge keeps the last value along with the min and max seen.
	Gauge
	// Rate tracks the fraction of non-zero samples.
	Rate
	// Trend keeps the full distribution for percentile queries.
	Trend
)

func (t MetricType) String() string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Rate:
		return "rate"
	case Trend:
		return "trend"
	default:
		return "unknown"
	}
}

// ParseMetricType parses a metric type name as used in scenario files.
func ParseMetricType(s string) (MetricType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "counter":
		return Counter, nil
	case "gauge":
		return Gauge, nil
	case "rate":
		return Rate, nil
	case "trend":
		return Trend, nil
	default:
		return 0, fmt.Errorf("unknown metric type %q", s)
	}
}

// ValueType describes the unit of a metric's values.
type ValueType int

const (
	// Default values are plain numbers.
	Default ValueType = iota
	// Time values are milliseconds.
	Time
	// Data values are bytes.
	Data
)

// Metric describes a registered metric.
type Metric struct {
	Name     string
	Type     MetricType
	Contains ValueType
}

// Built-in metric names.
const (
	HTTPReqs          = "http_reqs"
	HTTPReqDuration   = "http_req_duration"
	HTTPReqFailed     = "http_req_failed"
	HTTPReqConnecting = "http_req_connecting"
	HTTPReqWaiting    = "http_req_waiting"
	DataReceived      = "data_received"
	DataSent          = "data_sent"
	Iterations        = "iterations"
	IterationDuration = "iteration_duration"
	Checks            = "checks"
	VUs               = "vus"
	VUsMax            = "vus_max"
)

// BuiltinMetrics returns the metrics every run registers.
func BuiltinMetrics() []Metric {
	return []Metric{
		{Name: HTTPReqs, Type: Counter},
		{Name: HTTPReqDuration, Type: Trend, Contains: Time},
		{Name: HTTPReqFailed, Type: Rate},
		{Name: HTTPReqConnecting, Type: Trend, Contains: Time},
		{Name: HTTPReqWaiting, Type: Trend, Contains: Time},
		{Name: DataReceived, Type: Counter, Contains: Data},
		{Name: DataSent, Type: Counter, Contains: Data},
		{Name: Iterations, Type: Counter},
		{Name: IterationDuration, Type: Trend, Contains: Time},
		{Name: Checks, Type: Rate},
		{Name: VUs, Type: Gauge},
		{Name: VUsMax, Type: Gauge},
	}
}

// Tags is a set of key/value labels attached to a sample.
type Tags map[string]string

// Contains reports whether every tag in filter is present in t with the same value.
func (t Tags) Contains(filter Tags) bool {
	for k, v := range filter {
		if got, ok := t[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// With returns a copy of t with key set to value.
func (t Tags) With(key, value string) Tags {
	out := make(Tags, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	out[key] = value
	return out
}

// String renders the tags in selector form, e.g. {method:GET,name:login}.
func (t Tags) String() string {
	if len(t) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + t[k]
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Sample is a single observation of a metric.
type Sample struct {
	Metric string
	Value  float64
	Time   time.Time
	Tags   Tags
}

// Bool converts a boolean to a Rate sample value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Millis converts a duration to a Time trend value.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// SubmetricName returns the display name of a tag-filtered view of a metric.
func SubmetricName(metric string, filter Tags) string {
	return metric + filter.String()
}
