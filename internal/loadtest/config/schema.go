// Package config provides scenario file parsing and validation.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stampede-load/stampede/internal/loadtest/check"
)

// TestConfig is the root of a scenario file.
//
// Example YAML:
//
//	name: "Basic load test"
//	settings:
//	  baseUrl: "http://localhost:8000"
//	metrics:
//	  errors: {type: rate}
//	scenarios:
//	  browse:
//	    executor: ramping-vus
//	    stages:
//	      - {duration: 30s, target: 10}
//	      - {duration: 1m, target: 10}
//	      - {duration: 30s, target: 0}
//	    steps:
//	      - request:
//	          name: GetUsers
//	          url: /api/users
//	          checks:
//	            - {name: "status is 200", type: status, value: 200}
//	      - sleep: {min: 1s, max: 3s}
//	thresholds:
//	  http_req_duration: ["p(95)<500"]
//	  "http_req_duration{staticAsset:yes}": ["p(99)<1000"]
type TestConfig struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Variables are available to every request template
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Metrics declares custom metrics fed by request emit rules
	Metrics map[string]MetricConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	Scenarios map[string]*ScenarioConfig `json:"scenarios" yaml:"scenarios"`

	// Thresholds maps a metric key (optionally with a tag filter) to its
	// pass/fail expressions
	Thresholds map[string]ThresholdList `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	Options *ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// GlobalSettings contains HTTP settings shared by all scenarios.
type GlobalSettings struct {
	// BaseURL is prefixed to relative request URLs; BASE_URL overrides it
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default per-request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	MaxConnectionsPerHost int  `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`
	MaxIdleConnsPerHost   int  `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`
	InsecureSkipVerify    bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	UserAgent string            `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// MaxRPS caps the request rate across all VUs (0 = unlimited)
	MaxRPS float64 `json:"maxRPS,omitempty" yaml:"maxRPS,omitempty"`
}

// MetricConfig declares a custom metric.
type MetricConfig struct {
	// Type is one of counter, gauge, rate, trend
	Type string `json:"type" yaml:"type"`

	// Contains is "time" for millisecond trends, "data" for bytes
	Contains string `json:"contains,omitempty" yaml:"contains,omitempty"`
}

// ScenarioConfig defines one load profile and the steps its VUs loop over.
type ScenarioConfig struct {
	// Executor is "ramping-vus" or "constant-vus"
	Executor string `json:"executor" yaml:"executor"`

	// VUs is the fixed VU count for constant-vus
	VUs int `json:"vus,omitempty" yaml:"vus,omitempty"`

	// Duration is the run length for constant-vus
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// StartVUs is the VU count the first ramping stage starts from
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	Steps []StepConfig `json:"steps,omitempty" yaml:"steps,omitempty"`

	// Requests is shorthand for a list of request-only steps
	Requests []RequestConfig `json:"requests,omitempty" yaml:"requests,omitempty"`

	// GracefulStop bounds how long in-flight iterations may run after the
	// scenario ends
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// GracefulRampDown bounds how long a retired VU may finish its request
	GracefulRampDown string `json:"gracefulRampDown,omitempty" yaml:"gracefulRampDown,omitempty"`

	// StartTime delays the scenario relative to the test start
	StartTime string `json:"startTime,omitempty" yaml:"startTime,omitempty"`

	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// Tags are added to every sample of this scenario
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// StageConfig defines one ramping stage.
type StageConfig struct {
	Duration string `json:"duration" yaml:"duration"`
	Target   int    `json:"target" yaml:"target"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
}

// StepConfig is either a request or a sleep.
type StepConfig struct {
	Request *RequestConfig `json:"request,omitempty" yaml:"request,omitempty"`
	Sleep   *SleepConfig   `json:"sleep,omitempty" yaml:"sleep,omitempty"`
}

// RequestConfig defines a single HTTP request step.
type RequestConfig struct {
	// Name is used as the "name" tag on every sample of the request
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Method  string            `json:"method" yaml:"method"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is a template rendered per iteration
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// JSON is an object encoded as the body; string leaves are templates
	JSON interface{} `json:"json,omitempty" yaml:"json,omitempty"`

	Timeout   string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ThinkTime string `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`

	Tags    map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Extract []ExtractConfig   `json:"extract,omitempty" yaml:"extract,omitempty"`
	Checks  []check.Check     `json:"checks,omitempty" yaml:"checks,omitempty"`
	Emit    []EmitConfig      `json:"emit,omitempty" yaml:"emit,omitempty"`
}

// SleepConfig is a fixed or uniformly random pause.
//
// YAML accepts either a scalar ("2s") or a range ({min: 1s, max: 5s}).
type SleepConfig struct {
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Min      Duration `json:"min,omitempty" yaml:"min,omitempty"`
	Max      Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// IsRandom reports whether the sleep is a min..max range.
func (s *SleepConfig) IsRandom() bool {
	return s.Duration == 0 && (s.Min != 0 || s.Max != 0)
}

type sleepFields SleepConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *SleepConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		d, err := ParseDurationString(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: invalid sleep %q: %w", node.Line, node.Value, err)
		}
		*s = SleepConfig{Duration: Duration(d)}
		return nil
	}
	var f sleepFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	*s = SleepConfig(f)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SleepConfig) UnmarshalJSON(b []byte) error {
	var d Duration
	if err := d.UnmarshalJSON(b); err == nil {
		*s = SleepConfig{Duration: d}
		return nil
	}
	var f sleepFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*s = SleepConfig(f)
	return nil
}

// ExtractConfig stores part of a response in a VU variable.
type ExtractConfig struct {
	Name string `json:"name" yaml:"name"`

	// Source is "body", "header" or "status"
	Source string `json:"source" yaml:"source"`

	// Path is a JSON path for body, a header name for header
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Regex optionally narrows the value to its first capture group
	Regex string `json:"regex,omitempty" yaml:"regex,omitempty"`
}

// EmitConfig adds a sample to a custom metric after the request completes.
type EmitConfig struct {
	Metric string `json:"metric" yaml:"metric"`

	// Value is duration, failed, passed, checks_failed, checks_passed or a number
	Value interface{} `json:"value" yaml:"value"`

	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// PacingConfig controls the gap between iterations.
type PacingConfig struct {
	// Type is "none", "constant" or "random"
	Type     string `json:"type" yaml:"type"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Min      string `json:"min,omitempty" yaml:"min,omitempty"`
	Max      string `json:"max,omitempty" yaml:"max,omitempty"`
}

// ThresholdConfig is one threshold expression.
//
// YAML accepts a plain string or {threshold, abortOnFail, delayAbortEval}.
type ThresholdConfig struct {
	Threshold      string   `json:"threshold" yaml:"threshold"`
	AbortOnFail    bool     `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
	DelayAbortEval Duration `json:"delayAbortEval,omitempty" yaml:"delayAbortEval,omitempty"`
}

type thresholdFields ThresholdConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *ThresholdConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*t = ThresholdConfig{Threshold: node.Value}
		return nil
	}
	var f thresholdFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	*t = ThresholdConfig(f)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ThresholdConfig) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = ThresholdConfig{Threshold: s}
		return nil
	}
	var f thresholdFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*t = ThresholdConfig(f)
	return nil
}

// ThresholdList is the expressions for one metric key. A single string is
// accepted in place of a list.
type ThresholdList []ThresholdConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *ThresholdList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		var one ThresholdConfig
		if err := node.Decode(&one); err != nil {
			return err
		}
		*l = ThresholdList{one}
		return nil
	}
	var many []ThresholdConfig
	if err := node.Decode(&many); err != nil {
		return err
	}
	*l = many
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *ThresholdList) UnmarshalJSON(b []byte) error {
	var many []ThresholdConfig
	if err := json.Unmarshal(b, &many); err == nil {
		*l = many
		return nil
	}
	var one ThresholdConfig
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*l = ThresholdList{one}
	return nil
}

// ExecutionOptions controls engine behavior.
type ExecutionOptions struct {
	// TickInterval is how often ramping executors re-target the VU pool
	TickInterval Duration `json:"tickInterval,omitempty" yaml:"tickInterval,omitempty"`

	// ThresholdInterval is how often abortOnFail thresholds are checked
	ThresholdInterval Duration `json:"thresholdInterval,omitempty" yaml:"thresholdInterval,omitempty"`

	// BucketInterval is the time-series resolution
	BucketInterval Duration `json:"bucketInterval,omitempty" yaml:"bucketInterval,omitempty"`

	// SummaryTrendStats selects trend columns in the summary
	SummaryTrendStats []string `json:"summaryTrendStats,omitempty" yaml:"summaryTrendStats,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if zero.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
