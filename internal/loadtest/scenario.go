// Package loadtest runs virtual users: it compiles scenario steps, executes
// them against a RequestExecutor and manages the pool of running VUs.
package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/check"
	"github.com/stampede-load/stampede/internal/loadtest/config"
	"github.com/stampede-load/stampede/internal/loadtest/metrics"
)

// Request is a fully rendered request handed to a RequestExecutor.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response is what a RequestExecutor observed. Err is set for transport
// failures; HTTP error statuses are not errors.
type Response struct {
	Status        int
	Header        http.Header
	Body          []byte
	Duration      time.Duration
	Connecting    time.Duration
	Waiting       time.Duration
	BytesSent     int64
	BytesReceived int64
	Err           error
}

// RequestExecutor performs a single request. Implementations must be safe
// for concurrent use by many VUs.
type RequestExecutor interface {
	Execute(ctx context.Context, req *Request) *Response
}

// Scenario is the immutable, compiled form of a scenario definition.
type Scenario struct {
	Name      string
	BaseURL   string
	Variables map[string]string
	Tags      metrics.Tags
	Steps     []Step
	Headers   map[string]string
	Timeout   time.Duration
	Pacing    Pacing
}

// Step is either a request or a sleep.
type Step struct {
	Request *RequestStep
	Sleep   *SleepStep
}

// RequestStep is a compiled request.
type RequestStep struct {
	Name    string
	Method  string
	URL     *Template
	Headers map[string]*Template
	Body    *Template
	IsJSON  bool
	Timeout time.Duration
	Tags    metrics.Tags
	Checks  []*check.Compiled
	Extract []Extractor
	Emit    []EmitRule
}

// SleepStep pauses for Min, or for a uniform random duration in [Min, Max].
type SleepStep struct {
	Min time.Duration
	Max time.Duration
}

// Duration picks the sleep length for one execution.
func (s *SleepStep) Duration() time.Duration {
	if s.Max <= s.Min {
		return s.Min
	}
	return s.Min + rand.N(s.Max-s.Min+1)
}

// Extractor stores part of a response in a VU variable.
type Extractor struct {
	Name   string
	Source string
	Path   string
	Regex  *regexp.Regexp
}

// Emit sources.
const (
	EmitDuration     = "duration"
	EmitFailed       = "failed"
	EmitPassed       = "passed"
	EmitChecksFailed = "checks_failed"
	EmitChecksPassed = "checks_passed"
)

// EmitRule feeds a custom metric after a request.
type EmitRule struct {
	Metric   string
	Source   string
	Constant float64
	Tags     metrics.Tags
}

// Pacing adds a gap between iterations.
type Pacing struct {
	Type     string
	Duration time.Duration
	Min      time.Duration
	Max      time.Duration
}

// Next returns the gap before the next iteration.
func (p Pacing) Next() time.Duration {
	switch p.Type {
	case "constant":
		return p.Duration
	case "random":
		if p.Max <= p.Min {
			return p.Min
		}
		return p.Min + rand.N(p.Max-p.Min+1)
	default:
		return 0
	}
}

// NewScenario compiles a validated scenario definition.
func NewScenario(name string, sc *config.ScenarioConfig, cfg *config.TestConfig) (*Scenario, error) {
	s := &Scenario{
		Name:      name,
		BaseURL:   strings.TrimRight(cfg.Settings.BaseURL, "/"),
		Variables: make(map[string]string, len(cfg.Variables)+2),
		Tags:      metrics.Tags{"scenario": name},
		Headers:   cfg.Settings.Headers,
		Timeout:   cfg.Settings.Timeout.GetDuration(config.DefaultTimeout),
	}
	for k, v := range cfg.Variables {
		s.Variables[k] = v
	}
	s.Variables["baseUrl"] = s.BaseURL
	s.Variables["BASE_URL"] = s.BaseURL
	for k, v := range sc.Tags {
		s.Tags[k] = v
	}

	if sc.Pacing != nil {
		s.Pacing.Type = sc.Pacing.Type
		s.Pacing.Duration, _ = config.ParseDurationString(sc.Pacing.Duration)
		s.Pacing.Min, _ = config.ParseDurationString(sc.Pacing.Min)
		s.Pacing.Max, _ = config.ParseDurationString(sc.Pacing.Max)
	}

	if cfg.Settings.UserAgent != "" {
		h := map[string]string{"User-Agent": cfg.Settings.UserAgent}
		for k, v := range s.Headers {
			h[k] = v
		}
		s.Headers = h
	}

	for i, stepCfg := range sc.Steps {
		switch {
		case stepCfg.Request != nil:
			rs, err := compileRequest(stepCfg.Request, s.Timeout)
			if err != nil {
				return nil, fmt.Errorf("scenario %s step %d: %w", name, i, err)
			}
			s.Steps = append(s.Steps, Step{Request: rs})

			if stepCfg.Request.ThinkTime != "" {
				d, err := config.ParseDurationString(stepCfg.Request.ThinkTime)
				if err != nil {
					return nil, fmt.Errorf("scenario %s step %d: thinkTime: %w", name, i, err)
				}
				if d > 0 {
					s.Steps = append(s.Steps, Step{Sleep: &SleepStep{Min: d, Max: d}})
				}
			}
		case stepCfg.Sleep != nil:
			sl := stepCfg.Sleep
			if sl.IsRandom() {
				s.Steps = append(s.Steps, Step{Sleep: &SleepStep{Min: time.Duration(sl.Min), Max: time.Duration(sl.Max)}})
			} else {
				d := time.Duration(sl.Duration)
				s.Steps = append(s.Steps, Step{Sleep: &SleepStep{Min: d, Max: d}})
			}
		}
	}

	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario %s has no steps", name)
	}
	return s, nil
}

// RequestNames returns the distinct request names in step order.
func (s *Scenario) RequestNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, st := range s.Steps {
		if st.Request != nil && !seen[st.Request.Name] {
			seen[st.Request.Name] = true
			names = append(names, st.Request.Name)
		}
	}
	return names
}

// EmittedMetrics returns the custom metric names referenced by emit rules.
func (s *Scenario) EmittedMetrics() []string {
	seen := make(map[string]bool)
	for _, st := range s.Steps {
		if st.Request == nil {
			continue
		}
		for _, e := range st.Request.Emit {
			seen[e.Metric] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func compileRequest(rc *config.RequestConfig, defaultTimeout time.Duration) (*RequestStep, error) {
	rs := &RequestStep{
		Name:    rc.Name,
		Method:  strings.ToUpper(rc.Method),
		Headers: make(map[string]*Template, len(rc.Headers)),
		Timeout: defaultTimeout,
		Tags:    metrics.Tags{},
	}
	if rs.Method == "" {
		rs.Method = http.MethodGet
	}
	for k, v := range rc.Tags {
		rs.Tags[k] = v
	}
	if _, ok := rs.Tags["name"]; !ok {
		rs.Tags["name"] = rc.Name
	}
	rs.Tags["method"] = rs.Method

	var err error
	if rs.URL, err = CompileTemplate("url", rc.URL); err != nil {
		return nil, err
	}
	for k, v := range rc.Headers {
		t, err := CompileTemplate("header "+k, v)
		if err != nil {
			return nil, err
		}
		rs.Headers[k] = t
	}

	switch {
	case rc.JSON != nil:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(rc.JSON); err != nil {
			return nil, fmt.Errorf("json body: %w", err)
		}
		if rs.Body, err = CompileTemplate("json", strings.TrimSpace(buf.String())); err != nil {
			return nil, err
		}
		rs.IsJSON = true
	case rc.Body != "":
		if rs.Body, err = CompileTemplate("body", rc.Body); err != nil {
			return nil, err
		}
	}

	if rc.Timeout != "" {
		d, err := config.ParseDurationString(rc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		rs.Timeout = d
	}

	if rs.Checks, err = check.CompileAll(rc.Checks); err != nil {
		return nil, err
	}

	for _, ex := range rc.Extract {
		e := Extractor{Name: ex.Name, Source: ex.Source, Path: ex.Path}
		if ex.Regex != "" {
			re, err := regexp.Compile(ex.Regex)
			if err != nil {
				return nil, fmt.Errorf("extract %s: %w", ex.Name, err)
			}
			e.Regex = re
		}
		rs.Extract = append(rs.Extract, e)
	}

	for _, em := range rc.Emit {
		rule := EmitRule{Metric: em.Metric, Tags: metrics.Tags{}}
		for k, v := range em.Tags {
			rule.Tags[k] = v
		}
		switch v := em.Value.(type) {
		case int:
			rule.Constant = float64(v)
		case int64:
			rule.Constant = float64(v)
		case float64:
			rule.Constant = v
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				rule.Constant = f
			} else {
				rule.Source = v
			}
		default:
			return nil, fmt.Errorf("emit %s: invalid value %v", em.Metric, em.Value)
		}
		rs.Emit = append(rs.Emit, rule)
	}

	return rs, nil
}
