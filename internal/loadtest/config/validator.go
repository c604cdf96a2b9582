package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/stampede-load/stampede/internal/loadtest/check"
	"github.com/stampede-load/stampede/internal/loadtest/metrics"
	"github.com/stampede-load/stampede/internal/loadtest/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors. It is the
// configuration error type: any run that fails validation never starts.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// IsConfigurationError reports whether err stems from invalid configuration.
func IsConfigurationError(err error) bool {
	var ve *ValidationErrors
	var pe *threshold.ParseError
	return errors.As(err, &ve) || errors.As(err, &pe)
}

var emitSources = map[string]bool{
	"duration":      true,
	"failed":        true,
	"passed":        true,
	"checks_failed": true,
	"checks_passed": true,
}

// Validate validates the entire test configuration. Call ApplyDefaults first.
//
// Returns nil if valid, or a *ValidationErrors containing every problem found.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	if len(c.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}

	custom := validateMetrics(c.Metrics, errs)

	for _, name := range sortedKeys(c.Scenarios) {
		sc := c.Scenarios[name]
		if sc == nil {
			errs.Add("scenarios."+name, "scenario is empty")
			continue
		}
		validateScenario(name, sc, custom, errs)
	}

	validateThresholds(c.Thresholds, custom, errs)
	validateSettings(&c.Settings, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// CustomMetrics converts the metrics block into metric definitions.
func (c *TestConfig) CustomMetrics() ([]metrics.Metric, error) {
	out := make([]metrics.Metric, 0, len(c.Metrics))
	for _, name := range sortedKeys(c.Metrics) {
		mc := c.Metrics[name]
		typ, err := metrics.ParseMetricType(mc.Type)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", name, err)
		}
		m := metrics.Metric{Name: name, Type: typ}
		switch strings.ToLower(mc.Contains) {
		case "time":
			m.Contains = metrics.Time
		case "data":
			m.Contains = metrics.Data
		}
		out = append(out, m)
	}
	return out, nil
}

// ParseThresholds parses every threshold definition, sorted by key.
func (c *TestConfig) ParseThresholds() ([]*threshold.Threshold, error) {
	var out []*threshold.Threshold
	for _, key := range sortedKeys(c.Thresholds) {
		defs := make([]threshold.Definition, 0, len(c.Thresholds[key]))
		for _, tc := range c.Thresholds[key] {
			defs = append(defs, threshold.Definition{
				Expression:     tc.Threshold,
				AbortOnFail:    tc.AbortOnFail,
				DelayAbortEval: tc.DelayAbortEval.GetDuration(0),
			})
		}
		ts, err := threshold.Parse(key, defs)
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
	}
	return out, nil
}

func validateMetrics(ms map[string]MetricConfig, errs *ValidationErrors) map[string]metrics.Metric {
	known := make(map[string]metrics.Metric)
	for _, m := range metrics.BuiltinMetrics() {
		known[m.Name] = m
	}

	validName := regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	for _, name := range sortedKeys(ms) {
		mc := ms[name]
		field := "metrics." + name
		if !validName.MatchString(name) {
			errs.Add(field, "metric names may only contain letters, digits and underscores")
			continue
		}
		if _, builtin := known[name]; builtin {
			errs.Add(field, "conflicts with a built-in metric")
			continue
		}
		typ, err := metrics.ParseMetricType(mc.Type)
		if err != nil {
			errs.Add(field+".type", err.Error())
			continue
		}
		m := metrics.Metric{Name: name, Type: typ}
		switch strings.ToLower(mc.Contains) {
		case "", "default":
		case "time":
			m.Contains = metrics.Time
		case "data":
			m.Contains = metrics.Data
		default:
			errs.Add(field+".contains", fmt.Sprintf("invalid value %q (want time or data)", mc.Contains))
		}
		known[name] = m
	}
	return known
}

func validateScenario(name string, sc *ScenarioConfig, known map[string]metrics.Metric, errs *ValidationErrors) {
	prefix := fmt.Sprintf("scenarios.%s", name)

	switch sc.Executor {
	case ExecutorRampingVUs:
		if len(sc.Stages) == 0 {
			errs.Add(prefix+".stages", "at least one stage is required for ramping-vus executor")
		}
		if sc.StartVUs < 0 {
			errs.Add(prefix+".startVUs", "startVUs cannot be negative")
		}
	case ExecutorConstantVUs:
		if sc.VUs <= 0 {
			errs.Add(prefix+".vus", "vus must be greater than 0")
		}
		if sc.Duration == "" {
			errs.Add(prefix+".duration", "duration is required for constant-vus executor")
		} else if d, err := ParseDurationString(sc.Duration); err != nil {
			errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
		} else if d <= 0 {
			errs.Add(prefix+".duration", "duration must be positive")
		}
	case "":
		errs.Add(prefix+".executor", "executor type is required")
	default:
		errs.Add(prefix+".executor", fmt.Sprintf("unknown executor type: %s", sc.Executor))
	}

	for i, stage := range sc.Stages {
		validateStage(fmt.Sprintf("%s.stages[%d]", prefix, i), &stage, errs)
	}

	validateDurationField(prefix+".gracefulStop", sc.GracefulStop, errs)
	validateDurationField(prefix+".gracefulRampDown", sc.GracefulRampDown, errs)
	validateDurationField(prefix+".startTime", sc.StartTime, errs)

	if sc.Pacing != nil {
		validatePacing(prefix+".pacing", sc.Pacing, errs)
	}

	if len(sc.Steps) == 0 && len(sc.Requests) == 0 {
		errs.Add(prefix+".steps", "at least one step is required")
	}
	hasRequest := len(sc.Requests) > 0
	for i, step := range sc.Steps {
		field := fmt.Sprintf("%s.steps[%d]", prefix, i)
		switch {
		case step.Request != nil && step.Sleep != nil:
			errs.Add(field, "a step is either a request or a sleep, not both")
		case step.Request != nil:
			hasRequest = true
			validateRequest(field+".request", step.Request, known, errs)
		case step.Sleep != nil:
			validateSleep(field+".sleep", step.Sleep, errs)
		default:
			errs.Add(field, "step must define request or sleep")
		}
	}
	for i := range sc.Requests {
		validateRequest(fmt.Sprintf("%s.requests[%d]", prefix, i), &sc.Requests[i], known, errs)
	}
	if (len(sc.Steps) > 0 || len(sc.Requests) > 0) && !hasRequest {
		errs.Add(prefix+".steps", "at least one request step is required")
	}
}

func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	} else if d, err := ParseDurationString(stage.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d <= 0 {
		errs.Add(prefix+".duration", "duration must be positive")
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

func validateDurationField(field, value string, errs *ValidationErrors) {
	if value == "" {
		return
	}
	d, err := ParseDurationString(value)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
		return
	}
	if d < 0 {
		errs.Add(field, "duration cannot be negative")
	}
}

func validateRequest(prefix string, req *RequestConfig, known map[string]metrics.Metric, errs *ValidationErrors) {
	validMethods := map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true,
		"PATCH": true, "HEAD": true, "OPTIONS": true,
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		errs.Add(prefix+".method", "method is required")
	} else if !validMethods[method] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", req.Method))
	}

	if req.URL == "" {
		errs.Add(prefix+".url", "url is required")
	} else if _, err := url.Parse(placeholderRe.ReplaceAllString(req.URL, "placeholder")); err != nil {
		errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
	}

	if req.Body != "" && req.JSON != nil {
		errs.Add(prefix+".body", "body and json are mutually exclusive")
	}

	validateDurationField(prefix+".timeout", req.Timeout, errs)
	validateDurationField(prefix+".thinkTime", req.ThinkTime, errs)

	for i, ex := range req.Extract {
		validateExtract(fmt.Sprintf("%s.extract[%d]", prefix, i), &ex, errs)
	}

	for i, c := range req.Checks {
		if _, err := check.Compile(c); err != nil {
			errs.Add(fmt.Sprintf("%s.checks[%d]", prefix, i), err.Error())
		}
	}

	for i, em := range req.Emit {
		field := fmt.Sprintf("%s.emit[%d]", prefix, i)
		if _, ok := known[em.Metric]; !ok {
			errs.Add(field+".metric", fmt.Sprintf("unknown metric %q (declare it under metrics)", em.Metric))
		}
		if !validEmitValue(em.Value) {
			errs.Add(field+".value", fmt.Sprintf("invalid value %v", em.Value))
		}
	}
}

var placeholderRe = regexp.MustCompile(`\{\{[^}]*\}\}`)

func validEmitValue(v interface{}) bool {
	switch t := v.(type) {
	case int, int64, float64:
		return true
	case string:
		if emitSources[t] {
			return true
		}
		_, err := strconv.ParseFloat(t, 64)
		return err == nil
	}
	return false
}

func validateSleep(prefix string, s *SleepConfig, errs *ValidationErrors) {
	if s.Duration < 0 || s.Min < 0 || s.Max < 0 {
		errs.Add(prefix, "sleep cannot be negative")
		return
	}
	if s.IsRandom() && s.Min > s.Max {
		errs.Add(prefix, "min must be less than or equal to max")
	}
	if s.Duration == 0 && s.Min == 0 && s.Max == 0 {
		errs.Add(prefix, "sleep duration is required")
	}
}

func validatePacing(prefix string, pacing *PacingConfig, errs *ValidationErrors) {
	switch pacing.Type {
	case "none":
	case "constant":
		if pacing.Duration == "" {
			errs.Add(prefix+".duration", "duration is required for constant pacing")
		} else {
			validateDurationField(prefix+".duration", pacing.Duration, errs)
		}
	case "random":
		if pacing.Min == "" {
			errs.Add(prefix+".min", "min is required for random pacing")
		}
		if pacing.Max == "" {
			errs.Add(prefix+".max", "max is required for random pacing")
		}
		minDur, err1 := ParseDurationString(pacing.Min)
		maxDur, err2 := ParseDurationString(pacing.Max)
		if err1 != nil {
			errs.Add(prefix+".min", fmt.Sprintf("invalid min: %v", err1))
		}
		if err2 != nil {
			errs.Add(prefix+".max", fmt.Sprintf("invalid max: %v", err2))
		}
		if err1 == nil && err2 == nil && minDur > maxDur {
			errs.Add(prefix, "min must be less than or equal to max")
		}
	default:
		errs.Add(prefix+".type", fmt.Sprintf("invalid pacing type: %s", pacing.Type))
	}
}

func validateExtract(prefix string, extract *ExtractConfig, errs *ValidationErrors) {
	if extract.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}

	switch extract.Source {
	case "body", "header", "status":
	case "":
		errs.Add(prefix+".source", "source is required")
	default:
		errs.Add(prefix+".source", fmt.Sprintf("invalid source: %s", extract.Source))
	}

	if extract.Source == "header" && extract.Path == "" {
		errs.Add(prefix+".path", "header name is required")
	}
	if extract.Regex != "" {
		if _, err := regexp.Compile(extract.Regex); err != nil {
			errs.Add(prefix+".regex", fmt.Sprintf("invalid regex: %v", err))
		}
	}
}

func validateThresholds(ts map[string]ThresholdList, known map[string]metrics.Metric, errs *ValidationErrors) {
	lookup := func(name string) (metrics.Metric, bool) {
		m, ok := known[name]
		return m, ok
	}

	for _, key := range sortedKeys(ts) {
		field := "thresholds." + key
		defs := make([]threshold.Definition, 0, len(ts[key]))
		for _, tc := range ts[key] {
			defs = append(defs, threshold.Definition{
				Expression:     tc.Threshold,
				AbortOnFail:    tc.AbortOnFail,
				DelayAbortEval: tc.DelayAbortEval.GetDuration(0),
			})
		}
		parsed, err := threshold.Parse(key, defs)
		if err != nil {
			errs.Add(field, err.Error())
			continue
		}
		if err := threshold.Validate(parsed, lookup); err != nil {
			errs.Add(field, err.Error())
		}
	}
}

func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		} else if u.Scheme == "" || u.Host == "" {
			errs.Add("settings.baseUrl", "must be an absolute URL such as http://localhost:8000")
		}
	}

	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
	if s.MaxRPS < 0 {
		errs.Add("settings.maxRPS", "cannot be negative")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
