package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Executor names.
const (
	ExecutorRampingVUs  = "ramping-vus"
	ExecutorConstantVUs = "constant-vus"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultGracefulStop      = 30 * time.Second
	DefaultGracefulRampDown  = 30 * time.Second
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultThresholdInterval = 2 * time.Second
	DefaultBucketInterval    = time.Second
	DefaultUserAgent         = "stampede/1.0"
)

// LoadConfig loads a scenario file. The format is chosen by extension:
// .json is JSON, everything else is YAML.
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data, path)
}

// ParseConfig parses configuration data; path is only used for its extension.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return &config, nil
}

// ParseDurationString parses a Go duration ("30s", "1h30m") or a bare
// number of seconds ("30").
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ScenarioDuration returns the scheduled length of a scenario: the explicit
// duration, or the sum of its stages.
func ScenarioDuration(sc *ScenarioConfig) (time.Duration, error) {
	if sc.Duration != "" {
		return ParseDurationString(sc.Duration)
	}

	if len(sc.Stages) > 0 {
		var total time.Duration
		for _, stage := range sc.Stages {
			d, err := ParseDurationString(stage.Duration)
			if err != nil {
				return 0, fmt.Errorf("invalid stage duration: %w", err)
			}
			total += d
		}
		return total, nil
	}

	return 0, fmt.Errorf("no duration specified and no stages defined")
}

// ApplyBaseURL overrides settings.baseUrl when baseURL is set. The CLI
// passes the BASE_URL environment variable here.
func ApplyBaseURL(config *TestConfig, baseURL string) {
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		config.Settings.BaseURL = strings.TrimRight(baseURL, "/")
	}
}

// ApplyDefaults fills in unset settings, options and scenario fields.
func ApplyDefaults(config *TestConfig) {
	if config.Settings.Timeout == 0 {
		config.Settings.Timeout = Duration(DefaultTimeout)
	}
	if config.Settings.MaxConnectionsPerHost == 0 {
		config.Settings.MaxConnectionsPerHost = 100
	}
	if config.Settings.MaxIdleConnsPerHost == 0 {
		config.Settings.MaxIdleConnsPerHost = 100
	}
	if config.Settings.UserAgent == "" {
		config.Settings.UserAgent = DefaultUserAgent
	}

	if config.Options == nil {
		config.Options = &ExecutionOptions{}
	}
	if config.Options.TickInterval == 0 {
		config.Options.TickInterval = Duration(DefaultTickInterval)
	}
	if config.Options.ThresholdInterval == 0 {
		config.Options.ThresholdInterval = Duration(DefaultThresholdInterval)
	}
	if config.Options.BucketInterval == 0 {
		config.Options.BucketInterval = Duration(DefaultBucketInterval)
	}

	for name, sc := range config.Scenarios {
		if sc != nil {
			applyScenarioDefaults(name, sc)
		}
	}
}

func applyScenarioDefaults(name string, sc *ScenarioConfig) {
	if sc.Executor == "" {
		if len(sc.Stages) > 0 {
			sc.Executor = ExecutorRampingVUs
		} else {
			sc.Executor = ExecutorConstantVUs
		}
	}
	if sc.Executor == ExecutorConstantVUs && sc.VUs == 0 {
		sc.VUs = 1
	}
	if sc.GracefulStop == "" {
		sc.GracefulStop = DefaultGracefulStop.String()
	}
	if sc.GracefulRampDown == "" {
		sc.GracefulRampDown = DefaultGracefulRampDown.String()
	}

	// requests: is shorthand for request steps and goes after explicit steps.
	for i := range sc.Requests {
		req := sc.Requests[i]
		sc.Steps = append(sc.Steps, StepConfig{Request: &req})
	}
	sc.Requests = nil

	n := 0
	for _, step := range sc.Steps {
		if step.Request == nil {
			continue
		}
		n++
		if step.Request.Name == "" {
			step.Request.Name = fmt.Sprintf("%s_request_%d", name, n)
		}
		if step.Request.Method == "" {
			step.Request.Method = "GET"
		}
		step.Request.Method = strings.ToUpper(step.Request.Method)
	}
}
