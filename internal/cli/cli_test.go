package cli

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampede-load/stampede/internal/history"
	"github.com/stampede-load/stampede/internal/mockserver"
)

const scenarioYAML = `
name: cli smoke
settings:
  timeout: 2s
scenarios:
  browse:
    gracefulStop: 1s
    stages:
      - {duration: 500ms, target: 3}
      - {duration: 500ms, target: 0}
    requests:
      - name: GetUsers
        url: /api/users
        checks:
          - {type: status, value: 200}
thresholds:
  http_req_failed: "rate<0.01"
  http_req_duration: "%s"
options:
  tickInterval: 50ms
`

func mockServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(mockserver.New(mockserver.Config{LatencyScale: 0}).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func writeScenario(t *testing.T, durationThreshold string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	body := strings.Replace(scenarioYAML, "%s", durationThreshold, 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	// keep the user's defaults file and history out of tests
	t.Setenv("HOME", t.TempDir())
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Passed(t *testing.T) {
	dir := t.TempDir()
	summaryPath := filepath.Join(dir, "out", "summary.json")
	junitPath := filepath.Join(dir, "junit.xml")
	db := filepath.Join(dir, "history.db")

	code, stdout, stderr := execute(t, "run", writeScenario(t, "p(95)<2000"),
		"--base-url", mockServer(t),
		"--no-color",
		"--summary-export", summaryPath,
		"--junit-export", junitPath,
		"--history-db", db,
	)
	require.Equal(t, ExitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "http_req_duration")
	assert.Contains(t, stdout, "Completed")

	data, err := os.ReadFile(summaryPath)
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, "passed", summary["status"])

	xml, err := os.ReadFile(junitPath)
	require.NoError(t, err)
	assert.Contains(t, string(xml), "<testsuites")

	store, err := history.Open(db)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "cli smoke", runs[0].Name)
	assert.True(t, runs[0].Passed)
}

func TestRun_ThresholdsFailed(t *testing.T) {
	code, stdout, _ := execute(t, "run", writeScenario(t, "p(95)<0"),
		"--base-url", mockServer(t), "--no-color", "--no-history", "--quiet")
	assert.Equal(t, ExitThresholdsFailed, code)
	assert.Contains(t, stdout, "FAILED")
}

func TestRun_BaseURLFromEnvironment(t *testing.T) {
	t.Setenv("BASE_URL", mockServer(t))
	code, _, stderr := execute(t, "run", writeScenario(t, "p(95)<2000"), "--no-history", "--quiet")
	assert.Equal(t, ExitOK, code, "stderr: %s", stderr)
}

func TestRun_ConfigErrors(t *testing.T) {
	dir := t.TempDir()
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("name: x\nscenarios: {}\n"), 0o644))

	badThreshold := writeScenario(t, "p(95)<<500")

	tests := []struct {
		name string
		args []string
	}{
		{"missing file", []string{"run", filepath.Join(dir, "nope.yaml")}},
		{"no scenarios", []string{"run", invalid}},
		{"bad threshold", []string{"run", badThreshold}},
		{"nothing to run", []string{"run"}},
		{"file and url", []string{"run", invalid, "--url", "http://localhost"}},
		{"bad stages", []string{"run", "--url", "http://localhost", "--stages", "10s"}},
		{"bad quick threshold", []string{"run", "--url", "http://localhost", "--threshold", "p(95)<500"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := execute(t, append(tt.args, "--no-history")...)
			assert.Equal(t, ExitConfigError, code)
			assert.Contains(t, stderr, "Error:")
		})
	}
}

func TestRun_QuickMode(t *testing.T) {
	code, stdout, stderr := execute(t, "run",
		"--url", mockServer(t)+"/health",
		"--vus", "2", "--duration", "500ms",
		"--threshold", "http_req_failed=rate==0",
		"--no-history", "--no-color")
	require.Equal(t, ExitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "http_req_failed")
}

func TestValidate(t *testing.T) {
	code, stdout, _ := execute(t, "validate", writeScenario(t, "p(95)<500"))
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "✓")
	assert.Contains(t, stdout, "GetUsers")

	code, stdout, _ = execute(t, "validate", writeScenario(t, "p(95)<<500"))
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stdout, "✗")
}

func TestHistory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")
	code, _, stderr := execute(t, "run", writeScenario(t, "p(95)<2000"),
		"--base-url", mockServer(t), "--quiet", "--history-db", db)
	require.Equal(t, ExitOK, code, "stderr: %s", stderr)

	code, stdout, _ := execute(t, "history", "list", "--history-db", db)
	require.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "cli smoke")
	assert.Contains(t, stdout, "passed")

	store, err := history.Open(db)
	require.NoError(t, err)
	runs, err := store.List(1)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	id := runs[0].ID

	code, stdout, _ = execute(t, "history", "show", id, "--history-db", db)
	require.Equal(t, ExitOK, code)
	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	assert.Equal(t, id, summary["runId"])

	code, _, _ = execute(t, "history", "delete", id, "--history-db", db)
	assert.Equal(t, ExitOK, code)
	code, _, stderr = execute(t, "history", "show", id, "--history-db", db)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "not found")
}

func TestParseStages(t *testing.T) {
	stages, err := parseStages("30s:10, 2m:10,30s:0")
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, "2m", stages[1].Duration)
	assert.Equal(t, 0, stages[2].Target)

	for _, bad := range []string{"", "30s", "x:10", "30s:y", "30s:-1"} {
		_, err := parseStages(bad)
		assert.Error(t, err, bad)
	}
}

func TestBuildConfigFromFlags(t *testing.T) {
	cfg, err := buildConfigFromFlags("http://x/health", 0, "", "", []string{
		"http_req_duration{name:quick}=p(95)<500",
		"http_req_duration=p(99)<900",
	})
	require.NoError(t, err)
	sc := cfg.Scenarios["default"]
	assert.Equal(t, "constant-vus", sc.Executor)
	assert.Equal(t, 10, sc.VUs)
	assert.Equal(t, "30s", sc.Duration)
	assert.Len(t, cfg.Thresholds, 2)
	assert.Equal(t, "p(95)<500", cfg.Thresholds["http_req_duration{name:quick}"][0].Threshold)

	cfg, err = buildConfigFromFlags("http://x", 0, "", "1s:5,1s:0", nil)
	require.NoError(t, err)
	assert.Equal(t, "ramping-vus", cfg.Scenarios["default"].Executor)
	assert.Len(t, cfg.Scenarios["default"].Stages, 2)
}

func TestExitCodeError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"no-such-command"}, &stdout, &stderr)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestValidate_BundledExamples(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "examples", "*"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	code, stdout, _ := execute(t, append([]string{"validate"}, files...)...)
	assert.Equal(t, ExitOK, code, stdout)
	assert.NotContains(t, stdout, "✗")
}
