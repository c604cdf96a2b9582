package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stampede-load/stampede/internal/history"
	"github.com/stampede-load/stampede/internal/loadtest/config"
	"github.com/stampede-load/stampede/internal/loadtest/engine"
	"github.com/stampede-load/stampede/internal/output"
	"github.com/stampede-load/stampede/internal/promexport"
)

const progressInterval = time.Second

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a load test from a scenario file or flags",
		Long: `Run executes every scenario in the file concurrently and prints a summary.

Scenario file mode:
  stampede run examples/basic.yaml

Quick mode (single GET scenario):
  stampede run --url http://localhost:8000/api/users \
    --stages "30s:10,1m:10,30s:0" \
    --threshold "http_req_duration=p(95)<500"

The base URL comes from --base-url, then BASE_URL, then the file's
settings.baseUrl.

Exit codes: 0 passed, 99 thresholds failed, 104 invalid configuration,
105 interrupted, 108 aborted by a threshold, 1 any other error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTest(cmd, args)
		},
	}

	f := cmd.Flags()
	f.String("base-url", "", "base URL for relative request URLs (env BASE_URL)")
	f.String("summary-export", "", "write the JSON summary to this file")
	f.String("junit-export", "", "write threshold results as JUnit XML to this file")
	f.String("metrics-addr", "", "serve live Prometheus metrics on this address, e.g. :9464")
	f.BoolP("quiet", "q", false, "disable live progress, print only the outcome")
	f.Bool("no-color", false, "disable colored output")
	f.Bool("no-history", false, "do not record the run in the history database")
	f.String("history-db", "", "history database path (default ~/.stampede/history.db)")
	f.Bool("series", false, "include the per-second time series in the JSON summary")

	f.String("url", "", "URL to test in quick mode")
	f.Int("vus", 0, "VU count in quick mode without stages")
	f.String("duration", "", "test duration in quick mode without stages, e.g. 30s")
	f.String("stages", "", "ramping stages as 'duration:target,...' in quick mode")
	f.StringArray("threshold", nil, "threshold as 'metric=expression' in quick mode (repeatable)")
	return cmd
}

func (a *app) runTest(cmd *cobra.Command, args []string) error {
	cfg, err := a.loadTestConfig(cmd, args)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}
	config.ApplyBaseURL(cfg, a.v.GetString("base-url"))

	eng, err := engine.NewEngine(cfg, engine.Options{Logger: a.logger})
	if err != nil {
		if config.IsConfigurationError(err) {
			return exitWith(ExitConfigError, err)
		}
		return exitWith(ExitError, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := a.v.GetString("metrics-addr"); addr != "" {
		srv, err := promexport.NewServer(addr, eng.Aggregator(), eng.RunID(), a.logger)
		if err != nil {
			return exitWith(ExitError, err)
		}
		// The exporter outlives an interrupted run so the final state can be
		// scraped until the process exits.
		srvCtx, cancelSrv := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelSrv()
		go func() {
			if err := srv.Serve(srvCtx); err != nil {
				a.logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	console := output.NewConsole(output.ConsoleConfig{
		TestName:   cfg.Name,
		Writer:     a.stdout,
		TrendStats: cfg.Options.SummaryTrendStats,
		Quiet:      a.v.GetBool("quiet"),
		NoColor:    a.v.GetBool("no-color"),
	})
	executors := make(map[string]string, len(cfg.Scenarios))
	for name, sc := range cfg.Scenarios {
		executors[name] = sc.Executor
	}
	console.PrintHeader(executors)

	result, runErr := a.runWithProgress(ctx, eng, console)
	if result == nil {
		return exitWith(ExitError, runErr)
	}
	if runErr != nil {
		a.logger.WithError(runErr).Error("run finished with errors")
	}

	console.PrintSummary(result)

	summaryOpts := output.SummaryOptions{
		TrendStats:    cfg.Options.SummaryTrendStats,
		IncludeSeries: a.v.GetBool("series"),
	}
	if path := a.v.GetString("summary-export"); path != "" {
		if err := output.ExportSummary(path, result, summaryOpts); err != nil {
			return exitWith(ExitError, err)
		}
		a.logger.WithField("path", path).Info("summary written")
	}
	if path := a.v.GetString("junit-export"); path != "" {
		if err := output.ExportJUnit(path, result); err != nil {
			return exitWith(ExitError, err)
		}
		a.logger.WithField("path", path).Info("junit report written")
	}
	if !a.v.GetBool("no-history") {
		if err := a.saveHistory(output.BuildSummary(result, summaryOpts)); err != nil {
			a.logger.WithError(err).Warn("run not saved to history")
		}
	}

	if code := exitCode(result.Status); code != ExitOK {
		return exitWith(code, nil)
	}
	if runErr != nil {
		return exitWith(ExitError, runErr)
	}
	return nil
}

// runWithProgress runs the engine and feeds the console until it returns.
func (a *app) runWithProgress(ctx context.Context, eng *engine.Engine, console *output.Console) (*engine.TestResult, error) {
	type outcome struct {
		result *engine.TestResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := eng.Run(ctx)
		done <- outcome{res, err}
	}()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case o := <-done:
			return o.result, o.err
		case <-ticker.C:
			console.Update(output.StatsFromProgress(eng.Progress()))
		}
	}
}

func (a *app) saveHistory(s *output.Summary) error {
	path := a.v.GetString("history-db")
	if path == "" {
		var err error
		if path, err = history.DefaultPath(); err != nil {
			return err
		}
	}
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Save(history.NewRecord(s)); err != nil {
		return err
	}
	a.logger.WithFields(logrus.Fields{"id": s.RunID, "db": path}).Debug("run recorded")
	return nil
}

func exitCode(s engine.Status) int {
	switch s {
	case engine.StatusPassed:
		return ExitOK
	case engine.StatusThresholdsFailed:
		return ExitThresholdsFailed
	case engine.StatusInterrupted:
		return ExitInterrupted
	case engine.StatusAborted:
		return ExitAborted
	default:
		return ExitError
	}
}

// loadTestConfig reads the scenario file, or builds a single scenario from
// the quick-mode flags.
func (a *app) loadTestConfig(cmd *cobra.Command, args []string) (*config.TestConfig, error) {
	url := a.v.GetString("url")
	switch {
	case len(args) == 1 && url != "":
		return nil, errors.New("use either a scenario file or --url, not both")
	case len(args) == 1:
		return config.LoadConfig(args[0])
	case url != "":
		// StringArray keeps commas inside tag filters intact.
		thresholds, _ := cmd.Flags().GetStringArray("threshold")
		return buildConfigFromFlags(url,
			a.v.GetInt("vus"),
			a.v.GetString("duration"),
			a.v.GetString("stages"),
			thresholds)
	default:
		return nil, errors.New("a scenario file or --url is required")
	}
}

// buildConfigFromFlags builds a one-request scenario. Without stages it is
// a constant-vus run of vus users (default 10) for duration (default 30s).
func buildConfigFromFlags(url string, vus int, duration, stages string, thresholds []string) (*config.TestConfig, error) {
	sc := &config.ScenarioConfig{
		Requests: []config.RequestConfig{{
			Name:   "quick",
			Method: "GET",
			URL:    url,
		}},
	}

	if stages != "" {
		parsed, err := parseStages(stages)
		if err != nil {
			return nil, fmt.Errorf("invalid stages format: %w", err)
		}
		sc.Executor = config.ExecutorRampingVUs
		sc.Stages = parsed
	} else {
		if vus == 0 {
			vus = 10
		}
		if duration == "" {
			duration = "30s"
		}
		sc.Executor = config.ExecutorConstantVUs
		sc.VUs = vus
		sc.Duration = duration
	}

	cfg := &config.TestConfig{
		Name:        "Quick test",
		Description: "Generated from command line flags for " + url,
		Scenarios:   map[string]*config.ScenarioConfig{"default": sc},
	}

	for _, t := range thresholds {
		key, expr, ok := strings.Cut(t, "=")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(expr) == "" {
			return nil, fmt.Errorf("threshold %q: expected 'metric=expression'", t)
		}
		if cfg.Thresholds == nil {
			cfg.Thresholds = make(map[string]config.ThresholdList)
		}
		key = strings.TrimSpace(key)
		cfg.Thresholds[key] = append(cfg.Thresholds[key], config.ThresholdConfig{Threshold: strings.TrimSpace(expr)})
	}

	return cfg, nil
}

// parseStages parses "30s:10,2m:10,30s:0".
func parseStages(s string) ([]config.StageConfig, error) {
	var stages []config.StageConfig

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idx := strings.LastIndex(part, ":")
		if idx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}
		durationStr, targetStr := part[:idx], part[idx+1:]

		if _, err := config.ParseDurationString(durationStr); err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}
		target, err := strconv.Atoi(targetStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}
		if target < 0 {
			return nil, fmt.Errorf("stage %d: target must not be negative", i+1)
		}

		stages = append(stages, config.StageConfig{
			Duration: durationStr,
			Target:   target,
		})
	}

	if len(stages) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	return stages, nil
}
