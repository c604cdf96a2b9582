// Package engine orchestrates a load test run: it compiles scenarios, runs
// their executors concurrently, feeds the shared aggregator and evaluates
// thresholds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stampede-load/stampede/internal/loadtest"
	"github.com/stampede-load/stampede/internal/loadtest/config"
	"github.com/stampede-load/stampede/internal/loadtest/executor"
	"github.com/stampede-load/stampede/internal/loadtest/metrics"
	"github.com/stampede-load/stampede/internal/loadtest/threshold"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusPassed           Status = "passed"
	StatusThresholdsFailed Status = "thresholds_failed"
	StatusAborted          Status = "aborted"
	StatusInterrupted      Status = "interrupted"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("engine is already running")

// Options customise an engine.
type Options struct {
	Logger logrus.FieldLogger

	// Executor performs requests; nil builds an HTTPExecutor from settings.
	Executor loadtest.RequestExecutor
}

// Engine is the main orchestrator for a load test.
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("test.yaml")
//	eng, _ := engine.NewEngine(cfg, engine.Options{})
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("Test passed: %v\n", result.Passed)
type Engine struct {
	config *config.TestConfig
	logger logrus.FieldLogger

	runID      string
	agg        *metrics.Aggregator
	sampler    *metrics.Sampler
	thresholds []*threshold.Threshold
	evaluator  *threshold.Evaluator

	requests     loadtest.RequestExecutor
	httpExecutor *loadtest.HTTPExecutor

	runners []*ScenarioRunner
	ids     atomic.Int64

	mu        sync.Mutex
	running   bool
	startTime time.Time
}

// ScenarioRunner ties a compiled scenario to its pool and executor.
type ScenarioRunner struct {
	Name     string
	Scenario *loadtest.Scenario
	Pool     *loadtest.VUPool
	Executor executor.Executor
}

// ScenarioResult contains the results of a single scenario.
type ScenarioResult struct {
	Name     string                   `json:"name"`
	Executor string                   `json:"executor"`
	Duration time.Duration            `json:"duration"`
	MaxVUs   int                      `json:"maxVUs"`
	PeakVUs  int                      `json:"peakVUs"`
	Timeline []executor.TimelinePoint `json:"timeline,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// TestResult contains the complete test results.
type TestResult struct {
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	Scenarios map[string]*ScenarioResult `json:"scenarios"`

	Metrics        *metrics.Snapshot     `json:"-"`
	TimeSeries     []*metrics.TimeBucket `json:"timeSeries,omitempty"`
	SteadyStateRPS float64               `json:"steadyStateRPS"`

	Thresholds []threshold.Result `json:"thresholds,omitempty"`
	Passed     bool               `json:"passed"`
	Status     Status             `json:"status"`
	AbortedBy  *threshold.Result  `json:"abortedBy,omitempty"`
}

// NewEngine validates cfg and prepares every scenario. Configuration
// problems are returned as config.ValidationErrors or threshold.ParseError.
func NewEngine(cfg *config.TestConfig, opts Options) (*Engine, error) {
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}

	e := &Engine{
		config: cfg,
		runID:  uuid.NewString(),
		agg:    metrics.NewAggregator(),
	}
	e.logger = logger.WithField("run", e.runID)

	if err := e.registerMetrics(); err != nil {
		return nil, err
	}

	e.requests = opts.Executor
	if e.requests == nil {
		e.httpExecutor = loadtest.NewHTTPExecutor(loadtest.HTTPClientConfigFromSettings(cfg.Settings))
		e.requests = e.httpExecutor
	}

	if err := e.buildScenarios(); err != nil {
		return nil, err
	}

	e.sampler = metrics.NewSampler(e.agg, metrics.SamplerConfig{
		BucketInterval: cfg.Options.BucketInterval.GetDuration(config.DefaultBucketInterval),
	}, e.vuCounts)

	return e, nil
}

func (e *Engine) registerMetrics() error {
	custom, err := e.config.CustomMetrics()
	if err != nil {
		return err
	}
	for _, m := range custom {
		if err := e.agg.Register(m); err != nil {
			return fmt.Errorf("register metric %s: %w", m.Name, err)
		}
	}

	e.thresholds, err = e.config.ParseThresholds()
	if err != nil {
		return err
	}
	if err := threshold.Validate(e.thresholds, e.agg.Lookup); err != nil {
		return err
	}
	for _, t := range e.thresholds {
		if len(t.Tags) == 0 {
			continue
		}
		if _, err := e.agg.RegisterSubmetric(t.Metric, t.Tags); err != nil {
			return fmt.Errorf("threshold %s: %w", t.Key, err)
		}
	}
	e.evaluator = threshold.NewEvaluator(e.thresholds)
	return nil
}

func (e *Engine) buildScenarios() error {
	tick := e.config.Options.TickInterval.GetDuration(config.DefaultTickInterval)

	names := make([]string, 0, len(e.config.Scenarios))
	for name := range e.config.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sc := e.config.Scenarios[name]

		scenario, err := loadtest.NewScenario(name, sc, e.config)
		if err != nil {
			return fmt.Errorf("failed to build scenario %s: %w", name, err)
		}
		if err := e.checkEmitTargets(scenario); err != nil {
			return err
		}

		// per-request latency breakdown in the summary
		for _, req := range scenario.RequestNames() {
			if _, err := e.agg.RegisterSubmetric(metrics.HTTPReqDuration, metrics.Tags{"name": req}); err != nil {
				return err
			}
		}

		execCfg, err := executor.ConfigFromScenario(name, sc, tick)
		if err != nil {
			return fmt.Errorf("failed to create executor for scenario %s: %w", name, err)
		}

		pool := loadtest.NewVUPool(loadtest.PoolConfig{
			Scenario:         scenario,
			Executor:         e.requests,
			Metrics:          e.agg,
			Logger:           e.logger,
			GracefulRampDown: execCfg.GracefulRampDown,
			IDs:              &e.ids,
		})

		exec, err := executor.NewExecutor(execCfg, executor.Deps{
			Pool:    pool,
			Logger:  e.logger,
			OnPhase: e.onPhase,
		})
		if err != nil {
			return fmt.Errorf("failed to create executor for scenario %s: %w", name, err)
		}

		e.runners = append(e.runners, &ScenarioRunner{
			Name:     name,
			Scenario: scenario,
			Pool:     pool,
			Executor: exec,
		})
	}
	return nil
}

// checkEmitTargets rejects emit rules naming a metric the aggregator does
// not know, since their samples would be dropped on every iteration.
func (e *Engine) checkEmitTargets(s *loadtest.Scenario) error {
	errs := &config.ValidationErrors{}
	for _, m := range s.EmittedMetrics() {
		if _, ok := e.agg.Lookup(m); !ok {
			errs.Add("scenarios."+s.Name+".emit", fmt.Sprintf("metric %q is not registered", m))
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// RunID identifies this run.
func (e *Engine) RunID() string {
	return e.runID
}

// Aggregator returns the run's metric aggregator.
func (e *Engine) Aggregator() *metrics.Aggregator {
	return e.agg
}

// Runners returns the scenario runners sorted by name.
func (e *Engine) Runners() []*ScenarioRunner {
	return e.runners
}

// Progress is a live view of the run for progress displays.
type Progress struct {
	Elapsed   time.Duration
	Fraction  float64
	ActiveVUs int
	TargetVUs int
	Phase     metrics.Phase
	Latest    *metrics.TimeBucket
}

// Progress returns the current progress across all scenarios.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	start := e.startTime
	e.mu.Unlock()

	p := Progress{Phase: e.sampler.Phase(), Latest: e.sampler.Latest()}
	if !start.IsZero() {
		p.Elapsed = time.Since(start)
	}
	p.ActiveVUs, p.TargetVUs = e.vuCounts()
	for _, r := range e.runners {
		p.Fraction += r.Executor.GetProgress()
	}
	if len(e.runners) > 0 {
		p.Fraction /= float64(len(e.runners))
	}
	return p
}

func (e *Engine) vuCounts() (active, target int) {
	for _, r := range e.runners {
		active += r.Pool.Active()
		target += r.Executor.GetTargetVUs()
	}
	return active, target
}

func (e *Engine) onPhase(p metrics.Phase) {
	if len(e.runners) <= 1 {
		e.sampler.SetPhase(p)
		return
	}
	// With several scenarios the run is done only when all are.
	if p == metrics.PhaseDone {
		for _, r := range e.runners {
			if r.Executor.GetProgress() < 1 {
				return
			}
		}
	}
	e.sampler.SetPhase(p)
}

// Run executes all scenarios concurrently and returns the test results.
//
// Cancelling ctx interrupts the run: VUs finish their current request and
// the result has StatusInterrupted. A failing abortOnFail threshold stops
// the run with StatusAborted.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.startTime = time.Now()
	start := e.startTime
	e.mu.Unlock()

	if e.httpExecutor != nil {
		defer e.httpExecutor.Close()
	}

	e.logger.WithFields(logrus.Fields{
		"name":      e.config.Name,
		"scenarios": len(e.runners),
	}).Info("starting test run")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	e.sampler.Start(runCtx)

	var abortedBy *threshold.Result
	var abortMu sync.Mutex
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		e.monitor(runCtx, start, func(res threshold.Result) {
			abortMu.Lock()
			abortedBy = &res
			abortMu.Unlock()
			cancelRun()
		})
	}()

	g, gctx := errgroup.WithContext(runCtx)
	for _, r := range e.runners {
		g.Go(func() error {
			if err := r.Executor.Run(gctx); err != nil {
				return fmt.Errorf("scenario %s failed: %w", r.Name, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	cancelRun()
	<-monitorDone
	e.recordVUs()
	e.sampler.Stop()
	e.agg.Stop()

	end := time.Now()
	snap := e.agg.Snapshot()
	results := e.evaluator.Final(snap)
	rps, _ := e.sampler.SteadyStateRPS()

	result := &TestResult{
		RunID:          e.runID,
		Name:           e.config.Name,
		Description:    e.config.Description,
		StartTime:      start,
		EndTime:        end,
		Duration:       end.Sub(start),
		Scenarios:      make(map[string]*ScenarioResult, len(e.runners)),
		Metrics:        snap,
		TimeSeries:     e.sampler.Buckets(),
		SteadyStateRPS: rps,
		Thresholds:     results,
		Passed:         threshold.AllPassed(results),
	}
	for _, r := range e.runners {
		sr := &ScenarioResult{
			Name:     r.Name,
			Executor: string(r.Executor.Type()),
			Duration: r.Executor.GetStats().Elapsed,
			MaxVUs:   r.Executor.MaxVUs(),
			PeakVUs:  r.Pool.Peak(),
			Timeline: r.Executor.Timeline(),
		}
		result.Scenarios[r.Name] = sr
	}

	abortMu.Lock()
	result.AbortedBy = abortedBy
	abortMu.Unlock()

	switch {
	case result.AbortedBy != nil:
		result.Status = StatusAborted
		result.Passed = false
	case ctx.Err() != nil:
		result.Status = StatusInterrupted
	case !result.Passed:
		result.Status = StatusThresholdsFailed
	default:
		result.Status = StatusPassed
	}

	e.logger.WithFields(logrus.Fields{
		"status":   result.Status,
		"duration": result.Duration.Round(time.Millisecond),
	}).Info("test run finished")

	return result, runErr
}

// monitor records VU gauges every bucket interval and, when any threshold
// can abort, re-evaluates thresholds every threshold interval.
func (e *Engine) monitor(ctx context.Context, start time.Time, abort func(threshold.Result)) {
	gauge := time.NewTicker(e.config.Options.BucketInterval.GetDuration(config.DefaultBucketInterval))
	defer gauge.Stop()

	var check <-chan time.Time
	if e.evaluator.HasAbortable() {
		t := time.NewTicker(e.config.Options.ThresholdInterval.GetDuration(config.DefaultThresholdInterval))
		defer t.Stop()
		check = t.C
	}

	e.recordVUs()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gauge.C:
			e.recordVUs()
		case <-check:
			if res, failed := e.evaluator.CheckAbort(e.agg.Snapshot(), time.Since(start)); failed {
				e.logger.WithFields(logrus.Fields{
					"threshold": res.Key,
					"expr":      res.Expression,
				}).Warn("threshold crossed, aborting run")
				abort(res)
				return
			}
		}
	}
}

func (e *Engine) recordVUs() {
	var active, peak int
	for _, r := range e.runners {
		active += r.Pool.Running()
		peak += r.Pool.Peak()
	}
	now := time.Now()
	if err := e.agg.AddBatch([]metrics.Sample{
		{Metric: metrics.VUs, Value: float64(active), Time: now},
		{Metric: metrics.VUsMax, Value: float64(peak), Time: now},
	}); err != nil {
		e.logger.WithError(err).Debug("vu gauges dropped")
	}
}
