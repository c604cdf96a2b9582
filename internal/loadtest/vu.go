package loadtest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampede-load/stampede/internal/loadtest/check"
	"github.com/stampede-load/stampede/internal/loadtest/metrics"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is executing an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU has been asked to stop.
	VUStateStopping
	// VUStateStopped indicates the VU goroutine has exited.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrVUStopping is returned by RunIteration once a stop was requested.
	ErrVUStopping = errors.New("vu is stopping")

	// ErrIterationInterrupted is returned when a stop arrives mid-iteration.
	ErrIterationInterrupted = errors.New("iteration interrupted")
)

// SampleSink receives the samples a VU produces.
type SampleSink interface {
	AddBatch(samples []metrics.Sample) error
}

// VirtualUser is a single simulated user looping over a scenario.
//
// Each VU has its own variable scope and iteration counter. Requests run on a
// context detached from the run context; only HardStop cancels them.
type VirtualUser struct {
	ID       int
	Scenario *Scenario
	Executor RequestExecutor
	Metrics  SampleSink
	Logger   logrus.FieldLogger

	state atomic.Int32

	stopCh chan struct{}
	doneCh chan struct{}

	hardCtx  context.Context
	hardStop context.CancelFunc

	iteration atomic.Int64

	data   map[string]string
	dataMu sync.RWMutex
}

// NewVirtualUser creates a VU. It does nothing until RunIteration is called.
func NewVirtualUser(id int, scenario *Scenario, executor RequestExecutor, sink SampleSink, logger logrus.FieldLogger) *VirtualUser {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	hardCtx, hardStop := context.WithCancel(context.Background())
	return &VirtualUser{
		ID:       id,
		Scenario: scenario,
		Executor: executor,
		Metrics:  sink,
		Logger:   logger.WithField("vu", id),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		hardCtx:  hardCtx,
		hardStop: hardStop,
		data:     make(map[string]string),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// IsActive reports whether the VU is neither stopping nor stopped.
func (vu *VirtualUser) IsActive() bool {
	s := vu.GetState()
	return s == VUStateIdle || s == VUStateRunning
}

// GetIteration returns the number of iterations started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// RunIteration executes every step of the scenario once.
//
// A stop request or ctx cancellation is honoured between steps and during
// sleeps; an in-flight request always completes unless HardStop is called.
// Only completed iterations are counted in the iterations metric.
func (vu *VirtualUser) RunIteration(ctx context.Context) error {
	if !vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning)) {
		return ErrVUStopping
	}
	defer vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))

	iter := vu.iteration.Add(1) - 1
	start := time.Now()

	for _, step := range vu.Scenario.Steps {
		if err := vu.interrupted(ctx); err != nil {
			return err
		}

		switch {
		case step.Request != nil:
			vu.runRequest(ctx, step.Request, iter)
		case step.Sleep != nil:
			if !vu.sleep(ctx, step.Sleep.Duration()) {
				return vu.interrupted(ctx)
			}
		}
	}

	end := time.Now()
	tags := vu.Scenario.Tags
	vu.record([]metrics.Sample{
		{Metric: metrics.Iterations, Value: 1, Time: end, Tags: tags},
		{Metric: metrics.IterationDuration, Value: metrics.Millis(end.Sub(start)), Time: end, Tags: tags},
	})
	return nil
}

func (vu *VirtualUser) interrupted(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-vu.stopCh:
		return ErrIterationInterrupted
	default:
		return nil
	}
}

// sleep waits for d; it returns false when interrupted.
func (vu *VirtualUser) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-vu.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// Pace sleeps between iterations; it returns false when interrupted.
func (vu *VirtualUser) Pace(ctx context.Context) bool {
	return vu.sleep(ctx, vu.Scenario.Pacing.Next())
}

func (vu *VirtualUser) runRequest(ctx context.Context, rs *RequestStep, iter int64) {
	tags := mergeTags(vu.Scenario.Tags, rs.Tags)

	req, err := vu.buildRequest(rs, iter)
	if err != nil {
		vu.Logger.WithError(err).WithField("request", rs.Name).Debug("request build failed")
		tags["status"] = "0"
		tags["error"] = "template"
		vu.record(vu.failedSamples(rs, tags, time.Now()))
		return
	}

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(vu.hardCtx, cancel)
	resp := vu.Executor.Execute(reqCtx, req)
	stop()
	cancel()

	now := time.Now()
	failed := resp.Err != nil || resp.Status >= 400
	tags["status"] = strconv.Itoa(resp.Status)
	if resp.Err != nil {
		tags["error"] = errorClass(resp.Err)
		vu.Logger.WithError(resp.Err).WithFields(logrus.Fields{
			"request": rs.Name,
			"url":     req.URL,
		}).Debug("request failed")
	}

	samples := make([]metrics.Sample, 0, 8+len(rs.Checks)+len(rs.Emit))
	samples = append(samples,
		metrics.Sample{Metric: metrics.HTTPReqs, Value: 1, Time: now, Tags: tags},
		metrics.Sample{Metric: metrics.HTTPReqDuration, Value: metrics.Millis(resp.Duration), Time: now, Tags: tags},
		metrics.Sample{Metric: metrics.HTTPReqConnecting, Value: metrics.Millis(resp.Connecting), Time: now, Tags: tags},
		metrics.Sample{Metric: metrics.HTTPReqWaiting, Value: metrics.Millis(resp.Waiting), Time: now, Tags: tags},
		metrics.Sample{Metric: metrics.HTTPReqFailed, Value: metrics.Bool(failed), Time: now, Tags: tags},
		metrics.Sample{Metric: metrics.DataSent, Value: float64(resp.BytesSent), Time: now, Tags: tags},
		metrics.Sample{Metric: metrics.DataReceived, Value: float64(resp.BytesReceived), Time: now, Tags: tags},
	)

	target := check.Target{Status: resp.Status, Header: resp.Header, Body: resp.Body, Duration: resp.Duration}
	checksPassed := true
	for _, c := range rs.Checks {
		res := c.Evaluate(target)
		if !res.Passed {
			checksPassed = false
			vu.Logger.WithFields(logrus.Fields{
				"request": rs.Name,
				"check":   res.Name,
			}).Debug(res.Message)
		}
		samples = append(samples, metrics.Sample{
			Metric: metrics.Checks,
			Value:  metrics.Bool(res.Passed),
			Time:   now,
			Tags:   tags.With("check", res.Name),
		})
	}

	samples = append(samples, emitSamples(rs, tags, now, outcome{
		duration:     resp.Duration,
		failed:       failed,
		checksPassed: checksPassed,
	})...)

	vu.record(samples)

	if resp.Err == nil && len(rs.Extract) > 0 {
		vu.extract(rs.Extract, resp)
	}
}

// failedSamples is recorded for a request that could not be built.
func (vu *VirtualUser) failedSamples(rs *RequestStep, tags metrics.Tags, now time.Time) []metrics.Sample {
	samples := []metrics.Sample{
		{Metric: metrics.HTTPReqFailed, Value: 1, Time: now, Tags: tags},
	}
	for _, c := range rs.Checks {
		samples = append(samples, metrics.Sample{
			Metric: metrics.Checks,
			Time:   now,
			Tags:   tags.With("check", c.DisplayName()),
		})
	}
	return append(samples, emitSamples(rs, tags, now, outcome{failed: true, checksPassed: len(rs.Checks) == 0, noDuration: true})...)
}

type outcome struct {
	duration     time.Duration
	failed       bool
	checksPassed bool
	noDuration   bool
}

func emitSamples(rs *RequestStep, tags metrics.Tags, now time.Time, o outcome) []metrics.Sample {
	var samples []metrics.Sample
	for _, rule := range rs.Emit {
		var v float64
		switch rule.Source {
		case "":
			v = rule.Constant
		case EmitDuration:
			if o.noDuration {
				continue
			}
			v = metrics.Millis(o.duration)
		case EmitFailed:
			v = metrics.Bool(o.failed)
		case EmitPassed:
			v = metrics.Bool(!o.failed)
		case EmitChecksFailed:
			v = metrics.Bool(!o.checksPassed)
		case EmitChecksPassed:
			v = metrics.Bool(o.checksPassed)
		default:
			continue
		}
		samples = append(samples, metrics.Sample{
			Metric: rule.Metric,
			Value:  v,
			Time:   now,
			Tags:   mergeTags(tags, rule.Tags),
		})
	}
	return samples
}

func (vu *VirtualUser) record(samples []metrics.Sample) {
	if vu.Metrics == nil || len(samples) == 0 {
		return
	}
	if err := vu.Metrics.AddBatch(samples); err != nil {
		vu.Logger.WithError(err).Warn("dropped samples")
	}
}

// Variables returns the template variables visible to the next request.
func (vu *VirtualUser) Variables(iter int64) map[string]string {
	vars := make(map[string]string, len(vu.Scenario.Variables)+len(vu.data)+2)
	for k, v := range vu.Scenario.Variables {
		vars[k] = v
	}
	vu.dataMu.RLock()
	for k, v := range vu.data {
		vars[k] = v
	}
	vu.dataMu.RUnlock()
	vars["vu"] = strconv.Itoa(vu.ID)
	vars["iter"] = strconv.FormatInt(iter, 10)
	return vars
}

func (vu *VirtualUser) buildRequest(rs *RequestStep, iter int64) (*Request, error) {
	vars := vu.Variables(iter)

	url, err := rs.URL.Render(vars)
	if err != nil {
		return nil, fmt.Errorf("render url: %w", err)
	}
	if strings.HasPrefix(url, "/") {
		url = vu.Scenario.BaseURL + url
	}

	req := &Request{
		Method:  rs.Method,
		URL:     url,
		Header:  make(http.Header, len(vu.Scenario.Headers)+len(rs.Headers)),
		Timeout: rs.Timeout,
	}
	for k, v := range vu.Scenario.Headers {
		req.Header.Set(k, v)
	}
	for k, t := range rs.Headers {
		v, err := t.Render(vars)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", k, err)
		}
		req.Header.Set(k, v)
	}

	if rs.Body != nil {
		body, err := rs.Body.Render(vars)
		if err != nil {
			return nil, fmt.Errorf("render body: %w", err)
		}
		req.Body = []byte(body)
		if rs.IsJSON && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	return req, nil
}

func (vu *VirtualUser) extract(exs []Extractor, resp *Response) {
	for _, ex := range exs {
		var value string
		switch ex.Source {
		case "header":
			value = resp.Header.Get(ex.Path)
		case "status":
			value = strconv.Itoa(resp.Status)
		default:
			if ex.Path == "" {
				value = string(resp.Body)
			} else {
				v, err := check.ExtractString(resp.Body, ex.Path)
				if err != nil {
					vu.Logger.WithError(err).WithField("variable", ex.Name).Debug("extraction failed")
					continue
				}
				value = v
			}
		}

		if ex.Regex != nil {
			m := ex.Regex.FindStringSubmatch(value)
			switch {
			case len(m) > 1:
				value = m[1]
			case len(m) == 1:
				value = m[0]
			default:
				value = ""
			}
		}

		if value != "" {
			vu.SetData(ex.Name, value)
		}
	}
}

// RequestStop asks the VU to exit after its current request step.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// HardStop requests a stop and cancels any in-flight request.
func (vu *VirtualUser) HardStop() {
	vu.RequestStop()
	vu.hardStop()
}

// WaitForStop reports whether the VU goroutine exited within timeout.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed when the VU has stopped.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// MarkStopped marks the VU as fully stopped.
// Should be called by the pool when the VU goroutine exits.
func (vu *VirtualUser) MarkStopped() {
	for {
		s := vu.state.Load()
		if VUState(s) == VUStateStopped {
			return
		}
		if vu.state.CompareAndSwap(s, int32(VUStateStopped)) {
			if VUState(s) != VUStateStopping {
				close(vu.stopCh)
			}
			break
		}
	}
	vu.hardStop()
	close(vu.doneCh)
}

// SetData stores a value in the VU's variable scope.
func (vu *VirtualUser) SetData(key, value string) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	vu.data[key] = value
}

// GetData retrieves a value from the VU's variable scope.
func (vu *VirtualUser) GetData(key string) (string, bool) {
	vu.dataMu.RLock()
	defer vu.dataMu.RUnlock()
	val, ok := vu.data[key]
	return val, ok
}

func mergeTags(base, extra metrics.Tags) metrics.Tags {
	out := make(metrics.Tags, len(base)+len(extra)+3)
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
