package threshold_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/metrics"
	"github.com/stampede-load/stampede/internal/loadtest/threshold"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		key      string
		metric   string
		tags     metrics.Tags
		hasError bool
	}{
		{"http_req_duration", "http_req_duration", nil, false},
		{"http_req_duration{staticAsset:yes}", "http_req_duration", metrics.Tags{"staticAsset": "yes"}, false},
		{"http_req_duration{name:GetUsers, method:GET}", "http_req_duration", metrics.Tags{"name": "GetUsers", "method": "GET"}, false},
		{"checks{check:\"status is 200\"}", "checks", metrics.Tags{"check": "status is 200"}, false},
		{"http_req_duration{}", "", nil, true},
		{"http_req_duration{bad}", "", nil, true},
		{"1metric", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			metric, tags, err := threshold.ParseKey(tt.key)
			if (err != nil) != tt.hasError {
				t.Fatalf("ParseKey() error = %v, wantErr %v", err, tt.hasError)
			}
			if tt.hasError {
				return
			}
			if metric != tt.metric {
				t.Errorf("metric = %q, want %q", metric, tt.metric)
			}
			if len(tags) != len(tt.tags) {
				t.Fatalf("tags = %v, want %v", tags, tt.tags)
			}
			for k, v := range tt.tags {
				if tags[k] != v {
					t.Errorf("tags[%q] = %q, want %q", k, tags[k], v)
				}
			}
		})
	}
}

func TestParseExpression(t *testing.T) {
	tests := []struct {
		expr     string
		conds    int
		agg      string
		op       string
		value    float64
		duration bool
		hasError bool
	}{
		{expr: "p(95)<500", conds: 1, agg: "p(95)", op: "<", value: 500},
		{expr: "p(99.9) <= 1500", conds: 1, agg: "p(99.9)", op: "<=", value: 1500},
		{expr: "p95 < 500ms", conds: 1, agg: "p95", op: "<", value: 500, duration: true},
		{expr: "avg<1s", conds: 1, agg: "avg", op: "<", value: 1000, duration: true},
		{expr: "rate<0.1", conds: 1, agg: "rate", op: "<", value: 0.1},
		{expr: "count===0", conds: 1, agg: "count", op: "===", value: 0},
		{expr: "p(95)<500 && avg<200", conds: 2, agg: "p(95)", op: "<", value: 500},
		{expr: "p(95)", hasError: true},
		{expr: "stddev<5", hasError: true},
		{expr: "p(95)<fast", hasError: true},
		{expr: "p(95)<500 &&", hasError: true},
		{expr: "p(95) => 500", hasError: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			conds, err := threshold.ParseExpression(tt.expr)
			if (err != nil) != tt.hasError {
				t.Fatalf("ParseExpression() error = %v, wantErr %v", err, tt.hasError)
			}
			if tt.hasError {
				var pe *threshold.ParseError
				if !errors.As(err, &pe) {
					t.Errorf("error should be a *ParseError, got %T", err)
				}
				return
			}
			if len(conds) != tt.conds {
				t.Fatalf("got %d conditions, want %d", len(conds), tt.conds)
			}
			c := conds[0]
			if c.Aggregation != tt.agg || c.Operator != tt.op || c.Value != tt.value || c.IsDuration != tt.duration {
				t.Errorf("condition = %+v, want agg=%s op=%s value=%v duration=%v", c, tt.agg, tt.op, tt.value, tt.duration)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	agg := metrics.NewAggregator()
	if err := agg.Register(metrics.Metric{Name: "errors", Type: metrics.Rate}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key      string
		expr     string
		hasError bool
	}{
		{"http_req_duration", "p(95)<500", false},
		{"http_req_duration{staticAsset:yes}", "p(99)<1000", false},
		{"http_req_failed", "rate<0.1", false},
		{"errors", "rate<0.1", false},
		{"http_reqs", "count>100", false},
		{"vus", "value<=50", false},
		{"http_req_duration", "rate<0.1", true},
		{"http_req_failed", "p(95)<1", true},
		{"http_reqs", "count>1s", true},
		{"missing_metric", "count>1", true},
	}

	for _, tt := range tests {
		t.Run(tt.key+" "+tt.expr, func(t *testing.T) {
			ts, err := threshold.Parse(tt.key, []threshold.Definition{{Expression: tt.expr}})
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			err = threshold.Validate(ts, agg.Lookup)
			if (err != nil) != tt.hasError {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.hasError)
			}
		})
	}
}

func snapshotWithDurations(t *testing.T, values ...float64) *metrics.Snapshot {
	t.Helper()
	agg := metrics.NewAggregator()
	for _, v := range values {
		if err := agg.Add(metrics.Sample{Metric: metrics.HTTPReqDuration, Value: v}); err != nil {
			t.Fatal(err)
		}
	}
	return agg.Snapshot()
}

func TestEvaluate_StrictBoundary(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		expr   string
		passed bool
	}{
		{"p95 exactly 500 fails strict", []float64{500, 500, 500}, "p(95)<500", false},
		{"p95 exactly 500 passes inclusive", []float64{500, 500, 500}, "p(95)<=500", true},
		{"p95 below 500 passes", []float64{100, 200, 499}, "p(95)<500", true},
		{"interpolated p95", []float64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}, "p(95)<955", false},
		{"interpolated p95 just above", []float64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}, "p(95)<956", true},
		{"compound all pass", []float64{100, 200}, "p(95)<500 && avg<200", true},
		{"compound one fails", []float64{100, 300}, "p(95)<500 && avg<200", false},
		{"duration units", []float64{100, 200}, "max<200ms", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshotWithDurations(t, tt.values...)
			ts, err := threshold.Parse(metrics.HTTPReqDuration, []threshold.Definition{{Expression: tt.expr}})
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			results := threshold.Evaluate(snap, ts)
			if len(results) != 1 {
				t.Fatalf("got %d results, want 1", len(results))
			}
			if results[0].Passed != tt.passed {
				t.Errorf("Passed = %v, want %v (%+v)", results[0].Passed, tt.passed, results[0])
			}
			if threshold.AllPassed(results) != tt.passed {
				t.Errorf("AllPassed() = %v, want %v", !tt.passed, tt.passed)
			}
		})
	}
}

func TestEvaluate_Submetric(t *testing.T) {
	agg := metrics.NewAggregator()
	ts, err := threshold.Parse("http_req_duration{staticAsset:yes}", []threshold.Definition{{Expression: "p(99)<1000"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agg.RegisterSubmetric(ts[0].Metric, ts[0].Tags); err != nil {
		t.Fatal(err)
	}

	_ = agg.Add(metrics.Sample{Metric: metrics.HTTPReqDuration, Value: 50, Tags: metrics.Tags{"staticAsset": "yes"}})
	_ = agg.Add(metrics.Sample{Metric: metrics.HTTPReqDuration, Value: 5000, Tags: metrics.Tags{"name": "slow"}})

	results := threshold.Evaluate(agg.Snapshot(), ts)
	if !results[0].Passed {
		t.Errorf("static asset threshold should ignore untagged samples: %+v", results[0])
	}
}

func TestEvaluator_CheckAbort(t *testing.T) {
	agg := metrics.NewAggregator()
	_ = agg.Add(metrics.Sample{Metric: metrics.HTTPReqFailed, Value: 1})

	ts, err := threshold.Parse(metrics.HTTPReqFailed, []threshold.Definition{
		{Expression: "rate<0.5", AbortOnFail: true, DelayAbortEval: 10 * time.Second},
	})
	if err != nil {
		t.Fatal(err)
	}
	ev := threshold.NewEvaluator(ts)
	if !ev.HasAbortable() {
		t.Fatal("HasAbortable() = false, want true")
	}

	snap := agg.Snapshot()
	if _, abort := ev.CheckAbort(snap, 5*time.Second); abort {
		t.Error("abort before delayAbortEval elapsed")
	}
	res, abort := ev.CheckAbort(snap, 10*time.Second)
	if !abort {
		t.Fatal("expected abort after delay")
	}
	if res.Key != metrics.HTTPReqFailed {
		t.Errorf("Key = %q, want %q", res.Key, metrics.HTTPReqFailed)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b float64
		op   string
		want bool
	}{
		{1, 2, "<", true},
		{2, 2, "<", false},
		{2, 2, "<=", true},
		{3, 2, ">", true},
		{2, 2, ">=", true},
		{2, 2, "==", true},
		{2, 2, "===", true},
		{1, 2, "!=", true},
		{1, 2, "~", false},
	}
	for _, tt := range tests {
		if got := threshold.Compare(tt.a, tt.op, tt.b); got != tt.want {
			t.Errorf("Compare(%v %s %v) = %v, want %v", tt.a, tt.op, tt.b, got, tt.want)
		}
	}
}
