package metrics

import (
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"
)

func TestRateSink_Order(t *testing.T) {
	const trues, falses = 37, 63

	values := make([]float64, 0, trues+falses)
	for i := 0; i < trues; i++ {
		values = append(values, 1)
	}
	for i := 0; i < falses; i++ {
		values = append(values, 0)
	}

	for seed := int64(1); seed <= 5; seed++ {
		r := rand.New(rand.NewSource(seed))
		r.Shuffle(len(values), func(i, j int) { values[i], values[j] = values[j], values[i] })

		sink := &RateSink{}
		for _, v := range values {
			sink.Add(v)
		}

		got := sink.Stats().Rate()
		want := float64(trues) / float64(trues+falses)
		if got != want {
			t.Errorf("seed %d: Rate() = %v, want %v", seed, got, want)
		}
	}
}

func TestTrendSink_Percentiles(t *testing.T) {
	values := []float64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}

	tests := []struct {
		p    float64
		want float64
	}{
		{0, 100},
		{50, 550},
		{90, 910},
		{95, 955},
		{100, 1000},
	}

	for seed := int64(1); seed <= 5; seed++ {
		shuffled := append([]float64(nil), values...)
		r := rand.New(rand.NewSource(seed))
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		sink := &TrendSink{}
		for _, v := range shuffled {
			sink.Add(v)
		}
		stats := sink.Stats()

		for _, tt := range tests {
			if got := stats.Percentile(tt.p); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("seed %d: Percentile(%v) = %v, want %v", seed, tt.p, got, tt.want)
			}
		}
		if stats.Min != 100 || stats.Max != 1000 {
			t.Errorf("min/max = %v/%v, want 100/1000", stats.Min, stats.Max)
		}
		if stats.Avg() != 550 {
			t.Errorf("Avg() = %v, want 550", stats.Avg())
		}
	}
}

func TestTrendSink_StatsStableAfterMoreAdds(t *testing.T) {
	sink := &TrendSink{}
	for _, v := range []float64{5, 1, 3} {
		sink.Add(v)
	}
	first := sink.Stats()

	for _, v := range []float64{0, 10, 2} {
		sink.Add(v)
	}
	second := sink.Stats()

	if got := first.Percentile(50); got != 3 {
		t.Errorf("first median = %v, want 3", got)
	}
	if first.Count != 3 {
		t.Errorf("first count = %d, want 3", first.Count)
	}
	if got := second.Percentile(50); got != 2.5 {
		t.Errorf("second median = %v, want 2.5", got)
	}
	if second.Min != 0 || second.Max != 10 {
		t.Errorf("second min/max = %v/%v, want 0/10", second.Min, second.Max)
	}
}

func TestTrendSink_Empty(t *testing.T) {
	stats := (&TrendSink{}).Stats()
	if stats.Percentile(95) != 0 || stats.Avg() != 0 {
		t.Errorf("empty trend should report zeros, got p95=%v avg=%v", stats.Percentile(95), stats.Avg())
	}
}

func TestTrendSink_LastIsMostRecent(t *testing.T) {
	sink := &TrendSink{}
	for _, v := range []float64{5, 9, 2} {
		sink.Add(v)
	}
	stats := sink.Stats()
	if stats.Last != 2 || stats.Max != 9 {
		t.Errorf("last/max = %v/%v, want 2/9", stats.Last, stats.Max)
	}

	sink.Add(7)
	if got := sink.Stats().Last; got != 7 {
		t.Errorf("last after more adds = %v, want 7", got)
	}
}

func TestTrendSink_InterleavedSnapshots(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	sink := &TrendSink{}

	type check struct {
		stats Stats
		want  []float64
	}
	var checks []check
	var all []float64
	for i := 0; i < 5*trendFoldMin; i++ {
		v := math.Round(r.Float64() * 1000)
		sink.Add(v)
		all = append(all, v)
		if i%997 == 0 {
			checks = append(checks, check{stats: sink.Stats(), want: append([]float64(nil), all...)})
		}
	}
	checks = append(checks, check{stats: sink.Stats(), want: all})

	// earlier snapshots are verified after every later one was taken
	for i, c := range checks {
		sorted := append([]float64(nil), c.want...)
		sort.Float64s(sorted)
		if c.stats.Count != int64(len(sorted)) {
			t.Fatalf("snapshot %d: count = %d, want %d", i, c.stats.Count, len(sorted))
		}
		for _, p := range []float64{0, 1, 50, 90, 95, 99.9, 100} {
			if got, want := c.stats.Percentile(p), naivePercentile(sorted, p); got != want {
				t.Errorf("snapshot %d: Percentile(%v) = %v, want %v", i, p, got, want)
			}
		}
		if c.stats.Last != c.want[len(c.want)-1] {
			t.Errorf("snapshot %d: last = %v, want %v", i, c.stats.Last, c.want[len(c.want)-1])
		}
	}
}

func naivePercentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}
	idx := float64(n-1) * p / 100
	lo := int(math.Floor(idx))
	if lo+1 >= n {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(idx-float64(lo))
}

func TestGaugeSink(t *testing.T) {
	sink := &GaugeSink{}
	for _, v := range []float64{3, 9, 1, 4} {
		sink.Add(v)
	}
	stats := sink.Stats()
	if stats.Last != 4 || stats.Min != 1 || stats.Max != 9 {
		t.Errorf("gauge = last %v min %v max %v, want 4/1/9", stats.Last, stats.Min, stats.Max)
	}
}

func TestStats_Aggregate(t *testing.T) {
	counter := &CounterSink{}
	counter.Add(10)
	counter.Add(20)

	trend := &TrendSink{}
	for _, v := range []float64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000} {
		trend.Add(v)
	}

	rate := &RateSink{}
	rate.Add(1)
	rate.Add(0)

	tests := []struct {
		name    string
		stats   Stats
		agg     string
		want    float64
		wantErr bool
	}{
		{"counter count", counter.Stats(), "count", 30, false},
		{"counter rate", counter.Stats(), "rate", 3, false},
		{"trend p(95)", trend.Stats(), "p(95)", 955, false},
		{"trend p95", trend.Stats(), "p95", 955, false},
		{"trend med", trend.Stats(), "med", 550, false},
		{"trend avg", trend.Stats(), "avg", 550, false},
		{"rate rate", rate.Stats(), "rate", 0.5, false},
		{"rate p95", rate.Stats(), "p(95)", 0, true},
		{"counter avg", counter.Stats(), "avg", 0, true},
		{"trend bad percentile", trend.Stats(), "p(101)", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.stats.Aggregate(tt.agg, 10*time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Aggregate(%q) error = %v, wantErr %v", tt.agg, err, tt.wantErr)
			}
			if !tt.wantErr && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Aggregate(%q) = %v, want %v", tt.agg, got, tt.want)
			}
		})
	}
}

func TestParsePercentile(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"p(95)", 95, true},
		{"p(99.9)", 99.9, true},
		{"p90", 90, true},
		{"p(x)", 0, false},
		{"avg", 0, false},
		{"p(-1)", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePercentile(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParsePercentile(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
