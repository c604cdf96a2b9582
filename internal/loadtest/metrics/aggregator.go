package metrics

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownMetric is returned when a sample names a metric that was never registered.
var ErrUnknownMetric = errors.New("unknown metric")

// Aggregator folds samples into per-metric sinks.
//
// # Thread Safety
//
// Add and AddBatch hold the aggregator read lock plus the target metric's
// mutex, so writers to different metrics never contend. Snapshot takes the
// write lock: it waits for in-flight batches and observes every metric at the
// same cut. A batch is therefore either fully visible in a snapshot or not at
// all.
type Aggregator struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	subscribers []func([]Sample)

	start   time.Time
	end     time.Time
	stopped bool
}

type entry struct {
	metric Metric

	mu         sync.Mutex
	sink       Sink
	submetrics []*submetric
}

type submetric struct {
	name   string
	filter Tags
	sink   Sink
}

// NewAggregator creates an aggregator with the built-in metrics registered.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		entries: make(map[string]*entry),
		start:   time.Now(),
	}
	for _, m := range BuiltinMetrics() {
		_ = a.Register(m)
	}
	return a
}

// Register adds a metric. Registering the same name twice is allowed as long
// as the type matches.
func (a *Aggregator) Register(m Metric) error {
	if m.Name == "" {
		return errors.New("metric name is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.entries[m.Name]; ok {
		if e.metric.Type != m.Type {
			return fmt.Errorf("metric %q already registered as %s", m.Name, e.metric.Type)
		}
		return nil
	}
	a.entries[m.Name] = &entry{metric: m, sink: NewSink(m.Type)}
	return nil
}

// RegisterSubmetric adds a tag-filtered view of parent and returns its name.
// Only samples recorded after registration are counted.
func (a *Aggregator) RegisterSubmetric(parent string, filter Tags) (string, error) {
	if len(filter) == 0 {
		return "", fmt.Errorf("submetric of %q needs at least one tag", parent)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[parent]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMetric, parent)
	}

	name := SubmetricName(parent, filter)
	for _, sub := range e.submetrics {
		if sub.name == name {
			return name, nil
		}
	}

	own := make(Tags, len(filter))
	for k, v := range filter {
		own[k] = v
	}
	e.submetrics = append(e.submetrics, &submetric{
		name:   name,
		filter: own,
		sink:   NewSink(e.metric.Type),
	})
	return name, nil
}

// Lookup returns the registered metric with the given name.
func (a *Aggregator) Lookup(name string) (Metric, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.entries[name]
	if !ok {
		return Metric{}, false
	}
	return e.metric, true
}

// Metrics returns every registered metric sorted by name.
func (a *Aggregator) Metrics() []Metric {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Metric, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.metric)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subscribe registers fn to receive every accepted batch. Subscribers are
// called synchronously after the batch has been aggregated and must not
// call back into the aggregator's write paths.
func (a *Aggregator) Subscribe(fn func([]Sample)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

// Add records a single sample.
func (a *Aggregator) Add(s Sample) error {
	return a.AddBatch([]Sample{s})
}

// AddBatch records samples atomically with respect to Snapshot.
//
// Samples naming unknown metrics are skipped and reported in the returned
// error; the rest of the batch is still recorded.
func (a *Aggregator) AddBatch(samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	var unknown []string

	a.mu.RLock()
	if a.stopped {
		a.mu.RUnlock()
		return nil
	}
	for _, s := range samples {
		e, ok := a.entries[s.Metric]
		if !ok {
			unknown = append(unknown, s.Metric)
			continue
		}
		e.add(s)
	}
	subs := a.subscribers
	a.mu.RUnlock()

	for _, fn := range subs {
		fn(samples)
	}

	if len(unknown) > 0 {
		return fmt.Errorf("%w: %v", ErrUnknownMetric, unknown)
	}
	return nil
}

func (e *entry) add(s Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sink.Add(s.Value)
	for _, sub := range e.submetrics {
		if s.Tags.Contains(sub.filter) {
			sub.sink.Add(s.Value)
		}
	}
}

// Stop freezes the run clock and drops samples added afterwards.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.stopped {
		a.stopped = true
		a.end = time.Now()
	}
}

// Elapsed returns the time since the aggregator was created, or the total run
// time once stopped.
func (a *Aggregator) Elapsed() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.elapsedLocked()
}

func (a *Aggregator) elapsedLocked() time.Duration {
	if a.stopped {
		return a.end.Sub(a.start)
	}
	return time.Since(a.start)
}

// Snapshot returns a consistent view of every metric and submetric.
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := &Snapshot{
		Time:    time.Now(),
		Elapsed: a.elapsedLocked(),
		Entries: make(map[string]Entry, len(a.entries)),
	}
	for name, e := range a.entries {
		snap.Entries[name] = Entry{
			Metric: e.metric,
			Stats:  e.sink.Stats(),
		}
		for _, sub := range e.submetrics {
			snap.Entries[sub.name] = Entry{
				Metric: Metric{Name: sub.name, Type: e.metric.Type, Contains: e.metric.Contains},
				Parent: name,
				Tags:   sub.filter,
				Stats:  sub.sink.Stats(),
			}
		}
	}
	return snap
}

// Snapshot is a frozen cut of the aggregator.
type Snapshot struct {
	Time    time.Time
	Elapsed time.Duration
	Entries map[string]Entry
}

// Entry is one metric or submetric inside a snapshot.
type Entry struct {
	Metric Metric
	Parent string // empty for top-level metrics
	Tags   Tags
	Stats  Stats
}

// Get returns the entry for a metric or submetric name.
func (s *Snapshot) Get(name string) (Entry, bool) {
	e, ok := s.Entries[name]
	return e, ok
}

// Value resolves an aggregation on a metric, e.g. Value("http_req_duration", "p(95)").
func (s *Snapshot) Value(name, agg string) (float64, error) {
	e, ok := s.Entries[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return e.Stats.Aggregate(agg, s.Elapsed)
}

// Names returns entry names sorted so that submetrics follow their parent.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.Entries))
	for name := range s.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
