// Package promexport exposes a run's live metrics in the Prometheus text
// format so a test can be watched from an existing monitoring stack.
package promexport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/stampede-load/stampede/internal/loadtest/metrics"
)

const namespace = "stampede"

// Quantiles reported for trend metrics.
var Quantiles = []float64{0.5, 0.9, 0.95, 0.99}

// SnapshotSource yields the current metric state.
type SnapshotSource interface {
	Snapshot() *metrics.Snapshot
}

// Collector converts aggregator snapshots into Prometheus metrics on every
// scrape. Time values are exported in seconds and data in bytes. Submetrics
// share their parent's family and are told apart by the submetric label.
type Collector struct {
	source SnapshotSource
	runID  string
}

// NewCollector creates a collector for source.
func NewCollector(source SnapshotSource, runID string) *Collector {
	return &Collector{source: source, runID: runID}
}

// Describe sends nothing, which makes this an unchecked collector: the
// metric set depends on the scenario's custom metrics.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	labels := []string{"run_id", "submetric"}

	for _, name := range snap.Names() {
		e := snap.Entries[name]
		base := e.Metric.Name
		if e.Parent != "" {
			base = e.Parent
		}
		sub := e.Tags.String()
		values := []string{c.runID, sub}
		st := e.Stats
		scale := unitScale(e.Metric.Contains)

		switch e.Metric.Type {
		case metrics.Counter:
			desc := prometheus.NewDesc(familyName(base, e.Metric.Contains, "_total"), "Counter "+base, labels, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, st.Sum*scale, values...)
		case metrics.Gauge:
			desc := prometheus.NewDesc(familyName(base, e.Metric.Contains, ""), "Gauge "+base, labels, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, st.Last*scale, values...)
		case metrics.Rate:
			desc := prometheus.NewDesc(familyName(base, metrics.Default, "_ratio"), "Rate of non-zero samples of "+base, labels, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, st.Rate(), values...)
		case metrics.Trend:
			quantiles := make(map[float64]float64, len(Quantiles))
			for _, q := range Quantiles {
				quantiles[q] = st.Percentile(q*100) * scale
			}
			desc := prometheus.NewDesc(familyName(base, e.Metric.Contains, ""), "Trend "+base, labels, nil)
			ch <- prometheus.MustNewConstSummary(desc, uint64(st.Count), st.Sum*scale, quantiles, values...)
		}
	}
}

var invalidChars = regexp.MustCompile(`[^a-zA-Z0-9_:]`)

func familyName(metric string, contains metrics.ValueType, suffix string) string {
	name := namespace + "_" + invalidChars.ReplaceAllString(metric, "_")
	switch contains {
	case metrics.Time:
		name += "_seconds"
	case metrics.Data:
		name += "_bytes"
	}
	return name + suffix
}

func unitScale(contains metrics.ValueType) float64 {
	if contains == metrics.Time {
		return 1.0 / 1000
	}
	return 1
}

// Server serves /metrics for the duration of a run.
type Server struct {
	addr     string
	registry *prometheus.Registry
	logger   logrus.FieldLogger
}

// NewServer registers a collector for source plus the Go runtime
// collectors on a fresh registry.
func NewServer(addr string, source SnapshotSource, runID string, logger logrus.FieldLogger) (*Server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(source, runID)); err != nil {
		return nil, fmt.Errorf("register collector: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Server{addr: addr, registry: reg, logger: logger}, nil
}

// Registry returns the server's registry.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Handler returns the /metrics handler.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve listens until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{Addr: s.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.addr).Info("serving prometheus metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
