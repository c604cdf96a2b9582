package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampede-load/stampede/internal/loadtest/engine"
	"github.com/stampede-load/stampede/internal/loadtest/metrics"
	"github.com/stampede-load/stampede/internal/output"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func summary(id string, start time.Time, passed bool) *output.Summary {
	status := engine.StatusPassed
	if !passed {
		status = engine.StatusThresholdsFailed
	}
	return &output.Summary{
		RunID:      id,
		Name:       "basic",
		Status:     status,
		Passed:     passed,
		StartTime:  start,
		DurationMs: 1500,
		Metrics: map[string]*output.SummaryMetric{
			metrics.HTTPReqs:        {Type: "counter", Values: map[string]float64{"count": 120}},
			metrics.HTTPReqFailed:   {Type: "rate", Values: map[string]float64{"rate": 0.025}},
			metrics.HTTPReqDuration: {Type: "trend", Contains: "time", Values: map[string]float64{"p(95)": 212.5}},
		},
	}
}

func TestNewRecord(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecord(summary("a", start, false))

	assert.Equal(t, "a", r.ID)
	assert.Equal(t, "thresholds_failed", r.Status)
	assert.False(t, r.Passed)
	assert.Equal(t, 1500*time.Millisecond, r.Duration)
	assert.Equal(t, 120.0, r.Requests)
	assert.Equal(t, 0.025, r.ErrorRate)
	assert.Equal(t, 212.5, r.P95Ms)
}

func TestStore_SaveListGet(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// saved out of order; listing is by start time
	require.NoError(t, s.Save(NewRecord(summary("second", base.Add(time.Hour), true))))
	require.NoError(t, s.Save(NewRecord(summary("first", base, true))))
	require.NoError(t, s.Save(NewRecord(summary("third", base.Add(2*time.Hour), false))))

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].ID)
	assert.Equal(t, "second", all[1].ID)
	assert.Equal(t, "first", all[2].ID)
	for _, r := range all {
		assert.Nil(t, r.Summary, "list omits summaries")
	}

	top, err := s.List(2)
	require.NoError(t, err)
	assert.Len(t, top, 2)

	got, err := s.Get("second")
	require.NoError(t, err)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 120.0, got.Summary.Metrics[metrics.HTTPReqs].Values["count"])

	_, err = s.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_SaveReplaces(t *testing.T) {
	s := openStore(t)
	base := time.Now()

	require.NoError(t, s.Save(NewRecord(summary("run", base, false))))
	require.NoError(t, s.Save(NewRecord(summary("run", base.Add(time.Minute), true))))

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Passed)

	assert.Error(t, s.Save(Record{}))
}

func TestStore_DeleteAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())

	require.NoError(t, s.Save(NewRecord(summary("keep", time.Now(), true))))
	require.NoError(t, s.Save(NewRecord(summary("drop", time.Now(), true))))
	require.NoError(t, s.Delete("drop"))
	assert.True(t, errors.Is(s.Delete("drop"), ErrNotFound))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "keep", all[0].ID)
}
