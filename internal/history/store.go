// Package history persists run summaries in a local bbolt database so past
// runs can be listed and compared.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/stampede-load/stampede/internal/loadtest/metrics"
	"github.com/stampede-load/stampede/internal/output"
)

const (
	bucketRuns = "runs"
	bucketIDs  = "run_ids"
)

// ErrNotFound is returned when a run is not in the store.
var ErrNotFound = errors.New("run not found")

// Record is one stored run.
type Record struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Passed    bool          `json:"passed"`
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	Requests  float64 `json:"requests"`
	ErrorRate float64 `json:"errorRate"`
	P95Ms     float64 `json:"p95Ms"`

	Summary *output.Summary `json:"summary"`
}

// NewRecord extracts the headline figures of a summary.
func NewRecord(s *output.Summary) Record {
	r := Record{
		ID:        s.RunID,
		Name:      s.Name,
		Status:    string(s.Status),
		Passed:    s.Passed,
		StartTime: s.StartTime,
		Duration:  time.Duration(s.DurationMs * float64(time.Millisecond)),
		Summary:   s,
	}
	if m, ok := s.Metrics[metrics.HTTPReqs]; ok {
		r.Requests = m.Values["count"]
	}
	if m, ok := s.Metrics[metrics.HTTPReqFailed]; ok {
		r.ErrorRate = m.Values["rate"]
	}
	if m, ok := s.Metrics[metrics.HTTPReqDuration]; ok {
		r.P95Ms = m.Values["p(95)"]
	}
	return r
}

// Store is a bbolt-backed run history.
type Store struct {
	db   *bbolt.DB
	path string
}

// DefaultPath returns ~/.stampede/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stampede", "history.db"), nil
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketRuns, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// runKey orders runs by start time so cursors walk them chronologically.
func runKey(r Record) []byte {
	return []byte(r.StartTime.UTC().Format("20060102T150405.000000000Z") + "_" + r.ID)
}

// Save stores a run, replacing any earlier record with the same ID.
func (s *Store) Save(r Record) error {
	if r.ID == "" {
		return errors.New("run has no id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", r.ID, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(bucketRuns))
		ids := tx.Bucket([]byte(bucketIDs))

		if old := ids.Get([]byte(r.ID)); old != nil {
			if err := runs.Delete(old); err != nil {
				return err
			}
		}
		key := runKey(r)
		if err := runs.Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(r.ID), key)
	})
}

// List returns up to limit runs, newest first, without their summaries.
// limit <= 0 returns every run.
func (s *Store) List(limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			r.Summary = nil
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Get returns a run with its full summary.
func (s *Store) Get(id string) (*Record, error) {
	var r Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(bucketIDs)).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		v := tx.Bucket([]byte(bucketRuns)).Get(key)
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(v, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Delete removes a run.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket([]byte(bucketIDs))
		key := ids.Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := tx.Bucket([]byte(bucketRuns)).Delete(key); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
}
