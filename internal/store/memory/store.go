// Package memory is a thread-safe in-memory store.Store implementation for
// fast unit tests, grounded on zenithpay-retry's internal/store/memory.go
// deep-copy and compare-and-swap idioms.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/store"
)

// Store is a mutex-guarded map keyed by run_id. All read methods return
// deep copies so callers cannot mutate shared state through a returned
// pointer.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*runmodel.Run
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{runs: make(map[string]*runmodel.Run)}
}

func copyRun(r *runmodel.Run) *runmodel.Run {
	cp := *r
	if r.ErrorMessage != nil {
		m := *r.ErrorMessage
		cp.ErrorMessage = &m
	}
	if r.ErrorClass != nil {
		c := *r.ErrorClass
		cp.ErrorClass = &c
	}
	if r.NextRetryAt != nil {
		t := *r.NextRetryAt
		cp.NextRetryAt = &t
	}
	return &cp
}

func (s *Store) Insert(_ context.Context, run runmodel.NewRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return nil // idempotent no-op, spec §4.3
	}
	now := time.Now().UTC()
	s.runs[run.RunID] = &runmodel.Run{
		RunID:       run.RunID,
		GameID:      run.GameID,
		CategoryID:  run.CategoryID,
		SubmittedAt: run.SubmittedAt,
		Status:      runmodel.StatusDiscovered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, runID string, newStatus runmodel.Status, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = newStatus
	r.Notified = false
	r.ErrorMessage = errorMessage
	r.UpdatedAt = time.Now().UTC()
	if newStatus.Terminal() {
		r.RetryCount = 0
		r.NextRetryAt = nil
		r.ErrorClass = nil
	}
	return nil
}

func (s *Store) ScheduleRetry(_ context.Context, runID string, newRetryCount uint32, class retrytax.Class, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	classStr := class.String()
	r.Status = runmodel.StatusError
	r.RetryCount = newRetryCount
	r.ErrorClass = &classStr
	next := nextRetryAt
	r.NextRetryAt = &next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkPermanentlyFailed(_ context.Context, runID string, class retrytax.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	classStr := class.String()
	r.Status = runmodel.StatusError
	r.NextRetryAt = nil
	r.ErrorClass = &classStr
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ClearRetryFields(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.RetryCount = 0
	r.NextRetryAt = nil
	r.ErrorClass = nil
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// GetNextDue scans the allow-list linearly; the in-memory store never
// backs a workload large enough for an index to matter.
func (s *Store) GetNextDue(_ context.Context, allowedPairs []runmodel.GameCategory, now time.Time) (*runmodel.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowed := make(map[runmodel.GameCategory]struct{}, len(allowedPairs))
	for _, p := range allowedPairs {
		allowed[p] = struct{}{}
	}

	var candidates []*runmodel.Run
	for _, r := range s.runs {
		if _, ok := allowed[runmodel.GameCategory{GameID: r.GameID, CategoryID: r.CategoryID}]; !ok {
			continue
		}
		due := r.Status == runmodel.StatusDiscovered ||
			(r.Status == runmodel.StatusError && r.NextRetryAt != nil && !r.NextRetryAt.After(now))
		if due {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].SubmittedAt.Equal(candidates[j].SubmittedAt) {
			return candidates[i].SubmittedAt.Before(candidates[j].SubmittedAt)
		}
		return candidates[i].RunID < candidates[j].RunID
	})
	return copyRun(candidates[0]), nil
}

func (s *Store) GetLatestSubmittedDate(_ context.Context, gameID, categoryID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	found := false
	for _, r := range s.runs {
		if r.GameID != gameID || r.CategoryID != categoryID {
			continue
		}
		if !found || r.SubmittedAt.After(latest) {
			latest = r.SubmittedAt
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) SetNotifiedIfStatusMatches(_ context.Context, runID string, expectedStatus runmodel.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status != expectedStatus {
		return false, nil
	}
	r.Notified = true
	return true, nil
}

func (s *Store) ListUnnotified(_ context.Context) ([]runmodel.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []runmodel.Run
	for _, r := range s.runs {
		if !r.Notified {
			out = append(out, *copyRun(r))
		}
	}
	return out, nil
}

func (s *Store) ListNonTerminal(_ context.Context) ([]runmodel.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []runmodel.Run
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			out = append(out, *copyRun(r))
		}
	}
	return out, nil
}

func (s *Store) GetRun(_ context.Context, runID string) (*runmodel.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRun(r), nil
}

var _ store.Store = (*Store)(nil)
