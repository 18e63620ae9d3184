// Package store defines the durable store contract (spec §4.3) and its
// two implementations: a GORM+SQLite-backed one for production
// (package sqlite) and an in-memory one for fast unit tests (package
// memory).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/runverify/replay-runner/internal/metrics"
	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
)

var (
	// ErrNotFound is returned when a run_id has no matching row.
	ErrNotFound = errors.New("run not found")
)

// ReplayOutcome is the tagged result process_replay_result translates into
// a row mutation (spec §4.6 step d). Exactly one of Report/ClassifiedErr is
// set.
type ReplayOutcome struct {
	Report        *runmodel.ReplayReport
	ClassifiedErr *retrytax.ClassifiedError
}

// Store is the binding interface from spec §4.3. Every method is a single
// atomic operation; callers never see a lower-level lock.
type Store interface {
	// Insert is an idempotent insert of a Discovered row. Duplicate run_id
	// is a no-op, not an error.
	Insert(ctx context.Context, run runmodel.NewRun) error

	// UpdateStatus is an atomic transition. Clears notified (Invariant 4).
	// On a success-terminal new status it also clears retry fields
	// (Invariant 5).
	UpdateStatus(ctx context.Context, runID string, newStatus runmodel.Status, errorMessage *string) error

	// ScheduleRetry sets the retry triple atomically, leaving status = Error.
	ScheduleRetry(ctx context.Context, runID string, newRetryCount uint32, class retrytax.Class, nextRetryAt time.Time) error

	// MarkPermanentlyFailed nulls next_retry_at, keeps status = Error.
	MarkPermanentlyFailed(ctx context.Context, runID string, class retrytax.Class) error

	// ClearRetryFields zeros retry_count and nulls next_retry_at/error_class.
	ClearRetryFields(ctx context.Context, runID string) error

	// GetNextDue is the scheduler query: the row with the lowest
	// submitted_at among allowedPairs that is Discovered, or Error with
	// next_retry_at <= now. Ties broken by run_id (Invariant 6). Does NOT
	// claim the row. Returns (nil, nil) if nothing is due.
	GetNextDue(ctx context.Context, allowedPairs []runmodel.GameCategory, now time.Time) (*runmodel.Run, error)

	// GetLatestSubmittedDate is the high-water mark for incremental polling.
	// Returns (zero time, false) if no run has ever been seen for the pair.
	GetLatestSubmittedDate(ctx context.Context, gameID, categoryID string) (time.Time, bool, error)

	// SetNotifiedIfStatusMatches is the notifier's CAS: sets notified=true
	// only if the current status equals expectedStatus. Returns whether the
	// flip happened.
	SetNotifiedIfStatusMatches(ctx context.Context, runID string, expectedStatus runmodel.Status) (bool, error)

	// ListUnnotified returns every row with notified = false.
	ListUnnotified(ctx context.Context) ([]runmodel.Run, error)

	// ListNonTerminal returns every row whose status is not a
	// success-terminal status (Passed/NeedsReview/Failed); Discovered,
	// Processing, and Error rows (retrying or permanently failed) all
	// qualify as "still alive" for the heartbeat.
	ListNonTerminal(ctx context.Context) ([]runmodel.Run, error)

	// GetRun fetches a single row, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*runmodel.Run, error)
}

// ProcessReplayResult is the composite operation from spec §4.3/§4.6
// layered on top of the primitives above — it needs no backend-specific
// transaction of its own, so it is one function shared by every Store
// implementation rather than a method each must duplicate.
//
//   Ok(Info)  -> Passed,       clear retry fields
//   Ok(Warn)  -> NeedsReview,  clear retry fields
//   Ok(Error) -> Failed,       clear retry fields
//   Err(class, msg) -> Error(msg), then consult the retry scheduler:
//     a next_retry_at -> ScheduleRetry(retry_count+1); otherwise
//     MarkPermanentlyFailed.
func ProcessReplayResult(ctx context.Context, s Store, runID string, outcome ReplayOutcome, cfg retrytax.Config, now time.Time) error {
	if outcome.Report != nil {
		var status runmodel.Status
		switch outcome.Report.MaxMsgLevel {
		case runmodel.MsgLevelWarn:
			status = runmodel.StatusNeedsReview
		case runmodel.MsgLevelError:
			status = runmodel.StatusFailed
		default:
			status = runmodel.StatusPassed
		}
		if err := s.UpdateStatus(ctx, runID, status, nil); err != nil {
			return err
		}
		metrics.RunsTransitioned.WithLabelValues(string(status)).Inc()
		return nil
	}

	ce := outcome.ClassifiedErr
	msg := ce.Message
	if err := s.UpdateStatus(ctx, runID, runmodel.StatusError, &msg); err != nil {
		return err
	}
	metrics.RunsTransitioned.WithLabelValues(string(runmodel.StatusError)).Inc()

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	decision := retrytax.Next(cfg, run.RetryCount, ce.Class, ce.RetryAfter, now)
	if !decision.Ok {
		return s.MarkPermanentlyFailed(ctx, runID, ce.Class)
	}
	metrics.RunsRetried.WithLabelValues(ce.Class.String()).Inc()
	return s.ScheduleRetry(ctx, runID, run.RetryCount+1, ce.Class, decision.NextRetryAt)
}
