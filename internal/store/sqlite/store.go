// Package sqlite is the production Store implementation: a single embedded
// database file via GORM, generalized from the teacher's Postgres job
// store (pkg/storage/postgres/job_store.go) down to one file and one
// table, per spec §4.3/§6.
package sqlite

import (
	"context"
	"fmt"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/store"
)

// Store is a GORM-backed implementation of store.Store against a single
// SQLite database file.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the database file at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	cfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	// A single SQLite file has one writer; keep the pool effectively
	// serialized rather than fighting SQLITE_BUSY under concurrent writers.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&runmodel.Run{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert is idempotent: duplicate run_id is a no-op, not an error.
func (s *Store) Insert(ctx context.Context, run runmodel.NewRun) error {
	now := time.Now().UTC()
	row := runmodel.Run{
		RunID:       run.RunID,
		GameID:      run.GameID,
		CategoryID:  run.CategoryID,
		SubmittedAt: run.SubmittedAt,
		Status:      runmodel.StatusDiscovered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, result.Error)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, runID string, newStatus runmodel.Status, errorMessage *string) error {
	updates := map[string]interface{}{
		"status":        newStatus,
		"notified":      false,
		"error_message": errorMessage,
		"updated_at":    time.Now().UTC(),
	}
	if newStatus.Terminal() {
		updates["retry_count"] = 0
		updates["next_retry_at"] = nil
		updates["error_class"] = nil
	}
	result := s.db.WithContext(ctx).Model(&runmodel.Run{}).Where("run_id = ?", runID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update status for %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ScheduleRetry(ctx context.Context, runID string, newRetryCount uint32, class retrytax.Class, nextRetryAt time.Time) error {
	classStr := class.String()
	result := s.db.WithContext(ctx).Model(&runmodel.Run{}).Where("run_id = ?", runID).Updates(map[string]interface{}{
		"status":        runmodel.StatusError,
		"retry_count":   newRetryCount,
		"error_class":   classStr,
		"next_retry_at": nextRetryAt,
		"updated_at":    time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("schedule retry for %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkPermanentlyFailed(ctx context.Context, runID string, class retrytax.Class) error {
	classStr := class.String()
	result := s.db.WithContext(ctx).Model(&runmodel.Run{}).Where("run_id = ?", runID).Updates(map[string]interface{}{
		"status":        runmodel.StatusError,
		"next_retry_at": nil,
		"error_class":   classStr,
		"updated_at":    time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("mark permanently failed for %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ClearRetryFields(ctx context.Context, runID string) error {
	result := s.db.WithContext(ctx).Model(&runmodel.Run{}).Where("run_id = ?", runID).Updates(map[string]interface{}{
		"retry_count":   0,
		"next_retry_at": nil,
		"error_class":   nil,
		"updated_at":    time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("clear retry fields for %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetNextDue implements the scheduler query from spec §4.3. The allow-list
// is expanded into an OR-chain of (game_id, category_id) pairs; ties on
// submitted_at are broken by run_id (Invariant 6).
func (s *Store) GetNextDue(ctx context.Context, allowedPairs []runmodel.GameCategory, now time.Time) (*runmodel.Run, error) {
	if len(allowedPairs) == 0 {
		return nil, nil
	}

	var clauses []string
	var pairArgs []interface{}
	for _, p := range allowedPairs {
		clauses = append(clauses, "(game_id = ? AND category_id = ?)")
		pairArgs = append(pairArgs, p.GameID, p.CategoryID)
	}
	whereAllowed := joinOr(clauses)
	dueClause := "(status = ? OR (status = ? AND next_retry_at <= ?))"

	var row runmodel.Run
	result := s.db.WithContext(ctx).Model(&runmodel.Run{}).
		Where(whereAllowed, pairArgs...).
		Where(dueClause, runmodel.StatusDiscovered, runmodel.StatusError, now).
		Order("submitted_at asc, run_id asc").
		First(&row)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get next due: %w", result.Error)
	}
	return &row, nil
}

func (s *Store) GetLatestSubmittedDate(ctx context.Context, gameID, categoryID string) (time.Time, bool, error) {
	var row runmodel.Run
	result := s.db.WithContext(ctx).
		Where("game_id = ? AND category_id = ?", gameID, categoryID).
		Order("submitted_at desc").
		First(&row)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get latest submitted date: %w", result.Error)
	}
	return row.SubmittedAt, true, nil
}

// SetNotifiedIfStatusMatches is a compare-and-swap keyed on the status
// column, so a concurrent processor write loses the race cleanly (spec
// §4.7 concrete scenario 5).
func (s *Store) SetNotifiedIfStatusMatches(ctx context.Context, runID string, expectedStatus runmodel.Status) (bool, error) {
	result := s.db.WithContext(ctx).Model(&runmodel.Run{}).
		Where("run_id = ? AND status = ?", runID, expectedStatus).
		Update("notified", true)
	if result.Error != nil {
		return false, fmt.Errorf("set notified for %s: %w", runID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) ListUnnotified(ctx context.Context) ([]runmodel.Run, error) {
	var rows []runmodel.Run
	result := s.db.WithContext(ctx).Where("notified = ?", false).Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("list unnotified: %w", result.Error)
	}
	return rows, nil
}

func (s *Store) ListNonTerminal(ctx context.Context) ([]runmodel.Run, error) {
	var rows []runmodel.Run
	result := s.db.WithContext(ctx).Where("status NOT IN ?", []runmodel.Status{
		runmodel.StatusPassed, runmodel.StatusNeedsReview, runmodel.StatusFailed,
	}).Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("list non-terminal: %w", result.Error)
	}
	return rows, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*runmodel.Run, error) {
	var row runmodel.Run
	result := s.db.WithContext(ctx).First(&row, "run_id = ?", runID)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", runID, result.Error)
	}
	return &row, nil
}

func joinOr(clauses []string) string {
	if len(clauses) == 1 {
		return clauses[0]
	}
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " OR " + c
	}
	return out
}
