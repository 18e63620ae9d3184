package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/store"
)

type StoreTestSuite struct {
	suite.Suite
	store *Store
}

func (s *StoreTestSuite) SetupTest() {
	if os.Getenv("SKIP_SQLITE_TESTS") == "true" {
		s.T().Skip("skipping sqlite store tests (SKIP_SQLITE_TESTS=true)")
	}
	dbPath := filepath.Join(s.T().TempDir(), "runs.db")
	st, err := Open(dbPath)
	require.NoError(s.T(), err)
	s.store = st
}

func (s *StoreTestSuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *StoreTestSuite) TestInsertIsIdempotent() {
	ctx := context.Background()
	nr := runmodel.NewRun{RunID: "R1", GameID: "G", CategoryID: "C", SubmittedAt: time.Now().UTC()}
	require.NoError(s.T(), s.store.Insert(ctx, nr))
	require.NoError(s.T(), s.store.Insert(ctx, nr))

	run, err := s.store.GetRun(ctx, "R1")
	require.NoError(s.T(), err)
	s.Equal(runmodel.StatusDiscovered, run.Status)
}

func (s *StoreTestSuite) TestGetNextDueOrdersByFIFOAcrossPairs() {
	ctx := context.Background()
	t1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(s.T(), s.store.Insert(ctx, runmodel.NewRun{RunID: "R_A", GameID: "G", CategoryID: "C1", SubmittedAt: t1}))
	require.NoError(s.T(), s.store.Insert(ctx, runmodel.NewRun{RunID: "R_B", GameID: "G", CategoryID: "C2", SubmittedAt: t2}))

	pairs := []runmodel.GameCategory{{GameID: "G", CategoryID: "C1"}, {GameID: "G", CategoryID: "C2"}}
	run, err := s.store.GetNextDue(ctx, pairs, time.Now().UTC())
	require.NoError(s.T(), err)
	require.NotNil(s.T(), run)
	s.Equal("R_B", run.RunID)
}

func (s *StoreTestSuite) TestGetNextDueIncludesDueErrorRows() {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(s.T(), s.store.Insert(ctx, runmodel.NewRun{RunID: "R2", GameID: "G", CategoryID: "C", SubmittedAt: now}))
	past := now.Add(-time.Minute)
	require.NoError(s.T(), s.store.ScheduleRetry(ctx, "R2", 1, retrytax.Retryable, past))

	pairs := []runmodel.GameCategory{{GameID: "G", CategoryID: "C"}}
	run, err := s.store.GetNextDue(ctx, pairs, now)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), run)
	s.Equal("R2", run.RunID)
}

func (s *StoreTestSuite) TestUpdateStatusClearsNotifiedAndRetryFieldsOnSuccessTerminal() {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(s.T(), s.store.Insert(ctx, runmodel.NewRun{RunID: "R3", GameID: "G", CategoryID: "C", SubmittedAt: now}))
	require.NoError(s.T(), s.store.ScheduleRetry(ctx, "R3", 1, retrytax.Retryable, now.Add(time.Minute)))
	_, err := s.store.SetNotifiedIfStatusMatches(ctx, "R3", runmodel.StatusError)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.store.UpdateStatus(ctx, "R3", runmodel.StatusPassed, nil))

	run, err := s.store.GetRun(ctx, "R3")
	require.NoError(s.T(), err)
	s.Equal(runmodel.StatusPassed, run.Status)
	s.False(run.Notified)
	s.Equal(uint32(0), run.RetryCount)
	s.Nil(run.NextRetryAt)
	s.Nil(run.ErrorClass)
}

func (s *StoreTestSuite) TestSetNotifiedIfStatusMatchesCAS() {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(s.T(), s.store.Insert(ctx, runmodel.NewRun{RunID: "R4", GameID: "G", CategoryID: "C", SubmittedAt: now}))
	require.NoError(s.T(), s.store.UpdateStatus(ctx, "R4", runmodel.StatusProcessing, nil))

	flipped, err := s.store.SetNotifiedIfStatusMatches(ctx, "R4", runmodel.StatusDiscovered)
	require.NoError(s.T(), err)
	s.False(flipped, "expected status no longer matches Discovered")

	flipped, err = s.store.SetNotifiedIfStatusMatches(ctx, "R4", runmodel.StatusProcessing)
	require.NoError(s.T(), err)
	s.True(flipped)
}

func (s *StoreTestSuite) TestProcessReplayResultExhaustsAttempts() {
	ctx := context.Background()
	now := time.Now().UTC()
	cfg := retrytax.DefaultConfig()
	cfg.MaxAttempts = 3
	require.NoError(s.T(), s.store.Insert(ctx, runmodel.NewRun{RunID: "R5", GameID: "G", CategoryID: "C", SubmittedAt: now}))

	for i := 0; i < 3; i++ {
		outcome := store.ReplayOutcome{ClassifiedErr: retrytax.Retryablef("net")}
		require.NoError(s.T(), store.ProcessReplayResult(ctx, s.store, "R5", outcome, cfg, now))
	}

	run, err := s.store.GetRun(ctx, "R5")
	require.NoError(s.T(), err)
	s.Equal(runmodel.StatusError, run.Status)
	s.Nil(run.NextRetryAt)

	pairs := []runmodel.GameCategory{{GameID: "G", CategoryID: "C"}}
	due, err := s.store.GetNextDue(ctx, pairs, now.Add(24*time.Hour))
	require.NoError(s.T(), err)
	s.Nil(due)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
