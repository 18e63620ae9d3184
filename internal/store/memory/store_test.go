package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/store"
)

func TestScenario1_FreshPass(t *testing.T) {
	ctx := context.Background()
	s := New()
	submitted := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R1", GameID: "G", CategoryID: "C", SubmittedAt: submitted}))

	now := submitted.Add(time.Hour)
	outcome := store.ReplayOutcome{Report: &runmodel.ReplayReport{MaxMsgLevel: runmodel.MsgLevelInfo}}
	require.NoError(t, store.ProcessReplayResult(ctx, s, "R1", outcome, retrytax.DefaultConfig(), now))

	run, err := s.GetRun(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, runmodel.StatusPassed, run.Status)
	assert.Equal(t, uint32(0), run.RetryCount)
	assert.Nil(t, run.NextRetryAt)
	assert.Nil(t, run.ErrorClass)
	assert.False(t, run.Notified)

	flipped, err := s.SetNotifiedIfStatusMatches(ctx, "R1", runmodel.StatusPassed)
	require.NoError(t, err)
	assert.True(t, flipped)
	run, _ = s.GetRun(ctx, "R1")
	assert.True(t, run.Notified)
}

func TestScenario2_RetryableThenSuccess(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R2", GameID: "G", CategoryID: "C", SubmittedAt: now}))

	cfg := retrytax.DefaultConfig()
	err1 := store.ReplayOutcome{ClassifiedErr: retrytax.Retryablef("net")}
	require.NoError(t, store.ProcessReplayResult(ctx, s, "R2", err1, cfg, now))

	run, _ := s.GetRun(ctx, "R2")
	assert.Equal(t, runmodel.StatusError, run.Status)
	assert.Equal(t, uint32(1), run.RetryCount)
	assert.Equal(t, "retryable", *run.ErrorClass)
	assert.WithinDuration(t, now.Add(60*time.Second), *run.NextRetryAt, time.Second)

	advanced := now.Add(61 * time.Second)
	pairs := []runmodel.GameCategory{{GameID: "G", CategoryID: "C"}}
	due, err := s.GetNextDue(ctx, pairs, advanced)
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, "R2", due.RunID)

	ok := store.ReplayOutcome{Report: &runmodel.ReplayReport{MaxMsgLevel: runmodel.MsgLevelInfo}}
	require.NoError(t, store.ProcessReplayResult(ctx, s, "R2", ok, cfg, advanced))

	run, _ = s.GetRun(ctx, "R2")
	assert.Equal(t, runmodel.StatusPassed, run.Status)
	assert.Equal(t, uint32(0), run.RetryCount)
	assert.Nil(t, run.NextRetryAt)
	assert.Nil(t, run.ErrorClass)
}

func TestScenario3_ExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R3", GameID: "G", CategoryID: "C", SubmittedAt: now}))

	cfg := retrytax.DefaultConfig()
	cfg.MaxAttempts = 3
	for i := 0; i < 3; i++ {
		outcome := store.ReplayOutcome{ClassifiedErr: retrytax.Retryablef("net")}
		require.NoError(t, store.ProcessReplayResult(ctx, s, "R3", outcome, cfg, now))
	}

	run, _ := s.GetRun(ctx, "R3")
	assert.Equal(t, runmodel.StatusError, run.Status)
	assert.Nil(t, run.NextRetryAt)
	assert.Equal(t, "retryable", *run.ErrorClass)

	pairs := []runmodel.GameCategory{{GameID: "G", CategoryID: "C"}}
	due, err := s.GetNextDue(ctx, pairs, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, due)
}

func TestScenario4_RateLimitedWithRetryAfter(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R4", GameID: "G", CategoryID: "C", SubmittedAt: now}))

	after := 300 * time.Second
	outcome := store.ReplayOutcome{ClassifiedErr: retrytax.RateLimitedf(&after, "slow down")}
	require.NoError(t, store.ProcessReplayResult(ctx, s, "R4", outcome, retrytax.DefaultConfig(), now))

	run, _ := s.GetRun(ctx, "R4")
	assert.Equal(t, now.Add(300*time.Second), *run.NextRetryAt)
}

func TestScenario5_NotifierCASUnderRace(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R5", GameID: "G", CategoryID: "C", SubmittedAt: now}))
	require.NoError(t, s.UpdateStatus(ctx, "R5", runmodel.StatusProcessing, nil))

	// Status changes underneath before the CAS lands.
	require.NoError(t, s.UpdateStatus(ctx, "R5", runmodel.StatusPassed, nil))

	flipped, err := s.SetNotifiedIfStatusMatches(ctx, "R5", runmodel.StatusProcessing)
	require.NoError(t, err)
	assert.False(t, flipped)

	run, _ := s.GetRun(ctx, "R5")
	assert.False(t, run.Notified)

	flipped, err = s.SetNotifiedIfStatusMatches(ctx, "R5", runmodel.StatusPassed)
	require.NoError(t, err)
	assert.True(t, flipped)
}

func TestScenario6_FIFOAcrossPairs(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R_A", GameID: "G", CategoryID: "C1", SubmittedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R_B", GameID: "G", CategoryID: "C2", SubmittedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}))

	pairs := []runmodel.GameCategory{{GameID: "G", CategoryID: "C1"}, {GameID: "G", CategoryID: "C2"}}
	due, err := s.GetNextDue(ctx, pairs, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, "R_B", due.RunID)
}

func TestInsertIdempotentAcrossRepeatedPolls(t *testing.T) {
	ctx := context.Background()
	s := New()
	nr := runmodel.NewRun{RunID: "R7", GameID: "G", CategoryID: "C", SubmittedAt: time.Now().UTC()}
	require.NoError(t, s.Insert(ctx, nr))
	require.NoError(t, s.Insert(ctx, nr))
	require.NoError(t, s.Insert(ctx, nr))

	run, err := s.GetRun(ctx, "R7")
	require.NoError(t, err)
	assert.Equal(t, runmodel.StatusDiscovered, run.Status)
}
