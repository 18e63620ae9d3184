package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runverify/replay-runner/internal/replay"
	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/store"
	"github.com/runverify/replay-runner/internal/store/memory"
	"github.com/runverify/replay-runner/internal/wakeup"
)

type fakeDispatcher struct {
	err *retrytax.ClassifiedError
}

func (f *fakeDispatcher) Fetch(_ context.Context, _, output string) (runmodel.FileMeta, string, *retrytax.ClassifiedError) {
	if f.err != nil {
		return runmodel.FileMeta{}, "", f.err
	}
	return runmodel.FileMeta{Name: "save.zip", Size: 10}, output + "/save.zip", nil
}

type fakeReplay struct {
	report *runmodel.ReplayReport
	err    *retrytax.ClassifiedError
}

func (f *fakeReplay) Run(_ context.Context, _ replay.Spec) (*runmodel.ReplayReport, *retrytax.ClassifiedError) {
	return f.report, f.err
}

type fakeDescriber struct{ comment string }

func (f *fakeDescriber) GetRunComment(_ context.Context, _ string) (string, error) {
	if f.comment == "" {
		return "", errors.New("no comment")
	}
	return f.comment, nil
}

type fakeNotifier struct{ enqueued []string }

func (f *fakeNotifier) Enqueue(runID string) { f.enqueued = append(f.enqueued, runID) }

type fakeArchiver struct{ archived []string }

func (f *fakeArchiver) Archive(_ context.Context, runID string, filePath string) (string, error) {
	f.archived = append(f.archived, runID+":"+filepath.Base(filePath))
	return filePath, nil
}

func newTestProcessor(t *testing.T, s store.Store, dispatcher Dispatcher, runner replay.Runner, notifier *fakeNotifier) *Processor {
	t.Helper()
	return newTestProcessorWithOptions(t, s, dispatcher, runner, notifier, t.TempDir(), nil)
}

func newTestProcessorWithOptions(t *testing.T, s store.Store, dispatcher Dispatcher, runner replay.Runner, notifier *fakeNotifier, outputDir string, archiver Archiver) *Processor {
	t.Helper()
	rules := runmodel.RuleSet{
		"G": runmodel.GameRules{
			ExpectedMods: []string{"base"},
			Categories:   map[string]runmodel.CategoryRules{"C": {ScriptTemplate: "verify.lua"}},
		},
	}
	return New(Config{
		Store:      s,
		Rules:      rules,
		Dispatcher: dispatcher,
		Replay:     runner,
		Describer:  &fakeDescriber{comment: "download: https://www.speedrun.com/static/resource/abc.zip"},
		Notifier:   notifier,
		Archiver:   archiver,
		Wake:       wakeup.New(),
		RetryCfg:   retrytax.DefaultConfig(),
		InstallDir: t.TempDir(),
		OutputDir:  outputDir,
	})
}

func TestProcessOne_SuccessMarksPassed(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R1", GameID: "G", CategoryID: "C", SubmittedAt: time.Now()}))

	notifier := &fakeNotifier{}
	p := newTestProcessor(t, s, &fakeDispatcher{}, &fakeReplay{report: &runmodel.ReplayReport{MaxMsgLevel: runmodel.MsgLevelInfo}}, notifier)

	run, err := s.GetRun(ctx, "R1")
	require.NoError(t, err)
	p.processOne(ctx, run)

	got, err := s.GetRun(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, runmodel.StatusPassed, got.Status)
	assert.Equal(t, []string{"R1"}, notifier.enqueued)
}

func TestProcessOne_MissingRulesMarksFinalError(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R2", GameID: "Unknown", CategoryID: "C", SubmittedAt: time.Now()}))

	notifier := &fakeNotifier{}
	p := newTestProcessor(t, s, &fakeDispatcher{}, &fakeReplay{}, notifier)

	run, err := s.GetRun(ctx, "R2")
	require.NoError(t, err)
	p.processOne(ctx, run)

	got, err := s.GetRun(ctx, "R2")
	require.NoError(t, err)
	assert.Equal(t, runmodel.StatusError, got.Status)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, []string{"R2"}, notifier.enqueued)
}

func TestProcessOne_SuccessArchivesAndCleansWorkingDir(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R1", GameID: "G", CategoryID: "C", SubmittedAt: time.Now()}))

	outputDir := t.TempDir()
	archiver := &fakeArchiver{}
	notifier := &fakeNotifier{}
	dispatcher := &fakeDispatcher{}
	p := newTestProcessorWithOptions(t, s, dispatcher,
		&fakeReplay{report: &runmodel.ReplayReport{MaxMsgLevel: runmodel.MsgLevelInfo}}, notifier, outputDir, archiver)

	workingDir := filepath.Join(outputDir, "R1")
	require.NoError(t, os.MkdirAll(workingDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workingDir, "save.zip"), []byte("x"), 0o644))

	run, err := s.GetRun(ctx, "R1")
	require.NoError(t, err)
	p.processOne(ctx, run)

	assert.Contains(t, archiver.archived, "R1:save.zip")
	_, statErr := os.Stat(workingDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcessOne_RetryScheduledKeepsWorkingDir(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R3b", GameID: "G", CategoryID: "C", SubmittedAt: time.Now()}))

	outputDir := t.TempDir()
	notifier := &fakeNotifier{}
	p := newTestProcessorWithOptions(t, s, &fakeDispatcher{err: retrytax.Retryablef("download failed")},
		&fakeReplay{}, notifier, outputDir, nil)

	workingDir := filepath.Join(outputDir, "R3b")
	require.NoError(t, os.MkdirAll(workingDir, 0o755))

	run, err := s.GetRun(ctx, "R3b")
	require.NoError(t, err)
	p.processOne(ctx, run)

	_, statErr := os.Stat(workingDir)
	assert.NoError(t, statErr)
}

func TestProcessOne_DispatchFailureSchedulesRetry(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, runmodel.NewRun{RunID: "R3", GameID: "G", CategoryID: "C", SubmittedAt: time.Now()}))

	notifier := &fakeNotifier{}
	p := newTestProcessor(t, s, &fakeDispatcher{err: retrytax.Retryablef("download failed")}, &fakeReplay{}, notifier)

	run, err := s.GetRun(ctx, "R3")
	require.NoError(t, err)
	p.processOne(ctx, run)

	got, err := s.GetRun(ctx, "R3")
	require.NoError(t, err)
	assert.Equal(t, runmodel.StatusError, got.Status)
	assert.NotNil(t, got.NextRetryAt)
	assert.Equal(t, uint32(1), got.RetryCount)
}
