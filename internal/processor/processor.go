// Package processor implements the single-threaded event-driven run
// processor (F): pull the next due run, resolve its rules, download its
// save, execute the replay, and translate the outcome into a row mutation.
package processor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/runverify/replay-runner/internal/logging"
	"github.com/runverify/replay-runner/internal/replay"
	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/store"
	"github.com/runverify/replay-runner/internal/wakeup"
)

// Dispatcher is the narrow capability the processor needs from
// internal/dispatch.
type Dispatcher interface {
	Fetch(ctx context.Context, description, output string) (runmodel.FileMeta, string, *retrytax.ClassifiedError)
}

// DescriptionFetcher recovers a run's tracked-service comment (which
// carries the save-file link) at processing time — it is not persisted in
// the store row.
type DescriptionFetcher interface {
	GetRunComment(ctx context.Context, runID string) (comment string, err error)
}

// Notifier is the per-run notification sink (the notifier actor's
// mailbox, component G).
type Notifier interface {
	Enqueue(runID string)
}

// Archiver durably copies a run's scratch artifacts before cleanup
// (SPEC_FULL supplement #2a). A nil Archiver disables archival; cleanup
// still proceeds.
type Archiver interface {
	Archive(ctx context.Context, runID string, filePath string) (string, error)
}

// Processor drives the F loop.
type Processor struct {
	store      store.Store
	rules      runmodel.RuleSet
	dispatcher Dispatcher
	replay     replay.Runner
	describer  DescriptionFetcher
	notifier   Notifier
	archiver   Archiver
	wake       *wakeup.Signal
	retryCfg   retrytax.Config
	installDir string
	outputDir  string
}

// Config bundles the Processor's collaborators and static configuration.
type Config struct {
	Store      store.Store
	Rules      runmodel.RuleSet
	Dispatcher Dispatcher
	Replay     replay.Runner
	Describer  DescriptionFetcher
	Notifier   Notifier
	Archiver   Archiver // optional; nil disables remote archival
	Wake       *wakeup.Signal
	RetryCfg   retrytax.Config
	InstallDir string
	OutputDir  string
}

// New builds a Processor from cfg.
func New(cfg Config) *Processor {
	return &Processor{
		store:      cfg.Store,
		rules:      cfg.Rules,
		dispatcher: cfg.Dispatcher,
		replay:     cfg.Replay,
		describer:  cfg.Describer,
		notifier:   cfg.Notifier,
		archiver:   cfg.Archiver,
		wake:       cfg.Wake,
		retryCfg:   cfg.RetryCfg,
		installDir: cfg.InstallDir,
		outputDir:  cfg.OutputDir,
	}
}

// Run drives the event loop until ctx is canceled (spec §4.6).
func (p *Processor) Run(ctx context.Context) {
	logResourceBanner()

	allowed := p.rules.AllPairs()
	for {
		if ctx.Err() != nil {
			return
		}

		run, err := p.store.GetNextDue(ctx, allowed, time.Now().UTC())
		if err != nil {
			logging.Get().Error("get_next_due failed", zap.Error(err))
			p.waitOrShutdown(ctx)
			continue
		}
		if run == nil {
			p.waitOrShutdown(ctx)
			continue
		}

		p.processOne(ctx, run)
	}
}

// logResourceBanner logs the host's CPU/memory budget once at startup,
// the same detail the teacher's executor reports before it starts
// pulling jobs — useful here since the replay binary is a single
// heavyweight, stateful process per spec §5's "Cooperative tasks vs
// threads" note.
func logResourceBanner() {
	totalMemMB := uint64(1024)
	if v, err := mem.VirtualMemory(); err == nil {
		totalMemMB = v.Total / 1024 / 1024
	} else {
		logging.Get().Warn("failed to detect memory, defaulting to 1GB", zap.Error(err))
	}
	logging.Get().Info("processor starting",
		zap.Int("cpus", runtime.NumCPU()),
		zap.Uint64("total_mem_mb", totalMemMB))
}

func (p *Processor) waitOrShutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.wake.C():
	}
}

// processOne implements spec §4.6 step 4 for a single run.
func (p *Processor) processOne(ctx context.Context, run *runmodel.Run) {
	logger := logging.Get().With(zap.String("run_id", run.RunID))

	mods, rules, ok := p.rules.Resolve(run.GameID, run.CategoryID)
	if !ok {
		logger.Error("no rules configured for (game, category); marking permanent config defect",
			zap.String("game_id", run.GameID), zap.String("category_id", run.CategoryID))
		p.finish(ctx, run.RunID, store.ReplayOutcome{
			ClassifiedErr: retrytax.Finalf("no rules configured for game %s category %s", run.GameID, run.CategoryID),
		}, filepath.Join(p.outputDir, run.RunID))
		return
	}

	if err := p.store.UpdateStatus(ctx, run.RunID, runmodel.StatusProcessing, nil); err != nil {
		logger.Error("mark processing failed", zap.Error(err))
		return
	}

	workingDir := filepath.Join(p.outputDir, run.RunID)
	outcome := p.runReplay(ctx, run, mods, rules, workingDir)
	p.finish(ctx, run.RunID, outcome, workingDir)
}

func (p *Processor) runReplay(ctx context.Context, run *runmodel.Run, mods []string, rules runmodel.CategoryRules, workingDir string) store.ReplayOutcome {
	comment, err := p.describer.GetRunComment(ctx, run.RunID)
	if err != nil {
		return store.ReplayOutcome{ClassifiedErr: retrytax.Retryablef("fetch run description: %v", err)}
	}

	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return store.ReplayOutcome{ClassifiedErr: retrytax.Retryablef("create working dir: %v", err)}
	}

	_, savePath, classified := p.dispatcher.Fetch(ctx, comment, workingDir)
	if classified != nil {
		return store.ReplayOutcome{ClassifiedErr: classified}
	}

	report, classified := p.replay.Run(ctx, replay.Spec{
		InstallDir:   p.installDir,
		SaveFile:     savePath,
		Rules:        rules,
		ExpectedMods: mods,
		LogPath:      filepath.Join(workingDir, "output.log"),
	})
	if classified != nil {
		return store.ReplayOutcome{ClassifiedErr: classified}
	}
	return store.ReplayOutcome{Report: report}
}

func (p *Processor) finish(ctx context.Context, runID string, outcome store.ReplayOutcome, workingDir string) {
	if err := store.ProcessReplayResult(ctx, p.store, runID, outcome, p.retryCfg, time.Now().UTC()); err != nil {
		logging.Get().Error("process_replay_result failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	p.notifier.Enqueue(runID)

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return
	}
	if run.Status == runmodel.StatusError && run.NextRetryAt != nil {
		// A retry is scheduled; the next attempt re-downloads into the
		// same working directory, so it stays in place.
		return
	}
	p.cleanup(ctx, runID, workingDir)
}

// cleanup implements SPEC_FULL supplement #2/#2a: archive the run's
// artifacts if configured, then best-effort remove the scratch
// directory. Never fatal to the run's outcome.
func (p *Processor) cleanup(ctx context.Context, runID string, workingDir string) {
	if _, err := os.Stat(workingDir); err != nil {
		return
	}

	if p.archiver != nil {
		entries, err := os.ReadDir(workingDir)
		if err != nil {
			logging.Get().Warn("read working dir for archival failed", zap.String("run_id", runID), zap.Error(err))
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			filePath := filepath.Join(workingDir, entry.Name())
			if _, err := p.archiver.Archive(ctx, runID, filePath); err != nil {
				logging.Get().Warn("archive run artifact failed",
					zap.String("run_id", runID), zap.String("file", filePath), zap.Error(err))
			}
		}
	}

	if err := os.RemoveAll(workingDir); err != nil {
		logging.Get().Warn("scratch cleanup failed", zap.String("run_id", runID), zap.Error(err))
	}
}
