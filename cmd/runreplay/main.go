// Command runreplay verifies a single run id outside the daemon loop: it
// downloads the run's save file, executes the replay harness, and exits
// with the verdict's exit code (spec §6 "Process exit codes from
// single-run CLI mode"). No store row is written; this is an ad hoc tool,
// not a substitute for runnerd's processor loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runverify/replay-runner/internal/config"
	"github.com/runverify/replay-runner/internal/dispatch"
	"github.com/runverify/replay-runner/internal/dispatch/providers"
	"github.com/runverify/replay-runner/internal/logging"
	"github.com/runverify/replay-runner/internal/poller"
	"github.com/runverify/replay-runner/internal/replay"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/shutdown"
	"github.com/runverify/replay-runner/internal/tracing"
)

// setupExitCode is returned for any failure before a replay verdict is
// reached, kept disjoint from the verdict codes 0/1/2.
const setupExitCode = 3

func main() {
	configPath := flag.String("config", "config.yaml", "path to the daemon's YAML config file")
	runID := flag.String("run-id", "", "tracked-service run id to verify")
	gameID := flag.String("game-id", "", "game id (must match an entry in game_rules_file)")
	categoryID := flag.String("category-id", "", "category id (must match an entry in game_rules_file)")
	flag.Parse()

	if _, err := logging.Init(logging.DefaultConfig("runreplay")); err != nil {
		os.Stderr.WriteString("init logging: " + err.Error() + "\n")
		os.Exit(setupExitCode)
	}
	defer logging.Sync()

	if *runID == "" || *gameID == "" || *categoryID == "" {
		logging.Get().Error("run-id, game-id, and category-id are required")
		os.Exit(setupExitCode)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Get().Error("load config failed", zap.Error(err))
		os.Exit(setupExitCode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingProvider, err := tracing.Init(ctx, tracing.Config{ServiceName: "runreplay", Endpoint: cfg.Tracing.Endpoint})
	if err != nil {
		logging.Get().Error("init tracing failed", zap.Error(err))
		os.Exit(setupExitCode)
	}
	tracing.SetGlobal(tracingProvider)
	defer tracingProvider.Shutdown(context.Background())

	rules, err := runmodel.LoadRuleSet(cfg.GameRulesFile)
	if err != nil {
		logging.Get().Error("load game rules failed", zap.Error(err))
		os.Exit(setupExitCode)
	}
	mods, categoryRules, ok := rules.Resolve(*gameID, *categoryID)
	if !ok {
		logging.Get().Error("no rules configured for game/category", zap.String("game_id", *gameID), zap.String("category_id", *categoryID))
		os.Exit(setupExitCode)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	trackedClient := poller.NewClient(cfg.Polling.TrackedServiceURL, httpClient)

	comment, err := trackedClient.GetRunComment(ctx, *runID)
	if err != nil {
		logging.Get().Error("fetch run comment failed", zap.Error(err))
		os.Exit(setupExitCode)
	}

	downloadProviders := []dispatch.Provider{
		providers.NewGoogleDrive(httpClient),
		providers.NewSpeedrun(httpClient),
	}
	// DROPBOX_TOKEN is only required iff this run references provider B
	// (spec §6 "Environment").
	if dropbox, err := providers.NewDropbox(httpClient); err != nil {
		logging.Get().Warn("dropbox provider disabled", zap.Error(err))
	} else {
		downloadProviders = append(downloadProviders, dropbox)
	}
	dispatcher := dispatch.New(downloadProviders, dispatch.DefaultSecurityConfig())

	workingDir := filepath.Join(cfg.OutputDir, *runID)
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		logging.Get().Error("create working dir failed", zap.Error(err))
		os.Exit(setupExitCode)
	}

	_, savePath, classified := dispatcher.Fetch(ctx, comment, workingDir)
	if classified != nil {
		logging.Get().Error("dispatch failed", zap.String("class", classified.Class.String()), zap.Error(classified))
		os.Exit(setupExitCode)
	}

	registry := shutdown.NewRegistry()
	runner := replay.NewSubprocessRunner(registry, cfg.ReplayBinary)
	report, classified := runner.Run(ctx, replay.Spec{
		InstallDir:   cfg.InstallDir,
		SaveFile:     savePath,
		Rules:        categoryRules,
		ExpectedMods: mods,
		LogPath:      filepath.Join(workingDir, "output.log"),
	})
	if classified != nil {
		logging.Get().Error("replay failed", zap.String("class", classified.Class.String()), zap.Error(classified))
		os.Exit(setupExitCode)
	}

	fmt.Printf("run %s: max_msg_level=%s\n", *runID, report.MaxMsgLevel)
	os.Exit(int(report.MaxMsgLevel))
}
