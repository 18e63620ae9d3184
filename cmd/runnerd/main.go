// Command runnerd is the pipeline's long-running daemon: it launches the
// poller (E), processor (F), and notifier (G) loops under one
// errgroup.Group with shared cancellation, and serves the operational
// /healthz + /metrics surface (spec §4, SPEC_FULL "cmd/runnerd").
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runverify/replay-runner/internal/archive"
	"github.com/runverify/replay-runner/internal/config"
	"github.com/runverify/replay-runner/internal/dispatch"
	"github.com/runverify/replay-runner/internal/dispatch/providers"
	"github.com/runverify/replay-runner/internal/logging"
	"github.com/runverify/replay-runner/internal/namecache"
	"github.com/runverify/replay-runner/internal/notifier"
	"github.com/runverify/replay-runner/internal/opserver"
	"github.com/runverify/replay-runner/internal/poller"
	"github.com/runverify/replay-runner/internal/processor"
	"github.com/runverify/replay-runner/internal/replay"
	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/shutdown"
	"github.com/runverify/replay-runner/internal/store/sqlite"
	"github.com/runverify/replay-runner/internal/tracing"
	"github.com/runverify/replay-runner/internal/wakeup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the daemon's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// logging isn't initialized yet; this is a startup failure.
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logCfg := logging.DefaultConfig("runnerd")
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	if cfg.Logging.Encoding != "" {
		logCfg.Encoding = cfg.Logging.Encoding
	}
	if _, err := logging.Init(logCfg); err != nil {
		os.Stderr.WriteString("init logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logging.Sync()

	logging.Get().Info("runnerd starting up", zap.String("config", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingProvider, err := tracing.Init(ctx, tracing.Config{ServiceName: "runnerd", Endpoint: cfg.Tracing.Endpoint})
	if err != nil {
		logging.Get().Fatal("init tracing failed", zap.Error(err))
	}
	tracing.SetGlobal(tracingProvider)
	defer tracingProvider.Shutdown(context.Background())

	rules, err := runmodel.LoadRuleSet(cfg.GameRulesFile)
	if err != nil {
		logging.Get().Fatal("load game rules failed", zap.Error(err))
	}

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		logging.Get().Fatal("open store failed", zap.Error(err))
	}
	defer db.Close()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	trackedClient := poller.NewClient(cfg.Polling.TrackedServiceURL, httpClient)
	names := namecache.New(trackedClient)

	downloadProviders := []dispatch.Provider{
		providers.NewGoogleDrive(httpClient),
		providers.NewSpeedrun(httpClient),
	}
	// DROPBOX_TOKEN is only required iff a run actually references
	// provider B (spec §6 "Environment"); the daemon still starts
	// without it, it just can't dispatch Dropbox links.
	if dropbox, err := providers.NewDropbox(httpClient); err != nil {
		logging.Get().Warn("dropbox provider disabled", zap.Error(err))
	} else {
		downloadProviders = append(downloadProviders, dropbox)
	}
	dispatcher := dispatch.New(downloadProviders, securityConfigFrom(cfg.Security))

	registry := shutdown.NewRegistry()
	coordinator := shutdown.New(ctx, registry)
	runnerCtx := coordinator.Context()

	replayRunner := replay.NewSubprocessRunner(registry, cfg.ReplayBinary)

	// Omitting bot_notifier from the config disables the notifier
	// entirely (spec §6) — Enqueue becomes a no-op and no retry/heartbeat
	// loop is started.
	var runProc processor.Notifier = noopNotifier{}
	var notifierActor *notifier.Actor
	if cfg.BotNotifier != nil {
		notifierActor = notifier.New(db, notifier.Config{
			BotURL:        cfg.BotNotifier.BotURL,
			AuthToken:     cfg.BotNotifier.AuthToken,
			RetryInterval: cfg.BotNotifier.RetryInterval(),
			HTTPClient:    httpClient,
		})
		runProc = notifierActor
	}

	var runArchiver processor.Archiver
	if cfg.Archive != nil {
		runArchiver, err = buildArchiver(ctx, *cfg.Archive)
		if err != nil {
			logging.Get().Fatal("init archiver failed", zap.Error(err))
		}
	}

	wake := wakeup.New()
	pollInterval := cfg.Polling.Interval()
	p := poller.New(trackedClient, db, rules, cfg.Polling.Cutoff(time.Now().UTC()), pollInterval, wake, names)

	retryCfg := retryConfigFrom(cfg.Retry)
	proc := processor.New(processor.Config{
		Store:      db,
		Rules:      rules,
		Dispatcher: dispatcher,
		Replay:     replayRunner,
		Describer:  trackedClient,
		Notifier:   runProc,
		Archiver:   runArchiver,
		Wake:       wake,
		RetryCfg:   retryCfg,
		InstallDir: cfg.InstallDir,
		OutputDir:  cfg.OutputDir,
	})

	opSrv := opserver.New(opserver.Config{Addr: cfg.OpServer.Addr, Store: db})

	group, groupCtx := errgroup.WithContext(runnerCtx)
	group.Go(func() error {
		p.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		proc.Run(groupCtx)
		return nil
	})
	if notifierActor != nil {
		group.Go(func() error {
			notifierActor.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		if err := opSrv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	logging.Get().Info("runnerd ready", zap.String("op_addr", cfg.OpServer.Addr))

	<-ctx.Done()
	logging.Get().Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := opSrv.Shutdown(shutdownCtx); err != nil {
		logging.Get().Warn("op server shutdown error", zap.Error(err))
	}

	coordinator.Shutdown()
	if err := group.Wait(); err != nil {
		logging.Get().Error("runnerd exited with error", zap.Error(err))
		os.Exit(1)
	}
	logging.Get().Info("runnerd shutdown complete")
}

func securityConfigFrom(c config.SecurityConfig) dispatch.SecurityConfig {
	out := dispatch.DefaultSecurityConfig()
	if c.MaxFileSize > 0 {
		out.MaxFileSize = c.MaxFileSize
	}
	if c.MaxExtractedSize > 0 {
		out.MaxExtractedSize = c.MaxExtractedSize
	}
	if c.MaxZipEntries > 0 {
		out.MaxZipEntries = c.MaxZipEntries
	}
	if len(c.AllowedExtensions) > 0 {
		out.AllowedExtensions = c.AllowedExtensions
	}
	if c.MinFreeDiskBytes > 0 {
		out.MinFreeDiskBytes = c.MinFreeDiskBytes
	}
	return out
}

func retryConfigFrom(c config.RetryConfig) retrytax.Config {
	out := retrytax.DefaultConfig()
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffSecs > 0 {
		out.InitialBackoffSecs = c.InitialBackoffSecs
	}
	if c.MaxBackoffSecs > 0 {
		out.MaxBackoffSecs = c.MaxBackoffSecs
	}
	if c.BackoffMultiplier > 0 {
		out.BackoffMultiplier = c.BackoffMultiplier
	}
	return out
}

func buildArchiver(ctx context.Context, a config.ArchiveConfig) (processor.Archiver, error) {
	switch a.Backend {
	case "s3":
		return archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket:          a.Bucket,
			Prefix:          a.Prefix,
			Region:          a.Region,
			Endpoint:        a.Endpoint,
			AccessKeyID:     a.AccessKeyID,
			SecretAccessKey: a.SecretAccessKey,
		})
	default:
		return archive.NewLocalArchiver(a.LocalPath)
	}
}

// noopNotifier is used when bot_notifier is omitted from config: the
// processor still calls Enqueue on every terminal transition, it just
// has nowhere to send it.
type noopNotifier struct{}

func (noopNotifier) Enqueue(runID string) {}
