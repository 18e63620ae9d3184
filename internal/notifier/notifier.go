// Package notifier implements the notifier actor (G): a single
// long-running goroutine fed by a bounded mailbox, delivering run-status
// updates to the downstream bot over HTTP (spec §4.7).
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/runverify/replay-runner/internal/logging"
	"github.com/runverify/replay-runner/internal/metrics"
	"github.com/runverify/replay-runner/internal/resilience"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/store"
	"github.com/runverify/replay-runner/internal/tracing"
)

const (
	// DefaultMaxNotifyAttempts bounds the per-run notify CAS retry loop.
	DefaultMaxNotifyAttempts = 5
	// HeartbeatInterval is fixed at 15 minutes (spec §4.7 item 3).
	HeartbeatInterval = 15 * time.Minute
	// DefaultRetryInterval is the bulk-retry tick's default period.
	DefaultRetryInterval = 30 * time.Minute

	mailboxCapacity = 64
)

// Config bundles the notifier's static configuration.
type Config struct {
	BotURL        string
	AuthToken     string
	MaxAttempts   int
	RetryInterval time.Duration
	HTTPClient    *http.Client
}

// Actor is the notifier's single consumer loop.
type Actor struct {
	store   store.Store
	cfg     Config
	mailbox chan string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// New builds an Actor. Call Enqueue to feed per-run notifications and Run
// to drive the actor until its context is canceled.
func New(s store.Store, cfg Config) *Actor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxNotifyAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Actor{
		store:   s,
		cfg:     cfg,
		mailbox: make(chan string, mailboxCapacity),
		client:  client,
		breaker: resilience.NewCircuitBreaker("notifier.bot", resilience.DefaultCircuitBreakerConfig()),
	}
}

// Enqueue hands off a run_id for per-run notification. A full mailbox
// drops the notification — the bulk-retry tick will pick it up later,
// matching the tracked service's own best-effort contract.
func (a *Actor) Enqueue(runID string) {
	select {
	case a.mailbox <- runID:
	default:
		logging.Get().Warn("notifier mailbox full, dropping immediate notification", zap.String("run_id", runID))
	}
}

// Run drives the three-source select loop until ctx is canceled. The
// bulk-retry and heartbeat ticks are each an `@every` cron.Schedule, the
// same Parse-then-Next idiom the teacher's scheduler.Core uses to drive a
// per-job cron expression, rather than a bare time.Ticker.
func (a *Actor) Run(ctx context.Context) {
	retrySchedule, err := cron.ParseStandard(fmt.Sprintf("@every %s", a.cfg.RetryInterval))
	if err != nil {
		logging.Get().Error("parse notifier retry schedule failed", zap.Error(err))
		return
	}
	heartbeatSchedule, err := cron.ParseStandard(fmt.Sprintf("@every %s", HeartbeatInterval))
	if err != nil {
		logging.Get().Error("parse heartbeat schedule failed", zap.Error(err))
		return
	}

	retryTimer := time.NewTimer(time.Until(retrySchedule.Next(time.Now())))
	defer retryTimer.Stop()
	heartbeatTimer := time.NewTimer(time.Until(heartbeatSchedule.Next(time.Now())))
	defer heartbeatTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-a.mailbox:
			a.notifyRun(ctx, runID)
		case <-retryTimer.C:
			a.retryUnnotified(ctx)
			retryTimer.Reset(time.Until(retrySchedule.Next(time.Now())))
		case <-heartbeatTimer.C:
			a.sendHeartbeat(ctx)
			heartbeatTimer.Reset(time.Until(heartbeatSchedule.Next(time.Now())))
		}
	}
}

func (a *Actor) notifyRun(ctx context.Context, runID string) {
	for i := 0; i < a.cfg.MaxAttempts; i++ {
		run, err := a.store.GetRun(ctx, runID)
		if err != nil {
			return
		}
		if run.Notified {
			return
		}

		if !a.postStatus(ctx, run) {
			return
		}

		updated, err := a.store.SetNotifiedIfStatusMatches(ctx, runID, run.Status)
		if err != nil {
			logging.Get().Warn("set_notified_if_status_matches failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		if updated {
			return
		}
		// status changed underneath between read and CAS; loop again.
	}
}

func (a *Actor) retryUnnotified(ctx context.Context) {
	runs, err := a.store.ListUnnotified(ctx)
	if err != nil {
		logging.Get().Warn("list_unnotified failed", zap.Error(err))
		return
	}
	if len(runs) == 0 {
		return
	}

	if !a.postStatusesBulk(ctx, runs) {
		logging.Get().Warn("bulk notification failed", zap.Int("count", len(runs)))
		return
	}

	for _, run := range runs {
		if _, err := a.store.SetNotifiedIfStatusMatches(ctx, run.RunID, run.Status); err != nil {
			logging.Get().Warn("set_notified_if_status_matches failed during bulk retry",
				zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	logging.Get().Info("bulk notified runs", zap.Int("count", len(runs)))
}

func (a *Actor) sendHeartbeat(ctx context.Context) {
	runs, err := a.store.ListNonTerminal(ctx)
	if err != nil {
		logging.Get().Warn("list_non_terminal failed", zap.Error(err))
		return
	}
	if len(runs) == 0 {
		return
	}

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.RunID
	}
	a.postHeartbeat(ctx, ids)
}

type statusPayload struct {
	Status  string  `json:"status"`
	Message *string `json:"message"`
}

func (a *Actor) postStatus(ctx context.Context, run *runmodel.Run) bool {
	ctx, span := tracing.Get().StartSpan(ctx, "notify-deliver")
	defer span.End()

	start := time.Now()
	url := fmt.Sprintf("%s/api/runs/%s/status", a.cfg.BotURL, run.RunID)
	body := statusPayload{Status: run.Status.WireStatus(), Message: run.ErrorMessage}
	ok := a.post(ctx, url, body)
	if ok {
		metrics.NotifyDeliveryLatency.Observe(time.Since(start).Seconds())
		logging.Get().Info("bot notified", zap.String("run_id", run.RunID), zap.String("status", body.Status))
	} else {
		tracing.SetError(ctx, fmt.Errorf("bot notification failed for run %s", run.RunID))
		logging.Get().Warn("bot notification failed", zap.String("run_id", run.RunID))
	}
	return ok
}

type bulkEntry struct {
	RunID   string  `json:"runId"`
	Status  string  `json:"status"`
	Message *string `json:"message"`
}

func (a *Actor) postStatusesBulk(ctx context.Context, runs []runmodel.Run) bool {
	entries := make([]bulkEntry, len(runs))
	for i, r := range runs {
		entries[i] = bulkEntry{RunID: r.RunID, Status: r.Status.WireStatus(), Message: r.ErrorMessage}
	}
	url := fmt.Sprintf("%s/api/runs/status", a.cfg.BotURL)
	return a.post(ctx, url, map[string]any{"runs": entries})
}

func (a *Actor) postHeartbeat(ctx context.Context, runIDs []string) {
	url := fmt.Sprintf("%s/api/runs/heartbeat", a.cfg.BotURL)
	if a.post(ctx, url, map[string]any{"runIds": runIDs}) {
		metrics.HeartbeatsSent.Inc()
		logging.Get().Info("heartbeat sent", zap.Int("count", len(runIDs)))
	} else {
		logging.Get().Warn("heartbeat failed", zap.Int("count", len(runIDs)))
	}
}

// post delivers a JSON POST through the circuit breaker, returning success.
func (a *Actor) post(ctx context.Context, url string, body any) bool {
	payload, err := json.Marshal(body)
	if err != nil {
		logging.Get().Error("marshal notifier payload failed", zap.Error(err))
		return false
	}

	success := false
	err = a.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+a.cfg.AuthToken)

		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("bot returned status %s", resp.Status)
		}
		success = true
		return nil
	})
	if err != nil {
		return false
	}
	return success
}
