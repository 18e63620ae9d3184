package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/runverify/replay-runner/internal/logging"
	"github.com/runverify/replay-runner/internal/metrics"
	"github.com/runverify/replay-runner/internal/namecache"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/store"
	"github.com/runverify/replay-runner/internal/wakeup"
)

// DefaultPollInterval is spec §4.5's default poll_interval_seconds.
const DefaultPollInterval = 1 * time.Hour

// Poller periodically enumerates submitted runs for every (game, category)
// pair in the rule set and inserts the novel ones.
type Poller struct {
	client   *Client
	store    store.Store
	rules    runmodel.RuleSet
	cutoff   time.Time
	interval time.Duration
	onInsert *wakeup.Signal
	names    *namecache.Cache
}

// New builds a Poller. cutoff is the fallback high-water mark used for a
// (game, category) pair the store has never seen before (spec §4.5).
// onInsert is signaled at least once per cycle in which any row was
// inserted, waking the processor. names is warmed lazily on first sight
// of a pair and used only for log readability (SPEC_FULL supplement #3).
func New(client *Client, s store.Store, rules runmodel.RuleSet, cutoff time.Time, interval time.Duration, onInsert *wakeup.Signal, names *namecache.Cache) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		client:   client,
		store:    s,
		rules:    rules,
		cutoff:   cutoff,
		interval: interval,
		onInsert: onInsert,
		names:    names,
	}
}

// Run drives the poll loop until ctx is canceled. The tick itself is an
// `@every` cron.Schedule rather than a bare time.Ticker, the same
// Parse-then-Next idiom the teacher's scheduler.Core uses to drive a
// per-job cron expression (spec.Parse(job.Schedule); schedule.Next(now)).
func (p *Poller) Run(ctx context.Context) {
	schedule, err := cron.ParseStandard(fmt.Sprintf("@every %s", p.interval))
	if err != nil {
		logging.Get().Error("parse poll schedule failed", zap.Duration("interval", p.interval), zap.Error(err))
		return
	}

	p.pollOnce(ctx)
	timer := time.NewTimer(time.Until(schedule.Next(time.Now())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.pollOnce(ctx)
			timer.Reset(time.Until(schedule.Next(time.Now())))
		}
	}
}

// pollOnce runs a single cycle over every configured pair. A single pair's
// failure is logged and does not abort the cycle (spec §4.5).
func (p *Poller) pollOnce(ctx context.Context) {
	metrics.PollCycles.Inc()
	inserted := false
	for _, pair := range p.rules.AllPairs() {
		n, err := p.pollPair(ctx, pair.GameID, pair.CategoryID)
		if err != nil {
			logging.Get().Warn("poll cycle failed for pair",
				zap.String("game_id", pair.GameID),
				zap.String("category_id", pair.CategoryID),
				zap.Error(err))
			continue
		}
		if n > 0 {
			inserted = true
			metrics.RunsDiscovered.Add(float64(n))
			logging.Get().Info("discovered new runs",
				zap.String("game", p.names.GameName(ctx, pair.GameID)),
				zap.String("category", p.names.CategoryName(ctx, pair.CategoryID)),
				zap.Int("count", n))
		}
	}
	if inserted {
		p.onInsert.Notify()
	}
}

func (p *Poller) pollPair(ctx context.Context, gameID, categoryID string) (int, error) {
	highWater, ok, err := p.store.GetLatestSubmittedDate(ctx, gameID, categoryID)
	if err != nil {
		return 0, err
	}
	if !ok {
		highWater = p.cutoff
	}

	runs, err := p.client.StreamRuns(ctx, gameID, categoryID)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, r := range runs {
		submittedAt, ok := r.SubmittedAt()
		if !ok || !submittedAt.After(highWater) {
			continue
		}
		err := p.store.Insert(ctx, runmodel.NewRun{
			RunID:       r.ID,
			GameID:      gameID,
			CategoryID:  categoryID,
			SubmittedAt: submittedAt,
		})
		if err != nil {
			logging.Get().Warn("insert discovered run failed",
				zap.String("run_id", r.ID), zap.Error(err))
			continue
		}
		inserted++
	}
	return inserted, nil
}
