// Package scheduler owns the per-group polling engine: independent
// timers, the fetch→dedup→filter→batch→send→persist pipeline, failure
// bookkeeping and pruning.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"feedmail/internal/config"
	"feedmail/internal/feed"
	"feedmail/internal/mail"
	"feedmail/internal/storage"
)

const (
	defaultMaxConcurrentPolls = 8
	housekeepInterval         = time.Minute
	maxStartupJitter          = 30 * time.Second
)

type Scheduler struct {
	store   storage.Store
	fetcher feed.Fetcher
	sender  mail.Sender
	configs *config.Store
	log     *slog.Logger

	sem      *semaphore.Weighted
	reporter *failureReporter

	// polls are bound to this context, not to a timer's: stopping or
	// restarting a timer on reload must never abort a poll in flight
	runCtx context.Context

	mu     sync.Mutex
	timers map[string]*groupTimer
	// overlap guards keyed by group, shared across timer restarts so a
	// restarted timer cannot overlap the old timer's running poll
	busy map[string]*atomic.Bool

	wg sync.WaitGroup
}

func New(store storage.Store, fetcher feed.Fetcher, sender mail.Sender, configs *config.Store, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		fetcher:  fetcher,
		sender:   sender,
		configs:  configs,
		log:      log,
		sem:      semaphore.NewWeighted(defaultMaxConcurrentPolls),
		reporter: newFailureReporter(sender, log),
		runCtx:   context.Background(),
		timers:   make(map[string]*groupTimer),
		busy:     make(map[string]*atomic.Bool),
	}
}

// Run drives the scheduler until ctx is cancelled: reconciles timers
// against every new configuration snapshot and does periodic
// housekeeping (last_seen refresh, group pruning, failure reports).
func (s *Scheduler) Run(ctx context.Context) error {
	s.runCtx = ctx
	s.reconcile(ctx, s.configs.Current())
	s.touchConfigured(ctx)

	ticker := time.NewTicker(housekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			return ctx.Err()
		case snap := <-s.configs.Updates():
			s.reconcile(ctx, snap)
			s.touchConfigured(ctx)
		case <-ticker.C:
			s.housekeep(ctx)
		}
	}
}

// reconcile diffs the snapshot against running timers: start new
// groups, restart groups whose interval changed, stop removed groups.
// Stopping never deletes persisted state; pruning handles that with a
// grace period.
func (s *Scheduler) reconcile(ctx context.Context, snap *config.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, timer := range s.timers {
		group := snap.Group(key)
		switch {
		case group == nil:
			s.log.Info("feed group removed from configuration, stopping timer", "group", key)
			timer.stop()
			delete(s.timers, key)
		case group.Settings.Interval != timer.interval:
			s.log.Info("feed group interval changed, restarting timer",
				"group", key, "old", timer.interval, "new", group.Settings.Interval)
			timer.stop()
			delete(s.timers, key)
		}
	}

	for _, group := range snap.Groups {
		if _, running := s.timers[group.Key]; running {
			continue
		}
		s.timers[group.Key] = s.startTimer(ctx, group.Key, group.Settings.Interval)
	}
}

func (s *Scheduler) startTimer(ctx context.Context, key string, interval time.Duration) *groupTimer {
	flag := s.busy[key]
	if flag == nil {
		flag = new(atomic.Bool)
		s.busy[key] = flag
	}

	timerCtx, cancel := context.WithCancel(ctx)
	t := &groupTimer{
		key:      key,
		interval: interval,
		cancel:   cancel,
		busy:     flag,
	}

	s.wg.Add(1)
	go s.runTimer(timerCtx, t)

	return t
}

type groupTimer struct {
	key      string
	interval time.Duration
	cancel   context.CancelFunc
	busy     *atomic.Bool
}

func (t *groupTimer) stop() {
	t.cancel()
}

func (s *Scheduler) runTimer(ctx context.Context, t *groupTimer) {
	defer s.wg.Done()

	// spread initial polls so a reload does not stampede every group
	jitter := rand.N(min(t.interval, maxStartupJitter))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	s.tick(t)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(t)
		}
	}
}

// tick launches one poll unless the previous one is still in flight, in
// which case the tick is skipped. The guard is per group; groups never
// block each other. The poll runs on the scheduler context, so it
// outlives its timer and only shutdown cancels it.
func (s *Scheduler) tick(t *groupTimer) {
	if !t.busy.CompareAndSwap(false, true) {
		s.log.Debug("previous poll still in flight, skipping tick", "group", t.key)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.busy.Store(false)

		ctx := s.runCtx
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		// the snapshot is picked up at poll start and used for the
		// whole poll, even if a reload lands mid-flight
		snap := s.configs.Current()
		group := snap.Group(t.key)
		if group == nil {
			return
		}
		s.pollGroup(ctx, group)
	}()
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, timer := range s.timers {
		timer.stop()
		delete(s.timers, key)
	}
}

// touchConfigured refreshes last_seen for every configured group so
// pruning only ever reaps groups absent from config past the horizon.
func (s *Scheduler) touchConfigured(ctx context.Context) {
	snap := s.configs.Current()
	hashes := make([][]byte, 0, len(snap.Groups))
	for _, group := range snap.Groups {
		hashes = append(hashes, group.URLsHash)
	}
	if err := s.store.TouchGroupsLastSeen(ctx, hashes, time.Now().UTC()); err != nil {
		s.log.Error("failed to refresh group last_seen", "error", err)
	}
}

func (s *Scheduler) housekeep(ctx context.Context) {
	snap := s.configs.Current()
	now := time.Now().UTC()

	s.touchConfigured(ctx)

	if _, err := s.store.PruneGroups(ctx, now.Add(-snap.KeepOld)); err != nil {
		s.log.Error("failed to prune stale groups", "error", err)
	}

	failures, err := s.store.FailingGroups(ctx, failureReportThreshold)
	if err != nil {
		s.log.Error("failed to list failing groups", "error", err)
		return
	}
	s.reporter.record(ctx, snap, failures)
}
