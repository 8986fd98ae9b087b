// Package retention prunes snapshot history past its age limit so the
// snapshot table stays bounded on long-running installs.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"minerhub/internal/observability"
	"minerhub/internal/store"
)

type Config struct {
	// MaxAge is how far back snapshot history is kept.
	MaxAge time.Duration
	// Interval is the automatic sweep cadence.
	Interval time.Duration
	// BatchSize caps rows deleted per statement.
	BatchSize int
	// ManualCooldown throttles operator-triggered runs.
	ManualCooldown time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * 24 * time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.ManualCooldown <= 0 {
		c.ManualCooldown = time.Minute
	}
}

// Result summarizes one retention run.
type Result struct {
	PrunedRows  int64 `json:"pruned_rows"`
	OrphanRows  int64 `json:"orphan_rows"`
	StaleCached int64 `json:"stale_cached"`
}

// StaleCache drops cached latest-snapshot entries whose device is no longer
// in the fleet. A nil cache disables the step.
type StaleCache interface {
	RemoveAllExcept(ctx context.Context, keepIDs []string) ([]string, error)
}

// Service runs the periodic prune loop and accepts rate-limited manual
// triggers between intervals.
type Service struct {
	repo  *store.Repository
	cfg   Config
	cache StaleCache
	now   func() time.Time

	mu        sync.Mutex
	lastRun   time.Time
	runSignal chan chan Result
}

func New(repo *store.Repository, cfg Config, cache StaleCache) *Service {
	cfg.applyDefaults()
	return &Service{
		repo:      repo,
		cfg:       cfg,
		cache:     cache,
		now:       time.Now,
		runSignal: make(chan chan Result, 1),
	}
}

// Run drives the sweep loop until ctx is cancelled. A failed sweep is logged
// and retried at the next interval; it never stops the loop.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	slog.Info("retention loop started", "max_age", s.cfg.MaxAge, "interval", s.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sweep(ctx); err != nil {
				slog.Error("retention sweep failed", "error", err)
			}
		case reply := <-s.runSignal:
			res, err := s.sweep(ctx)
			if err != nil {
				slog.Error("manual retention sweep failed", "error", err)
			}
			reply <- res
		}
	}
}

// TriggerNow requests an immediate sweep. It returns false without running
// when the previous run finished less than the manual cooldown ago.
func (s *Service) TriggerNow(ctx context.Context) (Result, bool) {
	s.mu.Lock()
	if !s.lastRun.IsZero() && s.now().Sub(s.lastRun) < s.cfg.ManualCooldown {
		s.mu.Unlock()
		return Result{}, false
	}
	s.mu.Unlock()

	reply := make(chan Result, 1)
	select {
	case s.runSignal <- reply:
	case <-ctx.Done():
		return Result{}, false
	}
	select {
	case res := <-reply:
		return res, true
	case <-ctx.Done():
		return Result{}, false
	}
}

// sweep deletes expired snapshots in batches, yielding between batches so a
// deep backlog cannot monopolize the storage layer, then removes orphans.
func (s *Service) sweep(ctx context.Context) (Result, error) {
	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.MaxAge)
	var res Result
	for {
		n, err := s.repo.DeleteSnapshotBatchBefore(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if n == 0 {
			break
		}
		res.PrunedRows += n
		observability.RetentionDeletedTotal.Add(float64(n))
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	orphans, err := s.repo.DeleteOrphanSnapshots(ctx)
	if err != nil {
		return res, err
	}
	res.OrphanRows = orphans

	// The cache can hold entries for removed devices the same way the
	// snapshot table can; sweep it against the same live device set.
	if s.cache != nil {
		devices, err := s.repo.ListDevices(ctx)
		if err != nil {
			return res, err
		}
		liveIDs := make([]string, 0, len(devices))
		for _, d := range devices {
			liveIDs = append(liveIDs, d.ID)
		}
		removed, err := s.cache.RemoveAllExcept(ctx, liveIDs)
		if err != nil {
			return res, err
		}
		res.StaleCached = int64(len(removed))
	}

	if res.PrunedRows > 0 || res.OrphanRows > 0 || res.StaleCached > 0 {
		slog.Info("retention sweep complete", "pruned", res.PrunedRows, "orphans", res.OrphanRows, "stale_cached", res.StaleCached)
	}
	return res, nil
}
