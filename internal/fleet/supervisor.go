// Package fleet owns the polling schedule and liveness state machine for
// every known miner.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"minerhub/internal/model"
	"minerhub/internal/observability"
	"minerhub/internal/proto"
	"minerhub/internal/store"
)

type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration

	// Watchdog policy. An anomaly must hold for AnomalyConsecutive polls
	// before a corrective restart is issued, and no second restart is issued
	// for the same device within ActionCooldown.
	AnomalyConsecutive int
	ActionCooldown     time.Duration
	PowerDeviationPct  float64 // fraction of baseline, e.g. 0.5 = ±50%
	BaselineWindow     int     // successful snapshots per baseline
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.AnomalyConsecutive <= 0 {
		c.AnomalyConsecutive = 3
	}
	if c.ActionCooldown <= 0 {
		c.ActionCooldown = 10 * time.Minute
	}
	if c.PowerDeviationPct <= 0 {
		c.PowerDeviationPct = 0.5
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = 10
	}
}

// EventSink receives fleet lifecycle notifications. Implementations must not
// block; a nil sink disables publishing.
type EventSink interface {
	DeviceUpdated(dev *model.Device)
	SnapshotRecorded(snap *model.Snapshot)
	ActionRaised(a *model.WatchdogAction)
}

// LatestCache keeps the most recent snapshot JSON per device for cheap reads.
// A nil cache disables it.
type LatestCache interface {
	SetLatest(ctx context.Context, deviceID string, snapshotJSON []byte) error
	DeleteLatest(ctx context.Context, deviceID string) error
}

// deviceState is the per-device mutable state. It is only ever touched by
// that device's poll goroutine, so it needs no lock of its own.
type deviceState struct {
	dev      *model.Device
	failures int

	zeroHashStreak  int
	powerDevStreak  int
	lastWatchdogAct time.Time
}

type poller struct {
	cancel context.CancelFunc
}

// Supervisor runs one independent polling cycle per device. Device-set
// mutation (Add/Remove) goes through the supervisor so a removal can stop
// the poller before rows disappear under it.
type Supervisor struct {
	repo     *store.Repository
	registry *proto.Registry
	cfg      Config
	sink     EventSink
	cache    LatestCache
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pollers map[string]*poller
	wg      sync.WaitGroup
}

func NewSupervisor(repo *store.Repository, registry *proto.Registry, cfg Config, sink EventSink, cache LatestCache) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		repo:     repo,
		registry: registry,
		cfg:      cfg,
		sink:     sink,
		cache:    cache,
		now:      time.Now,
		pollers:  make(map[string]*poller),
	}
}

// Start loads the persisted device set and begins polling each device.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return err
	}
	for i := range devices {
		s.startPoller(&devices[i])
	}
	slog.Info("fleet supervisor started", "devices", len(devices), "interval", s.cfg.PollInterval)
	return nil
}

// Stop cancels every outstanding poll and waits for the pollers to exit.
// Poll timeouts bound how long that wait can take.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// AddDevice registers a device and starts its poller. The protocol family on
// an already-known device is immutable; only name/address/hints refresh.
func (s *Supervisor) AddDevice(ctx context.Context, dev *model.Device) error {
	existing, err := s.repo.GetDevice(ctx, dev.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		dev.Family = existing.Family
	}
	if _, err := s.registry.For(dev.Family); err != nil {
		return err
	}
	if err := s.repo.UpsertDevice(ctx, dev); err != nil {
		return err
	}
	if s.sink != nil {
		s.sink.DeviceUpdated(dev)
	}
	s.startPoller(dev)
	return nil
}

// RemoveDevice stops the device's poller, then cascades the delete. Order
// matters: a poll still in flight when rows vanish fails gracefully through
// the store's existence check rather than resurrecting the device.
func (s *Supervisor) RemoveDevice(ctx context.Context, id string) error {
	s.mu.Lock()
	if p, ok := s.pollers[id]; ok {
		p.cancel()
		delete(s.pollers, id)
	}
	s.mu.Unlock()

	if err := s.repo.DeleteDevice(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.DeleteLatest(ctx, id)
	}
	return nil
}

func (s *Supervisor) startPoller(dev *model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	if _, running := s.pollers[dev.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.pollers[dev.ID] = &poller{cancel: cancel}

	st := &deviceState{dev: dev, failures: dev.Failures}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx, st)
	}()
}

// pollLoop runs cycles sequentially for one device: a slow round trip delays
// only this device's next cycle, never another device's.
func (s *Supervisor) pollLoop(ctx context.Context, st *deviceState) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.pollOnce(ctx, st)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if gone := s.pollOnce(ctx, st); gone {
				s.mu.Lock()
				delete(s.pollers, st.dev.ID)
				s.mu.Unlock()
				return
			}
		}
	}
}

// pollOnce performs one cycle. It reports true when the device was removed
// mid-flight and the poller should exit.
func (s *Supervisor) pollOnce(ctx context.Context, st *deviceState) (gone bool) {
	adapter, err := s.registry.For(st.dev.Family)
	if err != nil {
		slog.Error("device has no adapter", "device", st.dev.ID, "family", st.dev.Family)
		return true
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	snap, err := adapter.Poll(pollCtx, st.dev)
	cancel()
	now := s.now().UTC()

	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		return s.recordFailure(ctx, st, now, err)
	}
	return s.recordSuccess(ctx, st, now, adapter, snap)
}

func (s *Supervisor) recordFailure(ctx context.Context, st *deviceState, now time.Time, pollErr error) (gone bool) {
	st.failures++
	kind := proto.KindOf(pollErr)
	observability.PollsTotal.WithLabelValues(st.dev.Family, "failure").Inc()
	slog.Warn("poll failed", "device", st.dev.ID, "kind", string(kind), "failures", st.failures, "error", pollErr)
	if st.failures == model.OfflineThreshold {
		slog.Error("device offline", "device", st.dev.ID, "address", st.dev.Address)
	}

	// Storage trouble must not kill the poll loop; the sentinel write is
	// logged and skipped on error.
	sentinel := model.FailedSnapshot(st.dev.ID, now)
	if err := s.repo.InsertSnapshot(ctx, sentinel); err != nil {
		if errors.Is(err, store.ErrDeviceGone) {
			return true
		}
		slog.Error("failed-snapshot write failed", "device", st.dev.ID, "error", err)
	}
	if err := s.repo.UpdateLiveness(ctx, st.dev.ID, st.failures, time.Time{}); err != nil {
		slog.Error("liveness update failed", "device", st.dev.ID, "error", err)
	}
	st.dev.Failures = st.failures
	if s.sink != nil {
		s.sink.SnapshotRecorded(sentinel)
	}
	return false
}

func (s *Supervisor) recordSuccess(ctx context.Context, st *deviceState, now time.Time, adapter proto.Adapter, snap *model.Snapshot) (gone bool) {
	wasOffline := st.failures >= model.OfflineThreshold
	st.failures = 0
	snap.DeviceID = st.dev.ID
	snap.TS = now
	observability.PollsTotal.WithLabelValues(st.dev.Family, "success").Inc()

	if err := s.repo.InsertSnapshot(ctx, snap); err != nil {
		if errors.Is(err, store.ErrDeviceGone) {
			return true
		}
		slog.Error("snapshot write failed", "device", st.dev.ID, "error", err)
	}
	if err := s.repo.UpdateLiveness(ctx, st.dev.ID, 0, now); err != nil {
		slog.Error("liveness update failed", "device", st.dev.ID, "error", err)
	}
	st.dev.Failures = 0
	st.dev.LastSeen = now

	if wasOffline {
		slog.Info("device back online", "device", st.dev.ID)
	}
	if s.sink != nil {
		s.sink.SnapshotRecorded(snap)
	}
	if s.cache != nil {
		if b, err := json.Marshal(snap); err == nil {
			_ = s.cache.SetLatest(ctx, st.dev.ID, b)
		}
	}

	s.evaluateWatchdog(ctx, st, adapter, snap, now)
	return false
}
