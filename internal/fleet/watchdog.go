package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"minerhub/internal/model"
	"minerhub/internal/observability"
	"minerhub/internal/proto"
)

// Watchdog action kinds.
const (
	ActionRestart = "restart"
)

// evaluateWatchdog applies the anomaly rules to a successful snapshot. Rules
// only ever fire on reachable devices: an unreachable miner is a liveness
// problem, not a watchdog one.
func (s *Supervisor) evaluateWatchdog(ctx context.Context, st *deviceState, adapter proto.Adapter, snap *model.Snapshot, now time.Time) {
	if snap.HashRateGHS == 0 {
		st.zeroHashStreak++
	} else {
		st.zeroHashStreak = 0
	}

	if base, ok := s.powerBaseline(ctx, st.dev.ID); ok && deviates(snap.PowerW, base, s.cfg.PowerDeviationPct) {
		st.powerDevStreak++
	} else {
		st.powerDevStreak = 0
	}

	var reason string
	switch {
	case st.zeroHashStreak >= s.cfg.AnomalyConsecutive:
		reason = fmt.Sprintf("hash rate 0 GH/s for %d consecutive polls", st.zeroHashStreak)
	case st.powerDevStreak >= s.cfg.AnomalyConsecutive:
		reason = fmt.Sprintf("power %.1f W outside ±%.0f%% of trailing baseline for %d consecutive polls",
			snap.PowerW, s.cfg.PowerDeviationPct*100, st.powerDevStreak)
	default:
		return
	}

	if !st.lastWatchdogAct.IsZero() && now.Sub(st.lastWatchdogAct) < s.cfg.ActionCooldown {
		slog.Debug("watchdog anomaly within cooldown, holding fire", "device", st.dev.ID, "reason", reason)
		return
	}
	s.issueRestart(ctx, st, adapter, reason, now)
}

// powerBaseline averages power over the recent successful snapshots. It
// reports ok=false when there is not enough history to judge deviation.
func (s *Supervisor) powerBaseline(ctx context.Context, deviceID string) (float64, bool) {
	recent, err := s.repo.RecentSnapshots(ctx, deviceID, s.cfg.BaselineWindow)
	if err != nil {
		slog.Error("baseline query failed", "device", deviceID, "error", err)
		return 0, false
	}
	if len(recent) < s.cfg.BaselineWindow {
		return 0, false
	}
	var sum float64
	for i := range recent {
		sum += recent[i].PowerW
	}
	base := sum / float64(len(recent))
	if base <= 0 {
		return 0, false
	}
	return base, true
}

func deviates(value, baseline, pct float64) bool {
	return value > baseline*(1+pct) || value < baseline*(1-pct)
}

// issueRestart fires the corrective restart, records the action row, and
// arms the cooldown. A failed restart still counts against the cooldown so a
// wedged device is not hammered every cycle.
func (s *Supervisor) issueRestart(ctx context.Context, st *deviceState, adapter proto.Adapter, reason string, now time.Time) {
	slog.Warn("watchdog restarting device", "device", st.dev.ID, "reason", reason)
	observability.WatchdogActionsTotal.WithLabelValues(ActionRestart).Inc()

	restartErr := adapter.Restart(ctx, st.dev)
	if restartErr != nil {
		slog.Error("watchdog restart failed", "device", st.dev.ID, "error", restartErr)
		reason += " (restart command failed: " + restartErr.Error() + ")"
	}

	action := &model.WatchdogAction{
		DeviceID: st.dev.ID,
		TS:       now,
		Kind:     ActionRestart,
		Reason:   reason,
	}
	if err := s.repo.InsertAction(ctx, action); err != nil {
		slog.Error("watchdog action write failed", "device", st.dev.ID, "error", err)
	}
	if s.sink != nil {
		s.sink.ActionRaised(action)
	}

	st.lastWatchdogAct = now
	st.zeroHashStreak = 0
	st.powerDevStreak = 0
}
