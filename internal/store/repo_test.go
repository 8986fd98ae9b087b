package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"minerhub/internal/model"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func seedDevice(t *testing.T, repo *Repository, id string) {
	t.Helper()
	dev := &model.Device{ID: id, Name: id, Address: "10.0.0.1", Family: model.FamilyHTTPJSON}
	if err := repo.UpsertDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "aa:bb:cc:00:11:22")

	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	in := &model.Snapshot{
		DeviceID:       "aa:bb:cc:00:11:22",
		TS:             ts,
		HashRateGHS:    512.5,
		PowerW:         14.2,
		PoolURL:        "stratum+tcp://pool:3333",
		PoolUser:       "worker",
		SharesAccepted: 42,
		SharesRejected: 1,
		UptimeSec:      3600,
	}
	if err := repo.InsertSnapshot(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := repo.ListSnapshots(ctx, "aa:bb:cc:00:11:22", ts.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(got))
	}
	s := got[0]
	if s.HashRateGHS != 512.5 || s.PowerW != 14.2 || s.PoolURL != in.PoolURL ||
		s.PoolUser != in.PoolUser || s.SharesAccepted != 42 || s.SharesRejected != 1 || s.UptimeSec != 3600 {
		t.Fatalf("round trip mismatch: %+v", s)
	}
	if !s.TS.Equal(ts) {
		t.Fatalf("timestamp mismatch: %v != %v", s.TS, ts)
	}
}

func TestInsertSnapshotRejectsRemovedDevice(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "dev1")
	if err := repo.DeleteDevice(ctx, "dev1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := repo.InsertSnapshot(ctx, &model.Snapshot{DeviceID: "dev1", TS: time.Now().UTC()})
	if err != ErrDeviceGone {
		t.Fatalf("expected ErrDeviceGone, got %v", err)
	}
}

func TestDeleteDeviceCascades(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "dev1")
	seedDevice(t, repo, "dev2")

	for _, id := range []string{"dev1", "dev2"} {
		if err := repo.InsertSnapshot(ctx, &model.Snapshot{DeviceID: id, TS: time.Now().UTC()}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := repo.InsertAction(ctx, &model.WatchdogAction{DeviceID: id, TS: time.Now().UTC(), Kind: "restart"}); err != nil {
			t.Fatalf("insert action: %v", err)
		}
	}

	if err := repo.DeleteDevice(ctx, "dev1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if snaps, _ := repo.ListSnapshots(ctx, "dev1", time.Time{}, 10); len(snaps) != 0 {
		t.Fatalf("expected dev1 snapshots cascaded, got %d", len(snaps))
	}
	if snaps, _ := repo.ListSnapshots(ctx, "dev2", time.Time{}, 10); len(snaps) != 1 {
		t.Fatalf("expected dev2 snapshots untouched, got %d", len(snaps))
	}
	actions, _ := repo.ListActions(ctx, false, 10)
	for _, a := range actions {
		if a.DeviceID == "dev1" {
			t.Fatalf("expected dev1 actions cascaded")
		}
	}
}

func TestDeleteSnapshotBatchBefore(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "dev1")

	now := time.Now().UTC()
	old := now.AddDate(0, 0, -40)
	fresh := now.AddDate(0, 0, -10)
	for i := 0; i < 5; i++ {
		if err := repo.InsertSnapshot(ctx, &model.Snapshot{DeviceID: "dev1", TS: old.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("insert old: %v", err)
		}
	}
	if err := repo.InsertSnapshot(ctx, &model.Snapshot{DeviceID: "dev1", TS: fresh}); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	cutoff := now.AddDate(0, 0, -30)
	var total int64
	for {
		n, err := repo.DeleteSnapshotBatchBefore(ctx, cutoff, 2)
		if err != nil {
			t.Fatalf("batch delete: %v", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total != 5 {
		t.Fatalf("expected 5 deleted, got %d", total)
	}
	left, _ := repo.ListSnapshots(ctx, "dev1", time.Time{}, 10)
	if len(left) != 1 || !left[0].TS.Equal(fresh) {
		t.Fatalf("expected only the 10-day-old snapshot to remain, got %+v", left)
	}
}

func TestDeleteOrphanSnapshots(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "alive")

	if err := repo.InsertSnapshot(ctx, &model.Snapshot{DeviceID: "alive", TS: time.Now().UTC()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Bypass the existence check to simulate referential drift.
	orphan := &model.Snapshot{DeviceID: "ghost", TS: time.Now().UTC()}
	if err := repo.db.Create(orphan).Error; err != nil {
		t.Fatalf("insert orphan: %v", err)
	}

	n, err := repo.DeleteOrphanSnapshots(ctx)
	if err != nil {
		t.Fatalf("orphan sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan deleted, got %d", n)
	}
	if snaps, _ := repo.ListSnapshots(ctx, "alive", time.Time{}, 10); len(snaps) != 1 {
		t.Fatalf("snapshot with live device must survive the sweep")
	}
}

func TestAckAction(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "dev1")

	a := &model.WatchdogAction{DeviceID: "dev1", TS: time.Now().UTC(), Kind: "restart", Reason: "hash rate dropped to zero"}
	if err := repo.InsertAction(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	unacked, _ := repo.ListActions(ctx, true, 10)
	if len(unacked) != 1 {
		t.Fatalf("expected 1 unacked action, got %d", len(unacked))
	}
	if err := repo.AckAction(ctx, a.ID.String()); err != nil {
		t.Fatalf("ack: %v", err)
	}
	unacked, _ = repo.ListActions(ctx, true, 10)
	if len(unacked) != 0 {
		t.Fatalf("expected 0 unacked after ack, got %d", len(unacked))
	}
}
