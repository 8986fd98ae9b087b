package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"minerhub/internal/model"
)

// ErrDeviceGone is returned when a snapshot write races a device removal.
// The poll that produced the snapshot simply discards it.
var ErrDeviceGone = errors.New("device no longer exists")

type Repository struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func New(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&model.Device{}, &model.Snapshot{}, &model.WatchdogAction{}); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

// ── devices ──

func (r *Repository) ListDevices(ctx context.Context) ([]model.Device, error) {
	var out []model.Device
	err := r.db.WithContext(ctx).Order("created_at asc").Find(&out).Error
	return out, err
}

func (r *Repository) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	var d model.Device
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repository) UpsertDevice(ctx context.Context, d *model.Device) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "address", "board", "model_name", "updated_at"}),
	}).Create(d).Error
}

// UpdateLiveness persists the failure counter and last-seen mutation after a
// poll. Only the supervisor calls this.
func (r *Repository) UpdateLiveness(ctx context.Context, id string, failures int, lastSeen time.Time) error {
	updates := map[string]any{"failures": failures}
	if !lastSeen.IsZero() {
		updates["last_seen"] = lastSeen.UTC()
	}
	return r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteDevice removes a device and cascades to its snapshots and watchdog
// actions in one transaction.
func (r *Repository) DeleteDevice(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", id).Delete(&model.Snapshot{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&model.WatchdogAction{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Device{}).Error
	})
}

// ── snapshots ──

// InsertSnapshot appends a snapshot, verifying inside the transaction that
// the owning device still exists so a removed device is never resurrected by
// an in-flight poll.
func (r *Repository) InsertSnapshot(ctx context.Context, s *model.Snapshot) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Device{}).Where("id = ?", s.DeviceID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrDeviceGone
		}
		return tx.Create(s).Error
	})
}

// ListSnapshots returns snapshots for a device since a timestamp, in (ts, id)
// order so same-timestamp rows are stable.
func (r *Repository) ListSnapshots(ctx context.Context, deviceID string, since time.Time, limit int) ([]model.Snapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if !since.IsZero() {
		q = q.Where("ts >= ?", since.UTC())
	}
	var out []model.Snapshot
	err := q.Order("ts asc").Order("id asc").Limit(limit).Find(&out).Error
	return out, err
}

// RecentSnapshots returns the latest n successful snapshots, newest first.
// The watchdog uses this as its baseline window.
func (r *Repository) RecentSnapshots(ctx context.Context, deviceID string, n int) ([]model.Snapshot, error) {
	var out []model.Snapshot
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND failed = ?", deviceID, false).
		Order("ts desc").Order("id desc").Limit(n).Find(&out).Error
	return out, err
}

// ── retention ──

// DeleteSnapshotBatchBefore removes at most batchSize snapshots older than
// cutoff and reports how many went. Callers loop until it returns 0, yielding
// between batches, so a large backlog never pins the storage layer.
func (r *Repository) DeleteSnapshotBatchBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Snapshot{}).
		Where("ts < ?", cutoff.UTC()).
		Order("ts asc").Limit(batchSize).Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.Snapshot{})
	return res.RowsAffected, res.Error
}

// DeleteOrphanSnapshots removes snapshots whose owning device no longer
// exists.
func (r *Repository) DeleteOrphanSnapshots(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("device_id NOT IN (?)", r.db.Model(&model.Device{}).Select("id")).
		Delete(&model.Snapshot{})
	return res.RowsAffected, res.Error
}

// ── watchdog actions ──

func (r *Repository) InsertAction(ctx context.Context, a *model.WatchdogAction) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repository) ListActions(ctx context.Context, unackedOnly bool, limit int) ([]model.WatchdogAction, error) {
	if limit <= 0 {
		limit = 200
	}
	q := r.db.WithContext(ctx).Model(&model.WatchdogAction{})
	if unackedOnly {
		q = q.Where("acked = ?", false)
	}
	var out []model.WatchdogAction
	err := q.Order("ts desc").Limit(limit).Find(&out).Error
	return out, err
}

func (r *Repository) AckAction(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&model.WatchdogAction{}).Where("id = ?", id).Update("acked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
