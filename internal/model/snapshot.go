package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Snapshot is one normalized point-in-time reading of a miner. A failed poll
// still produces a row with Failed=true and no metric values, so gaps in
// history are distinguishable from gaps in polling.
type Snapshot struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID string    `gorm:"index:idx_snapshots_device_ts,priority:1;not null" json:"device_id"`
	TS       time.Time `gorm:"index:idx_snapshots_device_ts,priority:2" json:"ts"`
	Failed   bool      `json:"failed"`

	HashRateGHS    float64        `json:"hash_rate_ghs"`
	PowerW         float64        `json:"power_w"`
	Temps          datatypes.JSON `gorm:"type:jsonb" json:"temps,omitempty"`
	FanRPMs        datatypes.JSON `gorm:"type:jsonb" json:"fan_rpms,omitempty"`
	PoolURL        string         `json:"pool_url"`
	PoolUser       string         `json:"pool_user"`
	SharesAccepted int64          `json:"shares_accepted"`
	SharesRejected int64          `json:"shares_rejected"`
	UptimeSec      int64          `json:"uptime_sec"`
	FrequencyMHz   float64        `json:"frequency_mhz"`
	VoltageMV      float64        `json:"voltage_mv"`

	CreatedAt time.Time `json:"created_at"`
}

func (s *Snapshot) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// FailedSnapshot builds the sentinel row recorded when a poll fails.
func FailedSnapshot(deviceID string, ts time.Time) *Snapshot {
	return &Snapshot{DeviceID: deviceID, TS: ts.UTC(), Failed: true}
}

// WatchdogAction records a corrective action the supervisor took. Rows are
// only ever mutated to flip Acked and are never auto-deleted.
type WatchdogAction struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID string    `gorm:"index" json:"device_id"`
	TS       time.Time `json:"ts"`
	Kind     string    `json:"kind"` // e.g. "restart"
	Reason   string    `json:"reason"`
	Acked    bool      `json:"acked"`
}

func (a *WatchdogAction) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
