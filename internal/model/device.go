package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Protocol families a miner can speak. Fixed at creation, never re-evaluated.
const (
	FamilyHTTPJSON  = "http_json"  // AxeOS-style JSON API + websocket log stream
	FamilyLegacyTCP = "legacy_tcp" // cgminer/Avalon pipe-and-bracket text protocol
)

// OfflineThreshold is the number of consecutive failed polls after which a
// miner is considered offline.
const OfflineThreshold = 3

type Device struct {
	ID        string `gorm:"primaryKey" json:"id"` // MAC, or synthesized from address
	Name      string `json:"name"`
	Address   string `gorm:"index;not null" json:"address"`
	Family    string `gorm:"not null" json:"family"`
	Board     string `json:"board"`
	ModelName string `json:"model"`
	Failures  int    `json:"failures"`

	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Online is derived, never stored separately.
func (d *Device) Online() bool { return d.Failures < OfflineThreshold }

// DeviceIDFromMAC normalizes a MAC address into a stable identifier.
func DeviceIDFromMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

// SynthesizeDeviceID derives a stable identifier for devices that do not
// report a MAC address (legacy TCP firmware).
func SynthesizeDeviceID(address string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(address)))
	return "tcp-" + hex.EncodeToString(sum[:6])
}
