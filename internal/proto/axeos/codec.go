// Package axeos talks to AxeOS-class miners over their JSON HTTP API and
// websocket log stream.
package axeos

import (
	"encoding/json"

	"gorm.io/datatypes"

	"minerhub/internal/model"
)

// SystemInfo mirrors GET /api/system/info. Every metric is a pointer so a
// field the firmware did not report stays distinguishable from a reported
// zero. Unknown fields are ignored by the decoder.
type SystemInfo struct {
	Hostname       *string  `json:"hostname"`
	MACAddr        *string  `json:"macAddr"`
	ASICModel      *string  `json:"ASICModel"`
	BoardVersion   *string  `json:"boardVersion"`
	StratumURL     *string  `json:"stratumURL"`
	StratumPort    *int     `json:"stratumPort"`
	StratumUser    *string  `json:"stratumUser"`
	HashRate       *float64 `json:"hashRate"` // GH/s
	Power          *float64 `json:"power"`    // watts
	Temp           *float64 `json:"temp"`
	VRTemp         *float64 `json:"vrTemp"`
	FanRPM         *float64 `json:"fanrpm"`
	FanSpeed       *int     `json:"fanspeed"` // percent
	Frequency      *float64 `json:"frequency"`
	Voltage        *float64 `json:"voltage"` // millivolts
	SharesAccepted *int64   `json:"sharesAccepted"`
	SharesRejected *int64   `json:"sharesRejected"`
	UptimeSeconds  *int64   `json:"uptimeSeconds"`
}

// ToSnapshot maps reported fields onto the canonical snapshot. Absent fields
// stay at their zero value in the row; the pointer layer exists so callers
// that care (discovery, settings echo) can tell the difference.
func (si *SystemInfo) ToSnapshot() *model.Snapshot {
	snap := &model.Snapshot{}
	if si.HashRate != nil {
		snap.HashRateGHS = *si.HashRate
	}
	if si.Power != nil {
		snap.PowerW = *si.Power
	}
	if si.StratumURL != nil {
		snap.PoolURL = *si.StratumURL
	}
	if si.StratumUser != nil {
		snap.PoolUser = *si.StratumUser
	}
	if si.SharesAccepted != nil {
		snap.SharesAccepted = *si.SharesAccepted
	}
	if si.SharesRejected != nil {
		snap.SharesRejected = *si.SharesRejected
	}
	if si.UptimeSeconds != nil {
		snap.UptimeSec = *si.UptimeSeconds
	}
	if si.Frequency != nil {
		snap.FrequencyMHz = *si.Frequency
	}
	if si.Voltage != nil {
		snap.VoltageMV = *si.Voltage
	}

	var temps []float64
	if si.Temp != nil {
		temps = append(temps, *si.Temp)
	}
	if si.VRTemp != nil {
		temps = append(temps, *si.VRTemp)
	}
	if len(temps) > 0 {
		if b, err := json.Marshal(temps); err == nil {
			snap.Temps = datatypes.JSON(b)
		}
	}
	if si.FanRPM != nil {
		if b, err := json.Marshal([]float64{*si.FanRPM}); err == nil {
			snap.FanRPMs = datatypes.JSON(b)
		}
	}
	return snap
}

// Settings is a partial PATCH body. Only non-nil fields are serialized, so a
// partial update never nulls out configuration the caller did not touch.
type Settings struct {
	Hostname      *string  `json:"hostname,omitempty"`
	StratumURL    *string  `json:"stratumURL,omitempty"`
	StratumPort   *int     `json:"stratumPort,omitempty"`
	StratumUser   *string  `json:"stratumUser,omitempty"`
	StratumPass   *string  `json:"stratumPassword,omitempty"`
	Frequency     *float64 `json:"frequency,omitempty"`
	CoreVoltage   *float64 `json:"coreVoltage,omitempty"`
	FanSpeed      *int     `json:"fanspeed,omitempty"`
	AutoFanSpeed  *int     `json:"autofanspeed,omitempty"`
	Flipscreen    *int     `json:"flipscreen,omitempty"`
	InvertFanPol  *int     `json:"invertfanpolarity,omitempty"`
	OverheatMode  *int     `json:"overheat_mode,omitempty"`
	DisplayTimout *int     `json:"displayTimeout,omitempty"`
}
