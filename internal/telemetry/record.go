// Package telemetry defines the wire model for inbound simulator
// telemetry and its JSON codec.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AnonymousPilot is the placeholder identity sent by clients that have
// not resolved a pilot name yet. Records carrying it are never
// attached to a session.
const AnonymousPilot = "ANONYMOUS"

// Alerts carries the hazard flags reported by the simulator. All
// fields are 0/1 integers as sent on the wire.
type Alerts struct {
	OverspeedWarning        int `json:"overspeed_warning"`
	StallWarning            int `json:"stall_warning"`
	BeaconOffEngineOn       int `json:"beacon_off_engine_on"`
	EngineFire              int `json:"engine_fire"`
	StallProtectionActive   int `json:"stall_protection_active"`
	GPWSWarning             int `json:"gpws_warning"`
	FlapsSpeedExceeded      int `json:"flaps_speed_exceeded"`
	GearWarningSystemActive int `json:"gear_warning_system_active"`
}

// Record is a single telemetry sample from a pilot client. Boolean
// simulator variables arrive as 0/1 integers and are kept that way.
type Record struct {
	PilotName string `json:"pilot_name"`
	PilotID   string `json:"pilot_id"`
	VatsimID  string `json:"vatsim_id"`
	IvaoID    string `json:"ivao_id"`

	AltInd        float64 `json:"alt_ind"` // indicated altitude, feet
	IAS           float64 `json:"ias"`     // indicated airspeed, knots
	TAS           float64 `json:"tas"`     // true airspeed, knots
	GS            float64 `json:"gs"`      // ground speed, knots
	VS            float64 `json:"vs"`      // vertical speed, feet per minute
	AGL           float64 `json:"agl"`     // height above ground, feet
	OnGround      int     `json:"on_ground"`
	EngCombustion int     `json:"eng_combustion"`
	EngineCount   int     `json:"engine_count"`
	TotalFuel     float64 `json:"total_fuel"` // gallons
	BankDegrees   float64 `json:"plane_bank_degrees"`
	GForce        float64 `json:"g_force"`
	GearLeftPos   float64 `json:"gear_left_pos"`

	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`

	LightBeaconOn  int `json:"light_beacon_on"`
	LightLandingOn int `json:"light_landing_on"`
	LightStrobeOn  int `json:"light_strobe_on"`

	Alerts Alerts `json:"alerts"`

	// Client-side transfer counters, echoed back in status reporting.
	PacketsSent int     `json:"packets_sent"`
	MBSent      float64 `json:"mb_sent"`
}

// Decode parses a raw telemetry frame. Missing fields default to zero;
// a malformed frame is an error and the caller drops it.
func Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode telemetry record: %w", err)
	}
	return &rec, nil
}

// Anonymous reports whether the record identifies no usable pilot.
func (r *Record) Anonymous() bool {
	name := strings.TrimSpace(r.PilotName)
	return name == "" || strings.EqualFold(name, AnonymousPilot)
}

// NetworkID returns the online-network user ID preferred for log
// submission: IVAO first, then VATSIM, then the internal pilot ID.
func (r *Record) NetworkID() string {
	if id := usableID(r.IvaoID); id != "" {
		return id
	}
	if id := usableID(r.VatsimID); id != "" {
		return id
	}
	return strings.TrimSpace(r.PilotID)
}

// HasNetworkID reports whether the record carries at least one online
// network identity worth checking presence for.
func (r *Record) HasNetworkID() bool {
	return usableID(r.VatsimID) != "" || usableID(r.IvaoID) != ""
}

func usableID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || id == "N/A" || id == "0" {
		return ""
	}
	return id
}
