// Package flightlog defines the flight event model and the batch
// submitter that forwards accumulated events to the remote logging
// endpoint.
package flightlog

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Event kinds recorded during a flight session. The wire values are
// what the remote endpoint expects in the `evento` field.
const (
	KindSessionStart     = "SESSION_START"
	KindTaxiStart        = "TAXI_START"
	KindFuelInitial      = "FUEL_INITIAL"
	KindTakeoff          = "TAKEOFF"
	KindTouchdownVS      = "TOUCHDOWN_VS"
	KindLandingComplete  = "LANDING_COMPLETE"
	KindFuelFinal        = "FUEL_FINAL"
	KindFlightComplete   = "FLIGHT_COMPLETE"
	KindSegmentComplete  = "SEGMENT_COMPLETE"
	KindSessionReset     = "SESSION_RESET"
	KindConnectionLost   = "CONNECTION_LOST"
	KindIntelligentPause = "INTELLIGENT_PAUSE"

	KindAlertBankAngle         = "ALERT_BANK_ANGLE_HIGH"
	KindAlertStallWarning      = "ALERT_STALL_WARNING"
	KindAlertBeaconOffEngineOn = "ALERT_BEACON_OFF_ENGINE_ON"
	KindAlertEngineFire        = "ALERT_ENGINE_FIRE"
	KindAlertOverspeed         = "ALERT_OVERSPEED"
	KindAlertGPWS              = "ALERT_GPWS"
)

// Event is a single flight log entry, wire-ready for submission.
// LandingVS and TotalFuel are only set for the event kinds that carry
// them (touchdown and fuel events respectively).
type Event struct {
	UserID      string
	DepartureID string
	ArrivalID   string
	Kind        string
	Description string
	Timestamp   time.Time
	Lat         float64
	Lng         float64
	LandingVS   *float64
	TotalFuel   *float64
}

// NormalizeAirport uppercases and trims an airport identifier,
// substituting "N/A" when nothing usable remains.
func NormalizeAirport(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return "N/A"
	}
	return id
}

// FormValues renders the event as the form-encoded payload the remote
// endpoint consumes.
func (e *Event) FormValues() url.Values {
	v := url.Values{}
	v.Set("userId", e.UserID)
	v.Set("departureId", NormalizeAirport(e.DepartureID))
	v.Set("arrivalId", NormalizeAirport(e.ArrivalID))
	v.Set("evento", e.Kind)
	v.Set("descricao", e.Description)
	v.Set("data_hora", e.Timestamp.UTC().Format(time.RFC3339))
	v.Set("lat", strconv.FormatFloat(e.Lat, 'f', -1, 64))
	v.Set("lng", strconv.FormatFloat(e.Lng, 'f', -1, 64))
	if e.LandingVS != nil {
		v.Set("landing_vs", strconv.FormatFloat(*e.LandingVS, 'f', 0, 64))
	}
	if e.TotalFuel != nil {
		v.Set("total_fuel", strconv.FormatFloat(*e.TotalFuel, 'f', -1, 64))
	}
	return v
}
