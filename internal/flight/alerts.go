package flight

import (
	"fmt"
	"time"

	"github.com/kafly/skymetrics/internal/config"
	"github.com/kafly/skymetrics/internal/flightlog"
	"github.com/kafly/skymetrics/internal/session"
	"github.com/kafly/skymetrics/internal/telemetry"
)

// alertRule is one hazard check: the predicate is evaluated on every
// record, and a firing is suppressed while the per-session cooldown
// for its kind is still running.
type alertRule struct {
	kind      string
	condition func(rec *telemetry.Record) bool
	describe  func(rec *telemetry.Record) string
}

// AlertDetector evaluates the fixed set of hazard conditions against
// telemetry records, rate limited per alert kind per session.
type AlertDetector struct {
	rules    []alertRule
	cooldown time.Duration
	now      func() time.Time
}

// NewAlertDetector builds the detector with thresholds from config.
func NewAlertDetector(cfg config.TelemetryConfig) *AlertDetector {
	bankLimit := cfg.BankAngleLimitDeg
	return &AlertDetector{
		cooldown: cfg.AlertCooldown(),
		now:      time.Now,
		rules: []alertRule{
			{
				kind:      flightlog.KindAlertBankAngle,
				condition: func(rec *telemetry.Record) bool { return absBank(rec) > bankLimit },
				describe: func(rec *telemetry.Record) string {
					return fmt.Sprintf("Excessive bank angle: %.1f degrees.", absBank(rec))
				},
			},
			{
				kind:      flightlog.KindAlertStallWarning,
				condition: func(rec *telemetry.Record) bool { return rec.Alerts.StallWarning == 1 },
				describe: func(rec *telemetry.Record) string {
					return "Stall warning active."
				},
			},
			{
				kind:      flightlog.KindAlertBeaconOffEngineOn,
				condition: func(rec *telemetry.Record) bool { return rec.Alerts.BeaconOffEngineOn == 1 },
				describe: func(rec *telemetry.Record) string {
					return "Beacon lights off with engine running."
				},
			},
			{
				kind:      flightlog.KindAlertEngineFire,
				condition: func(rec *telemetry.Record) bool { return rec.Alerts.EngineFire == 1 },
				describe: func(rec *telemetry.Record) string {
					return "Engine fire detected."
				},
			},
			{
				kind:      flightlog.KindAlertOverspeed,
				condition: func(rec *telemetry.Record) bool { return rec.Alerts.OverspeedWarning == 1 },
				describe: func(rec *telemetry.Record) string {
					return "Overspeed warning active."
				},
			},
			{
				kind:      flightlog.KindAlertGPWS,
				condition: func(rec *telemetry.Record) bool { return rec.Alerts.GPWSWarning == 1 },
				describe: func(rec *telemetry.Record) string {
					return "GPWS warning active."
				},
			},
		},
	}
}

// Evaluate appends one event per hazard currently active whose
// cooldown has elapsed.
func (d *AlertDetector) Evaluate(sess *session.Session, rec *telemetry.Record) {
	now := d.now()
	for _, rule := range d.rules {
		if !rule.condition(rec) {
			continue
		}
		if !sess.TryAlert(rule.kind, now, d.cooldown) {
			continue
		}
		sess.AppendEvent(sess.BuildEvent(rule.kind, rule.describe(rec)))
	}
}
