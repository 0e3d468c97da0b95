// Package flight contains the per-session flight phase state machine,
// the alert detector, and the inbound telemetry pipeline.
package flight

import (
	"fmt"
	"math"

	"github.com/kafly/skymetrics/internal/config"
	"github.com/kafly/skymetrics/internal/flightlog"
	"github.com/kafly/skymetrics/internal/session"
	"github.com/kafly/skymetrics/internal/telemetry"
	"github.com/kafly/skymetrics/pkg/logger"
)

// Result tells the caller what to do after a record was evaluated.
// When Flush is set, the session's buffer must be submitted; After, if
// non-nil, is appended only after the flush so it opens the next
// segment's buffer rather than riding along with the flushed one.
type Result struct {
	Flush bool
	After *flightlog.Event
}

// Tracker evaluates telemetry records against a session's flight
// state, appending the resulting events to the session buffer.
type Tracker struct {
	cfg    config.TelemetryConfig
	alerts *AlertDetector
	logger *logger.Logger
}

// NewTracker creates a tracker with the given thresholds.
func NewTracker(cfg config.TelemetryConfig, log *logger.Logger) *Tracker {
	return &Tracker{
		cfg:    cfg,
		alerts: NewAlertDetector(cfg),
		logger: log.Named("flight"),
	}
}

// Process runs one accepted record through the state machine. Rules
// are evaluated in a fixed order and each guard is re-checked
// independently, so a single record may walk through several
// transitions. The caller must have stored the record as the
// session's snapshot already.
func (t *Tracker) Process(sess *session.Session, rec *telemetry.Record) Result {
	st := sess.State()
	var res Result

	// Rule 1: cold and parked -> taxi. The first motion above the
	// taxi threshold with the engine running starts the flight and
	// captures the initial fuel load.
	if !st.FuelInitialLogged &&
		(st.Phase == session.PhaseCold || st.Phase == session.PhaseFinalized) &&
		rec.EngCombustion == 1 && rec.OnGround == 1 && rec.GS >= t.cfg.TaxiStartGSKts {

		st.Phase = session.PhaseTaxiInitiated
		st.FuelInitialLogged = true
		st.FlightEnded = false

		sess.AppendEvent(sess.BuildEvent(flightlog.KindTaxiStart,
			fmt.Sprintf("Taxi start detected. GS >= %.0f kts on ground.", t.cfg.TaxiStartGSKts)))

		fuel := rec.TotalFuel
		e := sess.BuildEvent(flightlog.KindFuelInitial,
			fmt.Sprintf("Engine running. Fuel: %.0f gal", fuel))
		e.TotalFuel = &fuel
		sess.AppendEvent(e)

		t.logger.Info("Taxi start", logger.String("pilot", sess.Identity()), logger.Float64("gs", rec.GS))
	}

	// Rule 2: takeoff. Fires from any non-airborne phase once the
	// flight has started, so a touch-and-go that never came to a full
	// stop lifts off again without a reset.
	if st.Phase != session.PhaseAirborne && st.FuelInitialLogged &&
		rec.AGL > t.cfg.TakeoffAGLFt && rec.GS > t.cfg.TakeoffGSKts {

		st.Phase = session.PhaseAirborne
		st.FlightEnded = false
		sess.AppendEvent(sess.BuildEvent(flightlog.KindTakeoff, "Takeoff detected. Aircraft airborne."))
		t.logger.Info("Takeoff", logger.String("pilot", sess.Identity()),
			logger.Float64("agl", rec.AGL), logger.Float64("gs", rec.GS))
	}

	// Rule 3: touchdown and stop. The vertical speed is frozen at the
	// first on-ground sample of the sequence; the landing completes
	// once ground speed decays below the stop threshold.
	if st.Phase == session.PhaseAirborne && rec.OnGround == 1 && rec.AGL < t.cfg.LandingAGLFt {
		if st.LandingVS == nil {
			v := st.LastVS
			st.LandingVS = &v
		}
		if rec.GS < t.cfg.LandingStopGSKts {
			st.Phase = session.PhaseLanded

			touchdownVS := *st.LandingVS
			if touchdownVS == 0 {
				touchdownVS = rec.VS
			}
			e := sess.BuildEvent(flightlog.KindTouchdownVS,
				fmt.Sprintf("Touchdown vertical speed: %.0f fpm.", touchdownVS))
			e.LandingVS = &touchdownVS
			sess.AppendEvent(e)

			sess.AppendEvent(sess.BuildEvent(flightlog.KindLandingComplete,
				fmt.Sprintf("Landing complete. Touchdown VS: %.0f fpm", touchdownVS)))

			t.logger.Info("Landing complete", logger.String("pilot", sess.Identity()),
				logger.Float64("touchdown_vs", touchdownVS))
		}
	}

	// Hazard alerts, rate limited per kind.
	t.alerts.Evaluate(sess, rec)

	// Rule 4: engine shutdown after landing finalizes the flight and
	// flushes the buffer.
	if st.FuelInitialLogged && st.Phase == session.PhaseLanded && !st.FlightEnded &&
		rec.EngCombustion == 0 {

		st.Phase = session.PhaseFinalized
		st.FlightEnded = true
		st.FuelInitialLogged = false
		st.LandingVS = nil

		fuel := rec.TotalFuel
		e := sess.BuildEvent(flightlog.KindFuelFinal,
			fmt.Sprintf("Engine shut down. Final fuel: %.0f gal", fuel))
		e.TotalFuel = &fuel
		sess.AppendEvent(e)

		sess.AppendEvent(sess.BuildEvent(flightlog.KindFlightComplete,
			"Flight session ended. Submitting flight log."))

		sess.ClearAlerts()
		res.Flush = true

		t.logger.Info("Flight complete", logger.String("pilot", sess.Identity()),
			logger.Int("events", sess.PendingCount()))
	}

	// Rule 5: touch-and-go reset. Moving again on the ground after a
	// full-stop landing closes the previous segment and rearms the
	// machine for the next leg. The reset event is appended after the
	// flush so it opens the next segment's buffer.
	if st.FuelInitialLogged && st.Phase == session.PhaseLanded &&
		rec.OnGround == 1 && rec.GS >= t.cfg.TaxiStartGSKts {

		if sess.PendingCount() > 0 {
			sess.AppendEvent(sess.BuildEvent(flightlog.KindSegmentComplete,
				"Previous flight segment complete (touch-and-go or re-takeoff). Submitting accumulated events."))
			res.Flush = true
		}

		st.Phase = session.PhaseCold
		st.FuelInitialLogged = false
		st.FlightEnded = false
		st.LandingVS = nil

		reset := sess.BuildEvent(flightlog.KindSessionReset,
			"Moving again after landing. Restarting flight state.")
		res.After = &reset

		t.logger.Info("Flight state reset", logger.String("pilot", sess.Identity()))
	}

	st.LastVS = rec.VS
	sess.SetState(st)
	return res
}

// absBank returns the absolute bank angle of a record.
func absBank(rec *telemetry.Record) float64 {
	return math.Abs(rec.BankDegrees)
}
