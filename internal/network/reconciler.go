package network

import (
	"context"
	"sync"
	"time"

	"github.com/kafly/skymetrics/internal/config"
	"github.com/kafly/skymetrics/internal/flightlog"
	"github.com/kafly/skymetrics/internal/session"
	"github.com/kafly/skymetrics/pkg/logger"
)

// PresenceChecker is the presence query the reconciler runs per
// session. Implemented by Checker.
type PresenceChecker interface {
	IsOnline(ctx context.Context, vatsimID, ivaoID string) bool
}

// Reconciler periodically compares every session's transmission gate
// against network presence and issues start/stop directives. It also
// sweeps out sessions whose socket has died without a close event.
type Reconciler struct {
	registry *session.Registry
	checker  PresenceChecker
	cfg      config.NetworkConfig
	logger   *logger.Logger
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewReconciler creates a presence reconciler.
func NewReconciler(registry *session.Registry, checker PresenceChecker, cfg config.NetworkConfig, log *logger.Logger) *Reconciler {
	return &Reconciler{
		registry: registry,
		checker:  checker,
		cfg:      cfg,
		logger:   log.Named("reconciler"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the reconcile loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.cfg.CheckInterval())
		defer ticker.Stop()

		r.logger.Info("Starting presence reconciler",
			logger.Duration("interval", r.cfg.CheckInterval()))

		for {
			select {
			case <-ticker.C:
				r.Reconcile(ctx)
			case <-r.stopCh:
				r.logger.Info("Presence reconciler stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the reconcile loop and waits for it to exit.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// ApplyInitialGate runs the one-shot presence check at session
// creation and sends the corresponding directive.
func (r *Reconciler) ApplyInitialGate(ctx context.Context, sess *session.Session) {
	vatsimID, ivaoID := sess.NetworkIDs()
	if r.checker.IsOnline(ctx, vatsimID, ivaoID) {
		sess.OpenGate()
		r.logger.Info("Initial gate open, pilot online",
			logger.String("pilot", sess.Identity()))
	} else {
		sess.CloseGate(r.now())
		r.logger.Info("Initial gate closed, pilot not found on any network",
			logger.String("pilot", sess.Identity()))
	}
}

// Reconcile runs one pass over every registered session.
func (r *Reconciler) Reconcile(ctx context.Context) {
	sessions := r.registry.All()
	if len(sessions) == 0 {
		return
	}
	r.logger.Debug("Reconciling session gates", logger.Int("sessions", len(sessions)))

	var toEvict []string
	for _, sess := range sessions {
		snapshot := sess.Snapshot()
		if snapshot == nil || !sess.HasNetworkID() {
			continue
		}

		// Dead-socket sweep independent of the close event.
		if !sess.Conn().Open() {
			toEvict = append(toEvict, sess.Identity())
			continue
		}

		vatsimID, ivaoID := sess.NetworkIDs()
		isOnline := r.checker.IsOnline(ctx, vatsimID, ivaoID)

		gs := snapshot.GS
		if gs == 0 {
			gs = snapshot.IAS
		}
		onGround := snapshot.OnGround == 1
		now := r.now()

		// Intelligent pause: online but parked on the ground with the
		// gate open. The gate closes only after the stationary streak
		// lasted the full threshold.
		stuck := onGround && gs < r.cfg.LowMotionGSKts && isOnline
		if stuck && sess.TxEnabled() {
			since := sess.MarkStuck(now)
			if now.Sub(since) >= r.cfg.StuckPauseThreshold() {
				sess.AppendEvent(sess.BuildEvent(flightlog.KindIntelligentPause,
					"Transmission paused: stationary on ground for an extended period."))
				sess.CloseGate(now)
				r.logger.Info("Session paused, stationary on ground",
					logger.String("pilot", sess.Identity()),
					logger.Duration("stuck_for", now.Sub(since)))
				continue
			}
		} else if sess.StuckSince() != nil && (gs > r.cfg.LowMotionGSKts || !onGround) {
			sess.ClearStuck()
		}

		// Standard presence gating.
		if isOnline {
			if !sess.TxEnabled() && (gs > r.cfg.LowMotionGSKts || !onGround) {
				sess.OpenGate()
				r.logger.Info("Gate opened, pilot online and moving",
					logger.String("pilot", sess.Identity()),
					logger.Float64("gs", gs))
			}
		} else if sess.TxEnabled() {
			sess.CloseGate(now)
			r.logger.Info("Gate closed, pilot offline on all networks",
				logger.String("pilot", sess.Identity()))
		}
	}

	for _, identity := range toEvict {
		r.logger.Warn("Evicting session with dead socket", logger.String("pilot", identity))
		r.registry.Remove(ctx, identity)
	}
}
