package network

import (
	"context"
	"testing"
	"time"

	"github.com/kafly/skymetrics/internal/config"
	"github.com/kafly/skymetrics/internal/flightlog"
	"github.com/kafly/skymetrics/internal/session"
	"github.com/kafly/skymetrics/internal/telemetry"
	"github.com/kafly/skymetrics/pkg/logger"
)

type fakeChecker struct {
	online bool
}

func (f *fakeChecker) IsOnline(ctx context.Context, vatsimID, ivaoID string) bool {
	return f.online
}

type fakeConn struct {
	open     bool
	commands []string
}

func (f *fakeConn) SendCommand(command string) bool {
	f.commands = append(f.commands, command)
	return f.open
}

func (f *fakeConn) Open() bool { return f.open }

type recordingSubmitter struct {
	calls int
}

func (r *recordingSubmitter) Submit(ctx context.Context, source flightlog.EventSource) error {
	r.calls++
	return nil
}

func testNetworkConfig() config.NetworkConfig {
	return config.NetworkConfig{
		CheckIntervalSecs: 120,
		LowMotionGSKts:    5,
		StuckPauseMinutes: 5,
	}
}

func newReconcilerFixture(t *testing.T, online bool) (*Reconciler, *session.Registry, *session.Session, *fakeConn, *recordingSubmitter) {
	t.Helper()
	sub := &recordingSubmitter{}
	registry := session.NewRegistry(sub, nil, nil, logger.NewNop())
	conn := &fakeConn{open: true}
	sess, _ := registry.GetOrCreate("TEST PILOT", "1234567", "765432", conn)
	r := NewReconciler(registry, &fakeChecker{online: online}, testNetworkConfig(), logger.NewNop())
	return r, registry, sess, conn, sub
}

func TestApplyInitialGate(t *testing.T) {
	r, _, sess, conn, _ := newReconcilerFixture(t, true)
	r.ApplyInitialGate(context.Background(), sess)
	if !sess.TxEnabled() {
		t.Error("gate not open for online pilot")
	}
	if len(conn.commands) != 1 || conn.commands[0] != session.CommandStartTx {
		t.Errorf("commands = %v, want single start directive", conn.commands)
	}

	r2, _, sess2, conn2, _ := newReconcilerFixture(t, false)
	r2.ApplyInitialGate(context.Background(), sess2)
	if sess2.TxEnabled() {
		t.Error("gate open for offline pilot")
	}
	if len(conn2.commands) != 1 || conn2.commands[0] != session.CommandStopTx {
		t.Errorf("commands = %v, want single stop directive", conn2.commands)
	}
}

func TestIntelligentPauseThreshold(t *testing.T) {
	r, _, sess, conn, _ := newReconcilerFixture(t, true)
	sess.OpenGate()
	conn.commands = nil
	sess.UpdateSnapshot(&telemetry.Record{OnGround: 1, GS: 2})

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	r.now = func() time.Time { return now }

	// First pass starts the stationary streak but does not close the gate.
	r.Reconcile(context.Background())
	if !sess.TxEnabled() || len(conn.commands) != 0 {
		t.Fatalf("gate changed before threshold: tx=%v commands=%v", sess.TxEnabled(), conn.commands)
	}

	// Just under the threshold the gate stays open.
	now = t0.Add(5*time.Minute - time.Second)
	r.Reconcile(context.Background())
	if !sess.TxEnabled() {
		t.Fatal("gate closed before the stationary threshold elapsed")
	}

	// At the threshold the gate closes once and the pause is journaled.
	now = t0.Add(5 * time.Minute)
	r.Reconcile(context.Background())
	if sess.TxEnabled() {
		t.Fatal("gate still open past the stationary threshold")
	}
	if len(conn.commands) != 1 || conn.commands[0] != session.CommandStopTx {
		t.Fatalf("commands = %v, want single stop directive", conn.commands)
	}
	events := sess.PendingEvents()
	if len(events) != 1 || events[0].Kind != flightlog.KindIntelligentPause {
		t.Fatalf("events = %+v, want single intelligent pause", events)
	}

	// Further passes while still parked do not repeat the directive.
	now = t0.Add(10 * time.Minute)
	r.Reconcile(context.Background())
	if len(conn.commands) != 1 || sess.PendingCount() != 1 {
		t.Fatalf("pause repeated: commands=%v events=%d", conn.commands, sess.PendingCount())
	}
}

func TestStationaryStreakResetsOnMotion(t *testing.T) {
	r, _, sess, _, _ := newReconcilerFixture(t, true)
	sess.OpenGate()
	sess.UpdateSnapshot(&telemetry.Record{OnGround: 1, GS: 2})

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	r.now = func() time.Time { return now }
	r.Reconcile(context.Background())
	if sess.StuckSince() == nil {
		t.Fatal("stationary streak not started")
	}

	// Taxi movement clears the streak; parking again restarts the clock.
	sess.UpdateSnapshot(&telemetry.Record{OnGround: 1, GS: 15})
	now = t0.Add(4 * time.Minute)
	r.Reconcile(context.Background())
	if sess.StuckSince() != nil {
		t.Fatal("stationary streak survived motion")
	}

	sess.UpdateSnapshot(&telemetry.Record{OnGround: 1, GS: 2})
	now = t0.Add(8 * time.Minute)
	r.Reconcile(context.Background())
	if !sess.TxEnabled() {
		t.Fatal("gate closed from a stale streak")
	}
}

func TestReconcileStandardGating(t *testing.T) {
	checker := &fakeChecker{online: false}
	registry := session.NewRegistry(&recordingSubmitter{}, nil, nil, logger.NewNop())
	conn := &fakeConn{open: true}
	sess, _ := registry.GetOrCreate("TEST PILOT", "1234567", "765432", conn)
	r := NewReconciler(registry, checker, testNetworkConfig(), logger.NewNop())

	sess.OpenGate()
	conn.commands = nil
	sess.UpdateSnapshot(&telemetry.Record{AGL: 3000, GS: 250})

	// Offline pilot with an open gate gets stopped.
	r.Reconcile(context.Background())
	if sess.TxEnabled() || len(conn.commands) != 1 || conn.commands[0] != session.CommandStopTx {
		t.Fatalf("tx=%v commands=%v, want gate closed", sess.TxEnabled(), conn.commands)
	}

	// Back online and moving reopens it.
	checker.online = true
	r.Reconcile(context.Background())
	if !sess.TxEnabled() || conn.commands[len(conn.commands)-1] != session.CommandStartTx {
		t.Fatalf("tx=%v commands=%v, want gate reopened", sess.TxEnabled(), conn.commands)
	}
}

func TestReconcileFallsBackToIASWhenGSMissing(t *testing.T) {
	r, _, sess, _, _ := newReconcilerFixture(t, true)
	sess.CloseGate(time.Now())
	// Some aircraft report no ground speed; indicated airspeed stands in.
	sess.UpdateSnapshot(&telemetry.Record{GS: 0, IAS: 140, OnGround: 0})

	r.Reconcile(context.Background())
	if !sess.TxEnabled() {
		t.Fatal("gate not reopened for airborne pilot without GS")
	}
}

func TestReconcileEvictsDeadSockets(t *testing.T) {
	r, registry, sess, conn, sub := newReconcilerFixture(t, true)
	sess.UpdateSnapshot(&telemetry.Record{OnGround: 1})
	conn.open = false

	r.Reconcile(context.Background())
	if registry.Count() != 0 {
		t.Fatalf("session count = %d, want dead socket evicted", registry.Count())
	}
	// No flight in progress, so nothing was submitted on eviction.
	if sub.calls != 0 {
		t.Errorf("submitter called %d times for a cold session", sub.calls)
	}
}

func TestReconcileSkipsSessionsWithoutNetworkID(t *testing.T) {
	checker := &fakeChecker{online: false}
	registry := session.NewRegistry(&recordingSubmitter{}, nil, nil, logger.NewNop())
	conn := &fakeConn{open: true}
	sess, _ := registry.GetOrCreate("LOCAL PILOT", "N/A", "N/A", conn)
	sess.OpenGate()
	conn.commands = nil
	sess.UpdateSnapshot(&telemetry.Record{OnGround: 1, GS: 2})

	r := NewReconciler(registry, checker, testNetworkConfig(), logger.NewNop())
	r.Reconcile(context.Background())
	if !sess.TxEnabled() || len(conn.commands) != 0 {
		t.Fatalf("gate touched for offline-only session: tx=%v commands=%v", sess.TxEnabled(), conn.commands)
	}
}
