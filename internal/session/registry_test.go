package session

import (
	"context"
	"testing"
	"time"

	"github.com/kafly/skymetrics/internal/flightlog"
	"github.com/kafly/skymetrics/internal/telemetry"
	"github.com/kafly/skymetrics/pkg/logger"
)

type stubConn struct {
	open     bool
	commands []string
}

func (c *stubConn) SendCommand(command string) bool {
	c.commands = append(c.commands, command)
	return c.open
}

func (c *stubConn) Open() bool { return c.open }

type captureSubmitter struct {
	sources []flightlog.EventSource
	batches [][]flightlog.Event
}

func (c *captureSubmitter) Submit(ctx context.Context, source flightlog.EventSource) error {
	c.sources = append(c.sources, source)
	c.batches = append(c.batches, source.PendingEvents())
	return nil
}

func newTestRegistry() (*Registry, *captureSubmitter) {
	sub := &captureSubmitter{}
	return NewRegistry(sub, nil, nil, logger.NewNop()), sub
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	r, _ := newTestRegistry()
	conn := &stubConn{open: true}

	first, created := r.GetOrCreate("TEST PILOT", "1234567", "765432", conn)
	if !created {
		t.Fatal("first GetOrCreate did not report created")
	}
	second, created := r.GetOrCreate("TEST PILOT", "1234567", "765432", conn)
	if created {
		t.Fatal("second GetOrCreate reported created")
	}
	if first != second {
		t.Fatal("GetOrCreate returned distinct sessions for one identity")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
}

func TestRemoveMidFlightSubmitsWithConnectionLost(t *testing.T) {
	r, sub := newTestRegistry()
	sess, _ := r.GetOrCreate("TEST PILOT", "1234567", "765432", &stubConn{open: true})

	sess.UpdateSnapshot(&telemetry.Record{Lat: 41.8, Lng: 12.25})
	sess.SetState(FlightState{Phase: PhaseAirborne, FuelInitialLogged: true})
	sess.AppendEvent(sess.BuildEvent(flightlog.KindTakeoff, "Takeoff detected."))

	r.Remove(context.Background(), "TEST PILOT")

	if r.Count() != 0 {
		t.Fatalf("Count() = %d after Remove, want 0", r.Count())
	}
	if len(sub.batches) != 1 {
		t.Fatalf("submitter invoked %d times, want 1", len(sub.batches))
	}
	batch := sub.batches[0]
	if len(batch) != 2 {
		t.Fatalf("submitted %d events, want takeoff plus connection lost", len(batch))
	}
	last := batch[len(batch)-1]
	if last.Kind != flightlog.KindConnectionLost {
		t.Errorf("final event kind = %s, want %s", last.Kind, flightlog.KindConnectionLost)
	}
	if last.Lat != 41.8 || last.Lng != 12.25 {
		t.Errorf("connection lost position = %v,%v, want last snapshot", last.Lat, last.Lng)
	}
}

func TestRemoveColdSessionDiscardsSilently(t *testing.T) {
	r, sub := newTestRegistry()
	sess, _ := r.GetOrCreate("TEST PILOT", "1234567", "765432", &stubConn{open: true})
	sess.AppendEvent(sess.BuildEvent(flightlog.KindSessionStart, "Session started."))

	r.Remove(context.Background(), "TEST PILOT")

	if len(sub.batches) != 0 {
		t.Fatalf("submitter invoked for a session that never took off")
	}
	if sess.PendingCount() != 0 {
		t.Fatalf("pending events = %d, want buffer discarded", sess.PendingCount())
	}
}

func TestRemoveUnknownIdentityIsNoop(t *testing.T) {
	r, sub := newTestRegistry()
	r.Remove(context.Background(), "NOBODY")
	if len(sub.batches) != 0 {
		t.Fatal("submitter invoked for unknown identity")
	}
}

func TestDropEventsKeepsEntriesAppendedDuringSubmission(t *testing.T) {
	r, _ := newTestRegistry()
	sess, _ := r.GetOrCreate("TEST PILOT", "1234567", "765432", &stubConn{open: true})

	sess.AppendEvent(sess.BuildEvent(flightlog.KindTaxiStart, "Taxi started."))
	sess.AppendEvent(sess.BuildEvent(flightlog.KindFuelInitial, "Initial fuel recorded."))
	snapshot := sess.PendingEvents()

	// An event lands in the buffer while the snapshot is in flight.
	sess.AppendEvent(sess.BuildEvent(flightlog.KindTakeoff, "Takeoff detected."))
	sess.DropEvents(len(snapshot))

	remaining := sess.PendingEvents()
	if len(remaining) != 1 || remaining[0].Kind != flightlog.KindTakeoff {
		t.Fatalf("remaining = %+v, want only the takeoff event", remaining)
	}
}

func TestBuildEventPrefersNetworkUserID(t *testing.T) {
	r, _ := newTestRegistry()
	sess, _ := r.GetOrCreate("TEST PILOT", "1234567", "765432", &stubConn{open: true})

	e := sess.BuildEvent(flightlog.KindSessionStart, "Session started.")
	if e.UserID != "TEST PILOT" {
		t.Errorf("UserID = %q, want identity before any network binding", e.UserID)
	}

	sess.UpdateSnapshot(&telemetry.Record{VatsimID: "1234567"})
	e = sess.BuildEvent(flightlog.KindSessionStart, "Session started.")
	if e.UserID != "1234567" {
		t.Errorf("UserID = %q, want snapshot network ID", e.UserID)
	}

	sess.SetFlightPlan("LIRF", "LIMC", "765432")
	e = sess.BuildEvent(flightlog.KindSessionStart, "Session started.")
	if e.UserID != "765432" {
		t.Errorf("UserID = %q, want resolved network user ID", e.UserID)
	}
	if e.DepartureID != "LIRF" || e.ArrivalID != "LIMC" {
		t.Errorf("route = %s -> %s, want LIRF -> LIMC", e.DepartureID, e.ArrivalID)
	}
}

func TestTryAlertCooldown(t *testing.T) {
	r, _ := newTestRegistry()
	sess, _ := r.GetOrCreate("TEST PILOT", "1234567", "765432", &stubConn{open: true})

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cooldown := time.Minute
	if !sess.TryAlert("STALL_WARNING", t0, cooldown) {
		t.Fatal("first firing suppressed")
	}
	if sess.TryAlert("STALL_WARNING", t0.Add(59*time.Second), cooldown) {
		t.Fatal("firing allowed inside the cooldown window")
	}
	if !sess.TryAlert("ENGINE_FIRE", t0.Add(10*time.Second), cooldown) {
		t.Fatal("different kind suppressed by unrelated cooldown")
	}
	if !sess.TryAlert("STALL_WARNING", t0.Add(time.Minute), cooldown) {
		t.Fatal("firing suppressed after cooldown elapsed")
	}
}

func TestSnapshotOfReflectsSessionState(t *testing.T) {
	r, _ := newTestRegistry()
	sess, _ := r.GetOrCreate("TEST PILOT", "1234567", "765432", &stubConn{open: true})
	sess.SetFlightPlan("lirf", "limc", "765432")
	sess.OpenGate()
	sess.UpdateSnapshot(&telemetry.Record{Lat: 41.8, Lng: 12.25, GS: 250, AltInd: 35000, OnGround: 0})
	sess.SetState(FlightState{Phase: PhaseAirborne, FuelInitialLogged: true})

	v := SnapshotOf(sess)
	if v.Identity != "TEST PILOT" || v.Phase != "AIRBORNE" || !v.TxEnabled {
		t.Errorf("view = %+v, want airborne with open gate", v)
	}
	if v.DepartureID != "LIRF" || v.ArrivalID != "LIMC" {
		t.Errorf("route = %s -> %s, want normalized uppercase", v.DepartureID, v.ArrivalID)
	}
	if v.OnGround {
		t.Error("OnGround = true for airborne snapshot")
	}
}

type recordingJournal struct {
	nextID    int64
	appendErr error
	deleted   [][]int64
}

func (j *recordingJournal) Append(pilot string, e flightlog.Event) (int64, error) {
	if j.appendErr != nil {
		return 0, j.appendErr
	}
	j.nextID++
	return j.nextID, nil
}

func (j *recordingJournal) Delete(ids []int64) error {
	j.deleted = append(j.deleted, ids)
	return nil
}

func TestDropEventsDeletesOwnJournalRows(t *testing.T) {
	// Rows 1..4 belong to a crashed run whose recovery failed; the
	// reconnected session's entries start after them.
	j := &recordingJournal{nextID: 4}
	r := NewRegistry(&captureSubmitter{}, j, nil, logger.NewNop())
	sess, _ := r.GetOrCreate("TEST PILOT", "1234567", "765432", &stubConn{open: true})

	sess.AppendEvent(sess.BuildEvent(flightlog.KindTaxiStart, "Taxi started."))
	sess.AppendEvent(sess.BuildEvent(flightlog.KindFuelInitial, "Initial fuel recorded."))
	sess.AppendEvent(sess.BuildEvent(flightlog.KindTakeoff, "Takeoff detected."))

	sess.DropEvents(2)
	if len(j.deleted) != 1 || len(j.deleted[0]) != 2 || j.deleted[0][0] != 5 || j.deleted[0][1] != 6 {
		t.Fatalf("deleted = %v, want exactly the session's first two rows", j.deleted)
	}

	sess.DropEvents(1)
	if len(j.deleted) != 2 || len(j.deleted[1]) != 1 || j.deleted[1][0] != 7 {
		t.Fatalf("deleted = %v, want the remaining session row", j.deleted)
	}
}

func TestDiscardEventsDeletesOwnJournalRows(t *testing.T) {
	j := &recordingJournal{nextID: 4}
	r := NewRegistry(&captureSubmitter{}, j, nil, logger.NewNop())
	sess, _ := r.GetOrCreate("TEST PILOT", "1234567", "765432", &stubConn{open: true})

	sess.AppendEvent(sess.BuildEvent(flightlog.KindSessionStart, "Session started."))
	sess.AppendEvent(sess.BuildEvent(flightlog.KindTaxiStart, "Taxi started."))
	sess.DiscardEvents()

	if len(j.deleted) != 1 || len(j.deleted[0]) != 2 || j.deleted[0][0] != 5 || j.deleted[0][1] != 6 {
		t.Fatalf("deleted = %v, want exactly the session's rows", j.deleted)
	}
	if sess.PendingCount() != 0 {
		t.Fatalf("pending events = %d, want 0 after discard", sess.PendingCount())
	}
}

func TestDropEventsSkipsRowsThatNeverJournaled(t *testing.T) {
	j := &recordingJournal{}
	r := NewRegistry(&captureSubmitter{}, j, nil, logger.NewNop())
	sess, _ := r.GetOrCreate("TEST PILOT", "1234567", "765432", &stubConn{open: true})

	j.appendErr = context.DeadlineExceeded
	sess.AppendEvent(sess.BuildEvent(flightlog.KindTaxiStart, "Taxi started."))
	j.appendErr = nil
	sess.AppendEvent(sess.BuildEvent(flightlog.KindFuelInitial, "Initial fuel recorded."))

	sess.DropEvents(2)
	if len(j.deleted) != 1 || len(j.deleted[0]) != 1 || j.deleted[0][0] != 1 {
		t.Fatalf("deleted = %v, want only the row that reached the journal", j.deleted)
	}
}

func TestGateDirectives(t *testing.T) {
	r, _ := newTestRegistry()
	conn := &stubConn{open: true}
	sess, _ := r.GetOrCreate("TEST PILOT", "1234567", "765432", conn)

	sess.OpenGate()
	sess.CloseGate(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	want := []string{CommandStartTx, CommandStopTx}
	if len(conn.commands) != 2 || conn.commands[0] != want[0] || conn.commands[1] != want[1] {
		t.Fatalf("commands = %v, want %v", conn.commands, want)
	}
}
