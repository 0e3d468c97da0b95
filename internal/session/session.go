// Package session holds the per-pilot session model and the registry
// mapping pilot identities to live sessions.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/kafly/skymetrics/internal/flightlog"
	"github.com/kafly/skymetrics/internal/metrics"
	"github.com/kafly/skymetrics/internal/telemetry"
)

// Phase is the flight phase of a session's state machine.
type Phase int

const (
	PhaseCold Phase = iota
	PhaseTaxiInitiated
	PhaseAirborne
	PhaseLanded
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseCold:
		return "COLD"
	case PhaseTaxiInitiated:
		return "TAXI_INITIATED"
	case PhaseAirborne:
		return "AIRBORNE"
	case PhaseLanded:
		return "LANDED"
	case PhaseFinalized:
		return "FINALIZED"
	default:
		return "UNKNOWN"
	}
}

// Gate directives sent to pilot clients through a Connection.
const (
	CommandStartTx = "START_TX"
	CommandStopTx  = "STOP_TX"
)

// Connection is the transport-side handle a session sends gate
// directives through.
type Connection interface {
	// SendCommand enqueues a directive message without blocking.
	// Returns false if the client's queue is full or closed.
	SendCommand(command string) bool
	// Open reports whether the underlying socket is still usable.
	Open() bool
}

// FlightState is the state-machine view of a session. The tracker
// copies it out, evaluates a record against it, and writes it back.
type FlightState struct {
	Phase             Phase
	FuelInitialLogged bool
	FlightEnded       bool
	LandingVS         *float64 // frozen at first on-ground sample of a landing
	LastVS            float64  // vertical speed of the previous record
}

// Session is the live state for one connected pilot. All mutable
// fields are guarded by mu; the connection goroutine and the presence
// reconciler are the only writers.
type Session struct {
	identity string
	vatsimID string
	ivaoID   string
	conn     Connection
	journal  Journal
	metrics  *metrics.MetricsRegistry

	mu             sync.Mutex
	txEnabled      bool
	pausedAt       *time.Time
	stuckSince     *time.Time
	state          FlightState
	alertLastFired map[string]time.Time
	events         []flightlog.Event
	journalIDs     []int64 // journal row id per buffered event, 0 if the append failed
	snapshot       *telemetry.Record
	lastSeen       time.Time
	departureID    string
	arrivalID      string
	networkUserID  string
	createdAt      time.Time
}

func newSession(identity, vatsimID, ivaoID string, conn Connection, journal Journal, m *metrics.MetricsRegistry) *Session {
	return &Session{
		identity:       identity,
		vatsimID:       vatsimID,
		ivaoID:         ivaoID,
		conn:           conn,
		journal:        journal,
		metrics:        m,
		alertLastFired: make(map[string]time.Time),
		departureID:    "N/A",
		arrivalID:      "N/A",
		createdAt:      time.Now(),
	}
}

// Identity returns the pilot identity owning this session.
func (s *Session) Identity() string { return s.identity }

// NetworkIDs returns the session's VATSIM and IVAO identifiers.
func (s *Session) NetworkIDs() (vatsimID, ivaoID string) {
	return s.vatsimID, s.ivaoID
}

// HasNetworkID reports whether at least one online-network identifier
// is assigned.
func (s *Session) HasNetworkID() bool {
	return usable(s.vatsimID) || usable(s.ivaoID)
}

func usable(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && id != "N/A" && id != "0"
}

// Conn returns the transport handle bound at creation.
func (s *Session) Conn() Connection { return s.conn }

// SetFlightPlan stores the resolved flight plan. Airport identifiers
// are normalized to uppercase with "N/A" for unknowns.
func (s *Session) SetFlightPlan(departureID, arrivalID, networkUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.departureID = flightlog.NormalizeAirport(departureID)
	s.arrivalID = flightlog.NormalizeAirport(arrivalID)
	if networkUserID != "" {
		s.networkUserID = networkUserID
	}
}

// FlightPlan returns the stored departure and arrival identifiers.
func (s *Session) FlightPlan() (departureID, arrivalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.departureID, s.arrivalID
}

// TxEnabled reports whether the transmission gate is open.
func (s *Session) TxEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txEnabled
}

// OpenGate opens the transmission gate and sends the start directive.
func (s *Session) OpenGate() {
	s.mu.Lock()
	s.txEnabled = true
	s.stuckSince = nil
	s.mu.Unlock()
	s.conn.SendCommand(CommandStartTx)
}

// CloseGate closes the transmission gate, records the pause time, and
// sends the stop directive.
func (s *Session) CloseGate(now time.Time) {
	s.mu.Lock()
	s.txEnabled = false
	s.pausedAt = &now
	s.stuckSince = nil
	s.mu.Unlock()
	s.conn.SendCommand(CommandStopTx)
}

// PausedAt returns when the gate last closed, or nil if it never has.
func (s *Session) PausedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pausedAt
}

// StuckSince returns the start of the current stationary-on-ground
// streak observed by the reconciler, or nil.
func (s *Session) StuckSince() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stuckSince
}

// MarkStuck records the start of a stationary streak if none is
// running and returns the streak start.
func (s *Session) MarkStuck(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stuckSince == nil {
		t := now
		s.stuckSince = &t
	}
	return *s.stuckSince
}

// ClearStuck resets the stationary streak.
func (s *Session) ClearStuck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuckSince = nil
}

// State returns a copy of the flight state.
func (s *Session) State() FlightState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState replaces the flight state.
func (s *Session) SetState(st FlightState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// FlightBegun reports whether the flight actually started (initial
// fuel logged) and has not ended. Used on disconnect to decide whether
// the buffer is worth reporting.
func (s *Session) FlightBegun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.FuelInitialLogged && !s.state.FlightEnded
}

// TryAlert reports whether an alert of the given kind may fire at now,
// recording the firing time when it may. Cooldowns are per session and
// never leak across sessions.
func (s *Session) TryAlert(kind string, now time.Time, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.alertLastFired[kind]; ok && now.Sub(last) < cooldown {
		return false
	}
	s.alertLastFired[kind] = now
	return true
}

// ClearAlerts resets the alert cooldown map (on flight finalization).
func (s *Session) ClearAlerts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertLastFired = make(map[string]time.Time)
}

// UpdateSnapshot stores the latest decoded record. The snapshot is
// kept even while the gate is closed so presence checks and the API
// always see the last known position.
func (s *Session) UpdateSnapshot(rec *telemetry.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = rec
	s.lastSeen = time.Now()
}

// Snapshot returns the latest record, or nil if none arrived yet.
func (s *Session) Snapshot() *telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// BuildEvent constructs a wire-ready event from the session's latest
// snapshot and flight plan.
func (s *Session) BuildEvent(kind, description string) flightlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := flightlog.Event{
		UserID:      s.identity,
		DepartureID: s.departureID,
		ArrivalID:   s.arrivalID,
		Kind:        kind,
		Description: description,
		Timestamp:   time.Now(),
	}
	if s.networkUserID != "" {
		e.UserID = s.networkUserID
	} else if s.snapshot != nil {
		if id := s.snapshot.NetworkID(); id != "" {
			e.UserID = id
		}
	}
	if s.snapshot != nil {
		e.Lat = s.snapshot.Lat
		e.Lng = s.snapshot.Lng
	}
	return e
}

// AppendEvent appends to the session's event buffer and mirrors the
// entry into the durable journal. The returned row id is kept beside
// the event so a later drop deletes exactly this session's rows, not
// whatever happens to be the pilot's oldest; rows orphaned by a
// failed recovery stay journaled for the next startup.
func (s *Session) AppendEvent(e flightlog.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	if s.journal != nil {
		// Journal errors are swallowed here; the in-memory buffer is
		// the source of truth and the journal is best-effort recovery.
		// Row id 0 marks an entry that never made it to disk.
		id, err := s.journal.Append(s.identity, e)
		if err != nil {
			id = 0
		}
		s.journalIDs = append(s.journalIDs, id)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.EventsRecordedTotal.Inc()
	}
}

// PendingEvents returns a snapshot copy of the buffered events.
func (s *Session) PendingEvents() []flightlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]flightlog.Event, len(s.events))
	copy(out, s.events)
	return out
}

// DropEvents removes the oldest n events after a successful
// submission, along with their journal rows. Entries appended during
// the submission remain.
func (s *Session) DropEvents(n int) {
	s.mu.Lock()
	if n > len(s.events) {
		n = len(s.events)
	}
	s.events = append([]flightlog.Event(nil), s.events[n:]...)
	var ids []int64
	if n <= len(s.journalIDs) {
		ids = journaledIDs(s.journalIDs[:n])
		s.journalIDs = append([]int64(nil), s.journalIDs[n:]...)
	} else {
		ids = journaledIDs(s.journalIDs)
		s.journalIDs = nil
	}
	journal := s.journal
	s.mu.Unlock()

	if journal != nil && len(ids) > 0 {
		_ = journal.Delete(ids)
	}
}

// DiscardEvents drops the whole buffer without submission. Only used
// on the cold-and-dark eviction path where nothing meaningful was
// recorded. Only this session's journal rows are deleted.
func (s *Session) DiscardEvents() {
	s.mu.Lock()
	s.events = nil
	ids := journaledIDs(s.journalIDs)
	s.journalIDs = nil
	journal := s.journal
	s.mu.Unlock()

	if journal != nil && len(ids) > 0 {
		_ = journal.Delete(ids)
	}
}

// journaledIDs filters out the zero sentinel left by failed appends.
func journaledIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			out = append(out, id)
		}
	}
	return out
}

// PendingCount returns the number of buffered events.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
