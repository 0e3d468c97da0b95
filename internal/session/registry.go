package session

import (
	"context"
	"sync"
	"time"

	"github.com/kafly/skymetrics/internal/flightlog"
	"github.com/kafly/skymetrics/internal/metrics"
	"github.com/kafly/skymetrics/pkg/logger"
)

// Submitter drains a session's pending events to the remote endpoint.
// Implemented by flightlog.Submitter.
type Submitter interface {
	Submit(ctx context.Context, source flightlog.EventSource) error
}

// Journal is the durable mirror of per-session pending events, used
// for crash recovery. Implemented by the sqlite store. Append returns
// a row id and deletion is by row id, so each session only ever
// touches the rows it wrote.
type Journal interface {
	Append(pilot string, e flightlog.Event) (int64, error)
	Delete(ids []int64) error
}

// Registry maps pilot identities to live sessions. Exactly one
// session exists per identity.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	submitter Submitter
	journal   Journal
	metrics   *metrics.MetricsRegistry
	logger    *logger.Logger
}

// NewRegistry creates a session registry. journal and m may be nil
// when durable queueing or instrumentation is disabled.
func NewRegistry(submitter Submitter, journal Journal, m *metrics.MetricsRegistry, log *logger.Logger) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		submitter: submitter,
		journal:   journal,
		metrics:   m,
		logger:    log.Named("session"),
	}
}

// GetOrCreate returns the session for identity, allocating one bound
// to conn on first sight. created reports whether this call allocated
// it; the caller performs the initial presence check and directive on
// creation.
func (r *Registry) GetOrCreate(identity, vatsimID, ivaoID string, conn Connection) (s *Session, created bool) {
	r.mu.RLock()
	s, ok := r.sessions[identity]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.sessions[identity]; ok {
		return s, false
	}

	s = newSession(identity, vatsimID, ivaoID, conn, r.journal, r.metrics)
	r.sessions[identity] = s
	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
	}
	r.logger.Info("Session created",
		logger.String("pilot", identity),
		logger.String("vatsim_id", vatsimID),
		logger.String("ivao_id", ivaoID),
		logger.Int("active_sessions", len(r.sessions)))
	return s, true
}

// Get returns the session for identity, if present.
func (r *Registry) Get(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// All returns the current sessions. The slice is a copy; the sessions
// are live.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove evicts the session for identity. If the flight had begun and
// not completed, a CONNECTION_LOST event is recorded and the buffer
// submitted before eviction; otherwise the buffer is discarded.
func (r *Registry) Remove(ctx context.Context, identity string) {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
	}
	remaining := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}
	if r.metrics != nil {
		r.metrics.SessionsActive.Dec()
	}

	if s.FlightBegun() {
		s.AppendEvent(s.BuildEvent(flightlog.KindConnectionLost,
			"Connection lost mid-flight. Submitting accumulated events."))
		if err := r.submitter.Submit(ctx, s); err != nil {
			r.logger.Warn("Failed to submit events for disconnected session",
				logger.String("pilot", identity),
				logger.Error(err))
		}
	} else if s.PendingCount() > 0 {
		r.logger.Debug("Discarding events for session that never started a flight",
			logger.String("pilot", identity),
			logger.Int("events", s.PendingCount()))
		s.DiscardEvents()
	}

	r.logger.Info("Session removed",
		logger.String("pilot", identity),
		logger.Int("active_sessions", remaining))
}

// SnapshotView is the read-only per-session summary served by the
// REST API for dashboard consumers.
type SnapshotView struct {
	Identity      string     `json:"identity"`
	VatsimID      string     `json:"vatsim_id,omitempty"`
	IvaoID        string     `json:"ivao_id,omitempty"`
	Phase         string     `json:"phase"`
	TxEnabled     bool       `json:"tx_enabled"`
	PausedAt      *time.Time `json:"paused_at,omitempty"`
	DepartureID   string     `json:"departure_id"`
	ArrivalID     string     `json:"arrival_id"`
	PendingEvents int        `json:"pending_events"`
	Lat           float64    `json:"lat"`
	Lng           float64    `json:"lng"`
	AltInd        float64    `json:"alt_ind"`
	GS            float64    `json:"gs"`
	VS            float64    `json:"vs"`
	OnGround      bool       `json:"on_ground"`
	PacketsSent   int        `json:"packets_sent"`
	MBSent        float64    `json:"mb_sent"`
	LastSeen      time.Time  `json:"last_seen"`
	ConnectedAt   time.Time  `json:"connected_at"`
}

// SnapshotOf builds the API view of a single session.
func SnapshotOf(s *Session) SnapshotView {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := SnapshotView{
		Identity:      s.identity,
		VatsimID:      s.vatsimID,
		IvaoID:        s.ivaoID,
		Phase:         s.state.Phase.String(),
		TxEnabled:     s.txEnabled,
		PausedAt:      s.pausedAt,
		DepartureID:   s.departureID,
		ArrivalID:     s.arrivalID,
		PendingEvents: len(s.events),
		LastSeen:      s.lastSeen,
		ConnectedAt:   s.createdAt,
	}
	if s.snapshot != nil {
		v.Lat = s.snapshot.Lat
		v.Lng = s.snapshot.Lng
		v.AltInd = s.snapshot.AltInd
		v.GS = s.snapshot.GS
		v.VS = s.snapshot.VS
		v.OnGround = s.snapshot.OnGround == 1
		v.PacketsSent = s.snapshot.PacketsSent
		v.MBSent = s.snapshot.MBSent
	}
	return v
}

// Snapshots returns the API view of every active session.
func (r *Registry) Snapshots() []SnapshotView {
	sessions := r.All()
	out := make([]SnapshotView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SnapshotOf(s))
	}
	return out
}
