package flight

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kafly/skymetrics/internal/flightlog"
	"github.com/kafly/skymetrics/internal/metrics"
	"github.com/kafly/skymetrics/internal/network"
	"github.com/kafly/skymetrics/internal/session"
	"github.com/kafly/skymetrics/internal/telemetry"
	"github.com/kafly/skymetrics/internal/websocket"
	"github.com/kafly/skymetrics/pkg/logger"
)

// Submitter drains a session's event buffer. Implemented by
// flightlog.Submitter.
type Submitter interface {
	Submit(ctx context.Context, source flightlog.EventSource) error
}

// GateApplier runs the one-shot presence check at session creation.
// Implemented by network.Reconciler.
type GateApplier interface {
	ApplyInitialGate(ctx context.Context, sess *session.Session)
}

// FlightPlanner resolves a pilot's filed flight plan. Implemented by
// network.Checker.
type FlightPlanner interface {
	FlightPlan(ctx context.Context, vatsimID, ivaoID string) network.FlightPlan
}

// Handler is the inbound telemetry pipeline: it decodes frames, owns
// session creation, routes gated records into the state machine, and
// flushes buffers on terminal events. One instance serves all
// connections; per-connection ordering comes from the transport
// reading each socket sequentially.
type Handler struct {
	registry  *session.Registry
	tracker   *Tracker
	submitter Submitter
	gate      GateApplier
	planner   FlightPlanner
	metrics   *metrics.MetricsRegistry
	logger    *logger.Logger

	mu         sync.Mutex
	identities map[*websocket.Client]string

	startedAt       time.Time
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
}

// Stats is the process-wide ingest summary served by the status API.
type Stats struct {
	Uptime          time.Duration
	PacketsReceived uint64
	BytesReceived   uint64
}

// NewHandler creates the pipeline handler.
func NewHandler(
	registry *session.Registry,
	tracker *Tracker,
	submitter Submitter,
	gate GateApplier,
	planner FlightPlanner,
	m *metrics.MetricsRegistry,
	log *logger.Logger,
) *Handler {
	return &Handler{
		registry:   registry,
		tracker:    tracker,
		submitter:  submitter,
		gate:       gate,
		planner:    planner,
		metrics:    m,
		logger:     log.Named("ingest"),
		identities: make(map[*websocket.Client]string),
		startedAt:  time.Now(),
	}
}

// Stats returns the process-wide ingest counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Uptime:          time.Since(h.startedAt),
		PacketsReceived: h.packetsReceived.Load(),
		BytesReceived:   h.bytesReceived.Load(),
	}
}

// HandleTelemetry processes one inbound frame from a pilot client.
func (h *Handler) HandleTelemetry(client *websocket.Client, data []byte) {
	ctx := context.Background()

	h.packetsReceived.Add(1)
	h.bytesReceived.Add(uint64(len(data)))
	if h.metrics != nil {
		h.metrics.PacketsReceivedTotal.Inc()
		h.metrics.BytesReceivedTotal.Add(float64(len(data)))
	}

	rec, err := telemetry.Decode(data)
	if err != nil {
		if h.metrics != nil {
			h.metrics.DecodeFailuresTotal.Inc()
		}
		h.logger.Warn("Dropping malformed telemetry frame",
			logger.String("remote_addr", client.RemoteAddr()),
			logger.Error(err))
		return
	}

	// Anonymous senders never create a session.
	if rec.Anonymous() {
		return
	}

	sess, created := h.registry.GetOrCreate(rec.PilotName, rec.VatsimID, rec.IvaoID, client)
	sess.UpdateSnapshot(rec)

	if created {
		h.bindIdentity(client, rec.PilotName)
		h.startSession(ctx, sess)
	}

	// While the gate is closed the snapshot above is all we keep; the
	// record is not fed to the state machine.
	if !sess.TxEnabled() {
		return
	}

	res := h.tracker.Process(sess, rec)

	if res.Flush {
		if sess.State().FlightEnded && h.metrics != nil {
			h.metrics.FlightsCompleted.Inc()
		}
		if err := h.submitter.Submit(ctx, sess); err != nil {
			h.logger.Warn("Flush failed, events retained for a later attempt",
				logger.String("pilot", sess.Identity()),
				logger.Error(err))
		}
	}
	if res.After != nil {
		sess.AppendEvent(*res.After)
	}
}

// HandleDisconnect evicts the session bound to a closed connection.
func (h *Handler) HandleDisconnect(client *websocket.Client) {
	h.mu.Lock()
	identity, ok := h.identities[client]
	if ok {
		delete(h.identities, client)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.logger.Info("Client disconnected", logger.String("pilot", identity))
	h.registry.Remove(context.Background(), identity)
}

func (h *Handler) bindIdentity(client *websocket.Client, identity string) {
	h.mu.Lock()
	h.identities[client] = identity
	h.mu.Unlock()
}

// startSession resolves the flight plan, records the session start,
// and applies the initial gate directive for a freshly created
// session. Runs on the owning connection's goroutine.
func (h *Handler) startSession(ctx context.Context, sess *session.Session) {
	vatsimID, ivaoID := sess.NetworkIDs()

	fp := h.planner.FlightPlan(ctx, vatsimID, ivaoID)
	sess.SetFlightPlan(fp.DepartureID, fp.ArrivalID, fp.NetworkUserID)

	dep, arr := sess.FlightPlan()
	sess.AppendEvent(sess.BuildEvent(flightlog.KindSessionStart,
		"Session started. Flight plan "+dep+" -> "+arr+"."))

	h.gate.ApplyInitialGate(ctx, sess)
}
