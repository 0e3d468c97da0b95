package flightlog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/kafly/skymetrics/internal/config"
	"github.com/kafly/skymetrics/pkg/logger"
)

type stubSource struct {
	identity string
	events   []Event
}

func (s *stubSource) Identity() string       { return s.identity }
func (s *stubSource) PendingEvents() []Event { return append([]Event(nil), s.events...) }
func (s *stubSource) DropEvents(n int) {
	if n > len(s.events) {
		n = len(s.events)
	}
	s.events = s.events[n:]
}

func newTestSubmitter(t *testing.T, submitURL string) *Submitter {
	t.Helper()
	cfg := config.FlightLogConfig{
		SubmitURL:          submitURL,
		RequestTimeoutSecs: 5,
		MaxRetries:         3,
	}
	return NewSubmitter(cfg, nil, logger.NewNop())
}

func sampleEvents() []Event {
	landingVS := -312.0
	return []Event{
		{
			UserID:      "765432",
			DepartureID: "LIRF",
			ArrivalID:   "LIMC",
			Kind:        KindTakeoff,
			Description: "Takeoff detected.",
			Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Lat:         41.8,
			Lng:         12.25,
		},
		{
			UserID:      "765432",
			DepartureID: "LIRF",
			ArrivalID:   "LIMC",
			Kind:        KindTouchdownVS,
			Description: "Touchdown at -312 fpm.",
			Timestamp:   time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
			Lat:         45.63,
			Lng:         8.72,
			LandingVS:   &landingVS,
		},
	}
}

func TestSubmitDrainsBufferOnSuccess(t *testing.T) {
	var posted []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		posted = append(posted, r.PostForm)
		w.Write([]byte(`{"status":"success","message":"ok"}`))
	}))
	defer srv.Close()

	source := &stubSource{identity: "TEST PILOT", events: sampleEvents()}
	sub := newTestSubmitter(t, srv.URL)

	if err := sub.Submit(context.Background(), source); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(source.events) != 0 {
		t.Fatalf("buffer not drained, %d events left", len(source.events))
	}
	if len(posted) != 2 {
		t.Fatalf("posted %d events, want 2", len(posted))
	}

	first := posted[0]
	if got := first.Get("userId"); got != "765432" {
		t.Errorf("userId = %q, want 765432", got)
	}
	if got := first.Get("evento"); got != KindTakeoff {
		t.Errorf("evento = %q, want %s", got, KindTakeoff)
	}
	if got := first.Get("departureId"); got != "LIRF" {
		t.Errorf("departureId = %q, want LIRF", got)
	}
	if got := first.Get("data_hora"); got != "2026-03-01T12:00:00Z" {
		t.Errorf("data_hora = %q", got)
	}
	if first.Has("landing_vs") {
		t.Error("takeoff event carries landing_vs")
	}
	if got := posted[1].Get("landing_vs"); got != "-312" {
		t.Errorf("landing_vs = %q, want -312", got)
	}
}

func TestSubmitRetriesAndKeepsBufferOnFailure(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	source := &stubSource{identity: "TEST PILOT", events: sampleEvents()}
	sub := newTestSubmitter(t, srv.URL)

	if err := sub.Submit(context.Background(), source); err == nil {
		t.Fatal("Submit() error = nil, want failure after retries")
	}
	if requests != 3 {
		t.Fatalf("requests = %d, want one per attempt", requests)
	}
	if len(source.events) != 2 {
		t.Fatalf("buffer length = %d, want events retained", len(source.events))
	}
}

func TestSubmitBatchAbortsOnFirstRejection(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{"status":"not_found","message":"unknown user"}`))
	}))
	defer srv.Close()

	source := &stubSource{identity: "TEST PILOT", events: sampleEvents()}
	sub := newTestSubmitter(t, srv.URL)

	if err := sub.Submit(context.Background(), source); err == nil {
		t.Fatal("Submit() error = nil, want rejection")
	}
	// The first event of the batch is rejected on every attempt, so the
	// second event is never posted.
	if requests != 3 {
		t.Fatalf("requests = %d, want 3", requests)
	}
	if len(source.events) != 2 {
		t.Fatalf("buffer length = %d, want events retained", len(source.events))
	}
}

func TestSubmitEmptyBufferIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request for empty buffer")
	}))
	defer srv.Close()

	source := &stubSource{identity: "TEST PILOT"}
	sub := newTestSubmitter(t, srv.URL)
	if err := sub.Submit(context.Background(), source); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestSubmitRecoversAfterEndpointComesBack(t *testing.T) {
	var healthy bool
	var succeeded int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		succeeded++
		w.Write([]byte(`{"status":"success","message":"ok"}`))
	}))
	defer srv.Close()

	source := &stubSource{identity: "TEST PILOT", events: sampleEvents()}
	sub := newTestSubmitter(t, srv.URL)

	if err := sub.Submit(context.Background(), source); err == nil {
		t.Fatal("Submit() error = nil while endpoint is down")
	}

	healthy = true
	if err := sub.Submit(context.Background(), source); err != nil {
		t.Fatalf("Submit() after recovery error = %v", err)
	}
	if succeeded != 2 || len(source.events) != 0 {
		t.Fatalf("succeeded = %d, remaining = %d, want full drain", succeeded, len(source.events))
	}
}

func TestFormValuesOmitsOptionalFields(t *testing.T) {
	fuel := 80.5
	e := Event{
		UserID:      "1234567",
		DepartureID: "N/A",
		ArrivalID:   "EGLL",
		Kind:        KindFuelInitial,
		Description: "Initial fuel recorded.",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TotalFuel:   &fuel,
	}
	form := e.FormValues()
	if form.Has("landing_vs") {
		t.Error("landing_vs present without a value")
	}
	if got := form.Get("total_fuel"); got == "" {
		t.Error("total_fuel missing")
	}
	if got := form.Get("departureId"); got != "N/A" {
		t.Errorf("departureId = %q, want N/A", got)
	}
}
