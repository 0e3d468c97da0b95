// Package sqlite provides the durable pending-event journal. Rows
// mirror a session's in-memory buffer and exist only while events are
// undelivered; a successful submission deletes them, so the journal is
// queue state for crash recovery, not flight history.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kafly/skymetrics/internal/flightlog"
	"github.com/kafly/skymetrics/pkg/logger"
	_ "modernc.org/sqlite"
)

// EventStorage is the SQLite-backed pending-event journal
type EventStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewEventStorage creates a new SQLite-based event journal
func NewEventStorage(dbPath string, log *logger.Logger) (*EventStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite journal",
		logger.String("path", dbPath))

	// Open the database
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool limits
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	// Set pragmas for better performance and concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA cache_size=10000"); err != nil {
		return nil, fmt.Errorf("failed to set cache size: %w", err)
	}

	// Create tables if they don't exist
	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &EventStorage{
		db:     db,
		logger: storageLogger,
	}, nil
}

// initDatabase creates the schema if it doesn't exist
func initDatabase(db *sql.DB, log *logger.Logger) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pilot TEXT NOT NULL,
		user_id TEXT NOT NULL,
		departure_id TEXT NOT NULL,
		arrival_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL,
		event_time TEXT NOT NULL,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		landing_vs REAL,
		total_fuel REAL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_events_pilot ON pending_events(pilot, id);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Debug("SQLite journal schema ready")
	return nil
}

// Close closes the database connection
func (s *EventStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Append mirrors a buffered event into the journal and returns the
// row id identifying it. Callers delete by row id, never by position,
// so rows left over from a failed recovery are never confused with a
// live session's entries
func (s *EventStorage) Append(pilot string, e flightlog.Event) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO pending_events
			(pilot, user_id, departure_id, arrival_id, kind, description, event_time, lat, lng, landing_vs, total_fuel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pilot, e.UserID, e.DepartureID, e.ArrivalID, e.Kind, e.Description,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Lat, e.Lng,
		nullableFloat(e.LandingVS), nullableFloat(e.TotalFuel))
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted row id: %w", err)
	}
	return id, nil
}

// Delete removes the journal rows with the given ids after a
// successful submission or a discard
func (s *EventStorage) Delete(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids))[1:]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`DELETE FROM pending_events WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

// JournaledRow is one journal entry together with the row id needed
// to delete it once delivered
type JournaledRow struct {
	ID    int64
	Event flightlog.Event
}

// PendingByPilot loads all journaled rows grouped by pilot, in append
// order. Used at startup to re-attempt batches orphaned by a crash
func (s *EventStorage) PendingByPilot() (map[string][]JournaledRow, error) {
	rows, err := s.db.Query(`
		SELECT id, pilot, user_id, departure_id, arrival_id, kind, description, event_time, lat, lng, landing_vs, total_fuel
		FROM pending_events ORDER BY pilot, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]JournaledRow)
	for rows.Next() {
		var (
			id        int64
			pilot     string
			e         flightlog.Event
			eventTime string
			landingVS sql.NullFloat64
			totalFuel sql.NullFloat64
		)
		if err := rows.Scan(&id, &pilot, &e.UserID, &e.DepartureID, &e.ArrivalID, &e.Kind,
			&e.Description, &eventTime, &e.Lat, &e.Lng, &landingVS, &totalFuel); err != nil {
			return nil, fmt.Errorf("failed to scan pending event: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, eventTime); err == nil {
			e.Timestamp = t
		}
		if landingVS.Valid {
			v := landingVS.Float64
			e.LandingVS = &v
		}
		if totalFuel.Valid {
			v := totalFuel.Float64
			e.TotalFuel = &v
		}
		out[pilot] = append(out[pilot], JournaledRow{ID: id, Event: e})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending events: %w", err)
	}
	return out, nil
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
