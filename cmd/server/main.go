package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kafly/skymetrics/internal/api"
	"github.com/kafly/skymetrics/internal/config"
	"github.com/kafly/skymetrics/internal/flight"
	"github.com/kafly/skymetrics/internal/flightlog"
	"github.com/kafly/skymetrics/internal/metrics"
	"github.com/kafly/skymetrics/internal/network"
	"github.com/kafly/skymetrics/internal/session"
	"github.com/kafly/skymetrics/internal/storage/sqlite"
	"github.com/kafly/skymetrics/internal/websocket"
	"github.com/kafly/skymetrics/pkg/logger"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (searches configs/config.toml and config.toml if not set)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting skymetrics server",
		logger.String("host", cfg.Server.Host),
		logger.Int("port", cfg.Server.Port))

	// Metrics registry
	metricsRegistry := metrics.NewMetricsRegistry()

	// Durable pending-event journal
	if err := os.MkdirAll(cfg.Storage.SQLiteBasePath, 0o755); err != nil {
		log.Error("Failed to create storage directory", logger.Error(err))
		os.Exit(1)
	}
	dbPath := filepath.Join(cfg.Storage.SQLiteBasePath,
		fmt.Sprintf("skymetrics-%s.db", time.Now().Format("2006-01-02")))
	journal, err := sqlite.NewEventStorage(dbPath, log)
	if err != nil {
		log.Error("Failed to initialize event journal", logger.Error(err))
		os.Exit(1)
	}
	defer journal.Close()

	// Core services
	submitter := flightlog.NewSubmitter(cfg.FlightLog, metricsRegistry, log)
	registry := session.NewRegistry(submitter, journal, metricsRegistry, log)
	checker := network.NewChecker(cfg.Network, metricsRegistry, log)
	reconciler := network.NewReconciler(registry, checker, cfg.Network, log)
	tracker := flight.NewTracker(cfg.Telemetry, log)

	// WebSocket transport and ingest pipeline
	wsServer := websocket.NewServer(log)
	ingest := flight.NewHandler(registry, tracker, submitter, reconciler, checker, metricsRegistry, log)
	wsServer.SetTelemetryHandler(ingest)
	go wsServer.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Re-attempt batches a previous process left behind
	recoverOrphans(ctx, journal, submitter, log)

	// Start the presence reconciler
	reconciler.Start(ctx)

	// Periodic aggregate stats logging
	if cfg.Telemetry.SessionStatsInterval > 0 {
		go logStats(ctx, cfg.Telemetry.SessionStatsInterval, registry, wsServer, ingest, log)
	}

	// Create API router and HTTP server
	router := api.NewRouter(registry, ingest, wsServer, cfg, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  cfg.Server.IdleTimeout(),
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Stop background services first
	log.Info("Stopping presence reconciler...")
	reconciler.Stop()
	log.Info("Presence reconciler stopped.")

	// Shut down the HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", logger.Error(err))
	}

	log.Info("Server shutdown complete")
}

// logStats periodically logs an aggregate view of the server: session
// count, connected clients, and ingest counters.
func logStats(ctx context.Context, intervalSecs int, registry *session.Registry, wsServer *websocket.Server, ingest *flight.Handler, log *logger.Logger) {
	ticker := time.NewTicker(time.Duration(intervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := ingest.Stats()
			log.Info("Server stats",
				logger.Int("active_sessions", registry.Count()),
				logger.Int("connected_clients", wsServer.ClientCount()),
				logger.Int64("packets_received", int64(stats.PacketsReceived)),
				logger.Float64("mb_received", float64(stats.BytesReceived)/(1024*1024)))
		case <-ctx.Done():
			return
		}
	}
}

// recoveredBatch adapts a group of journaled rows to the submitter's
// event source so orphans can be drained through the normal path.
type recoveredBatch struct {
	pilot string
	store *sqlite.EventStorage
	rows  []sqlite.JournaledRow
}

func (b *recoveredBatch) Identity() string { return b.pilot }

func (b *recoveredBatch) PendingEvents() []flightlog.Event {
	out := make([]flightlog.Event, len(b.rows))
	for i, row := range b.rows {
		out[i] = row.Event
	}
	return out
}

func (b *recoveredBatch) DropEvents(n int) {
	if n > len(b.rows) {
		n = len(b.rows)
	}
	ids := make([]int64, n)
	for i, row := range b.rows[:n] {
		ids[i] = row.ID
	}
	if err := b.store.Delete(ids); err == nil {
		b.rows = b.rows[n:]
	}
}

// recoverOrphans submits event batches whose owning process crashed
// before delivering them. Failures leave the rows journaled for the
// next startup.
func recoverOrphans(ctx context.Context, journal *sqlite.EventStorage, submitter *flightlog.Submitter, log *logger.Logger) {
	pending, err := journal.PendingByPilot()
	if err != nil {
		log.Warn("Failed to load journaled events", logger.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	log.Info("Recovering journaled event batches", logger.Int("pilots", len(pending)))
	for pilot, rows := range pending {
		batch := &recoveredBatch{pilot: pilot, store: journal, rows: rows}
		if err := submitter.Submit(ctx, batch); err != nil {
			log.Warn("Failed to submit recovered batch, retaining journal rows",
				logger.String("pilot", pilot),
				logger.Int("events", len(rows)),
				logger.Error(err))
		}
	}
}
