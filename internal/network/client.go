// Package network queries online flight-network directories (IVAO and
// VATSIM) for pilot presence and flight plans, and reconciles session
// transmission gates against them.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/kafly/skymetrics/internal/config"
	"github.com/kafly/skymetrics/internal/metrics"
	"github.com/kafly/skymetrics/pkg/logger"
)

const (
	ivaoFeedCacheKey   = "ivao_feed"
	vatsimFeedCacheKey = "vatsim_feed"
)

// FlightPlan is the filed plan resolved from a network directory.
// Fields default to "N/A" when the pilot has no usable plan.
type FlightPlan struct {
	DepartureID   string
	ArrivalID     string
	NetworkUserID string
}

// ivaoFeed is the subset of the IVAO whazzup v2 document we consume.
type ivaoFeed struct {
	Clients struct {
		Pilots []ivaoPilot `json:"pilots"`
	} `json:"clients"`
}

type ivaoPilot struct {
	UserID     int64           `json:"userId"`
	FlightPlan *ivaoFlightPlan `json:"flightPlan"`
}

type ivaoFlightPlan struct {
	DepartureID string `json:"departureId"`
	ArrivalID   string `json:"arrivalId"`
}

// vatsimFeed is the subset of the VATSIM data v3 document we consume.
type vatsimFeed struct {
	Pilots []vatsimPilot `json:"pilots"`
}

type vatsimPilot struct {
	CID int64 `json:"cid"`
}

// Checker queries the two network directories. Whole feeds are cached
// so one fetch per source serves every session in a reconcile cycle.
type Checker struct {
	ivaoURL    string
	vatsimURL  string
	httpClient *http.Client
	cache      *gocache.Cache
	cacheTTL   time.Duration
	metrics    *metrics.MetricsRegistry
	logger     *logger.Logger
}

// NewChecker creates a presence checker from the network
// configuration. m may be nil when instrumentation is disabled.
func NewChecker(cfg config.NetworkConfig, m *metrics.MetricsRegistry, log *logger.Logger) *Checker {
	ttl := cfg.FeedCacheTTL()
	return &Checker{
		ivaoURL:    cfg.IVAOWhazzupURL,
		vatsimURL:  cfg.VATSIMDataURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		cache:      gocache.New(ttl, 2*ttl),
		cacheTTL:   ttl,
		metrics:    m,
		logger:     log.Named("network"),
	}
}

// parseNetworkID validates a network identifier, rejecting the
// placeholder values clients send when no ID is configured.
func parseNetworkID(id string) (int64, bool) {
	id = strings.TrimSpace(id)
	if id == "" || id == "N/A" || id == "0" {
		return 0, false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsOnline reports whether the pilot appears on either network. Both
// sources are queried concurrently and OR-combined; a source failure
// counts as offline for this cycle (fail-safe) and is retried on the
// next tick.
func (c *Checker) IsOnline(ctx context.Context, vatsimID, ivaoID string) bool {
	var vatsimOnline, ivaoOnline bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		online, err := c.vatsimOnline(gctx, vatsimID)
		if err != nil {
			c.logger.Warn("VATSIM presence check failed, treating as offline",
				logger.String("vatsim_id", vatsimID), logger.Error(err))
			return nil
		}
		vatsimOnline = online
		return nil
	})
	g.Go(func() error {
		plan, err := c.ivaoFlightPlan(gctx, ivaoID)
		if err != nil {
			c.logger.Warn("IVAO presence check failed, treating as offline",
				logger.String("ivao_id", ivaoID), logger.Error(err))
			return nil
		}
		ivaoOnline = plan != nil
		return nil
	})
	_ = g.Wait()

	online := vatsimOnline || ivaoOnline
	if c.metrics != nil {
		result := "offline"
		if online {
			result = "online"
		}
		c.metrics.PresenceChecksTotal.WithLabelValues(result).Inc()
	}
	return online
}

// FlightPlan resolves the pilot's filed flight plan, preferring the
// IVAO plan. Lookup failure yields the "N/A" defaults.
func (c *Checker) FlightPlan(ctx context.Context, vatsimID, ivaoID string) FlightPlan {
	fp := FlightPlan{DepartureID: "N/A", ArrivalID: "N/A", NetworkUserID: ""}

	plan, err := c.ivaoFlightPlan(ctx, ivaoID)
	if err != nil {
		c.logger.Warn("IVAO flight plan lookup failed",
			logger.String("ivao_id", ivaoID), logger.Error(err))
		return fp
	}
	if plan != nil {
		if plan.DepartureID != "" {
			fp.DepartureID = plan.DepartureID
		}
		if plan.ArrivalID != "" {
			fp.ArrivalID = plan.ArrivalID
		}
		fp.NetworkUserID = strings.TrimSpace(ivaoID)
	}
	return fp
}

// vatsimOnline checks bare presence of the CID on the VATSIM datafeed.
func (c *Checker) vatsimOnline(ctx context.Context, vatsimID string) (bool, error) {
	cid, ok := parseNetworkID(vatsimID)
	if !ok {
		return false, nil
	}

	feed, err := c.fetchVATSIM(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range feed.Pilots {
		if p.CID == cid {
			c.logger.Debug("Pilot found online on VATSIM", logger.String("vatsim_id", vatsimID))
			return true, nil
		}
	}
	return false, nil
}

// ivaoFlightPlan returns the pilot's IVAO flight plan if the pilot is
// connected with a non-empty plan, nil otherwise. Presence on IVAO
// requires the plan (a connection without one does not count).
func (c *Checker) ivaoFlightPlan(ctx context.Context, ivaoID string) (*ivaoFlightPlan, error) {
	uid, ok := parseNetworkID(ivaoID)
	if !ok {
		return nil, nil
	}

	feed, err := c.fetchIVAO(ctx)
	if err != nil {
		return nil, err
	}
	for i := range feed.Clients.Pilots {
		p := &feed.Clients.Pilots[i]
		if p.UserID == uid && p.FlightPlan != nil {
			c.logger.Debug("Pilot found online on IVAO", logger.String("ivao_id", ivaoID))
			return p.FlightPlan, nil
		}
	}
	return nil, nil
}

func (c *Checker) fetchIVAO(ctx context.Context) (*ivaoFeed, error) {
	if cached, found := c.cache.Get(ivaoFeedCacheKey); found {
		return cached.(*ivaoFeed), nil
	}

	var feed ivaoFeed
	if err := c.fetchJSON(ctx, c.ivaoURL, &feed); err != nil {
		return nil, fmt.Errorf("failed to fetch IVAO whazzup: %w", err)
	}
	c.cache.Set(ivaoFeedCacheKey, &feed, c.cacheTTL)
	return &feed, nil
}

func (c *Checker) fetchVATSIM(ctx context.Context) (*vatsimFeed, error) {
	if cached, found := c.cache.Get(vatsimFeedCacheKey); found {
		return cached.(*vatsimFeed), nil
	}

	var feed vatsimFeed
	if err := c.fetchJSON(ctx, c.vatsimURL, &feed); err != nil {
		return nil, fmt.Errorf("failed to fetch VATSIM data: %w", err)
	}
	c.cache.Set(vatsimFeedCacheKey, &feed, c.cacheTTL)
	return &feed, nil
}

func (c *Checker) fetchJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
