// Package enrich attaches country and ASN metadata to threat events by
// querying a local geo-database service. Enrichment is best-effort: a
// failure leaves events unenriched and is never fatal to the pipeline.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/netsentry/internal/config"
	"github.com/lvonguyen/netsentry/internal/model"
)

// ErrUnavailable is returned when the enrichment service is not configured.
var ErrUnavailable = errors.New("enrichment service unavailable")

// DatabaseInfo describes the state of the backing geo database, used by the
// scheduler's staleness check.
type DatabaseInfo struct {
	UpdatedAt time.Time `json:"updated_at"`
	Records   int64     `json:"records"`
}

// Stale reports whether the database is older than maxAge at now.
func (i DatabaseInfo) Stale(now time.Time, maxAge time.Duration) bool {
	return i.UpdatedAt.IsZero() || now.Sub(i.UpdatedAt) > maxAge
}

// Service is the enrichment contract the scheduler depends on.
type Service interface {
	// EnrichEvents fills CountryCode and ASNOrg in place. Partial results
	// are fine; the error reports total failure only.
	EnrichEvents(ctx context.Context, events []model.ThreatEvent) error
	Available() bool
	DatabaseInfo(ctx context.Context) (DatabaseInfo, error)
	// Refresh asks the service to re-download its database.
	Refresh(ctx context.Context) error
}

// lookup is one geo answer, cached per IP.
type lookup struct {
	CountryCode string `json:"country_code"`
	ASNOrg      string `json:"asn_org"`
}

// GeoService implements Service against an ip-api-style HTTP endpoint with a
// Redis lookup cache.
type GeoService struct {
	config     config.EnrichmentConfig
	httpClient *http.Client
	cache      *redis.Client
	logger     *zap.Logger
}

// NewGeoService creates the enrichment client. cache may be nil, in which
// case every lookup goes to the service.
func NewGeoService(cfg config.EnrichmentConfig, cache *redis.Client, logger *zap.Logger) *GeoService {
	return &GeoService{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache,
		logger:     logger,
	}
}

// Available implements Service.
func (g *GeoService) Available() bool {
	return g.config.Enabled && g.config.BaseURL != ""
}

// EnrichEvents implements Service.
func (g *GeoService) EnrichEvents(ctx context.Context, events []model.ThreatEvent) error {
	if !g.Available() {
		return ErrUnavailable
	}

	resolved := make(map[string]lookup)
	failures := 0

	for i := range events {
		ev := &events[i]
		ip := ev.SourceIP
		if ip == "" || isPrivate(ip) {
			continue
		}

		res, ok := resolved[ip]
		if !ok {
			var err error
			res, err = g.resolve(ctx, ip)
			if err != nil {
				failures++
				g.logger.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
				continue
			}
			resolved[ip] = res
		}

		ev.CountryCode = res.CountryCode
		ev.ASNOrg = res.ASNOrg
	}

	if failures > 0 && len(resolved) == 0 {
		return fmt.Errorf("all %d geo lookups failed", failures)
	}
	return nil
}

// resolve answers one IP, consulting the cache first.
func (g *GeoService) resolve(ctx context.Context, ip string) (lookup, error) {
	cacheKey := "netsentry:geo:" + strings.ToLower(ip)

	if g.cache != nil {
		if raw, err := g.cache.Get(ctx, cacheKey).Result(); err == nil {
			var res lookup
			if json.Unmarshal([]byte(raw), &res) == nil {
				return res, nil
			}
		}
	}

	var res lookup
	if err := g.get(ctx, "/json/"+url.PathEscape(ip), &res); err != nil {
		return lookup{}, err
	}

	if g.cache != nil {
		if raw, err := json.Marshal(res); err == nil {
			g.cache.Set(ctx, cacheKey, raw, g.config.CacheTTL)
		}
	}
	return res, nil
}

// DatabaseInfo implements Service.
func (g *GeoService) DatabaseInfo(ctx context.Context) (DatabaseInfo, error) {
	if !g.Available() {
		return DatabaseInfo{}, ErrUnavailable
	}
	var info DatabaseInfo
	if err := g.get(ctx, "/info", &info); err != nil {
		return DatabaseInfo{}, err
	}
	return info, nil
}

// Refresh implements Service.
func (g *GeoService) Refresh(ctx context.Context) error {
	if !g.Available() {
		return ErrUnavailable
	}

	fullURL := strings.TrimSuffix(g.config.BaseURL, "/") + "/refresh"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, nil)
	if err != nil {
		return err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("triggering geo database refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("geo service returned %d on refresh", resp.StatusCode)
	}
	return nil
}

func (g *GeoService) get(ctx context.Context, path string, out any) error {
	fullURL := strings.TrimSuffix(g.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("geo service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geo service returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding geo response: %w", err)
	}
	return nil
}

// isPrivate reports whether the IP is RFC1918/loopback/link-local; those
// have no useful geo answer.
func isPrivate(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast()
}
