// Package controller provides the client for the upstream network-controller
// API. The controller exposes two generations of the intrusion-detection
// endpoint plus a traffic-flow endpoint; all of them are paginated time-range
// queries. Raw records are returned as loose maps because field names vary
// across controller versions; the collector's normalizer resolves aliases.
package controller

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lvonguyen/netsentry/internal/config"
)

// Page is one page of raw records plus the upstream "more pages" signal.
type Page struct {
	Records []map[string]any
	More    bool
}

// API is the upstream surface the collector depends on. Implemented by
// Client; test doubles implement it directly.
type API interface {
	// FetchAlarmsV2 queries the current-generation IPS alarm endpoint.
	FetchAlarmsV2(ctx context.Context, start, end time.Time, page int) (Page, error)
	// FetchAlarmsV1 queries the legacy IPS event endpoint.
	FetchAlarmsV1(ctx context.Context, start, end time.Time, page int) (Page, error)
	// FetchFlows queries the traffic-flow endpoint. With blockedOnly the
	// filter is applied server-side and the result set is small.
	FetchFlows(ctx context.Context, start, end time.Time, page int, blockedOnly bool) (Page, error)
}

// Client talks to the controller over HTTPS.
type Client struct {
	config     config.ControllerConfig
	httpClient *http.Client
}

// NewClient creates a controller API client.
func NewClient(cfg config.ControllerConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("controller base URL is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		// Self-signed controller certificates are common on-prem.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}, nil
}

// v2Response is the envelope of current-generation endpoints.
type v2Response struct {
	Data []map[string]any `json:"data"`
	Meta struct {
		More       bool `json:"more"`
		TotalCount int  `json:"totalCount"`
	} `json:"meta"`
}

// v1Response is the legacy envelope; it has no "more" flag, a full page
// implies more data.
type v1Response struct {
	Data []map[string]any `json:"data"`
	Meta struct {
		RC string `json:"rc"`
	} `json:"meta"`
}

// FetchAlarmsV2 implements API.
func (c *Client) FetchAlarmsV2(ctx context.Context, start, end time.Time, page int) (Page, error) {
	path := fmt.Sprintf("/v2/api/site/%s/alarms", url.PathEscape(c.config.Site))
	q := url.Values{}
	q.Set("start", fmt.Sprintf("%d", start.UnixMilli()))
	q.Set("end", fmt.Sprintf("%d", end.UnixMilli()))
	q.Set("page", fmt.Sprintf("%d", page))
	q.Set("limit", fmt.Sprintf("%d", c.config.PageSize))

	var resp v2Response
	if err := c.get(ctx, path, q, &resp); err != nil {
		return Page{}, fmt.Errorf("fetching v2 alarms: %w", err)
	}
	return Page{Records: resp.Data, More: resp.Meta.More}, nil
}

// FetchAlarmsV1 implements API.
func (c *Client) FetchAlarmsV1(ctx context.Context, start, end time.Time, page int) (Page, error) {
	path := fmt.Sprintf("/api/s/%s/stat/ips/event", url.PathEscape(c.config.Site))
	q := url.Values{}
	q.Set("start", fmt.Sprintf("%d", start.UnixMilli()))
	q.Set("end", fmt.Sprintf("%d", end.UnixMilli()))
	q.Set("_start", fmt.Sprintf("%d", page*c.config.PageSize))
	q.Set("_limit", fmt.Sprintf("%d", c.config.PageSize))

	var resp v1Response
	if err := c.get(ctx, path, q, &resp); err != nil {
		return Page{}, fmt.Errorf("fetching v1 ips events: %w", err)
	}
	if resp.Meta.RC != "" && resp.Meta.RC != "ok" {
		return Page{}, fmt.Errorf("v1 ips endpoint returned rc=%s", resp.Meta.RC)
	}
	return Page{Records: resp.Data, More: len(resp.Data) == c.config.PageSize}, nil
}

// FetchFlows implements API.
func (c *Client) FetchFlows(ctx context.Context, start, end time.Time, page int, blockedOnly bool) (Page, error) {
	path := fmt.Sprintf("/v2/api/site/%s/traffic-flows", url.PathEscape(c.config.Site))
	q := url.Values{}
	q.Set("start", fmt.Sprintf("%d", start.UnixMilli()))
	q.Set("end", fmt.Sprintf("%d", end.UnixMilli()))
	q.Set("page", fmt.Sprintf("%d", page))
	q.Set("limit", fmt.Sprintf("%d", c.config.PageSize))
	if blockedOnly {
		q.Set("action", "blocked")
	}

	var resp v2Response
	if err := c.get(ctx, path, q, &resp); err != nil {
		return Page{}, fmt.Errorf("fetching traffic flows: %w", err)
	}
	return Page{Records: resp.Data, More: resp.Meta.More}, nil
}

// get performs an authenticated GET and decodes the JSON envelope.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + path
	if len(q) > 0 {
		fullURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	apiKey := os.Getenv(c.config.APIKeyEnv)
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "NetSentry/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("controller request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("controller authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("controller returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding controller response: %w", err)
	}
	return nil
}
