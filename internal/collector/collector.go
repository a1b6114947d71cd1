package collector

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/netsentry/internal/controller"
	"github.com/lvonguyen/netsentry/internal/model"
	"github.com/lvonguyen/netsentry/internal/observability"
)

// Collector produces a deduplicated list of threat events for a time range.
// A failure in one source never prevents collection of the other; partial
// results are still valid results.
type Collector struct {
	api     controller.API
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a Collector. metrics may be nil.
func New(api controller.API, logger *zap.Logger, metrics *observability.Metrics) *Collector {
	return &Collector{
		api:     api,
		logger:  logger,
		metrics: metrics,
	}
}

// Collect retrieves and normalizes events in [start, end). pageBudget caps
// the number of pages fetched per pass; a budget <= 0 means effectively
// unbounded, used for the recent sweep where completeness beats cost.
func (c *Collector) Collect(ctx context.Context, start, end time.Time, pageBudget int) ([]model.ThreatEvent, error) {
	seen := make(map[string]struct{})
	var out []model.ThreatEvent

	add := func(events []model.ThreatEvent) {
		for _, ev := range events {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}

	ipsEvents, ipsErr := c.collectIPS(ctx, start, end, pageBudget)
	if ipsErr != nil {
		c.logger.Warn("ips collection failed, continuing with flows",
			zap.Time("start", start), zap.Time("end", end), zap.Error(ipsErr))
	}
	add(ipsEvents)

	flowEvents, flowErr := c.collectFlows(ctx, start, end, pageBudget)
	if flowErr != nil {
		c.logger.Warn("flow collection failed",
			zap.Time("start", start), zap.Time("end", end), zap.Error(flowErr))
	}
	add(flowEvents)

	if ipsErr != nil && flowErr != nil {
		return out, fmt.Errorf("both sources failed: ips: %v; flows: %v", ipsErr, flowErr)
	}

	c.countEvents(model.SourceIPS, len(ipsEvents))
	c.countEvents(model.SourceTrafficFlow, len(flowEvents))
	return out, nil
}

// ipsStrategy is one entry of the ordered fallback chain: the first strategy
// returning a non-empty, non-error result wins.
type ipsStrategy struct {
	name  string
	fetch func(ctx context.Context, start, end time.Time, page int) (controller.Page, error)
}

// collectIPS tries the newer alarm endpoint first and falls back to the
// legacy one on any failure or an empty result.
func (c *Collector) collectIPS(ctx context.Context, start, end time.Time, pageBudget int) ([]model.ThreatEvent, error) {
	strategies := []ipsStrategy{
		{name: "alarms_v2", fetch: c.api.FetchAlarmsV2},
		{name: "alarms_v1", fetch: c.api.FetchAlarmsV1},
	}

	var lastErr error
	for _, strat := range strategies {
		events, err := c.drainIPS(ctx, strat, start, end, pageBudget)
		if err != nil {
			lastErr = err
			c.logger.Debug("ips strategy failed, trying next",
				zap.String("strategy", strat.name), zap.Error(err))
			continue
		}
		if len(events) == 0 {
			c.logger.Debug("ips strategy returned no events, trying next",
				zap.String("strategy", strat.name))
			continue
		}
		return events, nil
	}
	return nil, lastErr
}

// drainIPS paginates one IPS strategy until the upstream signals no more
// pages, a page comes back empty, or the budget runs out.
func (c *Collector) drainIPS(ctx context.Context, strat ipsStrategy, start, end time.Time, pageBudget int) ([]model.ThreatEvent, error) {
	budget := pageBudget
	if budget <= 0 {
		budget = math.MaxInt
	}

	var events []model.ThreatEvent
	for page := 0; page < budget; page++ {
		if err := ctx.Err(); err != nil {
			return events, err
		}

		p, err := strat.fetch(ctx, start, end, page)
		if err != nil {
			return nil, err
		}
		c.countPage(strat.name)

		for _, raw := range p.Records {
			ev, ok := normalizeIPS(raw)
			if !ok {
				c.countDrop("missing_id")
				continue
			}
			events = append(events, ev)
		}

		if !p.More || len(p.Records) == 0 {
			break
		}
	}
	return events, nil
}

// collectFlows is the two-pass flow collection. Pass A walks unfiltered
// pages under the budget and keeps only interesting records; allowed traffic
// fills earlier pages, so blocked events buried deep can be missed. Pass B
// re-queries blocked-only server-side, which paginates reliably, and fills
// those gaps. Events already produced by pass A are discarded on merge.
func (c *Collector) collectFlows(ctx context.Context, start, end time.Time, pageBudget int) ([]model.ThreatEvent, error) {
	budget := pageBudget
	if budget <= 0 {
		budget = math.MaxInt
	}

	seen := make(map[string]struct{})
	var events []model.ThreatEvent

	// Pass A: unfiltered, interest-filtered client-side.
	passAErr := c.drainFlows(ctx, start, end, budget, false, func(ev model.ThreatEvent) {
		if !interesting(ev) {
			return
		}
		if _, dup := seen[ev.ID]; dup {
			return
		}
		seen[ev.ID] = struct{}{}
		events = append(events, ev)
	})
	if passAErr != nil {
		c.logger.Warn("flow pass A failed, relying on blocked-only pass",
			zap.Error(passAErr))
	}

	// Pass B: blocked-only, filtered server-side.
	passBErr := c.drainFlows(ctx, start, end, budget, true, func(ev model.ThreatEvent) {
		if _, dup := seen[ev.ID]; dup {
			return
		}
		seen[ev.ID] = struct{}{}
		events = append(events, ev)
	})
	if passBErr != nil && passAErr != nil {
		return nil, fmt.Errorf("both flow passes failed: %v; %v", passAErr, passBErr)
	}
	if passBErr != nil {
		c.logger.Warn("flow pass B failed", zap.Error(passBErr))
	}

	return events, nil
}

func (c *Collector) drainFlows(ctx context.Context, start, end time.Time, budget int, blockedOnly bool, emit func(model.ThreatEvent)) error {
	for page := 0; page < budget; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		p, err := c.api.FetchFlows(ctx, start, end, page, blockedOnly)
		if err != nil {
			return err
		}
		c.countPage("traffic_flows")

		for _, raw := range p.Records {
			ev, ok := normalizeFlow(raw)
			if !ok {
				c.countDrop("missing_id")
				continue
			}
			emit(ev)
		}

		if !p.More || len(p.Records) == 0 {
			break
		}
	}
	return nil
}

func (c *Collector) countEvents(source model.EventSource, n int) {
	if c.metrics == nil || n == 0 {
		return
	}
	c.metrics.EventsCollected.WithLabelValues(string(source)).Add(float64(n))
}

func (c *Collector) countPage(endpoint string) {
	if c.metrics == nil {
		return
	}
	c.metrics.PagesFetched.WithLabelValues(endpoint).Inc()
}

func (c *Collector) countDrop(reason string) {
	if c.metrics == nil {
		return
	}
	c.metrics.EventsDropped.WithLabelValues(reason).Inc()
}
