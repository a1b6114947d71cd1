package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/netsentry/internal/alert"
	"github.com/lvonguyen/netsentry/internal/killchain"
	"github.com/lvonguyen/netsentry/internal/model"
	"github.com/lvonguyen/netsentry/internal/repository"
	"github.com/lvonguyen/netsentry/internal/sequence"
)

// runCycle is one full pass: recent sweep, bounded backfill, analysis and
// maintenance. It returns the updated state; whatever it managed to
// commit stays committed even when a later step fails.
func (s *Scheduler) runCycle(ctx context.Context, st State) (State, error) {
	rs := s.loadSettings(ctx)
	if !rs.enabled {
		s.logger.Debug("collection disabled, skipping cycle")
		return st, nil
	}

	now := time.Now().UTC()

	st, err := s.sweepRecent(ctx, st, now)
	if err != nil {
		s.persistState(ctx, st)
		return st, err
	}

	st = s.backfill(ctx, st, now, rs.retentionDays)
	st = s.maintain(ctx, st, now, rs.retentionDays)

	s.suppression.Prune(now)
	s.persistState(ctx, st)
	return st, nil
}

// sweepRecent covers [lastSync−overlap, now), bounded below by the recent
// window. lastSync advances even when zero events came back: absence of
// events is a valid observation, and the overlap absorbs records the
// controller indexed late.
func (s *Scheduler) sweepRecent(ctx context.Context, st State, now time.Time) (State, error) {
	start := now.Add(-s.collection.RecentWindow)
	if !st.LastSync.IsZero() {
		if candidate := st.LastSync.Add(-s.collection.SyncOverlap); candidate.After(start) {
			start = candidate
		}
	}

	events, err := s.collector.Collect(ctx, start, now, 0)
	if err != nil {
		return st, fmt.Errorf("recent sweep: %w", err)
	}
	if err := s.storeEvents(ctx, events); err != nil {
		return st, fmt.Errorf("recent sweep: %w", err)
	}

	st.LastSync = now
	if st.BackfillCursor == nil && !st.BackfillDone {
		// First run: history older than the recent window is owed.
		cursor := start
		st.BackfillCursor = &cursor
	}

	s.runAnalysis(ctx, now)
	return st, nil
}

// backfill walks the cursor backward in fixed chunks toward the retention
// horizon. A chunk and its cursor advance commit together, so a failed
// chunk is retried whole next cycle. Empty chunks accelerate: up to
// BackfillMaxChunks are consumed in one cycle when history is sparse.
func (s *Scheduler) backfill(ctx context.Context, st State, now time.Time, retentionDays int) State {
	if st.BackfillDone || st.BackfillCursor == nil {
		return st
	}

	horizon := now.AddDate(0, 0, -retentionDays)

	for chunks := 0; chunks < s.collection.BackfillMaxChunks; chunks++ {
		if ctx.Err() != nil {
			break
		}
		cursor := *st.BackfillCursor
		if !cursor.After(horizon) {
			st.BackfillCursor = nil
			st.BackfillDone = true
			s.logger.Info("backfill complete", zap.Time("horizon", horizon))
			break
		}

		chunkStart := cursor.Add(-s.collection.BackfillChunk)
		if chunkStart.Before(horizon) {
			chunkStart = horizon
		}

		events, err := s.collector.Collect(ctx, chunkStart, cursor, s.collection.BackfillPageBudget)
		if err != nil {
			s.logger.Warn("backfill chunk failed",
				zap.Time("from", chunkStart), zap.Time("to", cursor), zap.Error(err))
			break
		}
		if err := s.storeEvents(ctx, events); err != nil {
			s.logger.Warn("backfill chunk not stored",
				zap.Time("from", chunkStart), zap.Time("to", cursor), zap.Error(err))
			break
		}

		st.BackfillCursor = &chunkStart
		if s.metrics != nil {
			s.metrics.BackfillChunks.Inc()
			s.metrics.BackfillLag.Set(chunkStart.Sub(horizon).Seconds())
		}

		if len(events) > 0 {
			// Dense history: one chunk per cycle keeps the controller
			// load bounded.
			break
		}
	}

	if st.BackfillDone && s.metrics != nil {
		s.metrics.BackfillLag.Set(0)
	}
	return st
}

// storeEvents classifies, enriches and persists a batch. Enrichment
// failure is logged and swallowed; a save failure is the caller's problem.
func (s *Scheduler) storeEvents(ctx context.Context, events []model.ThreatEvent) error {
	if len(events) == 0 {
		return nil
	}

	for i := range events {
		events[i].KillChainStage = killchain.Classify(&events[i])
		if s.metrics != nil {
			s.metrics.StagesClassified.WithLabelValues(string(events[i].KillChainStage)).Inc()
		}
	}

	if s.enricher != nil && s.enricher.Available() {
		if err := s.enricher.EnrichEvents(ctx, events); err != nil {
			s.logger.Warn("enrichment failed", zap.Error(err))
		}
	}

	if err := s.repo.SaveEvents(ctx, events); err != nil {
		return fmt.Errorf("saving events: %w", err)
	}
	return nil
}

// runAnalysis runs pattern detection and sequencing over the lookback
// window and publishes what they find. Every failure here is logged and
// swallowed: analysis must never take down collection.
func (s *Scheduler) runAnalysis(ctx context.Context, now time.Time) {
	from := now.Add(-s.analysis.Lookback)

	events, err := s.repo.GetEvents(ctx, from, now, repository.EventFilter{}, analysisEventCap)
	if err != nil {
		s.logger.Warn("loading events for analysis failed", zap.Error(err))
		return
	}

	for _, det := range s.detectors {
		for _, pattern := range det.Detect(events, now) {
			p := pattern
			if err := s.repo.SavePattern(ctx, &p); err != nil {
				s.logger.Warn("saving pattern failed",
					zap.String("type", string(p.PatternType)), zap.Error(err))
				continue
			}
			if s.metrics != nil {
				s.metrics.PatternsDetected.WithLabelValues(string(p.PatternType)).Inc()
			}
		}
	}

	s.publishPatternAlerts(ctx, now)
	s.publishSequenceAlerts(ctx, from, now)
}

// analysisEventCap bounds how many events one analysis pass reads.
const analysisEventCap = 50000

// publishPatternAlerts drains unalerted patterns to the bus. A pattern is
// marked alerted only after a successful publish, so a bus outage retries
// next cycle instead of losing the alert.
func (s *Scheduler) publishPatternAlerts(ctx context.Context, now time.Time) {
	if s.bus == nil {
		return
	}

	patterns, err := s.repo.GetUnalertedPatterns(ctx)
	if err != nil {
		s.logger.Warn("loading unalerted patterns failed", zap.Error(err))
		return
	}

	for _, p := range patterns {
		a := patternAlert(&p, now)
		if err := s.bus.Publish(a); err != nil {
			s.logger.Warn("publishing pattern alert failed",
				zap.String("pattern_id", p.ID), zap.Error(err))
			continue
		}
		if err := s.repo.MarkPatternAlerted(ctx, p.ID, now); err != nil {
			s.logger.Warn("marking pattern alerted failed",
				zap.String("pattern_id", p.ID), zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.AlertsPublished.WithLabelValues(a.Type, a.Severity).Inc()
		}
	}
}

// publishSequenceAlerts evaluates per-source attack progressions. The
// suppression table lives in memory: a restart may re-alert a source once,
// which beats missing an active progression.
func (s *Scheduler) publishSequenceAlerts(ctx context.Context, from, now time.Time) {
	if s.bus == nil {
		return
	}

	grouped, err := s.repo.GetAttackSequences(ctx, from, now, analysisEventCap)
	if err != nil {
		s.logger.Warn("loading attack sequences failed", zap.Error(err))
		return
	}

	results := sequence.Evaluate(sequence.Build(grouped), s.suppression, now)
	for _, res := range results {
		a := sequenceAlert(res, now)
		if err := s.bus.Publish(a); err != nil {
			s.logger.Warn("publishing sequence alert failed",
				zap.String("source_ip", res.Sequence.SourceIP), zap.Error(err))
			continue
		}
		if s.metrics != nil {
			s.metrics.AlertsPublished.WithLabelValues(a.Type, a.Severity).Inc()
		}
	}
}

// maintain runs the daily housekeeping: enrichment database freshness and
// the retention purge. Both are throttled through persisted state so a
// frequent poll interval does not hammer them.
func (s *Scheduler) maintain(ctx context.Context, st State, now time.Time, retentionDays int) State {
	if now.Sub(st.LastMaintenanceCheck) >= maintenanceInterval {
		st.LastMaintenanceCheck = now
		if s.enricher != nil && s.enricher.Available() {
			info, err := s.enricher.DatabaseInfo(ctx)
			switch {
			case err != nil:
				s.logger.Warn("enrichment database check failed", zap.Error(err))
			case info.Stale(now, geoMaxAge):
				s.logger.Info("enrichment database stale, requesting refresh",
					zap.Time("updated_at", info.UpdatedAt))
				if err := s.enricher.Refresh(ctx); err != nil {
					s.logger.Warn("enrichment refresh failed", zap.Error(err))
				}
			}
		}
	}

	today := now.Format("2006-01-02")
	if now.Hour() == s.collection.PurgeHour && st.LastPurgeDate != today {
		cutoff := now.AddDate(0, 0, -retentionDays)
		deleted, err := s.repo.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Warn("retention purge failed", zap.Error(err))
		} else {
			st.LastPurgeDate = today
			s.logger.Info("retention purge complete",
				zap.Int64("deleted", deleted), zap.Time("cutoff", cutoff))
			if s.metrics != nil {
				s.metrics.EventsPurged.Add(float64(deleted))
			}
		}
	}

	return st
}

// patternAlert renders a detected pattern for the bus.
func patternAlert(p *model.ThreatPattern, now time.Time) alert.Alert {
	severity := "warning"
	if p.Confidence >= 0.8 {
		severity = "critical"
	}

	a := alert.Alert{
		Type:     "pattern." + string(p.PatternType),
		Severity: severity,
		Title:    patternTitle(p),
		Message:  p.Description,
		SourceIP: p.PrimarySource(),
		Context: map[string]any{
			"pattern_id":  p.ID,
			"event_count": p.EventCount,
			"confidence":  p.Confidence,
			"source_ips":  p.SourceIPs,
		},
		CreatedAt: now,
	}
	if p.TargetPort != nil {
		a.Context["target_port"] = *p.TargetPort
	}
	return a
}

func patternTitle(p *model.ThreatPattern) string {
	switch p.PatternType {
	case model.PatternBruteForce:
		return fmt.Sprintf("Brute-force activity from %s", p.PrimarySource())
	case model.PatternDDoS:
		return fmt.Sprintf("Possible DDoS against port %d", derefPort(p.TargetPort))
	case model.PatternScanSweep:
		return fmt.Sprintf("Port scan sweep from %s", p.PrimarySource())
	default:
		return fmt.Sprintf("Threat pattern %s", p.PatternType)
	}
}

func derefPort(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// sequenceAlert renders an attack progression for the bus.
func sequenceAlert(res sequence.Result, now time.Time) alert.Alert {
	seq := res.Sequence

	stages := make([]string, len(seq.Stages))
	for i, sc := range seq.Stages {
		stages[i] = fmt.Sprintf("%s (%d)", sc.Stage, sc.Count)
	}

	title := fmt.Sprintf("Attack progression from %s", seq.SourceIP)
	if res.Kind == sequence.KindEarlyStage {
		title = fmt.Sprintf("Early-stage attack activity from %s", seq.SourceIP)
	}

	a := alert.Alert{
		Type:     "sequence." + string(res.Kind),
		Severity: string(res.Severity),
		Title:    title,
		Message: fmt.Sprintf("%d events progressed through %s between %s and %s",
			seq.EventCount,
			strings.Join(stages, " -> "),
			seq.FirstSeen.Format(time.RFC3339),
			seq.LastSeen.Format(time.RFC3339)),
		SourceIP: seq.SourceIP,
		Context: map[string]any{
			"stages":         stages,
			"event_count":    seq.EventCount,
			"first_seen":     seq.FirstSeen,
			"last_seen":      seq.LastSeen,
			"low_confidence": res.LowConfidence,
		},
		CreatedAt: now,
	}
	if seq.CountryCode != "" {
		a.Context["country_code"] = seq.CountryCode
	}
	if seq.ASNOrg != "" {
		a.Context["asn_org"] = seq.ASNOrg
	}
	return a
}
