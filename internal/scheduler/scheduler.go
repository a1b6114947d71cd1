// Package scheduler drives the collection pipeline: a single polling loop
// that sweeps the recent window forward, backfills history in bounded
// chunks, and runs analysis over the freshly stored events. The loop is
// crash-only per cycle: any failure is logged, state that was not
// committed is simply retried on the next tick.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/netsentry/internal/alert"
	"github.com/lvonguyen/netsentry/internal/collector"
	"github.com/lvonguyen/netsentry/internal/config"
	"github.com/lvonguyen/netsentry/internal/detect"
	"github.com/lvonguyen/netsentry/internal/enrich"
	"github.com/lvonguyen/netsentry/internal/observability"
	"github.com/lvonguyen/netsentry/internal/repository"
	"github.com/lvonguyen/netsentry/internal/sequence"
	"github.com/lvonguyen/netsentry/internal/settings"
)

const (
	// backfillDoneMarker is stored under the cursor key once backfill has
	// reached the retention horizon.
	backfillDoneMarker = "done"

	// maintenanceInterval throttles how often the enrichment database
	// freshness check runs.
	maintenanceInterval = 24 * time.Hour

	// geoMaxAge is how old the enrichment database may get before a
	// refresh is requested.
	geoMaxAge = 7 * 24 * time.Hour
)

// State is the scheduler's persistent position. It is loaded from the
// settings store at startup and committed at the end of every cycle.
type State struct {
	// LastSync is the end of the most recent Phase 1 sweep. Zero on
	// first run.
	LastSync time.Time

	// BackfillCursor is the exclusive upper bound of the next historical
	// chunk. Nil with BackfillDone false means backfill has not been
	// initialized yet.
	BackfillCursor *time.Time
	BackfillDone   bool

	LastMaintenanceCheck time.Time
	LastPurgeDate        string
}

// runtimeSettings are the operator-tunable values read from the settings
// store every cycle. The last successfully read values are kept so a
// store outage does not change behavior mid-flight.
type runtimeSettings struct {
	enabled       bool
	pollInterval  time.Duration
	retentionDays int
}

// Scheduler owns the collection loop and the analysis pipeline.
type Scheduler struct {
	collection config.CollectionConfig
	analysis   config.AnalysisConfig

	collector *collector.Collector
	repo      repository.Store
	settings  settings.Store
	enricher  enrich.Service
	bus       alert.Publisher
	detectors []detect.Detector

	logger  *zap.Logger
	metrics *observability.Metrics

	// trigger has capacity 1: a send while a request is already pending
	// coalesces into that request.
	trigger chan struct{}

	mu        sync.RWMutex
	state     State
	lastKnown runtimeSettings

	// resetPending survives a cycle that was already in flight when
	// ResetBackfill ran: the merge at the end of that cycle would
	// otherwise resurrect the cursor from its pre-reset snapshot.
	resetPending bool

	suppression *sequence.Suppression
}

// New assembles a scheduler. The enricher and bus may be nil when the
// corresponding features are disabled; metrics may be nil in tests.
func New(
	collection config.CollectionConfig,
	analysis config.AnalysisConfig,
	coll *collector.Collector,
	repo repository.Store,
	store settings.Store,
	enricher enrich.Service,
	bus alert.Publisher,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Scheduler {
	return &Scheduler{
		collection: collection,
		analysis:   analysis,
		collector:  coll,
		repo:       repo,
		settings:   store,
		enricher:   enricher,
		bus:        bus,
		detectors:  detect.All(),
		logger:     logger,
		metrics:    metrics,
		trigger:    make(chan struct{}, 1),
		lastKnown: runtimeSettings{
			enabled:       true,
			pollInterval:  collection.PollInterval,
			retentionDays: collection.RetentionDays,
		},
		suppression: sequence.NewSuppression(analysis.SuppressionInterval),
	}
}

// TriggerCollection requests an immediate cycle. Returns false when a
// request is already pending, in which case the pending cycle covers
// this request too.
func (s *Scheduler) TriggerCollection() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run executes cycles until ctx is canceled. One cycle runs immediately,
// then the loop waits for the poll interval or an explicit trigger.
func (s *Scheduler) Run(ctx context.Context) {
	s.loadState(ctx)

	for {
		s.runCycleSafe(ctx)

		s.mu.RLock()
		interval := s.lastKnown.pollInterval
		s.mu.RUnlock()
		if interval <= 0 {
			interval = s.collection.PollInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runCycleSafe isolates a cycle: a panic inside collection or analysis is
// recovered and logged, and the loop keeps its schedule.
func (s *Scheduler) runCycleSafe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("collection cycle panicked", zap.Any("panic", r))
			if s.metrics != nil {
				s.metrics.CyclesTotal.WithLabelValues("panic").Inc()
			}
		}
	}()

	started := time.Now()
	s.mu.Lock()
	st := s.state
	s.resetPending = false
	s.mu.Unlock()

	next, err := s.runCycle(ctx, st)

	s.mu.Lock()
	reset := s.resetPending
	if reset {
		next.BackfillCursor = nil
		next.BackfillDone = false
	}
	s.state = next
	s.mu.Unlock()

	// The cycle's persistState ran before the merge and may have written
	// the stale cursor back; clear it again.
	if reset {
		if derr := s.settings.Delete(ctx, settings.KeyBackfillCursor); derr != nil && !errors.Is(derr, settings.ErrNotFound) {
			s.logger.Warn("clearing backfill cursor failed", zap.Error(derr))
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("collection cycle failed", zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.CyclesTotal.WithLabelValues(outcome).Inc()
		s.metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}
}

// Status is a read-only snapshot for the HTTP status endpoint.
type Status struct {
	LastSync       time.Time  `json:"last_sync"`
	BackfillCursor *time.Time `json:"backfill_cursor,omitempty"`
	BackfillDone   bool       `json:"backfill_done"`
	Suppressed     int        `json:"suppressed_sources"`
}

// CurrentStatus reports the scheduler's position.
func (s *Scheduler) CurrentStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		LastSync:     s.state.LastSync,
		BackfillDone: s.state.BackfillDone,
		Suppressed:   s.suppression.Len(),
	}
	if s.state.BackfillCursor != nil {
		c := *s.state.BackfillCursor
		st.BackfillCursor = &c
	}
	return st
}

// ResetBackfill clears the backfill position so the next cycle starts
// backfilling again from the recent window. A cycle that is already in
// flight sees the reset applied when it commits.
func (s *Scheduler) ResetBackfill(ctx context.Context) error {
	s.mu.Lock()
	s.state.BackfillCursor = nil
	s.state.BackfillDone = false
	s.resetPending = true
	s.mu.Unlock()

	if err := s.settings.Delete(ctx, settings.KeyBackfillCursor); err != nil && !errors.Is(err, settings.ErrNotFound) {
		return err
	}
	return nil
}

// CollectRange runs a synchronous collection over [start, end). It
// classifies, enriches and stores the events but never touches sync
// cursors or runs analysis, so it is safe alongside the scheduled loop.
func (s *Scheduler) CollectRange(ctx context.Context, start, end time.Time) (int, error) {
	if !end.After(start) {
		return 0, errors.New("end must be after start")
	}
	events, err := s.collector.Collect(ctx, start, end, 0)
	if err != nil {
		return 0, err
	}
	if err := s.storeEvents(ctx, events); err != nil {
		return 0, err
	}
	return len(events), nil
}

// loadState restores cursors from the settings store. Missing keys mean
// first run; a store outage means starting from zero state, which the
// overlap and upsert semantics make safe.
func (s *Scheduler) loadState(ctx context.Context) {
	var st State

	if v, err := s.settings.Get(ctx, settings.KeyLastSync); err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			st.LastSync = t
		}
	} else if !errors.Is(err, settings.ErrNotFound) {
		s.logger.Warn("loading last sync failed", zap.Error(err))
	}

	if v, err := s.settings.Get(ctx, settings.KeyBackfillCursor); err == nil {
		if v == backfillDoneMarker {
			st.BackfillDone = true
		} else if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			st.BackfillCursor = &t
		}
	} else if !errors.Is(err, settings.ErrNotFound) {
		s.logger.Warn("loading backfill cursor failed", zap.Error(err))
	}

	if v, err := s.settings.Get(ctx, settings.KeyLastMaintenance); err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			st.LastMaintenanceCheck = t
		}
	}
	if v, err := s.settings.Get(ctx, settings.KeyLastPurgeDate); err == nil {
		st.LastPurgeDate = v
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// persistState commits cursors. Failures are logged: the worst case is
// re-collecting a window the upsert layer already absorbs.
func (s *Scheduler) persistState(ctx context.Context, st State) {
	set := func(key, value string) {
		if err := s.settings.Set(ctx, key, value); err != nil {
			s.logger.Warn("persisting scheduler state failed", zap.String("key", key), zap.Error(err))
		}
	}

	if !st.LastSync.IsZero() {
		set(settings.KeyLastSync, st.LastSync.Format(time.RFC3339Nano))
	}
	switch {
	case st.BackfillDone:
		set(settings.KeyBackfillCursor, backfillDoneMarker)
	case st.BackfillCursor != nil:
		set(settings.KeyBackfillCursor, st.BackfillCursor.Format(time.RFC3339Nano))
	}
	if !st.LastMaintenanceCheck.IsZero() {
		set(settings.KeyLastMaintenance, st.LastMaintenanceCheck.Format(time.RFC3339Nano))
	}
	if st.LastPurgeDate != "" {
		set(settings.KeyLastPurgeDate, st.LastPurgeDate)
	}

	if s.metrics != nil && !st.LastSync.IsZero() {
		s.metrics.LastSyncTimestamp.Set(float64(st.LastSync.Unix()))
	}
}

// loadSettings reads operator-tunable values, falling back to the last
// known good values when the store is unreachable.
func (s *Scheduler) loadSettings(ctx context.Context) runtimeSettings {
	s.mu.RLock()
	rs := s.lastKnown
	s.mu.RUnlock()

	if v, err := s.settings.Get(ctx, settings.KeyCollectionEnabled); err == nil {
		rs.enabled = v != "false"
	} else if !errors.Is(err, settings.ErrNotFound) {
		s.logger.Warn("reading collection settings failed", zap.Error(err))
		return rs
	}
	if v, err := s.settings.Get(ctx, settings.KeyPollInterval); err == nil {
		if d, perr := time.ParseDuration(v); perr == nil && d > 0 {
			rs.pollInterval = d
		}
	}
	if v, err := s.settings.Get(ctx, settings.KeyRetentionDays); err == nil {
		if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
			rs.retentionDays = n
		}
	}

	s.mu.Lock()
	s.lastKnown = rs
	s.mu.Unlock()
	return rs
}
