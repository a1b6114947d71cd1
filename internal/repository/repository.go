// Package repository provides durable storage for threat events and
// patterns. Inserts deduplicate by the upstream event ID, so re-running a
// collection over an unchanged range is idempotent.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/lvonguyen/netsentry/internal/model"
)

// Common errors.
var (
	ErrPatternNotFound = errors.New("pattern not found")
)

// EventFilter narrows GetEvents queries. Zero values mean "no filter".
type EventFilter struct {
	SourceIP    string
	EventSource model.EventSource
	Stage       model.KillChainStage
	MinSeverity int
}

// Store is the persistence contract the pipeline depends on.
type Store interface {
	// SaveEvents upserts events by ID; repeated ingests of the same ID
	// collapse to one row.
	SaveEvents(ctx context.Context, events []model.ThreatEvent) error
	GetEvents(ctx context.Context, from, to time.Time, filter EventFilter, limit int) ([]model.ThreatEvent, error)

	SavePattern(ctx context.Context, pattern *model.ThreatPattern) error
	GetPatterns(ctx context.Context, from, to time.Time, limit int) ([]model.ThreatPattern, error)
	GetUnalertedPatterns(ctx context.Context) ([]model.ThreatPattern, error)
	MarkPatternAlerted(ctx context.Context, id string, at time.Time) error

	// GetAttackSequences returns events in [from, to) grouped per source
	// IP, ready for the sequencer. limit caps the number of events read.
	GetAttackSequences(ctx context.Context, from, to time.Time, limit int) (map[string][]model.ThreatEvent, error)

	// PurgeOlderThan removes events and patterns before cutoff and
	// returns how many events were deleted.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLStore implements Store on SQLite via GORM.
type SQLStore struct {
	db *gorm.DB
}

// Open opens (or creates) the store at path and migrates the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}

	if err := db.AutoMigrate(&model.ThreatEvent{}, &model.ThreatPattern{}); err != nil {
		return nil, fmt.Errorf("migrating event store: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// SaveEvents implements Store.
func (s *SQLStore) SaveEvents(ctx context.Context, events []model.ThreatEvent) error {
	if len(events) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		CreateInBatches(events, 200).Error
	if err != nil {
		return fmt.Errorf("saving %d events: %w", len(events), err)
	}
	return nil
}

// GetEvents implements Store.
func (s *SQLStore) GetEvents(ctx context.Context, from, to time.Time, filter EventFilter, limit int) ([]model.ThreatEvent, error) {
	q := s.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Order("timestamp ASC")

	if filter.SourceIP != "" {
		q = q.Where("source_ip = ?", filter.SourceIP)
	}
	if filter.EventSource != "" {
		q = q.Where("event_source = ?", filter.EventSource)
	}
	if filter.Stage != "" {
		q = q.Where("kill_chain_stage = ?", filter.Stage)
	}
	if filter.MinSeverity > 0 {
		q = q.Where("severity >= ?", filter.MinSeverity)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var events []model.ThreatEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	return events, nil
}

// SavePattern implements Store. Pattern IDs are stable across detection
// runs, so a re-detected pattern is ignored rather than duplicated; in
// particular its AlertedAt marker survives.
func (s *SQLStore) SavePattern(ctx context.Context, pattern *model.ThreatPattern) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(pattern).Error
	if err != nil {
		return fmt.Errorf("saving pattern %s: %w", pattern.ID, err)
	}
	return nil
}

// GetPatterns implements Store.
func (s *SQLStore) GetPatterns(ctx context.Context, from, to time.Time, limit int) ([]model.ThreatPattern, error) {
	q := s.db.WithContext(ctx).
		Where("detected_at >= ? AND detected_at < ?", from, to).
		Order("detected_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var patterns []model.ThreatPattern
	if err := q.Find(&patterns).Error; err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	return patterns, nil
}

// GetUnalertedPatterns implements Store.
func (s *SQLStore) GetUnalertedPatterns(ctx context.Context) ([]model.ThreatPattern, error) {
	var patterns []model.ThreatPattern
	err := s.db.WithContext(ctx).
		Where("alerted_at IS NULL").
		Order("detected_at ASC").
		Find(&patterns).Error
	if err != nil {
		return nil, fmt.Errorf("querying unalerted patterns: %w", err)
	}
	return patterns, nil
}

// MarkPatternAlerted implements Store.
func (s *SQLStore) MarkPatternAlerted(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&model.ThreatPattern{}).
		Where("id = ?", id).
		Update("alerted_at", at)
	if res.Error != nil {
		return fmt.Errorf("marking pattern %s alerted: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPatternNotFound
	}
	return nil
}

// GetAttackSequences implements Store.
func (s *SQLStore) GetAttackSequences(ctx context.Context, from, to time.Time, limit int) (map[string][]model.ThreatEvent, error) {
	q := s.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Where("source_ip <> ''").
		Order("source_ip ASC, timestamp ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var events []model.ThreatEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("querying sequence events: %w", err)
	}

	grouped := make(map[string][]model.ThreatEvent)
	for _, ev := range events {
		grouped[ev.SourceIP] = append(grouped[ev.SourceIP], ev)
	}
	return grouped, nil
}

// PurgeOlderThan implements Store.
func (s *SQLStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&model.ThreatEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging events: %w", res.Error)
	}

	if err := s.db.WithContext(ctx).
		Where("detected_at < ?", cutoff).
		Delete(&model.ThreatPattern{}).Error; err != nil {
		return res.RowsAffected, fmt.Errorf("purging patterns: %w", err)
	}

	return res.RowsAffected, nil
}
