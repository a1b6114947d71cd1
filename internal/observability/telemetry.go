// Package observability provides logging and metrics for NetSentry.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures telemetry.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // json, console
}

// Metrics holds Prometheus metrics for the collection pipeline.
type Metrics struct {
	// Collection metrics
	EventsCollected *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	PagesFetched    *prometheus.CounterVec
	CyclesTotal     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram

	// Backfill metrics
	BackfillChunks    prometheus.Counter
	BackfillLag       prometheus.Gauge
	LastSyncTimestamp prometheus.Gauge

	// Analysis metrics
	PatternsDetected *prometheus.CounterVec
	StagesClassified *prometheus.CounterVec
	AlertsPublished  *prometheus.CounterVec

	// Maintenance metrics
	EventsPurged prometheus.Counter
}

// NewLogger initializes structured logging the same way across binaries.
func NewLogger(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config

	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch cfg.LogLevel {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zcfg.InitialFields = map[string]interface{}{
		"service": cfg.ServiceName,
		"version": cfg.ServiceVersion,
	}

	return zcfg.Build()
}

// NewMetrics registers and returns pipeline metrics.
func NewMetrics() *Metrics {
	namespace := "netsentry"

	return &Metrics{
		EventsCollected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_collected_total",
				Help:      "Total threat events collected by source",
			},
			[]string{"source"},
		),
		EventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Raw records dropped during normalization",
			},
			[]string{"reason"},
		),
		PagesFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "controller_pages_fetched_total",
				Help:      "Pages fetched from the upstream controller",
			},
			[]string{"endpoint"},
		),
		CyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collection_cycles_total",
				Help:      "Collection cycles run by outcome",
			},
			[]string{"outcome"},
		),
		CycleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collection_cycle_duration_seconds",
				Help:      "Collection cycle duration",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
		BackfillChunks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backfill_chunks_total",
				Help:      "Historical backfill chunks processed",
			},
		),
		BackfillLag: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backfill_lag_seconds",
				Help:      "Distance between the backfill cursor and the retention horizon (0 = complete)",
			},
		),
		LastSyncTimestamp: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_sync_timestamp_seconds",
				Help:      "Forward edge of the recent-window sweep",
			},
		),
		PatternsDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patterns_detected_total",
				Help:      "Threat patterns detected by type",
			},
			[]string{"type"},
		),
		StagesClassified: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_classified_total",
				Help:      "Events classified by kill-chain stage",
			},
			[]string{"stage"},
		),
		AlertsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_published_total",
				Help:      "Alerts published by type and severity",
			},
			[]string{"type", "severity"},
		),
		EventsPurged: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_purged_total",
				Help:      "Events removed by retention purge",
			},
		),
	}
}

// MetricsHandler returns the Prometheus metrics handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
