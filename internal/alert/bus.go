// Package alert publishes structured alert records to the message bus.
// Publishing is fire-and-forget: failures are logged by the caller and
// never propagate into the pipeline.
package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Alert is the record consumed by downstream notification services.
type Alert struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Publisher is the bus contract.
type Publisher interface {
	Publish(alert Alert) error
	Close()
}

// NATSPublisher implements Publisher on a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publishing alert to %s: %w", p.subject, err)
	}

	p.logger.Info("alert published",
		zap.String("alert_id", alert.ID),
		zap.String("type", alert.Type),
		zap.String("severity", alert.Severity),
		zap.String("source_ip", alert.SourceIP))
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	p.conn.Drain()
}
