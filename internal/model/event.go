// Package model defines the canonical types shared across the NetSentry
// analytics pipeline: normalized threat events, detected patterns, and
// derived attack sequences.
package model

import "time"

// Action describes what the upstream controller did with the traffic.
type Action string

const (
	ActionBlocked  Action = "blocked"
	ActionDetected Action = "detected"
)

// EventSource identifies which upstream API produced an event.
type EventSource string

const (
	SourceIPS         EventSource = "ips"
	SourceTrafficFlow EventSource = "traffic_flow"
)

// FlowDirection is only meaningful for flow-sourced events.
type FlowDirection string

const (
	DirectionIncoming FlowDirection = "incoming"
	DirectionOutgoing FlowDirection = "outgoing"
)

// RiskLevel is the upstream risk label on flow records.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// KillChainStage places an event in the attack lifecycle.
type KillChainStage string

const (
	StageReconnaissance        KillChainStage = "reconnaissance"
	StageAttemptedExploitation KillChainStage = "attempted_exploitation"
	StageActiveExploitation    KillChainStage = "active_exploitation"
	StagePostExploitation      KillChainStage = "post_exploitation"
	StageMonitored             KillChainStage = "monitored"
)

// stageRank orders stages by attack progression. Monitored sits outside the
// progression and ranks lowest.
var stageRank = map[KillChainStage]int{
	StageMonitored:             0,
	StageReconnaissance:        1,
	StageAttemptedExploitation: 2,
	StageActiveExploitation:    3,
	StagePostExploitation:      4,
}

// Rank returns the progression rank of a stage, 0 for unknown stages.
func (s KillChainStage) Rank() int {
	return stageRank[s]
}

// ThreatEvent is one normalized security-relevant network event. The upstream
// identifier is the dedup key: the repository collapses repeated ingests of
// the same ID into one row.
type ThreatEvent struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	Timestamp     time.Time `json:"timestamp" gorm:"index"`
	SourceIP      string    `json:"source_ip" gorm:"index"`
	SourcePort    int       `json:"source_port"`
	DestIP        string    `json:"dest_ip"`
	DestPort      int       `json:"dest_port"`
	Protocol      string    `json:"protocol"`
	SignatureID   int       `json:"signature_id"`
	SignatureName string    `json:"signature_name"`
	Category      string    `json:"category"`

	// Severity is on the internal 1-5 scale where 5 is most severe.
	Severity int    `json:"severity"`
	Action   Action `json:"action"`

	EventSource EventSource `json:"event_source"`

	// Flow-sourced events only.
	Direction FlowDirection `json:"direction,omitempty"`
	RiskLevel RiskLevel     `json:"risk_level,omitempty"`
	Service   string        `json:"service,omitempty"`

	// Assigned by the kill-chain classifier once per ingest cycle.
	KillChainStage KillChainStage `json:"kill_chain_stage"`

	// Supplied by enrichment; may be empty when enrichment is unavailable.
	CountryCode string `json:"country_code,omitempty"`
	ASNOrg      string `json:"asn_org,omitempty"`
}

// IsFlow reports whether the event came from the traffic-flow API.
func (e *ThreatEvent) IsFlow() bool {
	return e.EventSource == SourceTrafficFlow
}
