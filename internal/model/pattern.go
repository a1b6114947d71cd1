package model

import "time"

// PatternType identifies which detector produced a pattern.
type PatternType string

const (
	PatternBruteForce PatternType = "brute_force"
	PatternDDoS       PatternType = "ddos"
	PatternScanSweep  PatternType = "scan_sweep"
)

// ThreatPattern is a multi-event pattern detected over a window of recent
// events. AlertedAt is set once an alert has been published for the pattern
// and is the alert-dedup marker; nothing else mutates after creation.
type ThreatPattern struct {
	ID          string      `json:"id" gorm:"primaryKey"`
	PatternType PatternType `json:"pattern_type" gorm:"index"`

	// SourceIPs is ordered, first element is the primary offender.
	SourceIPs   []string   `json:"source_ips" gorm:"serializer:json"`
	TargetPort  *int       `json:"target_port,omitempty"`
	EventCount  int        `json:"event_count"`
	Confidence  float64    `json:"confidence"`
	Description string     `json:"description"`
	DetectedAt  time.Time  `json:"detected_at" gorm:"index"`
	AlertedAt   *time.Time `json:"alerted_at,omitempty"`
}

// PrimarySource returns the primary offending IP, or "" for an empty list.
func (p *ThreatPattern) PrimarySource() string {
	if len(p.SourceIPs) == 0 {
		return ""
	}
	return p.SourceIPs[0]
}

// StageCount is one step of an attack sequence: a distinct kill-chain stage
// and how many events reached it.
type StageCount struct {
	Stage KillChainStage `json:"stage"`
	Count int            `json:"count"`
}

// AttackSequence is the per-source-IP ordered set of distinct kill-chain
// stages observed within a lookback window. Derived every cycle, never
// persisted.
type AttackSequence struct {
	SourceIP    string       `json:"source_ip"`
	Stages      []StageCount `json:"stages"`
	FirstSeen   time.Time    `json:"first_seen"`
	LastSeen    time.Time    `json:"last_seen"`
	EventCount  int          `json:"event_count"`
	CountryCode string       `json:"country_code,omitempty"`
	ASNOrg      string       `json:"asn_org,omitempty"`
}

// FinalStage returns the last distinct stage reached, or "" for an empty
// sequence.
func (a *AttackSequence) FinalStage() KillChainStage {
	if len(a.Stages) == 0 {
		return ""
	}
	return a.Stages[len(a.Stages)-1].Stage
}
