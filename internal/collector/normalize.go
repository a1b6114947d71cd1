// Package collector retrieves raw IPS and traffic-flow records from the
// upstream controller and normalizes them into canonical threat events.
package collector

import (
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/netsentry/internal/model"
)

// Field names differ between controller generations. Each accessor tries a
// primary name then falls back through the alternates; first hit wins.

func rawString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func rawInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				return i
			}
		}
	}
	return 0
}

func rawTime(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return fromEpoch(int64(t))
		case int64:
			return fromEpoch(t)
		case string:
			if ts, err := time.Parse(time.RFC3339, t); err == nil {
				return ts.UTC()
			}
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return fromEpoch(n)
			}
		}
	}
	return time.Time{}
}

// fromEpoch accepts both second and millisecond epochs; the v1 endpoint uses
// seconds, v2 uses milliseconds.
func fromEpoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// mapSeverity remaps the external severity scale (1 = worst) to the internal
// 1-5 scale (5 = worst). Unrecognized values land mid-scale.
func mapSeverity(external int) int {
	switch external {
	case 1:
		return 5
	case 2:
		return 4
	case 3:
		return 2
	case 4:
		return 1
	default:
		return 3
	}
}

// parseAction maps upstream action strings to the two-value internal enum.
// Detected is the default: an unrecognized value must not imply a false
// claim of protection.
func parseAction(s string) model.Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block", "blocked", "drop", "dropped", "reject":
		return model.ActionBlocked
	default:
		return model.ActionDetected
	}
}

func parseDirection(s string) model.FlowDirection {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in", "inbound", "incoming", "ingress":
		return model.DirectionIncoming
	default:
		return model.DirectionOutgoing
	}
}

func parseRiskLevel(s string) model.RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical":
		return model.RiskHigh
	case "medium", "moderate":
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// normalizeIPS converts a raw IPS alarm (either controller generation) to a
// ThreatEvent. Records without a usable identifier are dropped because they
// cannot be deduplicated downstream.
func normalizeIPS(raw map[string]any) (model.ThreatEvent, bool) {
	id := rawString(raw, "_id", "id", "alarm_id")
	if id == "" {
		return model.ThreatEvent{}, false
	}

	ev := model.ThreatEvent{
		ID:            id,
		Timestamp:     rawTime(raw, "timestamp", "time", "datetime"),
		SourceIP:      rawString(raw, "src_ip", "source_ip", "src"),
		SourcePort:    rawInt(raw, "src_port", "source_port"),
		DestIP:        rawString(raw, "dest_ip", "dst_ip", "dest"),
		DestPort:      rawInt(raw, "dest_port", "dst_port"),
		Protocol:      rawString(raw, "proto", "protocol"),
		SignatureID:   rawInt(raw, "signature_id", "inner_alert_signature_id"),
		SignatureName: rawString(raw, "signature", "inner_alert_signature"),
		Category:      rawString(raw, "catname", "inner_alert_category", "category"),
		Severity:      mapSeverity(rawInt(raw, "severity", "inner_alert_severity")),
		Action:        parseAction(rawString(raw, "action", "inner_alert_action")),
		EventSource:   model.SourceIPS,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, true
}

// normalizeFlow converts a raw traffic-flow record to a ThreatEvent. Flow
// records carry no IDS severity; when the field is absent severity derives
// from the risk label instead.
func normalizeFlow(raw map[string]any) (model.ThreatEvent, bool) {
	id := rawString(raw, "id", "flow_id", "_id")
	if id == "" {
		return model.ThreatEvent{}, false
	}

	risk := parseRiskLevel(rawString(raw, "risk", "risk_level"))

	severity := 0
	if rawInt(raw, "severity") != 0 {
		severity = mapSeverity(rawInt(raw, "severity"))
	} else {
		switch risk {
		case model.RiskHigh:
			severity = 4
		case model.RiskMedium:
			severity = 3
		default:
			severity = 2
		}
	}

	ev := model.ThreatEvent{
		ID:          id,
		Timestamp:   rawTime(raw, "timestamp", "time", "started_at"),
		SourceIP:    rawString(raw, "src_ip", "source_ip", "client_ip"),
		SourcePort:  rawInt(raw, "src_port", "source_port"),
		DestIP:      rawString(raw, "dest_ip", "dst_ip", "server_ip"),
		DestPort:    rawInt(raw, "dest_port", "dst_port", "server_port"),
		Protocol:    rawString(raw, "proto", "protocol"),
		Category:    rawString(raw, "category", "app_category"),
		Severity:    severity,
		Action:      parseAction(rawString(raw, "action", "verdict")),
		EventSource: model.SourceTrafficFlow,
		Direction:   parseDirection(rawString(raw, "direction")),
		RiskLevel:   risk,
		Service:     rawString(raw, "service", "app", "application"),
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, true
}

// interesting applies the client-side interest filter for pass-A flow
// collection: blocked, risk-labeled medium/high, or an incoming connection
// to a sensitive port.
func interesting(ev model.ThreatEvent) bool {
	if ev.Action == model.ActionBlocked {
		return true
	}
	if ev.RiskLevel == model.RiskMedium || ev.RiskLevel == model.RiskHigh {
		return true
	}
	return ev.Direction == model.DirectionIncoming && model.IsSensitivePort(ev.DestPort)
}
