package killchain

import (
	"testing"

	"github.com/lvonguyen/netsentry/internal/model"
)

func ipsEvent(category, signature string, severity int, action model.Action) *model.ThreatEvent {
	return &model.ThreatEvent{
		EventSource:   model.SourceIPS,
		Category:      category,
		SignatureName: signature,
		Severity:      severity,
		Action:        action,
	}
}

func TestClassifyIPSKeywords(t *testing.T) {
	cases := []struct {
		name string
		ev   *model.ThreatEvent
		want model.KillChainStage
	}{
		{
			name: "malware category",
			ev:   ipsEvent("Malware Command and Control", "", 2, model.ActionDetected),
			want: model.StagePostExploitation,
		},
		{
			name: "botnet signature",
			ev:   ipsEvent("", "ET CNC Botnet checkin", 2, model.ActionBlocked),
			want: model.StagePostExploitation,
		},
		{
			name: "blocked exploit is attempted",
			ev:   ipsEvent("Exploit", "ET EXPLOIT Apache RCE", 3, model.ActionBlocked),
			want: model.StageAttemptedExploitation,
		},
		{
			name: "detected exploit is active",
			ev:   ipsEvent("Exploit", "SQL injection attempt", 3, model.ActionDetected),
			want: model.StageActiveExploitation,
		},
		{
			name: "cve reference counts as exploit",
			ev:   ipsEvent("", "ET WEB CVE-2021-44228 callback", 3, model.ActionDetected),
			want: model.StageActiveExploitation,
		},
		{
			name: "post-exploit outranks exploit keywords",
			ev:   ipsEvent("Malware", "exploit kit landing", 3, model.ActionDetected),
			want: model.StagePostExploitation,
		},
		{
			name: "scan keyword",
			ev:   ipsEvent("Attempted Information Leak", "ET SCAN Nmap probe", 2, model.ActionDetected),
			want: model.StageReconnaissance,
		},
		{
			name: "no keywords high severity detected",
			ev:   ipsEvent("Misc Attack", "unusual traffic", 4, model.ActionDetected),
			want: model.StageActiveExploitation,
		},
		{
			name: "no keywords high severity blocked",
			ev:   ipsEvent("Misc Attack", "unusual traffic", 5, model.ActionBlocked),
			want: model.StageAttemptedExploitation,
		},
		{
			name: "no keywords low severity",
			ev:   ipsEvent("Misc", "noise", 2, model.ActionDetected),
			want: model.StageReconnaissance,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.ev); got != tc.want {
				t.Errorf("Classify() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClassifyFlow(t *testing.T) {
	cases := []struct {
		name string
		ev   *model.ThreatEvent
		want model.KillChainStage
	}{
		{
			name: "outgoing high risk is post-exploitation",
			ev: &model.ThreatEvent{
				EventSource: model.SourceTrafficFlow,
				Direction:   model.DirectionOutgoing,
				RiskLevel:   model.RiskHigh,
			},
			want: model.StagePostExploitation,
		},
		{
			name: "incoming blocked on sensitive port",
			ev: &model.ThreatEvent{
				EventSource: model.SourceTrafficFlow,
				Direction:   model.DirectionIncoming,
				DestPort:    22,
				Action:      model.ActionBlocked,
			},
			want: model.StageAttemptedExploitation,
		},
		{
			name: "incoming detected on sensitive port",
			ev: &model.ThreatEvent{
				EventSource: model.SourceTrafficFlow,
				Direction:   model.DirectionIncoming,
				DestPort:    3389,
				Action:      model.ActionDetected,
			},
			want: model.StageActiveExploitation,
		},
		{
			name: "incoming blocked on ordinary port",
			ev: &model.ThreatEvent{
				EventSource: model.SourceTrafficFlow,
				Direction:   model.DirectionIncoming,
				DestPort:    443,
				Action:      model.ActionBlocked,
			},
			want: model.StageReconnaissance,
		},
		{
			name: "high severity detected overrides risk label",
			ev: &model.ThreatEvent{
				EventSource: model.SourceTrafficFlow,
				Direction:   model.DirectionOutgoing,
				RiskLevel:   model.RiskMedium,
				Severity:    4,
				Action:      model.ActionDetected,
			},
			want: model.StageActiveExploitation,
		},
		{
			name: "outgoing without strong signal is monitored",
			ev: &model.ThreatEvent{
				EventSource: model.SourceTrafficFlow,
				Direction:   model.DirectionOutgoing,
				RiskLevel:   model.RiskMedium,
				Severity:    3,
				Action:      model.ActionDetected,
			},
			want: model.StageMonitored,
		},
		{
			name: "incoming detected ordinary port low severity",
			ev: &model.ThreatEvent{
				EventSource: model.SourceTrafficFlow,
				Direction:   model.DirectionIncoming,
				DestPort:    8000,
				Severity:    2,
				Action:      model.ActionDetected,
			},
			want: model.StageReconnaissance,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.ev); got != tc.want {
				t.Errorf("Classify() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStageOrdering(t *testing.T) {
	order := []model.KillChainStage{
		model.StageReconnaissance,
		model.StageAttemptedExploitation,
		model.StageActiveExploitation,
		model.StagePostExploitation,
	}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%q should rank below %q", order[i-1], order[i])
		}
	}
}

func TestClassifyC2MatchesWholeWordOnly(t *testing.T) {
	cases := []struct {
		name string
		ev   *model.ThreatEvent
		want model.KillChainStage
	}{
		{
			name: "c2 beacon",
			ev:   ipsEvent("", "outbound C2 beacon", 2, model.ActionDetected),
			want: model.StagePostExploitation,
		},
		{
			name: "ec2 is not c2",
			ev:   ipsEvent("", "AWS EC2 metadata discovery", 2, model.ActionDetected),
			want: model.StageReconnaissance,
		},
		{
			name: "rfc2616 is not c2",
			ev:   ipsEvent("Policy", "RFC2616 header violation", 2, model.ActionDetected),
			want: model.StageReconnaissance,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.ev); got != tc.want {
				t.Errorf("Classify() = %q, want %q", got, tc.want)
			}
		})
	}
}
