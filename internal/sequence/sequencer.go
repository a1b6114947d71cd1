// Package sequence builds per-source attack sequences from classified events
// and decides which sequences warrant an alert. Suppression state is
// explicit and threaded through by the scheduler so evaluation itself stays
// a pure function of its inputs.
package sequence

import (
	"sort"
	"time"

	"github.com/lvonguyen/netsentry/internal/model"
)

// AlertKind distinguishes the two alert paths.
type AlertKind string

const (
	// KindHighConfidence covers sequences whose final stage indicates the
	// attack progressed past attempts.
	KindHighConfidence AlertKind = "high_confidence"
	// KindEarlyStage covers multi-stage sequences still in early phases.
	KindEarlyStage AlertKind = "early_stage"
)

// Severity of a sequence alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Result is one alert-worthy sequence.
type Result struct {
	Sequence model.AttackSequence
	Kind     AlertKind
	Severity Severity

	// LowConfidence marks a two-stage sequence ending in Monitored:
	// likely routine administrative or scanning traffic, alerted anyway.
	LowConfidence bool
}

// highConfidenceTerminal are the final stages that qualify a multi-stage
// sequence for the high-confidence alert path.
var highConfidenceTerminal = map[model.KillChainStage]struct{}{
	model.StageActiveExploitation: {},
	model.StagePostExploitation:   {},
	model.StageMonitored:          {},
}

// Build turns per-source event groups into ordered stage sequences:
// distinct stages in order of first occurrence, repeats collapsed into
// counts.
func Build(bySource map[string][]model.ThreatEvent) []model.AttackSequence {
	sequences := make([]model.AttackSequence, 0, len(bySource))
	for sourceIP, evs := range bySource {
		if len(evs) == 0 {
			continue
		}
		evs = append([]model.ThreatEvent(nil), evs...)
		sort.Slice(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })

		seq := model.AttackSequence{
			SourceIP:   sourceIP,
			FirstSeen:  evs[0].Timestamp,
			LastSeen:   evs[len(evs)-1].Timestamp,
			EventCount: len(evs),
		}

		index := make(map[model.KillChainStage]int)
		for _, ev := range evs {
			if i, seen := index[ev.KillChainStage]; seen {
				seq.Stages[i].Count++
			} else {
				index[ev.KillChainStage] = len(seq.Stages)
				seq.Stages = append(seq.Stages, model.StageCount{Stage: ev.KillChainStage, Count: 1})
			}
			if seq.CountryCode == "" && ev.CountryCode != "" {
				seq.CountryCode = ev.CountryCode
			}
			if seq.ASNOrg == "" && ev.ASNOrg != "" {
				seq.ASNOrg = ev.ASNOrg
			}
		}

		sequences = append(sequences, seq)
	}

	sort.Slice(sequences, func(i, j int) bool { return sequences[i].SourceIP < sequences[j].SourceIP })
	return sequences
}

// Evaluate decides which sequences qualify for alerting, consulting and
// updating supp. A source produces at most one alert of each kind per
// suppression interval.
func Evaluate(sequences []model.AttackSequence, supp *Suppression, now time.Time) []Result {
	var results []Result

	for _, seq := range sequences {
		if len(seq.Stages) < 2 {
			continue
		}

		final := seq.FinalStage()
		if _, ok := highConfidenceTerminal[final]; ok {
			if !supp.Allow(KindHighConfidence, seq.SourceIP, now) {
				continue
			}
			sev := SeverityCritical
			if final == model.StageMonitored {
				sev = SeverityWarning
			}
			results = append(results, Result{
				Sequence:      seq,
				Kind:          KindHighConfidence,
				Severity:      sev,
				LowConfidence: len(seq.Stages) == 2 && final == model.StageMonitored,
			})
			continue
		}

		if !supp.Allow(KindEarlyStage, seq.SourceIP, now) {
			continue
		}
		results = append(results, Result{
			Sequence: seq,
			Kind:     KindEarlyStage,
			Severity: SeverityInfo,
		})
	}

	return results
}
