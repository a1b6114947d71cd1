// Package detect implements the independent pattern detectors. Each detector
// is a pure function over a batch of recent events: group by key, slide a
// time window, threshold on count or diversity. Detection stops at the first
// qualifying window per key, so confidence reflects whatever count triggered
// the first match rather than the busiest window.
package detect

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/netsentry/internal/model"
)

// Operative thresholds. These are tested boundary conditions and must be
// exact.
const (
	bruteForceWindow     = 10 * time.Minute
	bruteForceThreshold  = 20
	bruteForceSaturation = 50.0

	ddosWindow          = 5 * time.Minute
	ddosEventThreshold  = 100
	ddosSourceThreshold = 10
	ddosSaturation      = 200.0

	scanWindow         = 6 * time.Hour
	scanPortThreshold  = 5
	scanPortSaturation = 15.0
)

// Detector analyzes a batch of recent events and emits zero or more
// patterns. Implementations are side-effect-free.
type Detector interface {
	Name() string
	Detect(events []model.ThreatEvent, now time.Time) []model.ThreatPattern
}

// All returns the full detector set.
func All() []Detector {
	return []Detector{
		BruteForceDetector{},
		DDoSDetector{},
		ScanSweepDetector{},
	}
}

// BruteForceDetector finds repeated hits from one source against one
// credentialed-service port.
type BruteForceDetector struct{}

func (BruteForceDetector) Name() string { return "brute_force" }

func (BruteForceDetector) Detect(events []model.ThreatEvent, now time.Time) []model.ThreatPattern {
	type key struct {
		sourceIP string
		destPort int
	}

	groups := make(map[key][]time.Time)
	for _, ev := range events {
		if ev.SourceIP == "" || !model.IsCredentialedServicePort(ev.DestPort) {
			continue
		}
		k := key{sourceIP: ev.SourceIP, destPort: ev.DestPort}
		groups[k] = append(groups[k], ev.Timestamp)
	}

	var patterns []model.ThreatPattern
	for k, stamps := range groups {
		windowStart, count := firstQualifyingWindow(stamps, bruteForceWindow, bruteForceThreshold)
		if count == 0 {
			continue
		}
		port := k.destPort
		patterns = append(patterns, model.ThreatPattern{
			ID:          patternID(model.PatternBruteForce, k.sourceIP, k.destPort, windowStart),
			PatternType: model.PatternBruteForce,
			SourceIPs:   []string{k.sourceIP},
			TargetPort:  &port,
			EventCount:  count,
			Confidence:  capConfidence(float64(count) / bruteForceSaturation),
			Description: fmt.Sprintf("%d authentication-service hits from %s against port %d within %s",
				count, k.sourceIP, k.destPort, bruteForceWindow),
			DetectedAt: now,
		})
	}

	sortPatterns(patterns)
	return patterns
}

// DDoSDetector finds high-volume, many-source floods against one target.
type DDoSDetector struct{}

func (DDoSDetector) Name() string { return "ddos" }

func (DDoSDetector) Detect(events []model.ThreatEvent, now time.Time) []model.ThreatPattern {
	type key struct {
		destIP   string
		destPort int
	}
	type hit struct {
		ts       time.Time
		sourceIP string
	}

	groups := make(map[key][]hit)
	for _, ev := range events {
		if ev.DestIP == "" {
			continue
		}
		k := key{destIP: ev.DestIP, destPort: ev.DestPort}
		groups[k] = append(groups[k], hit{ts: ev.Timestamp, sourceIP: ev.SourceIP})
	}

	var patterns []model.ThreatPattern
	for k, hits := range groups {
		sort.Slice(hits, func(i, j int) bool { return hits[i].ts.Before(hits[j].ts) })

		for i := 0; i < len(hits); i++ {
			j := i
			sources := make(map[string]int)
			for j < len(hits) && hits[j].ts.Sub(hits[i].ts) <= ddosWindow {
				sources[hits[j].sourceIP]++
				j++
			}
			count := j - i
			if count < ddosEventThreshold || len(sources) < ddosSourceThreshold {
				continue
			}

			port := k.destPort
			patterns = append(patterns, model.ThreatPattern{
				ID:          patternID(model.PatternDDoS, k.destIP, k.destPort, hits[i].ts),
				PatternType: model.PatternDDoS,
				SourceIPs:   rankSources(sources),
				TargetPort:  &port,
				EventCount:  count,
				Confidence:  capConfidence(float64(count) / ddosSaturation),
				Description: fmt.Sprintf("flood of %d events from %d sources against %s:%d within %s",
					count, len(sources), k.destIP, k.destPort, ddosWindow),
				DetectedAt: now,
			})
			break // first qualifying window per target
		}
	}

	sortPatterns(patterns)
	return patterns
}

// ScanSweepDetector finds one source probing many distinct ports. Only
// events already classified as reconnaissance-grade count; repeated hits on
// the same port do not grow distinctness.
type ScanSweepDetector struct{}

func (ScanSweepDetector) Name() string { return "scan_sweep" }

func (ScanSweepDetector) Detect(events []model.ThreatEvent, now time.Time) []model.ThreatPattern {
	type probe struct {
		ts   time.Time
		port int
	}

	groups := make(map[string][]probe)
	for _, ev := range events {
		if ev.SourceIP == "" {
			continue
		}
		if ev.KillChainStage != model.StageReconnaissance && ev.KillChainStage != model.StageMonitored {
			continue
		}
		groups[ev.SourceIP] = append(groups[ev.SourceIP], probe{ts: ev.Timestamp, port: ev.DestPort})
	}

	var patterns []model.ThreatPattern
	for sourceIP, probes := range groups {
		sort.Slice(probes, func(i, j int) bool { return probes[i].ts.Before(probes[j].ts) })

		for i := 0; i < len(probes); i++ {
			ports := make(map[int]struct{})
			events := 0
			for j := i; j < len(probes) && probes[j].ts.Sub(probes[i].ts) <= scanWindow; j++ {
				ports[probes[j].port] = struct{}{}
				events++
			}
			if len(ports) < scanPortThreshold {
				continue
			}

			patterns = append(patterns, model.ThreatPattern{
				ID:          patternID(model.PatternScanSweep, sourceIP, 0, probes[i].ts),
				PatternType: model.PatternScanSweep,
				SourceIPs:   []string{sourceIP},
				EventCount:  events,
				Confidence:  capConfidence(float64(len(ports)) / scanPortSaturation),
				Description: fmt.Sprintf("%s probed %d distinct ports within %s",
					sourceIP, len(ports), scanWindow),
				DetectedAt: now,
			})
			break // first qualifying window per source
		}
	}

	sortPatterns(patterns)
	return patterns
}

// patternID derives a stable ID from the pattern's identity and the start
// of its qualifying window, so re-detecting the same activity on the next
// cycle yields the same row instead of a duplicate.
func patternID(ptype model.PatternType, identity string, port int, windowStart time.Time) string {
	seed := fmt.Sprintf("%s|%s|%d|%d", ptype, identity, port, windowStart.Unix())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// firstQualifyingWindow slides a window over sorted timestamps and returns
// the event count of the first window meeting the threshold along with the
// window's start, count 0 if none does.
func firstQualifyingWindow(stamps []time.Time, window time.Duration, threshold int) (time.Time, int) {
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	for i := 0; i < len(stamps); i++ {
		j := i
		for j < len(stamps) && stamps[j].Sub(stamps[i]) <= window {
			j++
		}
		if count := j - i; count >= threshold {
			return stamps[i], count
		}
	}
	return time.Time{}, 0
}

// rankSources orders source IPs by descending event count so the primary
// offender comes first.
func rankSources(sources map[string]int) []string {
	ips := make([]string, 0, len(sources))
	for ip := range sources {
		ips = append(ips, ip)
	}
	sort.Slice(ips, func(i, j int) bool {
		if sources[ips[i]] != sources[ips[j]] {
			return sources[ips[i]] > sources[ips[j]]
		}
		return ips[i] < ips[j]
	})
	return ips
}

func capConfidence(c float64) float64 {
	if c > 1.0 {
		return 1.0
	}
	return c
}

// sortPatterns keeps detector output deterministic across map iteration.
func sortPatterns(patterns []model.ThreatPattern) {
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].PrimarySource() != patterns[j].PrimarySource() {
			return patterns[i].PrimarySource() < patterns[j].PrimarySource()
		}
		ti, tj := 0, 0
		if patterns[i].TargetPort != nil {
			ti = *patterns[i].TargetPort
		}
		if patterns[j].TargetPort != nil {
			tj = *patterns[j].TargetPort
		}
		return ti < tj
	})
}
