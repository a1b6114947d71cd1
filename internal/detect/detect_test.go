package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/netsentry/internal/model"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func sshHits(source string, n int, spacing time.Duration) []model.ThreatEvent {
	events := make([]model.ThreatEvent, n)
	for i := range events {
		events[i] = model.ThreatEvent{
			ID:        fmt.Sprintf("%s-%d", source, i),
			Timestamp: base.Add(time.Duration(i) * spacing),
			SourceIP:  source,
			DestIP:    "10.0.0.5",
			DestPort:  22,
		}
	}
	return events
}

func TestBruteForceAtThreshold(t *testing.T) {
	// 20 hits in 10 minutes is exactly the threshold.
	events := sshHits("203.0.113.10", 20, 30*time.Second)

	patterns := BruteForceDetector{}.Detect(events, base.Add(time.Hour))
	require.Len(t, patterns, 1)

	p := patterns[0]
	assert.Equal(t, model.PatternBruteForce, p.PatternType)
	assert.Equal(t, []string{"203.0.113.10"}, p.SourceIPs)
	require.NotNil(t, p.TargetPort)
	assert.Equal(t, 22, *p.TargetPort)
	assert.Equal(t, 20, p.EventCount)
	assert.InDelta(t, 0.4, p.Confidence, 1e-9)
}

func TestBruteForceBelowThreshold(t *testing.T) {
	events := sshHits("203.0.113.10", 19, 30*time.Second)
	assert.Empty(t, BruteForceDetector{}.Detect(events, base.Add(time.Hour)))
}

func TestBruteForceSpreadOutsideWindow(t *testing.T) {
	// 20 hits spread over 19 minutes never fit one 10-minute window.
	events := sshHits("203.0.113.10", 20, time.Minute)
	assert.Empty(t, BruteForceDetector{}.Detect(events, base.Add(time.Hour)))
}

func TestBruteForceIgnoresNonServicePorts(t *testing.T) {
	events := sshHits("203.0.113.10", 25, time.Second)
	for i := range events {
		events[i].DestPort = 40000 + i
	}
	assert.Empty(t, BruteForceDetector{}.Detect(events, base.Add(time.Hour)))
}

func TestBruteForceConfidenceSaturates(t *testing.T) {
	events := sshHits("203.0.113.10", 80, time.Second)
	patterns := BruteForceDetector{}.Detect(events, base.Add(time.Hour))
	require.Len(t, patterns, 1)
	assert.Equal(t, 1.0, patterns[0].Confidence)
}

func TestBruteForceDeterministicID(t *testing.T) {
	events := sshHits("203.0.113.10", 20, 30*time.Second)
	first := BruteForceDetector{}.Detect(events, base.Add(time.Hour))
	second := BruteForceDetector{}.Detect(events, base.Add(2*time.Hour))
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID,
		"re-detecting the same activity must yield the same pattern ID")
}

func ddosHits(nSources, perSource int, spacing time.Duration) []model.ThreatEvent {
	var events []model.ThreatEvent
	for s := 0; s < nSources; s++ {
		for i := 0; i < perSource; i++ {
			events = append(events, model.ThreatEvent{
				ID:        fmt.Sprintf("d-%d-%d", s, i),
				Timestamp: base.Add(time.Duration(len(events)) * spacing),
				SourceIP:  fmt.Sprintf("198.51.100.%d", s+1),
				DestIP:    "10.0.0.80",
				DestPort:  443,
			})
		}
	}
	return events
}

func TestDDoSAtThresholds(t *testing.T) {
	// 100 events from 10 sources inside 5 minutes.
	events := ddosHits(10, 10, time.Second)

	patterns := DDoSDetector{}.Detect(events, base.Add(time.Hour))
	require.Len(t, patterns, 1)

	p := patterns[0]
	assert.Equal(t, model.PatternDDoS, p.PatternType)
	assert.Equal(t, 100, p.EventCount)
	assert.Len(t, p.SourceIPs, 10)
	assert.InDelta(t, 0.5, p.Confidence, 1e-9)
}

func TestDDoSTooFewSources(t *testing.T) {
	// Same volume from only 5 sources: volume alone is not a flood.
	events := ddosHits(5, 20, time.Second)
	assert.Empty(t, DDoSDetector{}.Detect(events, base.Add(time.Hour)))
}

func TestDDoSSpreadOutsideWindow(t *testing.T) {
	// 100 events over ~16 minutes never fit one 5-minute window.
	events := ddosHits(10, 10, 10*time.Second)
	assert.Empty(t, DDoSDetector{}.Detect(events, base.Add(time.Hour)))
}

func TestDDoSPrimarySourceRankedFirst(t *testing.T) {
	events := ddosHits(10, 10, time.Second)
	// Tip the balance: extra events from one source.
	for i := 0; i < 30; i++ {
		events = append(events, model.ThreatEvent{
			ID:        fmt.Sprintf("extra-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			SourceIP:  "198.51.100.7",
			DestIP:    "10.0.0.80",
			DestPort:  443,
		})
	}

	patterns := DDoSDetector{}.Detect(events, base.Add(time.Hour))
	require.Len(t, patterns, 1)
	assert.Equal(t, "198.51.100.7", patterns[0].SourceIPs[0])
}

func scanProbes(source string, ports []int, spacing time.Duration) []model.ThreatEvent {
	events := make([]model.ThreatEvent, len(ports))
	for i, port := range ports {
		events[i] = model.ThreatEvent{
			ID:             fmt.Sprintf("s-%d", i),
			Timestamp:      base.Add(time.Duration(i) * spacing),
			SourceIP:       source,
			DestPort:       port,
			KillChainStage: model.StageReconnaissance,
		}
	}
	return events
}

func TestScanSweepAtThreshold(t *testing.T) {
	events := scanProbes("192.0.2.5", []int{22, 23, 80, 443, 8080}, time.Minute)

	patterns := ScanSweepDetector{}.Detect(events, base.Add(time.Hour))
	require.Len(t, patterns, 1)

	p := patterns[0]
	assert.Equal(t, model.PatternScanSweep, p.PatternType)
	assert.Equal(t, []string{"192.0.2.5"}, p.SourceIPs)
	assert.Equal(t, 5, p.EventCount)
	assert.InDelta(t, 5.0/15.0, p.Confidence, 1e-9)
}

func TestScanSweepBelowThreshold(t *testing.T) {
	events := scanProbes("192.0.2.5", []int{22, 23, 80, 443}, time.Minute)
	assert.Empty(t, ScanSweepDetector{}.Detect(events, base.Add(time.Hour)))
}

func TestScanSweepRepeatPortsDoNotCount(t *testing.T) {
	// 15 probes of one port is persistence, not a sweep.
	ports := make([]int, 15)
	for i := range ports {
		ports[i] = 22
	}
	events := scanProbes("192.0.2.5", ports, time.Minute)
	assert.Empty(t, ScanSweepDetector{}.Detect(events, base.Add(time.Hour)))
}

func TestScanSweepIgnoresLaterStages(t *testing.T) {
	events := scanProbes("192.0.2.5", []int{22, 23, 80, 443, 8080}, time.Minute)
	for i := range events {
		events[i].KillChainStage = model.StageActiveExploitation
	}
	assert.Empty(t, ScanSweepDetector{}.Detect(events, base.Add(time.Hour)))
}

func TestScanSweepCountsMonitoredFlows(t *testing.T) {
	events := scanProbes("192.0.2.5", []int{22, 23, 80, 443, 8080}, time.Minute)
	for i := range events {
		events[i].KillChainStage = model.StageMonitored
	}
	patterns := ScanSweepDetector{}.Detect(events, base.Add(time.Hour))
	assert.Len(t, patterns, 1)
}

func TestFirstQualifyingWindowStopsAtFirstMatch(t *testing.T) {
	// Two qualifying bursts; the earlier one must win even though the
	// later one is larger.
	var stamps []time.Time
	for i := 0; i < 20; i++ {
		stamps = append(stamps, base.Add(time.Duration(i)*time.Second))
	}
	for i := 0; i < 40; i++ {
		stamps = append(stamps, base.Add(time.Hour).Add(time.Duration(i)*time.Second))
	}

	start, count := firstQualifyingWindow(stamps, 10*time.Minute, 20)
	assert.Equal(t, base, start)
	assert.Equal(t, 20, count)
}

func TestDetectorsAreRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, d := range All() {
		names[d.Name()] = true
	}
	assert.True(t, names["brute_force"])
	assert.True(t, names["ddos"])
	assert.True(t, names["scan_sweep"])
}
