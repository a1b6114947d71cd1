package sequence

import (
	"sync"
	"time"
)

// Suppression tracks which source IPs have recently alerted. The interval
// rolls: an entry expires on its own schedule, not at process or cycle
// boundaries. High-confidence and early-stage alerts suppress independently.
// Safe for concurrent use: the scheduler mutates it while status handlers
// read it.
type Suppression struct {
	interval time.Duration

	mu    sync.Mutex
	until map[AlertKind]map[string]time.Time
}

// NewSuppression creates empty suppression state with the given rolling
// interval.
func NewSuppression(interval time.Duration) *Suppression {
	return &Suppression{
		interval: interval,
		until: map[AlertKind]map[string]time.Time{
			KindHighConfidence: {},
			KindEarlyStage:     {},
		},
	}
}

// Allow reports whether ip may alert for kind at now, and if so starts a new
// suppression window for it.
func (s *Suppression) Allow(kind AlertKind, ip string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.until[kind]
	if m == nil {
		m = make(map[string]time.Time)
		s.until[kind] = m
	}
	if until, ok := m[ip]; ok && now.Before(until) {
		return false
	}
	m[ip] = now.Add(s.interval)
	return true
}

// Prune drops expired entries so the maps do not grow without bound.
func (s *Suppression) Prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.until {
		for ip, until := range m {
			if !now.Before(until) {
				delete(m, ip)
			}
		}
	}
}

// Len returns the number of live suppression entries, for status reporting.
func (s *Suppression) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.until {
		n += len(m)
	}
	return n
}
