package logger

import (
	"strconv"
	"strings"
	"sync"
)

// eventSampler lets num out of every den occurrences of each event through.
// Counters are kept per event so a noisy event does not starve a rare one.
type eventSampler struct {
	mu       sync.Mutex
	num, den int
	seen     map[string]int
}

func newEventSampler(num, den int) *eventSampler {
	s := &eventSampler{}
	s.Set(num, den)
	return s
}

// Set changes the ratio and resets the counters. A non-positive num or den
// disables sampling.
func (s *eventSampler) Set(num, den int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if num <= 0 || den <= 0 {
		num, den = 0, 0
	}
	s.num, s.den = min(num, den), den
	s.seen = make(map[string]int)
}

func (s *eventSampler) Allow(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.den == 0 {
		return true
	}
	n := s.seen[event] % s.den
	s.seen[event] = n + 1
	return n < s.num
}

// parseRatio reads "n/d" or "d" (meaning 1/d). Anything unparsable or
// non-positive yields 0, 0.
func parseRatio(spec string) (int, int) {
	spec = strings.TrimSpace(spec)
	numStr, denStr, ok := strings.Cut(spec, "/")
	if !ok {
		numStr, denStr = "1", spec
	}
	num, err1 := strconv.Atoi(strings.TrimSpace(numStr))
	den, err2 := strconv.Atoi(strings.TrimSpace(denStr))
	if err1 != nil || err2 != nil || num <= 0 || den <= 0 {
		return 0, 0
	}
	return num, den
}
