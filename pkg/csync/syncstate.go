package csync

import "sync"

// syncState is the process-wide (per-App) synchronization state: the latest
// known Value per concrete key, the VTS-to-key index, per-pattern RVTS
// checkpoints, and which patterns are currently driving an advance loop.
//
// It is owned exclusively by the scheduler; Transport never touches it
// directly, only through the delivery callback supplied at construction.
type syncState struct {
	mu sync.Mutex

	memoryDB         map[string]Value
	vtsIndex         map[int64]string
	rvtsDict         map[string]int64
	advanceScheduled map[string]bool
}

func newSyncState() *syncState {
	return &syncState{
		memoryDB:         make(map[string]Value),
		vtsIndex:         make(map[int64]string),
		rvtsDict:         make(map[string]int64),
		advanceScheduled: make(map[string]bool),
	}
}

// latest returns the cached Value for a concrete key, if any.
func (s *syncState) latest(key string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.memoryDB[key]
	return v, ok
}

// byVTS resolves a VTS to its concrete key via the global index.
func (s *syncState) byVTS(vts int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.vtsIndex[vts]
	return k, ok
}

// observe applies an inbound Value to memoryDB/vtsIndex under the
// monotonicity invariant: a Value is only accepted if its VTS is strictly
// greater than any value already stored for that key. Returns true if the
// Value was accepted (and should be delivered to matching listeners).
func (s *syncState) observe(v Value) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.memoryDB[v.Key]; ok && v.VTS <= existing.VTS {
		return false
	}
	s.memoryDB[v.Key] = v
	s.vtsIndex[v.VTS] = v.Key
	return true
}

// rvts returns the committed RVTS for a pattern's rvtsDict slot.
func (s *syncState) rvts(patternKey string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rvtsDict[rvtsKey(patternKey)]
}

// commitRVTS stores the new RVTS checkpoint for a pattern.
func (s *syncState) commitRVTS(patternKey string, rvts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rvtsDict[rvtsKey(patternKey)] = rvts
}

// rvtsSnapshot returns a copy of rvtsDict, used to build an Advance request
// without holding syncState's lock across the encode.
func (s *syncState) rvtsSnapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.rvtsDict))
	for k, v := range s.rvtsDict {
		out[k] = v
	}
	return out
}

// tryScheduleAdvance marks patternKey as driving an advance loop, returning
// true only if it was not already scheduled.
func (s *syncState) tryScheduleAdvance(patternKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rvtsKey(patternKey)
	if s.advanceScheduled[k] {
		return false
	}
	s.advanceScheduled[k] = true
	return true
}

// clearAdvanceScheduled un-marks patternKey, allowing a future listener to
// restart the advance loop.
func (s *syncState) clearAdvanceScheduled(patternKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.advanceScheduled, rvtsKey(patternKey))
}

// snapshotMatching returns every exists=true Value in memoryDB whose key
// matches pattern, used to prime a newly added listener.
func (s *syncState) snapshotMatching(m *matcher, pattern *Key) []Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Value
	for keyStr, v := range s.memoryDB {
		if !v.Exists {
			continue
		}
		if m.Matches(pattern, NewKey(keyStr)) {
			out = append(out, v)
		}
	}
	return out
}
