package workqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy is responsible for tracking running tasks and determining
// if a new task of a given kind can start based on the current state.
type ConcurrencyStrategy interface {
	// CanStart returns true if a task of this kind can start given current state
	CanStart(kind Kind) bool
	// OnStart is called when a task of this kind starts
	OnStart(kind Kind)
	// OnComplete is called when a task of this kind completes
	OnComplete(kind Kind)
}

// ============================================================================
// LimitedStrategy - per-kind limits, unlisted kinds unlimited
// ============================================================================

// LimitedStrategy allows up to limits[kind] tasks of each kind to run in
// parallel. Kinds without a positive limit are not throttled.
type LimitedStrategy struct {
	mu      sync.Mutex
	limits  map[Kind]int
	running map[Kind]int
}

// NewLimitedStrategy creates a strategy with the given per-kind limits.
func NewLimitedStrategy(limits map[Kind]int) *LimitedStrategy {
	copied := make(map[Kind]int, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	return &LimitedStrategy{
		limits:  copied,
		running: make(map[Kind]int),
	}
}

func (s *LimitedStrategy) CanStart(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.limits[kind]
	return limit <= 0 || s.running[kind] < limit
}

func (s *LimitedStrategy) OnStart(kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[kind]++
}

func (s *LimitedStrategy) OnComplete(kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[kind] > 0 {
		s.running[kind]--
	}
}

