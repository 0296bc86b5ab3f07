// Package safety tracks consecutive order failures and trips a fail-closed
// breaker that blocks live orders until an operator resets it.
package safety

import (
	"errors"
	"sync"
	"time"
)

// ErrTripped is returned by Allow while safe mode is engaged.
var ErrTripped = errors.New("safety breaker tripped")

type Snapshot struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SafeMode            bool      `json:"safe_mode"`
	Threshold           int       `json:"threshold"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	LastFailure         string    `json:"last_failure,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastSuccess         string    `json:"last_success,omitempty"`
	TrippedAt           time.Time `json:"tripped_at,omitempty"`
	LastResetAt         time.Time `json:"last_reset_at,omitempty"`
	LastResetReason     string    `json:"last_reset_reason,omitempty"`
}

// Listener observes breaker transitions. Calls happen outside the lock.
type Listener interface {
	Tripped(snap Snapshot)
	Restored(snap Snapshot)
}

type State struct {
	mu       sync.Mutex
	snap     Snapshot
	now      func() time.Time
	listener Listener
}

func New(threshold int) *State {
	if threshold < 1 {
		threshold = 1
	}
	return &State{
		snap: Snapshot{Threshold: threshold},
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *State) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Allow gates an order before any network call. Dry-run orders and
// compensating orders (override) always pass.
func (s *State) Allow(dryRun, override bool) error {
	if dryRun || override {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.SafeMode {
		return ErrTripped
	}
	return nil
}

func (s *State) SafeMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.SafeMode
}

// RecordFailure counts a failed outcome and reports whether this call
// tripped the breaker.
func (s *State) RecordFailure(msg string) bool {
	s.mu.Lock()
	s.snap.ConsecutiveFailures++
	s.snap.LastFailureAt = s.now()
	s.snap.LastFailure = msg
	tripped := false
	if !s.snap.SafeMode && s.snap.ConsecutiveFailures >= s.snap.Threshold {
		s.snap.SafeMode = true
		s.snap.TrippedAt = s.snap.LastFailureAt
		tripped = true
	}
	snap := s.snap
	listener := s.listener
	s.mu.Unlock()
	if tripped && listener != nil {
		listener.Tripped(snap)
	}
	return tripped
}

// RecordSuccess resets the failure streak. Only completed live orders
// qualify; the caller is responsible for not reporting dry runs. While
// tripped the streak is kept so safe mode only clears through Reset.
func (s *State) RecordSuccess(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snap.SafeMode {
		s.snap.ConsecutiveFailures = 0
	}
	s.snap.LastSuccessAt = s.now()
	s.snap.LastSuccess = msg
}

// Reset clears the counter and safe mode, recording the reason for audit.
func (s *State) Reset(reason string) Snapshot {
	s.mu.Lock()
	wasTripped := s.snap.SafeMode
	s.snap.ConsecutiveFailures = 0
	s.snap.SafeMode = false
	s.snap.TrippedAt = time.Time{}
	s.snap.LastResetAt = s.now()
	s.snap.LastResetReason = reason
	snap := s.snap
	listener := s.listener
	s.mu.Unlock()
	if wasTripped && listener != nil {
		listener.Restored(snap)
	}
	return snap
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
