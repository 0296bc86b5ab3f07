package strategy

import "sync"

// StateMachine holds the hedge position. It only moves on fully completed
// paired operations; failed or compensated pairs leave it unchanged.
type StateMachine struct {
	mu    sync.Mutex
	state Position
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: PositionIdle}
}

func (s *StateMachine) State() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StateMachine) Apply(event Event) Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

// SetState is used by restore and position sync only.
func (s *StateMachine) SetState(pos Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos != PositionEntered {
		pos = PositionIdle
	}
	s.state = pos
}

func nextState(current Position, event Event) Position {
	switch current {
	case PositionIdle:
		if event == EventEntryCompleted {
			return PositionEntered
		}
	case PositionEntered:
		if event == EventExitCompleted {
			return PositionIdle
		}
	}
	return current
}
