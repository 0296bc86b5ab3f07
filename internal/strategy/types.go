package strategy

import (
	"errors"
	"fmt"
	"math"
)

type Position string

type Action string

type Event string

const (
	PositionIdle    Position = "IDLE"
	PositionEntered Position = "ENTERED"
)

const (
	ActionNone  Action = "NONE"
	ActionEntry Action = "ENTRY"
	ActionExit  Action = "EXIT"
)

const (
	EventEntryCompleted Event = "ENTRY_COMPLETED"
	EventExitCompleted  Event = "EXIT_COMPLETED"
)

var ErrThresholdOrder = errors.New("entry threshold must be greater than exit threshold")

// Thresholds are premium percentages.
type Thresholds struct {
	Entry float64 `json:"entry"`
	Exit  float64 `json:"exit"`
}

func (t Thresholds) Validate() error {
	if math.IsNaN(t.Entry) || math.IsInf(t.Entry, 0) || math.IsNaN(t.Exit) || math.IsInf(t.Exit, 0) {
		return errors.New("thresholds must be finite")
	}
	if t.Entry <= t.Exit {
		return fmt.Errorf("entry %.4f <= exit %.4f: %w", t.Entry, t.Exit, ErrThresholdOrder)
	}
	return nil
}

// Decide maps the current position and premium to the next action.
// Ties favour acting: premium == entry enters, premium == exit exits.
func Decide(pos Position, premium float64, th Thresholds) Action {
	if math.IsNaN(premium) {
		return ActionNone
	}
	switch pos {
	case PositionIdle:
		if premium >= th.Entry {
			return ActionEntry
		}
	case PositionEntered:
		if premium <= th.Exit {
			return ActionExit
		}
	}
	return ActionNone
}
