package session

import (
	"errors"
	"fmt"
)

type State string

type Event string

const (
	StateCreated    State = "created"
	StateListening  State = "listening"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

const (
	EventStart   Event = "start"
	EventRestart Event = "restart"
	EventResume  Event = "resume"
	EventStop    Event = "stop"
	EventFail    Event = "fail"
)

// ErrTerminal is returned for any event applied to a stopped session.
var ErrTerminal = errors.New("session stopped")

func Transition(current State, event Event) (State, error) {
	if current == StateStopped {
		return StateStopped, ErrTerminal
	}
	if event == EventStop || event == EventFail {
		return StateStopped, nil
	}

	switch current {
	case StateCreated:
		switch event {
		case EventStart:
			return StateListening, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateListening:
		switch event {
		case EventRestart:
			return StateRestarting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateRestarting:
		switch event {
		case EventResume:
			return StateListening, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
