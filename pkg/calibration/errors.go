package calibration

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrInvalidTransition is wrapped by StateError.
	ErrInvalidTransition = errors.New("calibration: invalid state transition")

	// ErrInvalidGrid is returned for grids that cannot produce targets.
	ErrInvalidGrid = errors.New("calibration: invalid grid")

	// ErrNoTargets is returned when a session is created without targets.
	ErrNoTargets = errors.New("calibration: no targets")

	// ErrConnectionLost must be wrapped by drivers when the sensor link is
	// gone. It moves a session to Failed.
	ErrConnectionLost = errors.New("calibration: driver connection lost")

	// ErrRoundsExhausted is reported when MaxRounds redo rounds did not
	// produce an acceptable calibration.
	ErrRoundsExhausted = errors.New("calibration: retry rounds exhausted")

	// ErrNotCapturing is returned by drivers asked to end a capture that
	// never started.
	ErrNotCapturing = errors.New("calibration: no capture in progress")
)

// StateError reports an operation attempted in the wrong state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("calibration: %s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidTransition
}
