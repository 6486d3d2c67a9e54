package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-attend/pkg/sample"
)

// Kind names a discrete event reported to the presentation layer.
type Kind string

const (
	EyesAppeared        Kind = "eyes_appeared"
	EyesDisappeared     Kind = "eyes_disappeared"
	HandAppeared        Kind = "hand_appeared"
	HandDisappeared     Kind = "hand_disappeared"
	NoHands             Kind = "no_hands"
	Grabbed             Kind = "grabbed"
	Released            Kind = "released"
	Pinched             Kind = "pinched"
	Unpinched           Kind = "unpinched"
	Moved               Kind = "moved"
	Fixated             Kind = "fixated"
	FixationInvalidated Kind = "fixation_invalidated"
	ReachingBounds      Kind = "reaching_bounds"
	CalibrationProgress Kind = "calibration_progress"
	CalibrationComplete Kind = "calibration_complete"
	Error               Kind = "error"
)

// Source identifies the modality that produced an event.
type Source string

const (
	SourceGaze        Source = "gaze"
	SourceGesture     Source = "gesture"
	SourceCalibration Source = "calibration"
)

// Event is the envelope broadcast to the presentation layer and recorded to
// the trial log. Only the fields relevant to Kind are set.
type Event struct {
	ID      uuid.UUID     `json:"id"`
	Kind    Kind          `json:"kind"`
	Time    time.Time     `json:"time"`
	Source  Source        `json:"source"`
	Entity  string        `json:"entity,omitempty"`  // hand side, eye, ...
	Point   *sample.Point `json:"point,omitempty"`   // fixation, target, hand position
	Delta   *sample.Point `json:"delta,omitempty"`   // Moved
	Edge    string        `json:"edge,omitempty"`    // ReachingBounds
	Warn    bool          `json:"warn,omitempty"`    // ReachingBounds
	Retry   bool          `json:"retry,omitempty"`   // CalibrationProgress
	Round   int           `json:"round,omitempty"`   // CalibrationProgress
	Message string        `json:"message,omitempty"` // Error
	Payload any           `json:"payload,omitempty"` // CalibrationComplete report
}

// New creates an envelope with a fresh ID stamped at the current time.
func New(kind Kind, source Source) Event {
	return Event{
		ID:     uuid.New(),
		Kind:   kind,
		Time:   time.Now(),
		Source: source,
	}
}

// WithPoint returns a copy of e carrying p.
func (e Event) WithPoint(p sample.Point) Event {
	e.Point = &p
	return e
}

// WithEntity returns a copy of e naming entity.
func (e Event) WithEntity(entity string) Event {
	e.Entity = entity
	return e
}

// Bus fans every Event out to its subscribers. Adapters publish into it and
// the web bridge and recorder subscribe.
type Bus struct {
	Feed[Event]
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish emits e, filling in ID and Time if unset.
func (b *Bus) Publish(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.Emit(e)
}
