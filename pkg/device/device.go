// Package device defines the contract between physical sensors and the
// pointing engine: frame types, a tagged tracking status, the fixed-rate poll
// loop and supervision of external driver processes.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/teslashibe/go-attend/pkg/sample"
)

// Sentinel errors shared by device backends.
var (
	// ErrNotConnected is returned while a backend has no sensor link.
	ErrNotConnected = errors.New("device: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("device: closed")
)

// Status tags the outcome of one poll. A source never reports a lost frame
// as an error.
type Status int

const (
	// Tracking means the frame is valid.
	Tracking Status = iota
	// Lost means the sensor is reachable but sees nothing this frame.
	Lost
	// Failed means the sensor or its driver is unreachable.
	Failed
)

func (s Status) String() string {
	switch s {
	case Tracking:
		return "tracking"
	case Lost:
		return "lost"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// GazeFrame is one eye-tracker observation.
type GazeFrame struct {
	Time     time.Time
	Gaze     sample.Point // smoothed gaze in screen pixels
	Raw      sample.Point // unsmoothed gaze in screen pixels
	LeftEye  sample.Point // pupil centre, normalised to [0, 1]
	RightEye sample.Point // pupil centre, normalised to [0, 1]
	State    uint32       // backend-specific tracking state bits
}

// Side identifies a hand.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Hand is one tracked hand in device units (millimetres for Leap).
type Hand struct {
	ID           int64
	Side         Side
	Palm         sample.Point // stabilised palm position
	SphereRadius float64      // radius of the sphere fitting the hand's curvature, 0 if unknown
	Grab         float64      // reported grab strength in [0, 1]
	Pinch        float64      // reported pinch strength in [0, 1]
}

// Box is the device's interaction volume.
type Box struct {
	Center sample.Point
	Size   sample.Point
}

// Normalize maps p into the box so that its extent spans [0, 1] on every
// axis. Axes with zero size map to 0.5.
func (b Box) Normalize(p sample.Point) sample.Point {
	axis := func(v, c, s float64) float64 {
		if s == 0 {
			return 0.5
		}
		return (v-c)/s + 0.5
	}
	return sample.Point{
		X: axis(p.X, b.Center.X, b.Size.X),
		Y: axis(p.Y, b.Center.Y, b.Size.Y),
		Z: axis(p.Z, b.Center.Z, b.Size.Z),
	}
}

// HandFrame is one hand-tracker observation. Hands may be empty on a
// Tracking frame: the sensor works but nobody is in view.
type HandFrame struct {
	Time  time.Time
	Hands []Hand
	Box   Box
}

// GazeSource delivers gaze frames. err is set only with Failed.
type GazeSource interface {
	NextGaze(ctx context.Context) (GazeFrame, Status, error)
}

// HandSource delivers hand frames. err is set only with Failed.
type HandSource interface {
	NextHands(ctx context.Context) (HandFrame, Status, error)
}
