package calibration

import "context"

// Status is a driver's confidence in a calibrated point. The values follow
// the EyeTribe calibration point states.
type Status int

const (
	StatusNoData   Status = 0 // Nothing usable was captured
	StatusResample Status = 1 // Captured, but too noisy
	StatusOK       Status = 2 // Captured with good confidence
)

func (s Status) String() string {
	switch s {
	case StatusNoData:
		return "no_data"
	case StatusResample:
		return "resample"
	case StatusOK:
		return "ok"
	default:
		return "unknown"
	}
}

// PointResult is a driver's verdict on one target.
type PointResult struct {
	Target    Target
	Status    Status
	Accuracy  float64 // Accuracy, in degrees for hardware drivers
	MeanError float64 // Mean error in pixels
	StdDev    float64 // Standard deviation of the error in pixels
}

// Result is a driver's calibration outcome.
type Result struct {
	Succeeded bool
	Accuracy  float64 // Average accuracy over both eyes
	Points    []PointResult
}

// Driver is the sensor side of a calibration. Implementations wrap
// ErrConnectionLost when the sensor link drops.
type Driver interface {
	// Begin starts a calibration of count points.
	Begin(ctx context.Context, count int) error
	// BeginPoint starts capturing while the user looks at t.
	BeginPoint(ctx context.Context, t Target) error
	// EndPoint ends the capture started by BeginPoint.
	EndPoint(ctx context.Context) error
	// Result returns the outcome once every point was captured.
	Result(ctx context.Context) (Result, error)
	// Abort cancels the calibration in progress.
	Abort(ctx context.Context) error
}
