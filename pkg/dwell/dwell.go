// Package dwell detects when a stream of near-continuous samples represents
// the user holding attention in one place.
package dwell

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/sample"
)

// Sentinel errors for rejected parameters.
var (
	// ErrInvalidRange is returned when the dwell range is not positive.
	ErrInvalidRange = errors.New("dwell: range must be positive")

	// ErrInvalidDuration is returned when the dwell duration is negative.
	ErrInvalidDuration = errors.New("dwell: duration must not be negative")
)

// Detector confirms a dwell once the newest sample has stayed within Range of
// older samples for at least Duration. Each confirmed dwell is published as a
// selection that callers drain with ClearSelection.
//
// A single sample farther than Range from the last dwell point breaks the
// dwell; no low-pass filtering happens before that check.
type Detector struct {
	buffer *sample.Buffer

	minimumDelay time.Duration
	rangeUnits   float64

	inDwell        bool
	hasDwellPoint  bool
	lastDwellPoint sample.Sample
	selection      *sample.Sample

	logger *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithCapacity sets the sample buffer capacity.
func WithCapacity(n int) Option {
	return func(d *Detector) {
		d.buffer = sample.NewBuffer(n)
	}
}

// WithLogger sets the logger used to report rejected parameters.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = l
	}
}

// New creates a detector. Invalid parameters are rejected.
func New(minimumDelay time.Duration, rangeUnits float64, opts ...Option) (*Detector, error) {
	if minimumDelay < 0 {
		return nil, ErrInvalidDuration
	}
	if !(rangeUnits > 0) {
		return nil, ErrInvalidRange
	}
	d := &Detector{
		buffer:       sample.NewBuffer(sample.DefaultCapacity),
		minimumDelay: minimumDelay,
		rangeUnits:   rangeUnits,
		logger:       log.L(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Add feeds one sample to the detector.
func (d *Detector) Add(s sample.Sample) {
	d.buffer.Push(s)
	if d.buffer.Len() < 2 {
		return
	}

	if d.inDwell && sample.Distance(d.lastDwellPoint.Point, s.Point) > d.rangeUnits {
		d.inDwell = false
	}

	if !d.inDwell {
		if mean, ok := d.dwellMean(); ok {
			d.lastDwellPoint = mean
			d.hasDwellPoint = true
			d.inDwell = true
			d.selection = &mean
		}
	}
}

// dwellMean scans outward from the second newest sample while samples stay
// within range of the newest one.
func (d *Detector) dwellMean() (sample.Sample, bool) {
	newest := d.buffer.At(0)
	for i := 1; i < d.buffer.Len(); i++ {
		p := d.buffer.At(i)
		if sample.Distance(newest.Point, p.Point) > d.rangeUnits {
			break
		}
		if newest.Time.Sub(p.Time) >= d.minimumDelay {
			return sample.Sample{
				Point: sample.Mean(d.buffer.Window(i + 1)),
				Time:  p.Time,
				Raw:   newest.Raw,
			}, true
		}
	}
	return sample.Sample{}, false
}

// HasSelection reports whether a selection is waiting to be drained.
func (d *Detector) HasSelection() bool {
	return d.selection != nil
}

// ClearSelection returns and clears the pending selection.
func (d *Detector) ClearSelection() (sample.Sample, bool) {
	if d.selection == nil {
		return sample.Sample{}, false
	}
	s := *d.selection
	d.selection = nil
	return s, true
}

// InDwell reports whether the user is currently dwelling.
func (d *Detector) InDwell() bool {
	return d.inDwell
}

// LastDwellPoint returns the most recent fixation. ok is false until the
// first dwell has been confirmed.
func (d *Detector) LastDwellPoint() (sample.Sample, bool) {
	return d.lastDwellPoint, d.hasDwellPoint
}

// Duration returns the minimum dwell time.
func (d *Detector) Duration() time.Duration {
	return d.minimumDelay
}

// Range returns the dwell range.
func (d *Detector) Range() float64 {
	return d.rangeUnits
}

// SetDuration updates the minimum dwell time. The buffer is kept.
func (d *Detector) SetDuration(minimumDelay time.Duration) error {
	if minimumDelay < 0 {
		d.logger.Warn("rejected dwell duration", "duration", minimumDelay, "keeping", d.minimumDelay)
		return fmt.Errorf("%w: %v", ErrInvalidDuration, minimumDelay)
	}
	d.minimumDelay = minimumDelay
	return nil
}

// SetRange updates the dwell range. The buffer is kept.
func (d *Detector) SetRange(rangeUnits float64) error {
	if !(rangeUnits > 0) {
		d.logger.Warn("rejected dwell range", "range", rangeUnits, "keeping", d.rangeUnits)
		return fmt.Errorf("%w: %v", ErrInvalidRange, rangeUnits)
	}
	d.rangeUnits = rangeUnits
	return nil
}

// Reset drops buffered samples, the dwell state and any pending selection.
func (d *Detector) Reset() {
	d.buffer.Clear()
	d.inDwell = false
	d.hasDwellPoint = false
	d.lastDwellPoint = sample.Sample{}
	d.selection = nil
}
