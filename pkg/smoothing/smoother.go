// Package smoothing damps per-sample jitter of a moving target and turns it
// into frame-to-frame deltas for relative pointer control.
package smoothing

import (
	"math"

	"github.com/teslashibe/go-attend/pkg/sample"
)

// DefaultWindow is the number of raw positions averaged per axis.
const DefaultWindow = 4

// Smoother keeps a rolling mean of the last Window raw positions of one
// tracked entity.
type Smoother struct {
	window  int
	history []sample.Point // newest first
	mean    sample.Point

	id     int64
	seeded bool
}

// New creates a smoother averaging the last window positions.
// A non-positive window falls back to DefaultWindow.
func New(window int) *Smoother {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Smoother{
		window:  window,
		history: make([]sample.Point, 0, window),
	}
}

// Update adds a raw position for entity id and returns the change of the
// rolling mean. A new identity discards the history and reseeds it from p,
// returning a zero delta.
func (s *Smoother) Update(id int64, p sample.Point) sample.Point {
	if !s.seeded || id != s.id {
		s.id = id
		s.seeded = true
		s.history = append(s.history[:0], p)
		s.mean = p
		return sample.Point{}
	}

	if len(s.history) < s.window {
		s.history = append(s.history, sample.Point{})
	}
	copy(s.history[1:], s.history[:len(s.history)-1])
	s.history[0] = p

	var sum sample.Point
	for _, h := range s.history {
		sum = sum.Add(h)
	}
	n := float64(len(s.history))
	mean := sample.Point{X: sum.X / n, Y: sum.Y / n, Z: sum.Z / n}
	delta := mean.Sub(s.mean)
	s.mean = mean
	return delta
}

// Position returns the current smoothed position.
func (s *Smoother) Position() sample.Point {
	return s.mean
}

// Identity returns the entity id being smoothed and whether one is set.
func (s *Smoother) Identity() (int64, bool) {
	return s.id, s.seeded
}

// Window returns the averaging window.
func (s *Smoother) Window() int {
	return s.window
}

// Reset forgets the tracked entity.
func (s *Smoother) Reset() {
	s.history = s.history[:0]
	s.mean = sample.Point{}
	s.seeded = false
	s.id = 0
}

// Curve maps raw deltas onto pointer motion:
// d' = sign(d) * (|d| * Prescale)^Acceleration.
type Curve struct {
	Prescale     float64
	Acceleration float64
}

// Apply shapes every axis of delta.
func (c Curve) Apply(delta sample.Point) sample.Point {
	return sample.Point{
		X: c.axis(delta.X),
		Y: c.axis(delta.Y),
		Z: c.axis(delta.Z),
	}
}

func (c Curve) axis(d float64) float64 {
	if d == 0 {
		return 0
	}
	// Magnitude first; a negative base with a fractional exponent is NaN
	v := math.Pow(math.Abs(d)*c.Prescale, c.Acceleration)
	if d < 0 {
		return -v
	}
	return v
}
