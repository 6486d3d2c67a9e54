// Package sample defines the timestamped observations produced by pointing
// devices and the bounded history they are kept in.
package sample

import (
	"fmt"
	"math"
	"time"
)

// DefaultCapacity is the default number of samples a Buffer retains.
const DefaultCapacity = 256

// Point is a position in device or screen units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns p + o.
func (p Point) Add(o Point) Point {
	return Point{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

// Sub returns p - o.
func (p Point) Sub(o Point) Point {
	return Point{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

// Scale returns p with every axis multiplied by f.
func (p Point) Scale(f float64) Point {
	return Point{X: p.X * f, Y: p.Y * f, Z: p.Z * f}
}

// IsZero reports whether all axes are zero.
func (p Point) IsZero() bool {
	return p.X == 0 && p.Y == 0 && p.Z == 0
}

func (p Point) String() string {
	return fmt.Sprintf("(%.1f, %.1f, %.1f)", p.X, p.Y, p.Z)
}

// Sample is a single observation from a pointing device.
// Raw carries the device payload the sample was derived from, if any.
type Sample struct {
	Point
	Time time.Time
	Raw  any
}

// New creates a sample at (x, y) with z = 0.
func New(x, y float64, t time.Time) Sample {
	return Sample{Point: Point{X: x, Y: y}, Time: t}
}

// At creates a sample at p.
func At(p Point, t time.Time, raw any) Sample {
	return Sample{Point: p, Time: t, Raw: raw}
}

// Distance returns the planar (X, Y) distance between a and b.
// Z is ignored; dwell ranges are expressed in screen units.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Mean returns the arithmetic mean position of samples.
// It returns the zero Point for an empty slice.
func Mean(samples []Sample) Point {
	if len(samples) == 0 {
		return Point{}
	}
	var sum Point
	for _, s := range samples {
		sum = sum.Add(s.Point)
	}
	n := float64(len(samples))
	return Point{X: sum.X / n, Y: sum.Y / n, Z: sum.Z / n}
}
