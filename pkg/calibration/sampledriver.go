package calibration

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/teslashibe/go-attend/pkg/sample"
)

// SampleDriverConfig holds the acceptance limits of a SampleDriver.
type SampleDriverConfig struct {
	MinSamples int     // Fewer samples than this yields StatusNoData
	MaxError   float64 // Mean error above this yields StatusResample
}

// DefaultSampleDriverConfig returns limits suited to screen-pixel gaze.
func DefaultSampleDriverConfig() SampleDriverConfig {
	return SampleDriverConfig{
		MinSamples: 10,
		MaxError:   75,
	}
}

// SampleDriver calibrates a source that has no calibration of its own by
// measuring how far its samples land from each target. Feed it with Observe
// from the source's poll loop.
type SampleDriver struct {
	mu        sync.Mutex
	config    SampleDriverConfig
	active    bool
	capturing bool
	current   Target
	samples   []sample.Point
	results   []PointResult
}

// NewSampleDriver creates a driver.
func NewSampleDriver(config SampleDriverConfig) *SampleDriver {
	return &SampleDriver{config: config}
}

// Observe records p if a point capture is running.
func (d *SampleDriver) Observe(p sample.Point) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capturing {
		d.samples = append(d.samples, p)
	}
}

// Begin implements Driver.
func (d *SampleDriver) Begin(_ context.Context, count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = true
	d.capturing = false
	d.results = make([]PointResult, 0, count)
	return nil
}

// BeginPoint implements Driver.
func (d *SampleDriver) BeginPoint(_ context.Context, t Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return ErrInvalidTransition
	}
	d.capturing = true
	d.current = t
	d.samples = d.samples[:0]
	return nil
}

// EndPoint implements Driver.
func (d *SampleDriver) EndPoint(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.capturing {
		return ErrNotCapturing
	}
	d.capturing = false
	d.results = append(d.results, d.evaluate(d.current, d.samples))
	return nil
}

func (d *SampleDriver) evaluate(t Target, points []sample.Point) PointResult {
	r := PointResult{Target: t, Status: StatusNoData}
	if len(points) < d.config.MinSamples || len(points) == 0 {
		return r
	}

	dist := make([]float64, len(points))
	var mx, my float64
	for i, p := range points {
		dist[i] = math.Hypot(p.X-t.X, p.Y-t.Y)
		mx += p.X
		my += p.Y
	}
	n := float64(len(points))

	r.MeanError = stat.Mean(dist, nil)
	if len(dist) > 1 {
		r.StdDev = stat.StdDev(dist, nil)
	}
	// Systematic offset of the gaze cloud from the target
	r.Accuracy = math.Hypot(mx/n-t.X, my/n-t.Y)

	r.Status = StatusOK
	if r.MeanError > d.config.MaxError {
		r.Status = StatusResample
	}
	return r
}

// Result implements Driver.
func (d *SampleDriver) Result(_ context.Context) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := Result{Succeeded: len(d.results) > 0, Points: append([]PointResult(nil), d.results...)}
	var acc []float64
	for _, p := range d.results {
		if p.Status != StatusOK {
			res.Succeeded = false
		}
		if p.Status != StatusNoData {
			acc = append(acc, p.Accuracy)
		}
	}
	if len(acc) > 0 {
		res.Accuracy = stat.Mean(acc, nil)
	}
	return res, nil
}

// Abort implements Driver.
func (d *SampleDriver) Abort(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	d.capturing = false
	d.samples = d.samples[:0]
	d.results = nil
	return nil
}

// Capturing reports whether a point capture is running.
func (d *SampleDriver) Capturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capturing
}
