// Package gaze adapts an eye tracker to the pointing engine. It polls a
// device.GazeSource, reports eyes appearing and disappearing, feeds gaze
// samples to an attention tracker and exposes the tracker's calibration.
package gaze

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/attention"
	"github.com/teslashibe/go-attend/pkg/calibration"
	"github.com/teslashibe/go-attend/pkg/device"
	"github.com/teslashibe/go-attend/pkg/event"
	"github.com/teslashibe/go-attend/pkg/sample"
)

// Config holds the gaze adapter parameters.
type Config struct {
	Interval     time.Duration    // Poll period
	Attention    attention.Config // Dwell and staleness in screen pixels
	Calibration  calibration.Config
	SampleDriver calibration.SampleDriverConfig // Used when the source cannot calibrate itself
	ErrorLogGap  time.Duration                  // Minimum gap between repeated failure logs
}

// DefaultConfig returns the defaults of the lab's screen-based setup.
func DefaultConfig() Config {
	return Config{
		Interval:     device.DefaultInterval,
		Attention:    attention.DefaultConfig(),
		Calibration:  calibration.DefaultConfig(),
		SampleDriver: calibration.DefaultSampleDriverConfig(),
		ErrorLogGap:  5 * time.Second,
	}
}

// Adapter is the gaze modality.
type Adapter struct {
	source     device.GazeSource
	bus        *event.Bus
	tracker    *attention.Tracker
	calibrator *calibration.Calibrator
	sampler    *calibration.SampleDriver
	interval   time.Duration
	logger     *slog.Logger
	errLog     rate.Sometimes

	mu       sync.Mutex
	status   device.Status
	polled   bool
	left     sample.Point
	right    sample.Point
	haveEyes bool
}

// Option configures an Adapter.
type Option func(*options)

type options struct {
	logger *slog.Logger
	clock  func() time.Time
	driver calibration.Driver
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now for the attention staleness clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithDriver overrides the calibration driver.
func WithDriver(d calibration.Driver) Option {
	return func(o *options) { o.driver = d }
}

// New creates a gaze adapter publishing into bus. If source implements
// calibration.Driver it calibrates itself; otherwise calibration runs in
// software on the polled samples.
func New(source device.GazeSource, bus *event.Bus, config Config, opts ...Option) (*Adapter, error) {
	o := options{logger: log.L()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "gaze")

	topts := []attention.Option{attention.WithLogger(logger)}
	if o.clock != nil {
		topts = append(topts, attention.WithClock(o.clock))
	}
	tracker, err := attention.New(config.Attention, topts...)
	if err != nil {
		return nil, fmt.Errorf("gaze: %w", err)
	}

	a := &Adapter{
		source:   source,
		bus:      bus,
		tracker:  tracker,
		interval: config.Interval,
		logger:   logger,
		errLog:   rate.Sometimes{First: 1, Interval: config.ErrorLogGap},
		status:   device.Lost,
	}

	driver := o.driver
	if driver == nil {
		if d, ok := source.(calibration.Driver); ok {
			driver = d
		} else {
			a.sampler = calibration.NewSampleDriver(config.SampleDriver)
			driver = a.sampler
		}
	}
	a.calibrator = calibration.New(driver, config.Calibration, logger)

	a.wire()
	return a, nil
}

func (a *Adapter) wire() {
	a.tracker.Fixated.Subscribe(func(s sample.Sample) {
		e := event.New(event.Fixated, event.SourceGaze).WithPoint(s.Point)
		e.Time = s.Time
		a.bus.Publish(e)
	})
	a.tracker.Invalidated.Subscribe(func(s sample.Sample) {
		a.bus.Publish(event.New(event.FixationInvalidated, event.SourceGaze).WithPoint(s.Point))
	})

	a.calibrator.OnProgress(func(p calibration.Progress) {
		e := event.New(event.CalibrationProgress, event.SourceCalibration).
			WithPoint(sample.Point{X: p.Point.X, Y: p.Point.Y})
		e.Retry = p.IsRetry
		e.Round = p.Round
		a.bus.Publish(e)
	})
	a.calibrator.OnComplete(func(r calibration.Report) {
		e := event.New(event.CalibrationComplete, event.SourceCalibration)
		e.Round = r.Round
		e.Payload = r
		a.bus.Publish(e)
	})
	a.calibrator.OnError(func(err error) {
		e := event.New(event.Error, event.SourceCalibration)
		e.Message = err.Error()
		a.bus.Publish(e)
	})
}

// Run polls the source until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	a.logger.Info("gaze adapter started", "interval", a.interval)
	defer a.logger.Info("gaze adapter stopped")
	return device.Poll(ctx, a.interval, a.Step)
}

// Step performs one poll.
func (a *Adapter) Step(ctx context.Context) {
	f, status, err := a.source.NextGaze(ctx)

	a.mu.Lock()
	prev := a.status
	a.status = status
	a.polled = true
	if status == device.Tracking {
		a.left, a.right, a.haveEyes = f.LeftEye, f.RightEye, true
	}
	a.mu.Unlock()

	switch {
	case status == device.Tracking && prev != device.Tracking:
		a.logger.Debug("eyes appeared")
		a.bus.Publish(event.New(event.EyesAppeared, event.SourceGaze))
	case status != device.Tracking && prev == device.Tracking:
		a.logger.Debug("eyes disappeared", "status", status)
		a.bus.Publish(event.New(event.EyesDisappeared, event.SourceGaze))
	}

	if status == device.Failed {
		if prev != device.Failed {
			e := event.New(event.Error, event.SourceGaze)
			if err != nil {
				e.Message = err.Error()
			}
			a.bus.Publish(e)
		}
		a.errLog.Do(func() {
			a.logger.Warn("gaze source failed", "error", err)
		})
		return
	}
	if status != device.Tracking {
		return
	}

	at := f.Time
	if at.IsZero() {
		at = time.Now()
	}
	a.tracker.Update(sample.At(f.Gaze, at, f))
	if a.sampler != nil {
		a.sampler.Observe(f.Gaze)
	}
}

// Status returns the status of the last poll.
func (a *Adapter) Status() device.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Ready reports whether the source has been polled and is reachable.
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polled && a.status != device.Failed
}

// EyePositions returns the last seen pupil centres, normalised to [0, 1].
func (a *Adapter) EyePositions() (left, right sample.Point, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.left, a.right, a.haveEyes
}

// AttentivePosition returns where the user is looking, preferring a recent
// fixation. clear consumes the fixation.
func (a *Adapter) AttentivePosition(clear bool) attention.Attention {
	return a.tracker.AttentivePosition(clear)
}

// Tracker exposes the attention tracker for tuning.
func (a *Adapter) Tracker() *attention.Tracker {
	return a.tracker
}

// Calibrator exposes the calibration commands.
func (a *Adapter) Calibrator() *calibration.Calibrator {
	return a.calibrator
}
