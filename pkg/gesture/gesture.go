// Package gesture adapts a hand tracker to the pointing engine. Each poll is
// turned into hand appearance, grab and pinch transitions, relative motion,
// interaction-box warnings and per-hand dwell fixations.
package gesture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/attention"
	"github.com/teslashibe/go-attend/pkg/device"
	"github.com/teslashibe/go-attend/pkg/event"
	"github.com/teslashibe/go-attend/pkg/hysteresis"
	"github.com/teslashibe/go-attend/pkg/sample"
	"github.com/teslashibe/go-attend/pkg/smoothing"
)

// Sentinel errors for rejected tuning values.
var (
	// ErrInvalidCurve is returned for a non-positive prescale or acceleration.
	ErrInvalidCurve = errors.New("gesture: prescale and acceleration must be positive")

	// ErrInvalidGrabRange is returned when the grab range is empty.
	ErrInvalidGrabRange = errors.New("gesture: grab range minimum must be below maximum")
)

// Edges reported by ReachingBounds events.
const (
	EdgeLeft   = "left"
	EdgeRight  = "right"
	EdgeTop    = "top"
	EdgeBottom = "bottom"
)

var (
	edges = [...]string{EdgeLeft, EdgeRight, EdgeTop, EdgeBottom}
	sides = [...]device.Side{device.Left, device.Right}
)

// Config holds the gesture adapter parameters. Distances are in device units
// (millimetres for Leap).
type Config struct {
	Interval    time.Duration
	Attention   attention.Config      // Per-hand dwell and staleness
	Window      int                   // Smoothing window in frames
	Grab        hysteresis.Thresholds // Grab/release on normalised grab strength
	Pinch       hysteresis.Thresholds // Pinch/unpinch on pinch strength
	MinGrab     float64               // Sphere radius of a closed fist
	MaxGrab     float64               // Sphere radius of an open hand
	Curve       smoothing.Curve       // Motion shaping
	WarnBound   float64               // Normalised box coordinate beyond which an edge warning is raised
	IgnoreBound float64               // Normalised box coordinate beyond which the hand is ignored
	ErrorLogGap time.Duration         // Minimum gap between repeated failure logs
}

// DefaultConfig returns the defaults of the lab's Leap setup.
func DefaultConfig() Config {
	return Config{
		Interval: device.DefaultInterval,
		Attention: attention.Config{
			DwellDuration: 100 * time.Millisecond,
			DwellRange:    2,
			StalePeriod:   time.Second,
			Capacity:      sample.DefaultCapacity,
		},
		Window:      smoothing.DefaultWindow,
		Grab:        hysteresis.GrabThresholds(),
		Pinch:       hysteresis.PinchThresholds(),
		MinGrab:     30,
		MaxGrab:     450,
		Curve:       smoothing.Curve{Prescale: 1, Acceleration: 1},
		WarnBound:   1.0,
		IgnoreBound: 1.2,
		ErrorLogGap: 5 * time.Second,
	}
}

// hand is the state kept per side.
type hand struct {
	side     device.Side
	smoother *smoothing.Smoother
	tracker  *attention.Tracker
	present  bool
}

// Adapter is the gesture modality.
type Adapter struct {
	source   device.HandSource
	bus      *event.Bus
	grab     *hysteresis.Gate[device.Side]
	pinch    *hysteresis.Gate[device.Side]
	interval time.Duration
	logger   *slog.Logger
	errLog   rate.Sometimes

	mu          sync.Mutex
	hands       map[device.Side]*hand
	config      Config
	status      device.Status
	polled      bool
	sawHand     bool
	bounds      map[string]bool
	calibrating bool
	seenMin     float64
	seenMax     float64
	seenAny     bool
}

// Option configures an Adapter.
type Option func(*options)

type options struct {
	logger *slog.Logger
	clock  func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now for the attention staleness clocks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New creates a gesture adapter publishing into bus.
func New(source device.HandSource, bus *event.Bus, config Config, opts ...Option) (*Adapter, error) {
	o := options{logger: log.L()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "gesture")

	if err := validCurve(config.Curve); err != nil {
		return nil, err
	}
	if !(config.MinGrab < config.MaxGrab) {
		return nil, fmt.Errorf("%w: %v..%v", ErrInvalidGrabRange, config.MinGrab, config.MaxGrab)
	}
	grab, err := hysteresis.New[device.Side](config.Grab, logger)
	if err != nil {
		return nil, fmt.Errorf("gesture: grab: %w", err)
	}
	pinch, err := hysteresis.New[device.Side](config.Pinch, logger)
	if err != nil {
		return nil, fmt.Errorf("gesture: pinch: %w", err)
	}

	a := &Adapter{
		source:   source,
		bus:      bus,
		grab:     grab,
		pinch:    pinch,
		interval: config.Interval,
		logger:   logger,
		errLog:   rate.Sometimes{First: 1, Interval: config.ErrorLogGap},
		hands:    make(map[device.Side]*hand, 2),
		config:   config,
		status:   device.Lost,
		bounds:   make(map[string]bool, len(edges)),
	}

	for _, side := range sides {
		topts := []attention.Option{attention.WithLogger(logger.With("hand", string(side)))}
		if o.clock != nil {
			topts = append(topts, attention.WithClock(o.clock))
		}
		tracker, err := attention.New(config.Attention, topts...)
		if err != nil {
			return nil, fmt.Errorf("gesture: %w", err)
		}
		h := &hand{side: side, smoother: smoothing.New(config.Window), tracker: tracker}
		a.hands[side] = h
		a.wire(h)
	}
	return a, nil
}

func validCurve(c smoothing.Curve) error {
	if !(c.Prescale > 0) || !(c.Acceleration > 0) {
		return fmt.Errorf("%w: prescale=%v acceleration=%v", ErrInvalidCurve, c.Prescale, c.Acceleration)
	}
	return nil
}

func (a *Adapter) wire(h *hand) {
	entity := string(h.side)
	h.tracker.Fixated.Subscribe(func(s sample.Sample) {
		e := event.New(event.Fixated, event.SourceGesture).WithPoint(s.Point).WithEntity(entity)
		e.Time = s.Time
		a.bus.Publish(e)
	})
	h.tracker.Invalidated.Subscribe(func(s sample.Sample) {
		a.bus.Publish(event.New(event.FixationInvalidated, event.SourceGesture).
			WithPoint(s.Point).WithEntity(entity))
	})
}

// Run polls the source until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	a.logger.Info("gesture adapter started", "interval", a.interval)
	defer a.logger.Info("gesture adapter stopped")
	return device.Poll(ctx, a.interval, a.Step)
}

// update is a tracker sample deferred until the adapter lock is released.
type update struct {
	tracker *attention.Tracker
	s       sample.Sample
}

// Step performs one poll.
func (a *Adapter) Step(ctx context.Context) {
	f, status, err := a.source.NextHands(ctx)

	a.mu.Lock()
	prev := a.status
	a.status = status
	a.polled = true

	var events []event.Event
	var updates []update

	if status == device.Failed {
		a.mu.Unlock()
		if prev != device.Failed {
			e := event.New(event.Error, event.SourceGesture)
			if err != nil {
				e.Message = err.Error()
			}
			a.bus.Publish(e)
		}
		a.errLog.Do(func() {
			a.logger.Warn("hand source failed", "error", err)
		})
		return
	}

	var hands []device.Hand
	if status == device.Tracking {
		hands = f.Hands
	}
	at := f.Time
	if at.IsZero() {
		at = time.Now()
	}

	seen := make(map[device.Side]bool, 2)
	check := make(map[string]bool, len(edges))
	for _, dh := range hands {
		h, ok := a.hands[dh.Side]
		if !ok {
			continue
		}
		pos := f.Box.Normalize(dh.Palm)
		a.checkBounds(pos, check)
		if a.outside(pos) {
			events = append(events, a.vanish(h)...)
			continue
		}
		seen[dh.Side] = true
		events, updates = a.track(h, dh, at, events, updates)
	}
	for _, side := range sides {
		if h := a.hands[side]; !seen[side] && h.present && len(hands) > 0 {
			events = append(events, a.vanish(h)...)
		}
	}

	if len(hands) == 0 {
		for _, side := range sides {
			events = append(events, a.vanish(a.hands[side])...)
		}
		if a.sawHand {
			events = append(events, event.New(event.NoHands, event.SourceGesture))
		}
	}
	a.sawHand = len(seen) > 0

	for _, edge := range edges {
		if check[edge] != a.bounds[edge] {
			a.bounds[edge] = check[edge]
			e := event.New(event.ReachingBounds, event.SourceGesture)
			e.Edge = edge
			e.Warn = check[edge]
			events = append(events, e)
		}
	}
	a.mu.Unlock()

	for _, e := range events {
		a.bus.Publish(e)
	}
	for _, u := range updates {
		u.tracker.Update(u.s)
	}
}

// checkBounds must be called with mu held.
func (a *Adapter) checkBounds(pos sample.Point, check map[string]bool) {
	warn := a.config.WarnBound
	switch {
	case pos.X > warn:
		check[EdgeRight] = true
	case pos.X < 1-warn:
		check[EdgeLeft] = true
	}
	switch {
	case pos.Z > warn:
		check[EdgeBottom] = true
	case pos.Z < 1-warn:
		check[EdgeTop] = true
	}
}

// outside must be called with mu held.
func (a *Adapter) outside(pos sample.Point) bool {
	ignore := a.config.IgnoreBound
	return pos.X > ignore || pos.X < 1-ignore || pos.Z > ignore || pos.Z < 1-ignore
}

// vanish must be called with mu held.
func (a *Adapter) vanish(h *hand) []event.Event {
	if !h.present {
		return nil
	}
	h.present = false
	h.smoother.Reset()
	entity := string(h.side)
	events := []event.Event{event.New(event.HandDisappeared, event.SourceGesture).WithEntity(entity)}
	if a.grab.Forget(h.side) {
		events = append(events, event.New(event.Released, event.SourceGesture).WithEntity(entity))
	}
	if a.pinch.Forget(h.side) {
		events = append(events, event.New(event.Unpinched, event.SourceGesture).WithEntity(entity))
	}
	return events
}

// track must be called with mu held.
func (a *Adapter) track(h *hand, dh device.Hand, at time.Time, events []event.Event, updates []update) ([]event.Event, []update) {
	entity := string(h.side)
	if !h.present {
		h.present = true
		events = append(events, event.New(event.HandAppeared, event.SourceGesture).
			WithEntity(entity).WithPoint(dh.Palm))
	}

	delta := h.smoother.Update(dh.ID, dh.Palm)
	pos := h.smoother.Position()
	updates = append(updates, update{tracker: h.tracker, s: sample.At(pos, at, dh)})

	if a.calibrating {
		if dh.SphereRadius > 0 {
			if !a.seenAny || dh.SphereRadius < a.seenMin {
				a.seenMin = dh.SphereRadius
			}
			if !a.seenAny || dh.SphereRadius > a.seenMax {
				a.seenMax = dh.SphereRadius
			}
			a.seenAny = true
		}
		return events, updates
	}

	strength := dh.Grab
	if dh.SphereRadius > 0 {
		strength = hysteresis.Normalize(dh.SphereRadius, a.config.MinGrab, a.config.MaxGrab)
	}
	switch a.grab.Update(h.side, strength) {
	case hysteresis.Engaged:
		events = append(events, event.New(event.Grabbed, event.SourceGesture).WithEntity(entity).WithPoint(pos))
	case hysteresis.Released:
		events = append(events, event.New(event.Released, event.SourceGesture).WithEntity(entity).WithPoint(pos))
	}
	switch a.pinch.Update(h.side, dh.Pinch) {
	case hysteresis.Engaged:
		events = append(events, event.New(event.Pinched, event.SourceGesture).WithEntity(entity).WithPoint(pos))
	case hysteresis.Released:
		events = append(events, event.New(event.Unpinched, event.SourceGesture).WithEntity(entity).WithPoint(pos))
	}

	if !delta.IsZero() {
		d := a.config.Curve.Apply(delta)
		e := event.New(event.Moved, event.SourceGesture).WithEntity(entity).WithPoint(pos)
		e.Delta = &d
		events = append(events, e)
	}
	return events, updates
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

// Present returns the sides currently in view.
func (a *Adapter) Present() []device.Side {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []device.Side
	for _, side := range sides {
		if a.hands[side].present {
			out = append(out, side)
		}
	}
	return out
}

// AttentivePosition returns the more recent attentive position of the two
// hands. clear consumes both fixations.
func (a *Adapter) AttentivePosition(clear bool) attention.Attention {
	left := a.hands[device.Left].tracker.AttentivePosition(clear)
	right := a.hands[device.Right].tracker.AttentivePosition(clear)
	return attention.Latest(left, right)
}

// LastFixation returns the more recent fixation of the two hands.
func (a *Adapter) LastFixation() (sample.Sample, bool) {
	l, lok := a.hands[device.Left].tracker.LastFixation()
	r, rok := a.hands[device.Right].tracker.LastFixation()
	switch {
	case !lok:
		return r, rok
	case !rok:
		return l, true
	case l.Time.Before(r.Time):
		return r, true
	default:
		return l, true
	}
}

// ClearFixation drops both fixations.
func (a *Adapter) ClearFixation() {
	for _, side := range sides {
		a.hands[side].tracker.ClearFixation()
	}
	a.bus.Publish(event.New(event.FixationInvalidated, event.SourceGesture))
}

// SetDwellDuration updates both hands.
func (a *Adapter) SetDwellDuration(d time.Duration) error {
	return a.each(func(t *attention.Tracker) error { return t.SetDwellDuration(d) })
}

// SetDwellRange updates both hands.
func (a *Adapter) SetDwellRange(r float64) error {
	return a.each(func(t *attention.Tracker) error { return t.SetDwellRange(r) })
}

// SetStalePeriod updates both hands.
func (a *Adapter) SetStalePeriod(d time.Duration) error {
	return a.each(func(t *attention.Tracker) error { return t.SetStalePeriod(d) })
}

func (a *Adapter) each(fn func(*attention.Tracker) error) error {
	// Left first: a rejected value leaves both unchanged.
	if err := fn(a.hands[device.Left].tracker); err != nil {
		return err
	}
	return fn(a.hands[device.Right].tracker)
}

// Tracker returns the attention tracker of side, or nil.
func (a *Adapter) Tracker(side device.Side) *attention.Tracker {
	h, ok := a.hands[side]
	if !ok {
		return nil
	}
	return h.tracker
}

// Grab returns the grab gate.
func (a *Adapter) Grab() *hysteresis.Gate[device.Side] {
	return a.grab
}

// Pinch returns the pinch gate.
func (a *Adapter) Pinch() *hysteresis.Gate[device.Side] {
	return a.pinch
}

// Curve returns the motion curve.
func (a *Adapter) Curve() smoothing.Curve {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config.Curve
}

// SetCurve replaces the motion curve.
func (a *Adapter) SetCurve(c smoothing.Curve) error {
	if err := validCurve(c); err != nil {
		a.logger.Warn("rejected motion curve", "error", err)
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.Curve = c
	return nil
}

// SetPrescale updates the curve prescale.
func (a *Adapter) SetPrescale(v float64) error {
	c := a.Curve()
	c.Prescale = v
	return a.SetCurve(c)
}

// SetAcceleration updates the curve exponent.
func (a *Adapter) SetAcceleration(v float64) error {
	c := a.Curve()
	c.Acceleration = v
	return a.SetCurve(c)
}

// GrabRange returns the sphere radii mapped to full and zero grab strength.
func (a *Adapter) GrabRange() (lo, hi float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config.MinGrab, a.config.MaxGrab
}

// SetGrabRange replaces the grab range.
func (a *Adapter) SetGrabRange(lo, hi float64) error {
	if !(lo < hi) {
		return fmt.Errorf("%w: %v..%v", ErrInvalidGrabRange, lo, hi)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.MinGrab, a.config.MaxGrab = lo, hi
	return nil
}

// Calibrating reports whether grab-range calibration is running.
func (a *Adapter) Calibrating() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calibrating
}

// SetGrabCalibration starts or stops grab-range calibration. While running,
// grabs are not detected and the extreme sphere radii are recorded; stopping
// adopts them as the new grab range.
func (a *Adapter) SetGrabCalibration(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on == a.calibrating {
		return
	}
	a.calibrating = on
	if on {
		a.seenAny = false
		a.logger.Info("grab range calibration started")
		return
	}
	if a.seenAny && a.seenMin < a.seenMax {
		a.config.MinGrab, a.config.MaxGrab = a.seenMin, a.seenMax
	}
	a.logger.Info("grab range calibrated", "min", a.config.MinGrab, "max", a.config.MaxGrab)
}

// ToggleGrabCalibration flips grab-range calibration.
func (a *Adapter) ToggleGrabCalibration() {
	a.SetGrabCalibration(!a.Calibrating())
}
