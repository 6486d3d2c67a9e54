// Package calibration walks a sensor through a grid of on-screen targets,
// evaluates the per-point accuracy reported by the driver and automatically
// redoes the points that failed, one round at a time.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/event"
)

// Progress is reported whenever the capture of a target begins.
type Progress struct {
	Point   Target `json:"point"`
	IsRetry bool   `json:"is_retry"`
	Round   int    `json:"round"`
}

// Config holds calibrator parameters.
type Config struct {
	Session   SessionConfig
	MaxRounds int // Rounds before giving up; 0 means no limit
	Seed      uint64
}

// DefaultConfig returns default calibrator parameters.
func DefaultConfig() Config {
	return Config{
		Session: DefaultSessionConfig(),
	}
}

// Calibrator runs calibration rounds against a driver on behalf of the
// presentation layer, chaining redo rounds until every point is accepted.
type Calibrator struct {
	progress event.Feed[Progress]
	complete event.Feed[Report]
	errs     event.Feed[error]

	driver Driver
	config Config
	logger *slog.Logger

	// op serializes commands and is held across driver calls. Cancel never
	// takes it.
	op sync.Mutex

	mu        sync.Mutex
	session   *Session
	state     State
	round     int
	capture   time.Duration
	remaining []Target
	report    *Report
	aborted   chan struct{} // closed once the abort of the last Cancel returned
}

// New creates a calibrator for driver.
func New(driver Driver, config Config, logger *slog.Logger) *Calibrator {
	if logger == nil {
		logger = log.L()
	}
	return &Calibrator{
		driver: driver,
		config: config,
		logger: logger.With("component", "calibration"),
	}
}

// OnProgress subscribes to capture progress.
func (c *Calibrator) OnProgress(fn func(Progress)) func() { return c.progress.Subscribe(fn) }

// OnComplete subscribes to accepted calibrations.
func (c *Calibrator) OnComplete(fn func(Report)) func() { return c.complete.Subscribe(fn) }

// OnError subscribes to driver failures and exhausted retries.
func (c *Calibrator) OnError(fn func(error)) func() { return c.errs.Subscribe(fn) }

func (c *Calibrator) sessionOptions() []SessionOption {
	opts := []SessionOption{WithSessionLogger(c.logger)}
	if c.config.Seed != 0 {
		opts = append(opts, WithSeed(c.config.Seed))
	}
	return opts
}

// attached returns the current session, nil when idle.
func (c *Calibrator) attached() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// settle publishes the state of s once a command on it returns. It reports
// false when s was cancelled meanwhile.
func (c *Calibrator) settle(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return false
	}
	c.state = s.State()
	c.round = s.Round
	c.capture = s.CaptureDuration()
	c.remaining = s.Remaining()
	return true
}

// swap replaces old by next unless old was cancelled.
func (c *Calibrator) swap(old, next *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != old {
		return false
	}
	c.session = next
	return true
}

func cancelled(op string) error {
	return &StateError{Op: op, State: Idle}
}

// Start begins a fresh calibration over grid and returns the first target.
// Any calibration in progress is cancelled.
func (c *Calibrator) Start(ctx context.Context, grid Grid) (Target, error) {
	points, err := grid.Points()
	if err != nil {
		return Target{}, err
	}
	return c.begin(ctx, points, 1)
}

// Redo begins a retry round over points and returns the first target.
func (c *Calibrator) Redo(ctx context.Context, points []Target) (Target, error) {
	round := 2
	c.mu.Lock()
	if c.round >= round {
		round = c.round + 1
	}
	c.mu.Unlock()
	return c.begin(ctx, points, round)
}

func (c *Calibrator) begin(ctx context.Context, points []Target, round int) (Target, error) {
	first, err := c.start(ctx, points, round)
	if err != nil {
		c.fail(err)
		return Target{}, err
	}
	return first, nil
}

func (c *Calibrator) start(ctx context.Context, points []Target, round int) (Target, error) {
	cfg := c.config.Session
	if round > 1 {
		cfg.CaptureDuration += time.Duration(round-1) * cfg.RetryStep
	}
	s, err := NewSession(c.driver, points, cfg, c.sessionOptions()...)
	if err != nil {
		return Target{}, err
	}
	s.setRound(round)

	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	aborted := c.aborted
	c.mu.Unlock()
	if aborted != nil {
		select {
		case <-aborted:
		case <-ctx.Done():
			return Target{}, ctx.Err()
		}
	}

	c.mu.Lock()
	prev, prevState := c.session, c.state
	c.session = s
	c.state = Idle
	c.report = nil
	c.mu.Unlock()

	if prev != nil && live(prevState) {
		abort(ctx, c.driver, c.logger)
	}

	first, err := s.Start(ctx)
	if !c.settle(s) {
		return Target{}, cancelled("start")
	}
	return first, err
}

// BeginPointCapture starts capturing the next target.
func (c *Calibrator) BeginPointCapture(ctx context.Context) (Target, error) {
	t, p, err := c.beginPoint(ctx)
	if err != nil {
		c.fail(err)
		return t, err
	}
	c.progress.Emit(p)
	return t, nil
}

func (c *Calibrator) beginPoint(ctx context.Context) (Target, Progress, error) {
	const op = "begin point capture"
	c.op.Lock()
	defer c.op.Unlock()

	s := c.attached()
	if s == nil {
		return Target{}, Progress{}, cancelled(op)
	}
	t, err := s.BeginPointCapture(ctx)
	if !c.settle(s) {
		return Target{}, Progress{}, cancelled(op)
	}
	return t, Progress{Point: t, IsRetry: s.Round > 1, Round: s.Round}, err
}

// EndPointCapture ends the current capture. It returns the next target to
// show and whether there is one. After the last target the round is
// evaluated; bad points start a redo round whose first target is returned.
func (c *Calibrator) EndPointCapture(ctx context.Context) (Target, bool, error) {
	next, more, done, err := c.endPoint(ctx)
	if err != nil {
		c.fail(err)
		return next, more, err
	}
	if done != nil {
		c.complete.Emit(*done)
	}
	return next, more, nil
}

// endPoint returns the accepted report in done when the calibration finished.
func (c *Calibrator) endPoint(ctx context.Context) (next Target, more bool, done *Report, err error) {
	const op = "end point capture"
	c.op.Lock()
	defer c.op.Unlock()

	s := c.attached()
	if s == nil {
		return Target{}, false, nil, cancelled(op)
	}

	next, more, err = s.EndPointCapture(ctx)
	if err != nil || more {
		if !c.settle(s) {
			return Target{}, false, nil, cancelled(op)
		}
		return next, more, nil, err
	}

	ev, err := s.Evaluate(ctx)
	if !c.settle(s) {
		return Target{}, false, nil, cancelled(op)
	}
	if err != nil {
		return Target{}, false, nil, err
	}

	rep := ev.Report
	c.mu.Lock()
	c.report = &rep
	c.mu.Unlock()
	if len(ev.Bad) == 0 {
		return Target{}, false, &rep, nil
	}

	if c.config.MaxRounds > 0 && s.Round >= c.config.MaxRounds {
		return Target{}, false, nil, fmt.Errorf("%w: %d of %d points still bad after %d rounds",
			ErrRoundsExhausted, len(ev.Bad), len(rep.Points), s.Round)
	}

	redo, err := s.NextRound(ev.Bad)
	if err != nil {
		return Target{}, false, nil, err
	}
	if !c.swap(s, redo) {
		return Target{}, false, nil, cancelled(op)
	}
	next, err = redo.Start(ctx)
	if !c.settle(redo) {
		return Target{}, false, nil, cancelled(op)
	}
	if err != nil {
		return Target{}, false, nil, err
	}
	return next, true, nil, nil
}

// Cancel aborts the calibration in progress without waiting for the driver
// or for a command still talking to it. That command returns a StateError.
func (c *Calibrator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	wasLive := live(c.state)
	c.session = nil
	c.state = Idle
	c.remaining = nil
	if !wasLive {
		return
	}

	done := make(chan struct{})
	c.aborted = done
	go func() {
		defer close(done)
		abort(context.Background(), c.driver, c.logger)
	}()
}

// live reports whether the driver may be mid-calibration in state s.
func live(s State) bool {
	return s != Complete && s != Failed
}

// State returns the state of the current round.
func (c *Calibrator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Round returns the current round number, 0 before the first start.
func (c *Calibrator) Round() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// CaptureDuration returns how long the current round captures each point.
func (c *Calibrator) CaptureDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == 0 {
		return c.config.Session.CaptureDuration
	}
	return c.capture
}

// Remaining returns the targets of the current round still to capture.
func (c *Calibrator) Remaining() []Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.remaining)
}

// Report returns the report of the last evaluated round.
func (c *Calibrator) Report() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.report == nil {
		return Report{}, false
	}
	r := *c.report
	r.Points = slices.Clone(r.Points)
	return r, true
}

// fail logs err and forwards it to OnError subscribers.
func (c *Calibrator) fail(err error) {
	var se *StateError
	if errors.As(err, &se) {
		c.logger.Warn("calibration command rejected", "error", err)
		return
	}
	c.logger.Error("calibration error", "error", err)
	c.errs.Emit(err)
}
