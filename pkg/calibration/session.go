package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-attend/internal/log"
)

// State is a calibration session state.
type State int

const (
	Idle State = iota
	PointQueued
	Capturing
	Evaluating
	Complete
	RedoQueued
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PointQueued:
		return "point_queued"
	case Capturing:
		return "capturing"
	case Evaluating:
		return "evaluating"
	case Complete:
		return "complete"
	case RedoQueued:
		return "redo_queued"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// abortTimeout bounds the fire-and-forget abort issued by Cancel.
const abortTimeout = 5 * time.Second

// Evaluation is the outcome of evaluating a finished round.
type Evaluation struct {
	Report Report
	Bad    []Target
}

// Session is one calibration round: every target is visited once, in a
// shuffled order. A session is owned by a single goroutine, except for
// Cancel.
type Session struct {
	ID    uuid.UUID
	Round int

	driver Driver
	state  State

	targets   []Target // visiting order
	remaining []Target // front is next
	previous  []Target // order of the failing pass, for redo rounds

	current   Target
	started   map[Target]bool
	startedAt time.Time

	captureDuration time.Duration
	retryStep       time.Duration
	minStatus       Status

	shuffle func(n int, swap func(i, j int))
	now     func() time.Time
	base    *slog.Logger
	logger  *slog.Logger
}

// SessionConfig holds the parameters shared by every round.
type SessionConfig struct {
	CaptureDuration time.Duration // Per-point capture time of the first round
	RetryStep       time.Duration // Added to the capture time on every redo round
	MinStatus       Status        // Lowest driver status that counts as good
}

// DefaultSessionConfig returns the defaults of the calibration screen.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CaptureDuration: time.Second,
		RetryStep:       250 * time.Millisecond,
		MinStatus:       StatusOK,
	}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSeed makes target shuffling deterministic.
func WithSeed(seed uint64) SessionOption {
	return func(s *Session) {
		s.shuffle = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)).Shuffle
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.base = l
	}
}

// WithSessionClock replaces time.Now.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates an idle first-round session over targets.
func NewSession(driver Driver, targets []Target, cfg SessionConfig, opts ...SessionOption) (*Session, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	s := &Session{
		ID:              uuid.New(),
		Round:           1,
		driver:          driver,
		targets:         slices.Clone(targets),
		started:         make(map[Target]bool, len(targets)),
		captureDuration: cfg.CaptureDuration,
		retryStep:       cfg.RetryStep,
		minStatus:       cfg.MinStatus,
		shuffle:         rand.Shuffle,
		now:             time.Now,
		base:            log.L(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.base.With("session", s.ID.String(), "round", s.Round)
	return s, nil
}

func (s *Session) setRound(round int) {
	s.Round = round
	s.logger = s.base.With("session", s.ID.String(), "round", round)
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Targets returns the visiting order, fixed once Start has run.
func (s *Session) Targets() []Target {
	return slices.Clone(s.targets)
}

// Remaining returns the targets not yet captured.
func (s *Session) Remaining() []Target {
	return slices.Clone(s.remaining)
}

// Current returns the target being captured or about to be.
func (s *Session) Current() (Target, bool) {
	switch s.state {
	case Capturing:
		return s.current, true
	case PointQueued:
		return s.remaining[0], true
	default:
		return Target{}, false
	}
}

// CaptureDuration returns how long each point should be captured.
func (s *Session) CaptureDuration() time.Duration {
	return s.captureDuration
}

// StartedAt returns when the current capture began.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Start shuffles the targets, tells the driver how many points follow and
// returns the first target.
func (s *Session) Start(ctx context.Context) (Target, error) {
	if s.state != Idle {
		return Target{}, &StateError{Op: "start", State: s.state}
	}

	s.shuffle(len(s.targets), func(i, j int) {
		s.targets[i], s.targets[j] = s.targets[j], s.targets[i]
	})
	if len(s.targets) > 1 && slices.Equal(s.targets, s.previous) {
		slices.Reverse(s.targets)
	}

	if err := s.driver.Begin(ctx, len(s.targets)); err != nil {
		return Target{}, s.fail("start", err)
	}

	s.remaining = slices.Clone(s.targets)
	clear(s.started)
	s.state = PointQueued
	s.logger.Info("calibration started", "points", len(s.targets), "capture", s.captureDuration)
	return s.remaining[0], nil
}

// BeginPointCapture pops the next target and starts capturing it. A driver
// error is logged and the point is flagged for retry; a lost connection
// fails the session.
func (s *Session) BeginPointCapture(ctx context.Context) (Target, error) {
	if s.state != PointQueued {
		return Target{}, &StateError{Op: "begin point capture", State: s.state}
	}

	s.current, s.remaining = s.remaining[0], s.remaining[1:]
	s.startedAt = s.now()
	s.state = Capturing

	if err := s.driver.BeginPoint(ctx, s.current); err != nil {
		s.started[s.current] = false
		if errors.Is(err, ErrConnectionLost) {
			return s.current, s.fail("begin point capture", err)
		}
		s.logger.Warn("point capture did not start, flagged for retry",
			"target", s.current.String(), "error", err)
		return s.current, nil
	}
	s.started[s.current] = true
	s.logger.Debug("point capture started", "target", s.current.String())
	return s.current, nil
}

// EndPointCapture ends the current capture. While targets remain it returns
// the next one and more is true; otherwise the session moves to Evaluating.
func (s *Session) EndPointCapture(ctx context.Context) (next Target, more bool, err error) {
	if s.state != Capturing {
		return Target{}, false, &StateError{Op: "end point capture", State: s.state}
	}

	if s.started[s.current] {
		if err := s.driver.EndPoint(ctx); err != nil {
			if errors.Is(err, ErrConnectionLost) {
				return Target{}, false, s.fail("end point capture", err)
			}
			s.started[s.current] = false
			s.logger.Warn("point capture did not end cleanly, flagged for retry",
				"target", s.current.String(), "error", err)
		}
	}

	if len(s.remaining) > 0 {
		s.state = PointQueued
		return s.remaining[0], true, nil
	}
	s.state = Evaluating
	return Target{}, false, nil
}

// Flagged returns the targets whose capture failed to start so far.
func (s *Session) Flagged() []Target {
	var out []Target
	for _, t := range s.targets {
		if started, seen := s.started[t]; seen && !started {
			out = append(out, t)
		}
	}
	return out
}

// Evaluate reads the driver result and decides which points are bad. With no
// bad points the session is Complete, otherwise RedoQueued. An unreadable
// result leaves every point bad.
func (s *Session) Evaluate(ctx context.Context) (Evaluation, error) {
	if s.state != Evaluating {
		return Evaluation{}, &StateError{Op: "evaluate", State: s.state}
	}

	res, err := s.driver.Result(ctx)
	if err != nil {
		if errors.Is(err, ErrConnectionLost) {
			return Evaluation{}, s.fail("evaluate", err)
		}
		s.logger.Warn("calibration result unreadable, redoing every point", "error", err)
		res = Result{}
	}

	rep := Report{
		SessionID: s.ID,
		Round:     s.Round,
		Succeeded: res.Succeeded,
		Accuracy:  res.Accuracy,
		Points:    make([]PointReport, 0, len(s.targets)),
	}
	for _, t := range s.targets {
		pr := PointReport{Target: t, Status: StatusNoData, Started: s.started[t]}
		if r, ok := match(res.Points, t); ok {
			pr.Status = r.Status
			pr.Accuracy = r.Accuracy
			pr.MeanError = r.MeanError
			pr.StdDev = r.StdDev
		}
		pr.Accepted = pr.Started && pr.Status >= s.minStatus
		rep.Points = append(rep.Points, pr)
	}
	rep.summarize()

	ev := Evaluation{Report: rep, Bad: rep.Bad()}
	if len(ev.Bad) == 0 {
		s.state = Complete
		s.logger.Info("calibration complete", "mean_error", rep.MeanError, "accuracy", rep.Accuracy)
	} else {
		s.state = RedoQueued
		s.logger.Info("calibration points need redo", "bad", len(ev.Bad), "of", len(rep.Points))
	}
	return ev, nil
}

// NextRound creates the idle session that redoes the bad points. Its visiting
// order differs from this pass and each capture lasts RetryStep longer.
func (s *Session) NextRound(bad []Target) (*Session, error) {
	if s.state != RedoQueued {
		return nil, &StateError{Op: "next round", State: s.state}
	}
	if len(bad) == 0 {
		return nil, ErrNoTargets
	}

	next := &Session{
		ID:              uuid.New(),
		Round:           s.Round + 1,
		driver:          s.driver,
		targets:         slices.Clone(bad),
		previous:        slices.Clone(bad),
		started:         make(map[Target]bool, len(bad)),
		captureDuration: s.captureDuration + s.retryStep,
		retryStep:       s.retryStep,
		minStatus:       s.minStatus,
		shuffle:         s.shuffle,
		now:             s.now,
		base:            s.base,
	}
	next.logger = s.base.With("session", next.ID.String(), "round", next.Round)
	return next, nil
}

// Cancel aborts any driver capture in the background and returns the session
// to Idle. Abort failures are only logged.
func (s *Session) Cancel() {
	switch s.state {
	case PointQueued, Capturing, Evaluating, RedoQueued:
		go abort(context.Background(), s.driver, s.logger)
	}
	s.state = Idle
	s.remaining = nil
	clear(s.started)
}

// abort asks the driver to drop any calibration in progress. Failures are
// only logged.
func abort(ctx context.Context, driver Driver, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, abortTimeout)
	defer cancel()
	if err := driver.Abort(ctx); err != nil {
		logger.Warn("calibration abort failed", "error", err)
	}
}

func (s *Session) fail(op string, err error) error {
	if errors.Is(err, ErrConnectionLost) {
		s.state = Failed
		s.logger.Error("calibration failed", "op", op, "error", err)
	}
	return fmt.Errorf("calibration: %s: %w", op, err)
}
