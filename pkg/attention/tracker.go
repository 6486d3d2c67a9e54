// Package attention answers "where is the user's attention right now" by
// fusing dwell fixations with the live position, letting a fixation outlive a
// brief departure for a bounded grace period.
package attention

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/dwell"
	"github.com/teslashibe/go-attend/pkg/event"
	"github.com/teslashibe/go-attend/pkg/sample"
)

// ErrInvalidStalePeriod is returned when the stale period is negative.
var ErrInvalidStalePeriod = errors.New("attention: stale period must not be negative")

// Config holds the tracker parameters.
type Config struct {
	DwellDuration time.Duration // Minimum hold time for a fixation
	DwellRange    float64       // Maximum drift while dwelling, in sample units
	StalePeriod   time.Duration // Grace period a fixation survives after leaving it
	Capacity      int           // Dwell sample buffer size
}

// DefaultConfig returns gaze-oriented defaults (screen pixels).
func DefaultConfig() Config {
	return Config{
		DwellDuration: 500 * time.Millisecond,
		DwellRange:    75,
		StalePeriod:   time.Second,
		Capacity:      sample.DefaultCapacity,
	}
}

// Attention is a position that may represent where the user is attending.
type Attention struct {
	Point    sample.Point
	Time     time.Time
	Fixation bool // Point is a dwell fixation rather than the live position
	Valid    bool // false when nothing has been observed yet
}

// Latest picks the more recent of two attentions. An invalid attention never
// wins over a valid one; on equal times a wins.
func Latest(a, b Attention) Attention {
	switch {
	case !a.Valid:
		return b
	case !b.Valid:
		return a
	case a.Time.Before(b.Time):
		return b
	default:
		return a
	}
}

// Tracker owns a dwell detector and the staleness clock of its fixation.
//
// Fixated and Invalidated handlers run on the goroutine that called Update or
// AttentivePosition, after the tracker lock is released.
type Tracker struct {
	Fixated     event.Feed[sample.Sample]
	Invalidated event.Feed[sample.Sample]

	mu          sync.Mutex
	detector    *dwell.Detector
	stalePeriod time.Duration

	fixation    sample.Sample
	hasFixation bool

	staleSince   time.Time
	staleRunning bool

	live    sample.Sample
	hasLive bool

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now for the staleness clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// New creates a tracker.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	if cfg.StalePeriod < 0 {
		return nil, ErrInvalidStalePeriod
	}
	t := &Tracker{
		stalePeriod: cfg.StalePeriod,
		now:         time.Now,
		logger:      log.L(),
	}
	for _, opt := range opts {
		opt(t)
	}

	d, err := dwell.New(cfg.DwellDuration, cfg.DwellRange,
		dwell.WithCapacity(cfg.Capacity),
		dwell.WithLogger(t.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	t.detector = d
	return t, nil
}

// notice is an emission deferred until the lock is released.
type notice struct {
	feed *event.Feed[sample.Sample]
	s    sample.Sample
}

func (t *Tracker) flush(ns []notice) {
	for _, n := range ns {
		n.feed.Emit(n.s)
	}
}

// Update feeds one live sample.
func (t *Tracker) Update(s sample.Sample) {
	t.mu.Lock()
	ns := t.update(s)
	t.mu.Unlock()
	t.flush(ns)
}

func (t *Tracker) update(s sample.Sample) []notice {
	var ns []notice

	t.live = s
	t.hasLive = true

	wasInDwell := t.detector.InDwell()
	t.detector.Add(s)

	if sel, ok := t.detector.ClearSelection(); ok {
		t.fixation = sel
		t.hasFixation = true
		t.staleRunning = false
		wasInDwell = false
		ns = append(ns, notice{&t.Fixated, sel})
	}

	if wasInDwell && !t.detector.InDwell() {
		t.staleSince = t.now()
		t.staleRunning = true
	}

	return append(ns, t.expire()...)
}

// expire invalidates the fixation once the staleness clock has run out.
func (t *Tracker) expire() []notice {
	if !t.staleRunning || t.now().Sub(t.staleSince) < t.stalePeriod {
		return nil
	}
	t.staleRunning = false
	if !t.hasFixation {
		return nil
	}
	f := t.fixation
	t.hasFixation = false
	t.fixation = sample.Sample{}
	t.logger.Debug("fixation went stale", "point", f.Point.String(), "period", t.stalePeriod)
	return []notice{{&t.Invalidated, f}}
}

// AttentivePosition returns the fixation while it is fresh, otherwise the live
// position. With clear set the fixation is consumed by this read.
func (t *Tracker) AttentivePosition(clear bool) Attention {
	t.mu.Lock()
	ns := t.expire()

	var a Attention
	switch {
	case t.hasFixation:
		a = Attention{Point: t.fixation.Point, Time: t.fixation.Time, Fixation: true, Valid: true}
	case t.hasLive:
		a = Attention{Point: t.live.Point, Time: t.live.Time, Valid: true}
	}

	if clear {
		t.hasFixation = false
		t.fixation = sample.Sample{}
		t.staleRunning = false
	}
	t.mu.Unlock()

	t.flush(ns)
	return a
}

// LastFixation returns the current fixation, if any.
func (t *Tracker) LastFixation() (sample.Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fixation, t.hasFixation
}

// ClearFixation drops the fixation and stops the staleness clock.
func (t *Tracker) ClearFixation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasFixation = false
	t.fixation = sample.Sample{}
	t.staleRunning = false
}

// Live returns the last live sample.
func (t *Tracker) Live() (sample.Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live, t.hasLive
}

// InDwell reports whether the underlying detector is dwelling.
func (t *Tracker) InDwell() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detector.InDwell()
}

// StalePeriod returns the grace period.
func (t *Tracker) StalePeriod() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stalePeriod
}

// SetStalePeriod updates the grace period.
func (t *Tracker) SetStalePeriod(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d < 0 {
		t.logger.Warn("rejected stale period", "period", d, "keeping", t.stalePeriod)
		return fmt.Errorf("%w: %v", ErrInvalidStalePeriod, d)
	}
	t.stalePeriod = d
	return nil
}

// DwellDuration returns the detector's minimum hold time.
func (t *Tracker) DwellDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detector.Duration()
}

// SetDwellDuration updates the detector's minimum hold time.
func (t *Tracker) SetDwellDuration(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detector.SetDuration(d)
}

// DwellRange returns the detector's range.
func (t *Tracker) DwellRange() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detector.Range()
}

// SetDwellRange updates the detector's range.
func (t *Tracker) SetDwellRange(r float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detector.SetRange(r)
}

// Reset forgets samples, the fixation and the live position.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detector.Reset()
	t.hasFixation = false
	t.fixation = sample.Sample{}
	t.staleRunning = false
	t.hasLive = false
	t.live = sample.Sample{}
}
