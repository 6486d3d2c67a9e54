// Package hysteresis turns a continuous strength signal into discrete
// engage/release transitions using two asymmetric thresholds (a Schmitt
// trigger), so noise around a single cutoff never toggles the state.
package hysteresis

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-attend/internal/log"
)

// Sentinel errors for rejected thresholds.
var (
	// ErrThresholdOrder is returned when Release is not strictly below Engage.
	ErrThresholdOrder = errors.New("hysteresis: release threshold must be below engage threshold")

	// ErrThresholdRange is returned when a threshold lies outside [0, 1].
	ErrThresholdRange = errors.New("hysteresis: threshold must be within [0, 1]")
)

// Transition is the outcome of feeding one strength value to a Gate.
type Transition int

const (
	// None means the state did not change.
	None Transition = iota
	// Engaged means the entity crossed the engage threshold.
	Engaged
	// Released means the entity crossed the release threshold.
	Released
)

func (t Transition) String() string {
	switch t {
	case Engaged:
		return "engaged"
	case Released:
		return "released"
	default:
		return "none"
	}
}

// Thresholds holds the engage and release cutoffs.
type Thresholds struct {
	Engage  float64 // Strength at or above this engages
	Release float64 // Strength at or below this releases
}

// GrabThresholds returns the defaults used for hand grabs.
func GrabThresholds() Thresholds {
	return Thresholds{Engage: 0.96, Release: 0.94}
}

// PinchThresholds returns the defaults used for pinches.
func PinchThresholds() Thresholds {
	return Thresholds{Engage: 0.85, Release: 0.70}
}

// Validate checks both thresholds lie in [0, 1] and Release < Engage.
func (t Thresholds) Validate() error {
	if !inUnit(t.Engage) || !inUnit(t.Release) {
		return fmt.Errorf("%w: engage=%v release=%v", ErrThresholdRange, t.Engage, t.Release)
	}
	if t.Release >= t.Engage {
		return fmt.Errorf("%w: engage=%v release=%v", ErrThresholdOrder, t.Engage, t.Release)
	}
	return nil
}

// inUnit reports whether v lies in [0, 1]. NaN does not.
func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// Gate tracks an engaged flag per entity (for example per hand).
// Entities never share state.
type Gate[K comparable] struct {
	mu         sync.RWMutex
	thresholds Thresholds
	engaged    map[K]bool
	logger     *slog.Logger
}

// New creates a gate. The thresholds must be valid.
func New[K comparable](t Thresholds, logger *slog.Logger) (*Gate[K], error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.L()
	}
	return &Gate[K]{
		thresholds: t,
		engaged:    make(map[K]bool),
		logger:     logger,
	}, nil
}

// Update feeds a strength value for entity and reports the transition.
func (g *Gate[K]) Update(entity K, strength float64) Transition {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.engaged[entity] {
		if strength >= g.thresholds.Engage {
			g.engaged[entity] = true
			return Engaged
		}
		return None
	}
	if strength <= g.thresholds.Release {
		g.engaged[entity] = false
		return Released
	}
	return None
}

// Engaged reports whether entity is currently engaged.
func (g *Gate[K]) Engaged(entity K) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.engaged[entity]
}

// Forget drops the state of entity. It reports whether the entity was
// engaged, so callers can emit a release for a vanished hand.
func (g *Gate[K]) Forget(entity K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	was := g.engaged[entity]
	delete(g.engaged, entity)
	return was
}

// Thresholds returns the current thresholds.
func (g *Gate[K]) Thresholds() Thresholds {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.thresholds
}

// SetThresholds replaces both thresholds. Invalid pairs are rejected and the
// previous values kept.
func (g *Gate[K]) SetThresholds(t Thresholds) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := t.Validate(); err != nil {
		g.logger.Warn("rejected hysteresis thresholds",
			"engage", t.Engage, "release", t.Release, "error", err)
		return err
	}
	g.thresholds = t
	return nil
}

// SetEngage updates the engage threshold.
func (g *Gate[K]) SetEngage(v float64) error {
	t := g.Thresholds()
	t.Engage = v
	return g.SetThresholds(t)
}

// SetRelease updates the release threshold.
func (g *Gate[K]) SetRelease(v float64) error {
	t := g.Thresholds()
	t.Release = v
	return g.SetThresholds(t)
}

// Normalize maps a raw measurement onto a [0, 1] strength where max maps to
// 0 and min maps to 1 (a closing hand shrinks its grab sphere). A degenerate
// range yields 0.
func Normalize(raw, min, max float64) float64 {
	if max <= min {
		return 0
	}
	s := (max - raw) / (max - min)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
