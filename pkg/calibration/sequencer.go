package calibration

import (
	"context"
	"log/slog"
	"time"

	"github.com/teslashibe/go-attend/internal/log"
)

// Timing holds the pacing of the calibration screen.
type Timing struct {
	Movement     time.Duration // Time the target takes to travel to the next point
	CaptureDelay time.Duration // Pause after arriving before capture starts
}

// DefaultTiming returns the pacing of the calibration screen.
func DefaultTiming() Timing {
	return Timing{
		Movement:     time.Second,
		CaptureDelay: 250 * time.Millisecond,
	}
}

// Sequencer drives a Calibrator on its own clock, standing in for a
// presentation layer that animates the target. Capture length comes from the
// calibrator, so redo rounds capture longer.
type Sequencer struct {
	cal    *Calibrator
	timing Timing
	logger *slog.Logger
}

// NewSequencer creates a sequencer for cal.
func NewSequencer(cal *Calibrator, timing Timing, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = log.L()
	}
	return &Sequencer{cal: cal, timing: timing, logger: logger}
}

// Run calibrates grid until a round is accepted, retries run out or ctx is
// done. A cancelled context cancels the calibration.
func (s *Sequencer) Run(ctx context.Context, grid Grid) (Report, error) {
	target, err := s.cal.Start(ctx, grid)
	if err != nil {
		return Report{}, err
	}

	for {
		s.logger.Debug("moving to target", "target", target.String(), "round", s.cal.Round())
		if err := s.wait(ctx, s.timing.Movement+s.timing.CaptureDelay); err != nil {
			return Report{}, err
		}

		if _, err := s.cal.BeginPointCapture(ctx); err != nil {
			return Report{}, err
		}
		if err := s.wait(ctx, s.cal.CaptureDuration()); err != nil {
			return Report{}, err
		}

		next, more, err := s.cal.EndPointCapture(ctx)
		if err != nil {
			return Report{}, err
		}
		if !more {
			break
		}
		target = next
	}

	rep, _ := s.cal.Report()
	return rep, nil
}

func (s *Sequencer) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			s.cal.Cancel()
			return err
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.cal.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
