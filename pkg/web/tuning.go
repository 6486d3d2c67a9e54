package web

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-attend/pkg/attention"
	"github.com/teslashibe/go-attend/pkg/device"
	"github.com/teslashibe/go-attend/pkg/hysteresis"
)

// AttentionTuning holds dwell and staleness parameters. Durations are in
// milliseconds.
type AttentionTuning struct {
	DwellMillis int64   `json:"dwell_ms"`
	DwellRange  float64 `json:"dwell_range"`
	StaleMillis int64   `json:"stale_ms"`
}

// GestureTuning adds the gesture-only parameters.
type GestureTuning struct {
	AttentionTuning
	GrabEngage   float64 `json:"grab_engage"`
	GrabRelease  float64 `json:"grab_release"`
	PinchEngage  float64 `json:"pinch_engage"`
	PinchRelease float64 `json:"pinch_release"`
	Prescale     float64 `json:"prescale"`
	Acceleration float64 `json:"acceleration"`
	MinGrab      float64 `json:"min_grab"`
	MaxGrab      float64 `json:"max_grab"`
}

// Tuning is the runtime-adjustable state of the rig.
type Tuning struct {
	Gaze    *AttentionTuning `json:"gaze,omitempty"`
	Gesture *GestureTuning   `json:"gesture,omitempty"`
}

// AttentionUpdate changes the fields that are set.
type AttentionUpdate struct {
	DwellMillis *int64   `json:"dwell_ms"`
	DwellRange  *float64 `json:"dwell_range"`
	StaleMillis *int64   `json:"stale_ms"`
}

// GestureUpdate changes the fields that are set.
type GestureUpdate struct {
	AttentionUpdate
	GrabEngage   *float64 `json:"grab_engage"`
	GrabRelease  *float64 `json:"grab_release"`
	PinchEngage  *float64 `json:"pinch_engage"`
	PinchRelease *float64 `json:"pinch_release"`
	Prescale     *float64 `json:"prescale"`
	Acceleration *float64 `json:"acceleration"`
	MinGrab      *float64 `json:"min_grab"`
	MaxGrab      *float64 `json:"max_grab"`
}

// TuningUpdate is the body of PUT /api/tuning.
type TuningUpdate struct {
	Gaze    *AttentionUpdate `json:"gaze"`
	Gesture *GestureUpdate   `json:"gesture"`
}

func attentionTuning(t *attention.Tracker) AttentionTuning {
	return AttentionTuning{
		DwellMillis: t.DwellDuration().Milliseconds(),
		DwellRange:  t.DwellRange(),
		StaleMillis: t.StalePeriod().Milliseconds(),
	}
}

func (s *Server) tuning() Tuning {
	var t Tuning
	if g := s.rig.Gaze(); g != nil {
		at := attentionTuning(g.Tracker())
		t.Gaze = &at
	}
	if g := s.rig.Gesture(); g != nil {
		grab, pinch := g.Grab().Thresholds(), g.Pinch().Thresholds()
		curve := g.Curve()
		lo, hi := g.GrabRange()
		t.Gesture = &GestureTuning{
			AttentionTuning: attentionTuning(g.Tracker(device.Left)),
			GrabEngage:      grab.Engage,
			GrabRelease:     grab.Release,
			PinchEngage:     pinch.Engage,
			PinchRelease:    pinch.Release,
			Prescale:        curve.Prescale,
			Acceleration:    curve.Acceleration,
			MinGrab:         lo,
			MaxGrab:         hi,
		}
	}
	return t
}

func (s *Server) handleGetTuning(c *fiber.Ctx) error {
	return c.JSON(s.tuning())
}

// handlePutTuning applies the fields present in the body. Fields are applied
// in order and the first rejected value stops the update.
func (s *Server) handlePutTuning(c *fiber.Ctx) error {
	var req TuningUpdate
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if req.Gaze != nil {
		g := s.rig.Gaze()
		if g == nil {
			return errGazeDisabled
		}
		t := g.Tracker()
		if err := applyAttention(*req.Gaze, t.SetDwellDuration, t.SetDwellRange, t.SetStalePeriod); err != nil {
			return err
		}
	}
	if req.Gesture != nil {
		g := s.rig.Gesture()
		if g == nil {
			return errGestureDisabled
		}
		u := *req.Gesture
		if err := applyAttention(u.AttentionUpdate, g.SetDwellDuration, g.SetDwellRange, g.SetStalePeriod); err != nil {
			return err
		}
		if err := applyThresholds(g.Grab(), u.GrabEngage, u.GrabRelease); err != nil {
			return err
		}
		if err := applyThresholds(g.Pinch(), u.PinchEngage, u.PinchRelease); err != nil {
			return err
		}
		if u.Prescale != nil {
			if err := g.SetPrescale(*u.Prescale); err != nil {
				return err
			}
		}
		if u.Acceleration != nil {
			if err := g.SetAcceleration(*u.Acceleration); err != nil {
				return err
			}
		}
		if u.MinGrab != nil || u.MaxGrab != nil {
			lo, hi := g.GrabRange()
			if u.MinGrab != nil {
				lo = *u.MinGrab
			}
			if u.MaxGrab != nil {
				hi = *u.MaxGrab
			}
			if err := g.SetGrabRange(lo, hi); err != nil {
				return err
			}
		}
	}
	return c.JSON(s.tuning())
}

func applyAttention(u AttentionUpdate, setDuration func(time.Duration) error, setRange func(float64) error, setStale func(time.Duration) error) error {
	if u.DwellMillis != nil {
		if err := setDuration(time.Duration(*u.DwellMillis) * time.Millisecond); err != nil {
			return err
		}
	}
	if u.DwellRange != nil {
		if err := setRange(*u.DwellRange); err != nil {
			return err
		}
	}
	if u.StaleMillis != nil {
		if err := setStale(time.Duration(*u.StaleMillis) * time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// applyThresholds sets both thresholds at once so that moving the pair past
// each other is validated as a whole.
func applyThresholds(g *hysteresis.Gate[device.Side], engage, release *float64) error {
	if engage == nil && release == nil {
		return nil
	}
	t := g.Thresholds()
	if engage != nil {
		t.Engage = *engage
	}
	if release != nil {
		t.Release = *release
	}
	return g.SetThresholds(t)
}
