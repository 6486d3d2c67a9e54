package web

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-attend/pkg/attention"
	"github.com/teslashibe/go-attend/pkg/calibration"
	"github.com/teslashibe/go-attend/pkg/dwell"
	"github.com/teslashibe/go-attend/pkg/event"
	"github.com/teslashibe/go-attend/pkg/gesture"
	"github.com/teslashibe/go-attend/pkg/hub"
	"github.com/teslashibe/go-attend/pkg/hysteresis"
	"github.com/teslashibe/go-attend/pkg/sample"
)

var (
	errGazeDisabled     = fiber.NewError(fiber.StatusNotFound, "gaze is not enabled")
	errGestureDisabled  = fiber.NewError(fiber.StatusNotFound, "gesture is not enabled")
	errRecorderDisabled = fiber.NewError(fiber.StatusNotFound, "recorder is not enabled")
	errNoReport         = fiber.NewError(fiber.StatusNotFound, "no calibration report")
)

// handleError maps domain errors onto status codes.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, calibration.ErrInvalidTransition):
		code = fiber.StatusConflict
	case errors.Is(err, calibration.ErrConnectionLost):
		code = fiber.StatusServiceUnavailable
	case errors.Is(err, calibration.ErrInvalidGrid),
		errors.Is(err, calibration.ErrNoTargets),
		errors.Is(err, dwell.ErrInvalidRange),
		errors.Is(err, dwell.ErrInvalidDuration),
		errors.Is(err, attention.ErrInvalidStalePeriod),
		errors.Is(err, hysteresis.ErrThresholdOrder),
		errors.Is(err, hysteresis.ErrThresholdRange),
		errors.Is(err, gesture.ErrInvalidCurve),
		errors.Is(err, gesture.ErrInvalidGrabRange):
		code = fiber.StatusBadRequest
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) requireGaze(c *fiber.Ctx) error {
	if s.rig.Gaze() == nil {
		return errGazeDisabled
	}
	return c.Next()
}

func (s *Server) requireGesture(c *fiber.Ctx) error {
	if s.rig.Gesture() == nil {
		return errGestureDisabled
	}
	return c.Next()
}

// handleStatus returns the rig snapshot
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.rig.Status())
}

// TargetResponse is returned by calibration commands that yield a target.
type TargetResponse struct {
	Target calibration.Target `json:"target"`
	More   bool               `json:"more"`
	State  string             `json:"state"`
	Round  int                `json:"round"`
}

func (s *Server) targetResponse(t calibration.Target, more bool) TargetResponse {
	cal := s.rig.Gaze().Calibrator()
	return TargetResponse{Target: t, More: more, State: cal.State().String(), Round: cal.Round()}
}

// handleCalibrationStart starts a calibration over the grid in the body, or
// the configured grid when the body is empty
func (s *Server) handleCalibrationStart(c *fiber.Ctx) error {
	grid := s.rig.Grid()
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&grid); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	if grid.Margin == 0 {
		grid.Margin = calibration.DefaultMargin
	}
	t, err := s.rig.Gaze().Calibrator().Start(c.UserContext(), grid)
	if err != nil {
		return err
	}
	return c.JSON(s.targetResponse(t, true))
}

// RedoRequest names the targets to recalibrate.
type RedoRequest struct {
	Points []calibration.Target `json:"points"`
}

// handleCalibrationRedo starts a retry round over chosen points
func (s *Server) handleCalibrationRedo(c *fiber.Ctx) error {
	var req RedoRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	t, err := s.rig.Gaze().Calibrator().Redo(c.UserContext(), req.Points)
	if err != nil {
		return err
	}
	return c.JSON(s.targetResponse(t, true))
}

// handleCalibrationCancel aborts without waiting for the tracker
func (s *Server) handleCalibrationCancel(c *fiber.Ctx) error {
	s.rig.Gaze().Calibrator().Cancel()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handlePointBegin(c *fiber.Ctx) error {
	t, err := s.rig.Gaze().Calibrator().BeginPointCapture(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(s.targetResponse(t, true))
}

func (s *Server) handlePointEnd(c *fiber.Ctx) error {
	t, more, err := s.rig.Gaze().Calibrator().EndPointCapture(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(s.targetResponse(t, more))
}

// handleCalibrationReport returns the last evaluated round, falling back to
// the recorder after a restart. ?format=yaml returns the report file.
func (s *Server) handleCalibrationReport(c *fiber.Ctx) error {
	rep, ok := s.rig.Gaze().Calibrator().Report()
	if !ok && s.rig.Recorder() != nil {
		var err error
		if rep, ok, err = s.rig.Recorder().LatestReport(c.UserContext()); err != nil {
			return err
		}
	}
	if !ok {
		return errNoReport
	}
	if c.Query("format") == "yaml" {
		c.Type("yaml")
		return rep.WriteYAML(c.Response().BodyWriter())
	}
	return c.JSON(rep)
}

// EyesResponse positions the eyeballs of the calibration screen.
type EyesResponse struct {
	Left  sample.Point `json:"left"`
	Right sample.Point `json:"right"`
	Valid bool         `json:"valid"`
}

// handleEyes returns the last pupil positions, normalised to [0, 1]
func (s *Server) handleEyes(c *fiber.Ctx) error {
	left, right, ok := s.rig.Gaze().EyePositions()
	return c.JSON(EyesResponse{Left: left, Right: right, Valid: ok})
}

// AttentionResponse is where the user is attending.
type AttentionResponse struct {
	Point    sample.Point `json:"point"`
	Time     time.Time    `json:"time"`
	Fixation bool         `json:"fixation"`
	Valid    bool         `json:"valid"`
}

// handleAttention answers getAttentivePosition. ?source picks gaze or
// gesture; without it the more recent of the two wins. ?clear=true consumes
// the fixation.
func (s *Server) handleAttention(c *fiber.Ctx) error {
	consume := c.QueryBool("clear")
	var at attention.Attention
	switch c.Query("source") {
	case "gaze":
		if s.rig.Gaze() == nil {
			return errGazeDisabled
		}
		at = s.rig.Gaze().AttentivePosition(consume)
	case "gesture":
		if s.rig.Gesture() == nil {
			return errGestureDisabled
		}
		at = s.rig.Gesture().AttentivePosition(consume)
	case "":
		if g := s.rig.Gaze(); g != nil {
			at = g.AttentivePosition(consume)
		}
		if g := s.rig.Gesture(); g != nil {
			at = attention.Latest(at, g.AttentivePosition(consume))
		}
	default:
		return fiber.NewError(fiber.StatusBadRequest, "source must be gaze or gesture")
	}
	return c.JSON(AttentionResponse{Point: at.Point, Time: at.Time, Fixation: at.Fixation, Valid: at.Valid})
}

// handleClearFixation drops fixations without reading them
func (s *Server) handleClearFixation(c *fiber.Ctx) error {
	if g := s.rig.Gaze(); g != nil {
		g.Tracker().ClearFixation()
	}
	if g := s.rig.Gesture(); g != nil {
		g.ClearFixation()
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleGrabCalibration switches grab-range calibration. A body of
// {"enabled": bool} sets it; an empty body toggles.
func (s *Server) handleGrabCalibration(c *fiber.Ctx) error {
	g := s.rig.Gesture()
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	if req.Enabled == nil {
		g.ToggleGrabCalibration()
	} else {
		g.SetGrabCalibration(*req.Enabled)
	}
	lo, hi := g.GrabRange()
	return c.JSON(fiber.Map{"calibrating": g.Calibrating(), "min_grab": lo, "max_grab": hi})
}

// handleEvents returns recorded events, newest first
func (s *Server) handleEvents(c *fiber.Ctx) error {
	rec := s.rig.Recorder()
	if rec == nil {
		return errRecorderDisabled
	}
	limit := c.QueryInt("limit", 100)
	if limit <= 0 || limit > 10000 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be within 1..10000")
	}
	events, err := rec.Events(c.UserContext(), event.Kind(c.Query("kind")), limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []event.Event{}
	}
	return c.JSON(events)
}

// handleEventsWS streams bus events. ?kinds=grabbed,released filters.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	var kinds []event.Kind
	for _, k := range strings.Split(c.Query("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, event.Kind(k))
		}
	}
	s.logger.Debug("event stream opened", "kinds", kinds)
	hub.NewClient(s.rig.Hub(), c, kinds...).Run()
	s.logger.Debug("event stream closed")
}
