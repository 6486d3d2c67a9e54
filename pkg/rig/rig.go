// Package rig is the application root. It owns exactly one connection per
// sensor and runs the adapters, the event hub and the trial recorder
// together.
package rig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/calibration"
	"github.com/teslashibe/go-attend/pkg/device"
	"github.com/teslashibe/go-attend/pkg/device/eyetribe"
	"github.com/teslashibe/go-attend/pkg/device/glove"
	"github.com/teslashibe/go-attend/pkg/device/leap"
	"github.com/teslashibe/go-attend/pkg/event"
	"github.com/teslashibe/go-attend/pkg/gaze"
	"github.com/teslashibe/go-attend/pkg/gesture"
	"github.com/teslashibe/go-attend/pkg/hub"
	"github.com/teslashibe/go-attend/pkg/recorder"
)

// Gesture backends.
const (
	BackendLeap  = "leap"
	BackendGlove = "glove"
)

var (
	// ErrNoModality is returned when neither gaze nor gesture is enabled.
	ErrNoModality = errors.New("rig: no input modality enabled")

	// ErrUnknownBackend is returned for an unsupported gesture backend.
	ErrUnknownBackend = errors.New("rig: unknown gesture backend")

	// ErrDriverExited is returned when the supervised driver dies before
	// accepting connections.
	ErrDriverExited = errors.New("rig: driver process exited before ready")
)

// GazeConfig configures the gaze modality.
type GazeConfig struct {
	Enabled    bool
	EyeTribe   eyetribe.Config
	Supervise  bool                    // Launch the EyeTribe server ourselves
	Supervisor device.SupervisorConfig // Used when Supervise is set
	Heartbeat  time.Duration           // Keep-alive period, 0 disables
	Grid       calibration.Grid        // Calibration grid used when a start request names none
	Adapter    gaze.Config
}

// GestureConfig configures the gesture modality.
type GestureConfig struct {
	Enabled bool
	Backend string // BackendLeap or BackendGlove
	Leap    leap.Config
	Glove   glove.Config
	Adapter gesture.Config
}

// RecorderConfig configures the trial log.
type RecorderConfig struct {
	Enabled bool
	recorder.Config
}

// Config holds the whole rig.
type Config struct {
	Gaze     GazeConfig
	Gesture  GestureConfig
	Recorder RecorderConfig
}

// DefaultConfig returns a gaze plus Leap rig with recording on.
func DefaultConfig() Config {
	return Config{
		Gaze: GazeConfig{
			Enabled:    true,
			EyeTribe:   eyetribe.DefaultConfig(),
			Supervisor: device.DefaultSupervisorConfig(),
			Heartbeat:  250 * time.Millisecond,
			Grid:       calibration.DefaultGrid(1920, 1080),
			Adapter:    gaze.DefaultConfig(),
		},
		Gesture: GestureConfig{
			Enabled: true,
			Backend: BackendLeap,
			Leap:    leap.DefaultConfig(),
			Glove:   glove.DefaultConfig(),
			Adapter: gesture.DefaultConfig(),
		},
		Recorder: RecorderConfig{
			Enabled: true,
			Config:  recorder.DefaultConfig(),
		},
	}
}

// Option configures a Rig.
type Option func(*options)

type options struct {
	logger *slog.Logger
	gaze   device.GazeSource
	hands  device.HandSource
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithGazeSource replaces the EyeTribe client.
func WithGazeSource(s device.GazeSource) Option {
	return func(o *options) { o.gaze = s }
}

// WithHandSource replaces the configured gesture backend.
func WithHandSource(s device.HandSource) Option {
	return func(o *options) { o.hands = s }
}

type heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// Rig wires sensors, adapters and outputs.
type Rig struct {
	config Config
	logger *slog.Logger

	bus        *event.Bus
	hub        *hub.Hub
	gaze       *gaze.Adapter
	gesture    *gesture.Adapter
	recorder   *recorder.Recorder
	supervisor *device.Supervisor

	gazeSource device.GazeSource
	closers    []io.Closer
}

// New builds the rig. Nothing connects until Run.
func New(config Config, opts ...Option) (*Rig, error) {
	o := options{logger: log.L()}
	for _, opt := range opts {
		opt(&o)
	}
	if !config.Gaze.Enabled && !config.Gesture.Enabled {
		return nil, ErrNoModality
	}

	r := &Rig{
		config: config,
		logger: o.logger.With("component", "rig"),
		bus:    event.NewBus(),
		hub:    hub.New(o.logger),
	}

	if config.Gaze.Enabled {
		src := o.gaze
		if src == nil {
			c := eyetribe.New(config.Gaze.EyeTribe, o.logger)
			r.closers = append(r.closers, c)
			src = c
			if config.Gaze.Supervise {
				r.supervisor = device.NewSupervisor(config.Gaze.Supervisor, o.logger)
			}
		}
		a, err := gaze.New(src, r.bus, config.Gaze.Adapter, gaze.WithLogger(o.logger))
		if err != nil {
			r.Close()
			return nil, err
		}
		r.gazeSource = src
		r.gaze = a
	}

	if config.Gesture.Enabled {
		src := o.hands
		if src == nil {
			var err error
			if src, err = r.handSource(o.logger); err != nil {
				r.Close()
				return nil, err
			}
		}
		a, err := gesture.New(src, r.bus, config.Gesture.Adapter, gesture.WithLogger(o.logger))
		if err != nil {
			r.Close()
			return nil, err
		}
		r.gesture = a
	}

	if config.Recorder.Enabled {
		rec, err := recorder.Open(config.Recorder.Config, o.logger)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.recorder = rec
		r.closers = append(r.closers, rec)
	}
	return r, nil
}

func (r *Rig) handSource(logger *slog.Logger) (device.HandSource, error) {
	switch r.config.Gesture.Backend {
	case BackendLeap, "":
		c := leap.New(r.config.Gesture.Leap, logger)
		r.closers = append(r.closers, c)
		return c, nil
	case BackendGlove:
		g := glove.New(r.config.Gesture.Glove, glove.WithLogger(logger))
		r.closers = append(r.closers, g)
		return g, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, r.config.Gesture.Backend)
	}
}

// Run starts the driver process if supervised, then polls every enabled
// modality and serves the hub until ctx is done or a component fails.
func (r *Rig) Run(ctx context.Context) error {
	if r.supervisor != nil {
		if err := r.startDriver(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), r.config.Gaze.Supervisor.StopGrace+time.Second)
			defer cancel()
			if err := r.supervisor.Stop(stopCtx); err != nil {
				r.logger.Warn("driver stop failed", "error", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)

	detachHub := r.hub.Attach(r.bus)
	defer detachHub()
	g.Go(func() error { return r.hub.Run(ctx) })

	if r.recorder != nil {
		detach := r.recorder.Attach(r.bus)
		defer detach()
		g.Go(func() error { return r.recorder.Run(ctx) })
	}
	if r.gaze != nil {
		g.Go(func() error { return r.gaze.Run(ctx) })
		if hb, ok := r.gazeSource.(heartbeater); ok && r.config.Gaze.Heartbeat > 0 {
			g.Go(func() error { return r.heartbeat(ctx, hb) })
		}
	}
	if r.gesture != nil {
		g.Go(func() error { return r.gesture.Run(ctx) })
	}

	r.logger.Info("rig running",
		"gaze", r.gaze != nil,
		"gesture", r.gesture != nil,
		"recorder", r.recorder != nil)
	return g.Wait()
}

func (r *Rig) startDriver(ctx context.Context) error {
	if err := r.supervisor.Start(ctx); err != nil {
		return err
	}
	select {
	case <-r.supervisor.Ready():
		return nil
	case <-r.supervisor.Done():
		return ErrDriverExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

// heartbeat failures are expected while the tracker is unplugged; the gaze
// adapter already reports those.
func (r *Rig) heartbeat(ctx context.Context, hb heartbeater) error {
	ticker := time.NewTicker(r.config.Gaze.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, r.config.Gaze.Heartbeat)
			if err := hb.Heartbeat(hctx); err != nil {
				r.logger.Debug("heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

// Close releases sensor connections and the recorder database.
func (r *Rig) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Bus returns the event bus every adapter publishes into.
func (r *Rig) Bus() *event.Bus { return r.bus }

// Hub returns the websocket hub.
func (r *Rig) Hub() *hub.Hub { return r.hub }

// Gaze returns the gaze adapter, or nil when gaze is disabled.
func (r *Rig) Gaze() *gaze.Adapter { return r.gaze }

// Gesture returns the gesture adapter, or nil when gesture is disabled.
func (r *Rig) Gesture() *gesture.Adapter { return r.gesture }

// Recorder returns the trial recorder, or nil when recording is disabled.
func (r *Rig) Recorder() *recorder.Recorder { return r.recorder }

// Grid returns the configured calibration grid.
func (r *Rig) Grid() calibration.Grid { return r.config.Gaze.Grid }

// Status is a snapshot for the presentation layer.
type Status struct {
	Gaze    *GazeStatus    `json:"gaze,omitempty"`
	Gesture *GestureStatus `json:"gesture,omitempty"`
	Clients int            `json:"clients"`
}

// GazeStatus describes the gaze modality.
type GazeStatus struct {
	Status      string `json:"status"`
	Ready       bool   `json:"ready"`
	Calibration string `json:"calibration"`
	Round       int    `json:"round"`
}

// GestureStatus describes the gesture modality.
type GestureStatus struct {
	Status      string        `json:"status"`
	Ready       bool          `json:"ready"`
	Hands       []device.Side `json:"hands"`
	Calibrating bool          `json:"calibrating"`
}

// Status returns the current state of every enabled modality.
func (r *Rig) Status() Status {
	s := Status{Clients: r.hub.ClientCount()}
	if r.gaze != nil {
		cal := r.gaze.Calibrator()
		s.Gaze = &GazeStatus{
			Status:      r.gaze.Status().String(),
			Ready:       r.gaze.Ready(),
			Calibration: cal.State().String(),
			Round:       cal.Round(),
		}
	}
	if r.gesture != nil {
		s.Gesture = &GestureStatus{
			Status:      r.gesture.Status().String(),
			Ready:       r.gesture.Ready(),
			Hands:       r.gesture.Present(),
			Calibrating: r.gesture.Calibrating(),
		}
	}
	return s
}
