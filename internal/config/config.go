// Package config loads rig settings from a YAML file and ATTEND_* environment
// variables. Defaults are the settings the lab rig shipped with.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/go-attend/pkg/calibration"
	"github.com/teslashibe/go-attend/pkg/device"
	"github.com/teslashibe/go-attend/pkg/hysteresis"
	"github.com/teslashibe/go-attend/pkg/rig"
	"github.com/teslashibe/go-attend/pkg/smoothing"
	"github.com/teslashibe/go-attend/pkg/web"
)

// EnvPrefix prefixes every environment override, e.g. ATTEND_GAZE_ADDR.
const EnvPrefix = "ATTEND"

// ErrInvalidSide is returned for a glove side other than left or right.
var ErrInvalidSide = errors.New("config: glove side must be left or right")

// LogConfig selects log output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// WebConfig is the presentation bridge section.
type WebConfig struct {
	Addr         string `mapstructure:"addr"`
	AllowOrigins string `mapstructure:"allow_origins"`
	StaticDir    string `mapstructure:"static_dir"`
}

// AttentionConfig is shared by both modalities.
type AttentionConfig struct {
	Dwell       time.Duration `mapstructure:"dwell"`
	DwellRange  float64       `mapstructure:"dwell_range"`
	StalePeriod time.Duration `mapstructure:"stale_period"`
}

// GazeConfig is the eye-tracker section.
type GazeConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	Addr         string          `mapstructure:"addr"`
	Supervise    bool            `mapstructure:"supervise"`
	Command      string          `mapstructure:"command"`
	Args         []string        `mapstructure:"args"`
	Heartbeat    time.Duration   `mapstructure:"heartbeat"`
	Interval     time.Duration   `mapstructure:"interval"`
	ScreenWidth  float64         `mapstructure:"screen_width"`
	ScreenHeight float64         `mapstructure:"screen_height"`
	GridX        int             `mapstructure:"grid_x"`
	GridY        int             `mapstructure:"grid_y"`
	Capture      time.Duration   `mapstructure:"capture"`
	RetryStep    time.Duration   `mapstructure:"retry_step"`
	MaxRounds    int             `mapstructure:"max_rounds"`
	MaxError     float64         `mapstructure:"max_error"`
	MinSamples   int             `mapstructure:"min_samples"`
	Attention    AttentionConfig `mapstructure:"attention"`
}

// GestureConfig is the hand-tracker section.
type GestureConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	Backend      string          `mapstructure:"backend"`
	LeapURL      string          `mapstructure:"leap_url"`
	GlovePort    string          `mapstructure:"glove_port"`
	GloveBaud    int             `mapstructure:"glove_baud"`
	GloveSide    string          `mapstructure:"glove_side"`
	Interval     time.Duration   `mapstructure:"interval"`
	Window       int             `mapstructure:"window"`
	GrabEngage   float64         `mapstructure:"grab_engage"`
	GrabRelease  float64         `mapstructure:"grab_release"`
	PinchEngage  float64         `mapstructure:"pinch_engage"`
	PinchRelease float64         `mapstructure:"pinch_release"`
	MinGrab      float64         `mapstructure:"min_grab"`
	MaxGrab      float64         `mapstructure:"max_grab"`
	Prescale     float64         `mapstructure:"prescale"`
	Acceleration float64         `mapstructure:"acceleration"`
	WarnBound    float64         `mapstructure:"warn_bound"`
	IgnoreBound  float64         `mapstructure:"ignore_bound"`
	Attention    AttentionConfig `mapstructure:"attention"`
}

// RecorderConfig is the trial log section.
type RecorderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// File mirrors the YAML file.
type File struct {
	Log      LogConfig      `mapstructure:"log"`
	Web      WebConfig      `mapstructure:"web"`
	Gaze     GazeConfig     `mapstructure:"gaze"`
	Gesture  GestureConfig  `mapstructure:"gesture"`
	Recorder RecorderConfig `mapstructure:"recorder"`
}

// Config is the resolved configuration handed to the commands.
type Config struct {
	Log LogConfig
	Web web.Config
	Rig rig.Config
}

// SetDefaults registers every key with its default. Registration also makes
// each key reachable from the environment.
func SetDefaults(v *viper.Viper) {
	rc := rig.DefaultConfig()
	wc := web.DefaultConfig()
	gz, gs := rc.Gaze.Adapter, rc.Gesture.Adapter

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("web.addr", wc.Addr)
	v.SetDefault("web.allow_origins", wc.AllowOrigins)
	v.SetDefault("web.static_dir", wc.StaticDir)

	v.SetDefault("gaze.enabled", rc.Gaze.Enabled)
	v.SetDefault("gaze.addr", rc.Gaze.EyeTribe.Addr)
	v.SetDefault("gaze.supervise", rc.Gaze.Supervise)
	v.SetDefault("gaze.command", rc.Gaze.Supervisor.Command)
	v.SetDefault("gaze.args", rc.Gaze.Supervisor.Args)
	v.SetDefault("gaze.heartbeat", rc.Gaze.Heartbeat)
	v.SetDefault("gaze.interval", gz.Interval)
	v.SetDefault("gaze.screen_width", rc.Gaze.Grid.Width)
	v.SetDefault("gaze.screen_height", rc.Gaze.Grid.Height)
	v.SetDefault("gaze.grid_x", rc.Gaze.Grid.XCount)
	v.SetDefault("gaze.grid_y", rc.Gaze.Grid.YCount)
	v.SetDefault("gaze.capture", gz.Calibration.Session.CaptureDuration)
	v.SetDefault("gaze.retry_step", gz.Calibration.Session.RetryStep)
	v.SetDefault("gaze.max_rounds", gz.Calibration.MaxRounds)
	v.SetDefault("gaze.max_error", gz.SampleDriver.MaxError)
	v.SetDefault("gaze.min_samples", gz.SampleDriver.MinSamples)
	v.SetDefault("gaze.attention.dwell", gz.Attention.DwellDuration)
	v.SetDefault("gaze.attention.dwell_range", gz.Attention.DwellRange)
	v.SetDefault("gaze.attention.stale_period", gz.Attention.StalePeriod)

	v.SetDefault("gesture.enabled", rc.Gesture.Enabled)
	v.SetDefault("gesture.backend", rc.Gesture.Backend)
	v.SetDefault("gesture.leap_url", rc.Gesture.Leap.URL)
	v.SetDefault("gesture.glove_port", rc.Gesture.Glove.Port)
	v.SetDefault("gesture.glove_baud", rc.Gesture.Glove.BaudRate)
	v.SetDefault("gesture.glove_side", string(rc.Gesture.Glove.Side))
	v.SetDefault("gesture.interval", gs.Interval)
	v.SetDefault("gesture.window", gs.Window)
	v.SetDefault("gesture.grab_engage", gs.Grab.Engage)
	v.SetDefault("gesture.grab_release", gs.Grab.Release)
	v.SetDefault("gesture.pinch_engage", gs.Pinch.Engage)
	v.SetDefault("gesture.pinch_release", gs.Pinch.Release)
	v.SetDefault("gesture.min_grab", gs.MinGrab)
	v.SetDefault("gesture.max_grab", gs.MaxGrab)
	v.SetDefault("gesture.prescale", gs.Curve.Prescale)
	v.SetDefault("gesture.acceleration", gs.Curve.Acceleration)
	v.SetDefault("gesture.warn_bound", gs.WarnBound)
	v.SetDefault("gesture.ignore_bound", gs.IgnoreBound)
	v.SetDefault("gesture.attention.dwell", gs.Attention.DwellDuration)
	v.SetDefault("gesture.attention.dwell_range", gs.Attention.DwellRange)
	v.SetDefault("gesture.attention.stale_period", gs.Attention.StalePeriod)

	v.SetDefault("recorder.enabled", rc.Recorder.Enabled)
	v.SetDefault("recorder.path", rc.Recorder.Path)
}

// Load reads cfgFile, or ./attend.yaml when cfgFile is empty, applies
// environment overrides and resolves the component configs. A missing
// default file is not an error.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("attend")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return f.Resolve()
}

// Resolve maps the file sections onto component configs.
func (f File) Resolve() (Config, error) {
	rc := rig.DefaultConfig()

	// Gaze
	rc.Gaze.Enabled = f.Gaze.Enabled
	rc.Gaze.EyeTribe.Addr = f.Gaze.Addr
	rc.Gaze.Supervise = f.Gaze.Supervise
	rc.Gaze.Supervisor.Command = f.Gaze.Command
	rc.Gaze.Supervisor.Args = f.Gaze.Args
	rc.Gaze.Supervisor.Addr = f.Gaze.Addr
	rc.Gaze.Heartbeat = f.Gaze.Heartbeat
	rc.Gaze.Grid = calibration.Grid{
		XCount: f.Gaze.GridX,
		YCount: f.Gaze.GridY,
		Width:  f.Gaze.ScreenWidth,
		Height: f.Gaze.ScreenHeight,
		Margin: calibration.DefaultMargin,
	}
	if err := rc.Gaze.Grid.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: gaze: %w", err)
	}
	gz := &rc.Gaze.Adapter
	gz.Interval = f.Gaze.Interval
	gz.Attention.DwellDuration = f.Gaze.Attention.Dwell
	gz.Attention.DwellRange = f.Gaze.Attention.DwellRange
	gz.Attention.StalePeriod = f.Gaze.Attention.StalePeriod
	gz.Calibration.Session.CaptureDuration = f.Gaze.Capture
	gz.Calibration.Session.RetryStep = f.Gaze.RetryStep
	gz.Calibration.MaxRounds = f.Gaze.MaxRounds
	gz.SampleDriver.MaxError = f.Gaze.MaxError
	gz.SampleDriver.MinSamples = f.Gaze.MinSamples

	// Gesture
	rc.Gesture.Enabled = f.Gesture.Enabled
	rc.Gesture.Backend = f.Gesture.Backend
	rc.Gesture.Leap.URL = f.Gesture.LeapURL
	rc.Gesture.Glove.Port = f.Gesture.GlovePort
	rc.Gesture.Glove.BaudRate = f.Gesture.GloveBaud
	switch side := device.Side(strings.ToLower(f.Gesture.GloveSide)); side {
	case device.Left, device.Right:
		rc.Gesture.Glove.Side = side
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrInvalidSide, f.Gesture.GloveSide)
	}
	gs := &rc.Gesture.Adapter
	gs.Interval = f.Gesture.Interval
	gs.Window = f.Gesture.Window
	gs.Grab = hysteresis.Thresholds{Engage: f.Gesture.GrabEngage, Release: f.Gesture.GrabRelease}
	gs.Pinch = hysteresis.Thresholds{Engage: f.Gesture.PinchEngage, Release: f.Gesture.PinchRelease}
	gs.MinGrab = f.Gesture.MinGrab
	gs.MaxGrab = f.Gesture.MaxGrab
	gs.Curve = smoothing.Curve{Prescale: f.Gesture.Prescale, Acceleration: f.Gesture.Acceleration}
	gs.WarnBound = f.Gesture.WarnBound
	gs.IgnoreBound = f.Gesture.IgnoreBound
	gs.Attention.DwellDuration = f.Gesture.Attention.Dwell
	gs.Attention.DwellRange = f.Gesture.Attention.DwellRange
	gs.Attention.StalePeriod = f.Gesture.Attention.StalePeriod

	// Recorder
	rc.Recorder.Enabled = f.Recorder.Enabled
	rc.Recorder.Path = f.Recorder.Path

	wc := web.DefaultConfig()
	wc.Addr = f.Web.Addr
	wc.AllowOrigins = f.Web.AllowOrigins
	wc.StaticDir = f.Web.StaticDir

	return Config{Log: f.Log, Web: wc, Rig: rc}, nil
}
