package web

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/calibration"
	"github.com/teslashibe/go-attend/pkg/device"
	"github.com/teslashibe/go-attend/pkg/event"
	"github.com/teslashibe/go-attend/pkg/rig"
	"github.com/teslashibe/go-attend/pkg/sample"
)

// pointGaze reports a settable gaze point.
type pointGaze struct {
	mu sync.Mutex
	p  sample.Point
}

func (g *pointGaze) set(p sample.Point) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.p = p
}

func (g *pointGaze) NextGaze(context.Context) (device.GazeFrame, device.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return device.GazeFrame{Time: time.Now(), Gaze: g.p}, device.Tracking, nil
}

type noHands struct{}

func (noHands) NextHands(context.Context) (device.HandFrame, device.Status, error) {
	return device.HandFrame{Time: time.Now()}, device.Tracking, nil
}

type fixture struct {
	t    *testing.T
	rig  *rig.Rig
	gaze *pointGaze
	app  *fiber.App
}

func newFixture(t *testing.T, mutate func(*rig.Config)) *fixture {
	t.Helper()
	cfg := rig.DefaultConfig()
	cfg.Recorder.Path = filepath.Join(t.TempDir(), "web.db")
	if mutate != nil {
		mutate(&cfg)
	}
	gz := &pointGaze{}
	r, err := rig.New(cfg, rig.WithLogger(log.Discard()), rig.WithGazeSource(gz), rig.WithHandSource(noHands{}))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return &fixture{t: t, rig: r, gaze: gz, app: NewServer(r, DefaultConfig(), log.Discard()).App()}
}

// do sends a request and decodes a JSON response into out when non-nil.
func (f *fixture) do(method, path string, body any, out any) int {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		require.NoError(f.t, err)
		require.NoError(f.t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

func TestServer_Status(t *testing.T) {
	f := newFixture(t, nil)
	f.rig.Gaze().Step(context.Background())

	var s rig.Status
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/status", nil, &s))
	require.NotNil(t, s.Gaze)
	assert.Equal(t, "tracking", s.Gaze.Status)
	assert.True(t, s.Gaze.Ready)
	assert.Equal(t, "idle", s.Gaze.Calibration)
	require.NotNil(t, s.Gesture)
	assert.False(t, s.Gesture.Ready)

	var eyes EyesResponse
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/gaze/eyes", nil, &eyes))
	assert.True(t, eyes.Valid)
}

func TestServer_CalibrationFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var report calibration.Report
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/calibration/report", nil, nil))
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/calibration/point/end", nil, nil))

	var tr TargetResponse
	grid := calibration.Grid{XCount: 1, YCount: 1, Width: 400, Height: 200}
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/calibration/start", grid, &tr))
	assert.Equal(t, calibration.Target{X: 200, Y: 100}, tr.Target)
	assert.Equal(t, "point_queued", tr.State)
	assert.Equal(t, 1, tr.Round)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/calibration/point/begin", nil, &tr))
	assert.Equal(t, "capturing", tr.State)

	f.gaze.set(sample.Point{X: 203, Y: 100})
	for range 12 {
		f.rig.Gaze().Step(ctx)
	}

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/calibration/point/end", nil, &tr))
	assert.False(t, tr.More)
	assert.Equal(t, "complete", tr.State)

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/calibration/report", nil, &report))
	assert.Equal(t, 1, report.Round)
	require.Len(t, report.Points, 1)
	assert.True(t, report.Points[0].Accepted)
	assert.InDelta(t, 3, report.Points[0].MeanError, 1e-9)

	req := httptest.NewRequest(http.MethodGet, "/api/calibration/report?format=yaml", nil)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	fromYAML, err := calibration.ReadYAML(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, report.SessionID, fromYAML.SessionID)

	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodPost, "/api/calibration/start", calibration.Grid{XCount: 0, YCount: 3, Width: 10, Height: 10}, nil))
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/calibration/cancel", nil, nil))
}

func TestServer_CalibrationNeedsGaze(t *testing.T) {
	f := newFixture(t, func(c *rig.Config) { c.Gaze.Enabled = false })
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/calibration/start", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/attention?source=gaze", nil, nil))
}

func TestServer_Attention(t *testing.T) {
	f := newFixture(t, nil)

	var at AttentionResponse
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/attention", nil, &at))
	assert.False(t, at.Valid)

	f.gaze.set(sample.Point{X: 640, Y: 360})
	f.rig.Gaze().Step(context.Background())

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/attention?source=gaze", nil, &at))
	assert.True(t, at.Valid)
	assert.False(t, at.Fixation)
	assert.Equal(t, sample.Point{X: 640, Y: 360}, at.Point)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/attention?source=mouse", nil, nil))
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/attention", nil, nil))
}

func TestServer_Tuning(t *testing.T) {
	f := newFixture(t, nil)

	var tun Tuning
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/tuning", nil, &tun))
	require.NotNil(t, tun.Gaze)
	require.NotNil(t, tun.Gesture)
	assert.Equal(t, 0.96, tun.Gesture.GrabEngage)
	assert.Equal(t, 0.94, tun.Gesture.GrabRelease)

	update := map[string]any{
		"gaze":    map[string]any{"dwell_ms": 300, "dwell_range": 50},
		"gesture": map[string]any{"grab_engage": 0.9, "grab_release": 0.8, "acceleration": 1.5, "stale_ms": 2000},
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/api/tuning", update, &tun))
	assert.Equal(t, int64(300), tun.Gaze.DwellMillis)
	assert.Equal(t, 50.0, tun.Gaze.DwellRange)
	assert.Equal(t, 0.9, tun.Gesture.GrabEngage)
	assert.Equal(t, 0.8, tun.Gesture.GrabRelease)
	assert.Equal(t, 1.5, tun.Gesture.Acceleration)
	assert.Equal(t, int64(2000), tun.Gesture.StaleMillis)

	bad := []map[string]any{
		{"gaze": map[string]any{"dwell_range": 0}},
		{"gaze": map[string]any{"dwell_ms": -5}},
		{"gesture": map[string]any{"pinch_release": 0.95}},
		{"gesture": map[string]any{"prescale": 0}},
		{"gesture": map[string]any{"min_grab": 500}},
	}
	for _, b := range bad {
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/tuning", b, nil), b)
	}

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/tuning", nil, &tun))
	assert.Equal(t, 50.0, tun.Gaze.DwellRange)
	assert.Equal(t, 0.7, tun.Gesture.PinchRelease)
}

func TestServer_GrabCalibration(t *testing.T) {
	f := newFixture(t, nil)

	var res struct {
		Calibrating bool `json:"calibrating"`
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/gesture/grab-calibration", nil, &res))
	assert.True(t, res.Calibrating)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/gesture/grab-calibration", map[string]bool{"enabled": false}, &res))
	assert.False(t, res.Calibrating)
}

func TestServer_Events(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.rig.Recorder()
	ctx := context.Background()
	require.NoError(t, rec.Record(ctx, event.New(event.Grabbed, event.SourceGesture).WithEntity("left")))
	require.NoError(t, rec.Record(ctx, event.New(event.Fixated, event.SourceGaze)))

	var events []event.Event
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/events?kind=grabbed", nil, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "left", events[0].Entity)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/events?limit=0", nil, nil))

	g := newFixture(t, func(c *rig.Config) { c.Recorder.Enabled = false })
	assert.Equal(t, http.StatusNotFound, g.do(http.MethodGet, "/api/events", nil, nil))
}

func TestServer_WebsocketNeedsUpgrade(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusUpgradeRequired, f.do(http.MethodGet, "/ws/events", nil, nil))
}
