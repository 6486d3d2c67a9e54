package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/calibration"
	"github.com/teslashibe/go-attend/pkg/event"
	"github.com/teslashibe/go-attend/pkg/sample"
)

func openTemp(t *testing.T) *Recorder {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "trial.db")
	r, err := Open(cfg, log.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecorder_RecordAndQuery(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	grab := event.New(event.Grabbed, event.SourceGesture).WithEntity("left").WithPoint(sample.Point{X: 1, Y: 2, Z: 3})
	grab.Time = t0
	fix := event.New(event.Fixated, event.SourceGaze).WithPoint(sample.Point{X: 640, Y: 360})
	fix.Time = t0.Add(1500 * time.Millisecond)
	fail := event.New(event.Error, event.SourceGaze)
	fail.Time = t0.Add(2 * time.Second)
	fail.Message = "tracker unplugged"

	for _, e := range []event.Event{grab, fix, fail} {
		require.NoError(t, r.Record(ctx, e))
	}

	all, err := r.Events(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []event.Kind{event.Error, event.Fixated, event.Grabbed},
		[]event.Kind{all[0].Kind, all[1].Kind, all[2].Kind})
	assert.Equal(t, "tracker unplugged", all[0].Message)
	assert.Nil(t, all[0].Point)

	got := all[2]
	assert.Equal(t, grab.ID, got.ID)
	assert.True(t, grab.Time.Equal(got.Time))
	assert.Equal(t, "left", got.Entity)
	if diff := cmp.Diff(grab.Point, got.Point); diff != "" {
		t.Errorf("point mismatch (-want +got):\n%s", diff)
	}

	fixes, err := r.Events(ctx, event.Fixated, 10)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, fix.ID, fixes[0].ID)

	limited, err := r.Events(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecorder_Reports(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()

	_, ok, err := r.LatestReport(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	rep := calibration.Report{
		SessionID: uuid.New(),
		Round:     1,
		Accuracy:  0.7,
		Points: []calibration.PointReport{
			{Target: calibration.Target{X: 32, Y: 32}, Status: calibration.StatusOK, MeanError: 12, Started: true, Accepted: true},
			{Target: calibration.Target{X: 960, Y: 540}, Status: calibration.StatusResample, MeanError: 80, Started: true},
		},
		MeanError:   46,
		StdDevError: 48.08,
	}
	require.NoError(t, r.SaveReport(ctx, rep))

	got, ok, err := r.LatestReport(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(rep, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	second := rep
	second.Round = 2
	second.Succeeded = true
	require.NoError(t, r.SaveReport(ctx, second))
	got, _, err = r.LatestReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Round)
}

func TestRecorder_AttachAndRun(t *testing.T) {
	r := openTemp(t)
	bus := event.NewBus()
	detach := r.Attach(bus)

	bus.Publish(event.New(event.HandAppeared, event.SourceGesture))
	bus.Publish(event.New(event.Moved, event.SourceGesture))
	done := event.New(event.CalibrationComplete, event.SourceCalibration)
	done.Payload = calibration.Report{SessionID: uuid.New(), Round: 3, Succeeded: true}
	bus.Publish(done)

	detach()
	bus.Publish(event.New(event.NoHands, event.SourceGesture))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	events, err := r.Events(context.Background(), "", 10)
	require.NoError(t, err)
	kinds := make([]event.Kind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.ElementsMatch(t, []event.Kind{event.HandAppeared, event.CalibrationComplete}, kinds)

	rep, ok, err := r.LatestReport(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, rep.Round)
}
