package calibration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/sample"
)

var errTransient = errors.New("mock: transient driver error")

func grid3x3() Grid {
	return DefaultGrid(1920, 1080)
}

func newCalibrator(d Driver, cfg Config) *Calibrator {
	if cfg.Session == (SessionConfig{}) {
		cfg.Session = DefaultSessionConfig()
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	return New(d, cfg, log.Discard())
}

// drive completes captures until the calibrator stops returning targets.
func drive(t *testing.T, ctx context.Context, c *Calibrator) []Progress {
	t.Helper()
	var seen []Progress
	unsub := c.OnProgress(func(p Progress) { seen = append(seen, p) })
	defer unsub()

	for i := 0; i < 100; i++ {
		_, err := c.BeginPointCapture(ctx)
		require.NoError(t, err)
		_, more, err := c.EndPointCapture(ctx)
		require.NoError(t, err)
		if !more {
			return seen
		}
	}
	t.Fatal("calibration did not finish")
	return nil
}

func TestGrid_Points(t *testing.T) {
	pts, err := grid3x3().Points()
	require.NoError(t, err)

	want := []Target{
		{32, 32}, {960, 32}, {1888, 32},
		{32, 540}, {960, 540}, {1888, 540},
		{32, 1048}, {960, 1048}, {1888, 1048},
	}
	assert.Empty(t, cmp.Diff(want, pts))
}

func TestGrid_SingleColumnIsCentred(t *testing.T) {
	pts, err := Grid{XCount: 1, YCount: 2, Width: 800, Height: 600, Margin: 32}.Points()
	require.NoError(t, err)
	assert.Equal(t, []Target{{400, 32}, {400, 568}}, pts)
}

func TestGrid_Validate(t *testing.T) {
	tests := []struct {
		name string
		g    Grid
	}{
		{"no columns", Grid{XCount: 0, YCount: 3, Width: 100, Height: 100}},
		{"margin too wide", Grid{XCount: 2, YCount: 2, Width: 64, Height: 100, Margin: 32}},
		{"negative margin", Grid{XCount: 2, YCount: 2, Width: 64, Height: 100, Margin: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.g.Points()
			assert.ErrorIs(t, err, ErrInvalidGrid)
		})
	}
}

func TestSession_PointAccounting(t *testing.T) {
	ctx := context.Background()
	d := newMockDriver()
	grid, err := grid3x3().Points()
	require.NoError(t, err)

	s, err := NewSession(d, grid, DefaultSessionConfig(), WithSeed(1), WithSessionLogger(log.Discard()))
	require.NoError(t, err)

	first, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, PointQueued, s.State())
	assert.Equal(t, []int{9}, d.BeginCounts())

	seen := make(map[Target]bool)
	expected := first
	for i := 0; i < 9; i++ {
		got, err := s.BeginPointCapture(ctx)
		require.NoError(t, err)
		assert.Equal(t, expected, got, "begin must capture the announced target")
		assert.Contains(t, grid, got)
		assert.False(t, seen[got], "target %v repeated", got)
		seen[got] = true

		next, more, err := s.EndPointCapture(ctx)
		require.NoError(t, err)
		assert.Equal(t, i < 8, more)
		expected = next
	}

	assert.Equal(t, Evaluating, s.State())
	assert.Empty(t, s.Remaining())

	ev, err := s.Evaluate(ctx)
	require.NoError(t, err)
	assert.Len(t, ev.Report.Points, 9)
	assert.Empty(t, ev.Bad)
	assert.True(t, ev.Report.Accepted())
	assert.Equal(t, Complete, s.State())
	assert.Equal(t, s.ID, ev.Report.SessionID)
}

func TestSession_RejectsOutOfOrderCalls(t *testing.T) {
	ctx := context.Background()
	s, err := NewSession(newMockDriver(), []Target{{1, 1}}, DefaultSessionConfig(), WithSessionLogger(log.Discard()))
	require.NoError(t, err)

	_, err = s.BeginPointCapture(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var se *StateError
	_, _, err = s.EndPointCapture(ctx)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Idle, se.State)

	_, err = s.Evaluate(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_BeginFailureFlagsPointForRetry(t *testing.T) {
	ctx := context.Background()
	d := newMockDriver()
	d.pointErr = errTransient

	s, err := NewSession(d, []Target{{10, 10}, {20, 20}}, DefaultSessionConfig(), WithSessionLogger(log.Discard()))
	require.NoError(t, err)
	_, err = s.Start(ctx)
	require.NoError(t, err)

	got, err := s.BeginPointCapture(ctx)
	require.NoError(t, err, "a driver error on begin is logged, not returned")
	assert.Equal(t, Capturing, s.State())
	assert.Equal(t, []Target{got}, s.Flagged())
}

func TestSession_ConnectionLossFails(t *testing.T) {
	ctx := context.Background()
	d := newMockDriver()
	d.pointErr = fmt.Errorf("eyetribe: write: %w", ErrConnectionLost)

	s, err := NewSession(d, []Target{{10, 10}, {20, 20}}, DefaultSessionConfig(), WithSessionLogger(log.Discard()))
	require.NoError(t, err)
	_, err = s.Start(ctx)
	require.NoError(t, err)

	_, err = s.BeginPointCapture(ctx)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, Failed, s.State())

	_, _, err = s.EndPointCapture(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition, "a failed session makes no further transitions")
}

func TestSession_CancelAbortsInBackground(t *testing.T) {
	ctx := context.Background()
	d := newMockDriver()
	s, err := NewSession(d, []Target{{10, 10}, {20, 20}}, DefaultSessionConfig(), WithSessionLogger(log.Discard()))
	require.NoError(t, err)
	_, err = s.Start(ctx)
	require.NoError(t, err)
	_, err = s.BeginPointCapture(ctx)
	require.NoError(t, err)

	s.Cancel()
	assert.Equal(t, Idle, s.State())
	assert.Eventually(t, func() bool { return d.Aborts() == 1 }, time.Second, 5*time.Millisecond)

	_, err = s.Start(ctx)
	assert.NoError(t, err, "a cancelled session can be restarted")
}

func TestCalibrator_RetryConvergence(t *testing.T) {
	ctx := context.Background()
	grid, err := grid3x3().Points()
	require.NoError(t, err)
	bad := map[Target]bool{grid[0]: true, grid[4]: true, grid[8]: true}

	d := newMockDriver()
	d.status = func(tg Target, round int) Status {
		if round == 1 && bad[tg] {
			return StatusResample
		}
		return StatusOK
	}

	c := newCalibrator(d, Config{})
	var completed []Report
	c.OnComplete(func(r Report) { completed = append(completed, r) })

	_, err = c.Start(ctx, grid3x3())
	require.NoError(t, err)
	progress := drive(t, ctx, c)

	require.Len(t, progress, 12)
	var firstPass, retryPass []Target
	for _, p := range progress {
		if p.IsRetry {
			assert.Equal(t, 2, p.Round)
			retryPass = append(retryPass, p.Point)
		} else if bad[p.Point] {
			firstPass = append(firstPass, p.Point)
		}
	}
	assert.ElementsMatch(t, firstPass, retryPass)
	assert.NotEqual(t, firstPass, retryPass, "retry order must differ from the failing pass")

	require.Len(t, completed, 1)
	rep := completed[0]
	assert.Equal(t, 2, rep.Round)
	assert.True(t, rep.Accepted())
	var covered []Target
	for _, p := range rep.Points {
		covered = append(covered, p.Target)
	}
	assert.ElementsMatch(t, []Target{grid[0], grid[4], grid[8]}, covered)

	assert.Equal(t, Complete, c.State())
	assert.Equal(t, []int{9, 3}, d.BeginCounts())
	assert.Equal(t, 1250*time.Millisecond, c.CaptureDuration())

	got, ok := c.Report()
	require.True(t, ok)
	assert.Empty(t, cmp.Diff(rep, got))
}

func TestCalibrator_FlaggedPointIsRedone(t *testing.T) {
	ctx := context.Background()
	grid, err := grid3x3().Points()
	require.NoError(t, err)

	d := newMockDriver()
	d.failOnce[grid[2]] = true

	c := newCalibrator(d, Config{})
	_, err = c.Start(ctx, grid3x3())
	require.NoError(t, err)
	drive(t, ctx, c)

	rep, ok := c.Report()
	require.True(t, ok)
	assert.Equal(t, 2, rep.Round)
	require.Len(t, rep.Points, 1)
	assert.Equal(t, grid[2], rep.Points[0].Target)
	assert.True(t, rep.Points[0].Started)
}

func TestCalibrator_MaxRounds(t *testing.T) {
	ctx := context.Background()
	d := newMockDriver()
	d.status = func(Target, int) Status { return StatusResample }

	c := newCalibrator(d, Config{MaxRounds: 2})
	var errs []error
	c.OnError(func(err error) { errs = append(errs, err) })

	_, err := c.Start(ctx, grid3x3())
	require.NoError(t, err)

	var last error
	for i := 0; i < 100; i++ {
		if _, err := c.BeginPointCapture(ctx); err != nil {
			last = err
			break
		}
		_, more, err := c.EndPointCapture(ctx)
		if err != nil {
			last = err
			break
		}
		require.True(t, more)
	}

	assert.ErrorIs(t, last, ErrRoundsExhausted)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRoundsExhausted)
	assert.Equal(t, 2, c.Round())

	rep, ok := c.Report()
	require.True(t, ok)
	assert.Len(t, rep.Bad(), 9)
}

func TestCalibrator_ConnectionLossReportsError(t *testing.T) {
	ctx := context.Background()
	d := newMockDriver()
	c := newCalibrator(d, Config{})
	var errs []error
	c.OnError(func(err error) { errs = append(errs, err) })

	_, err := c.Start(ctx, grid3x3())
	require.NoError(t, err)

	d.mu.Lock()
	d.pointErr = ErrConnectionLost
	d.mu.Unlock()

	_, err = c.BeginPointCapture(ctx)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, Failed, c.State())
	require.Len(t, errs, 1)

	// restart recovers
	d.mu.Lock()
	d.pointErr = nil
	d.mu.Unlock()
	_, err = c.Start(ctx, grid3x3())
	require.NoError(t, err)
	assert.Equal(t, PointQueued, c.State())
}

func TestCalibrator_RedoCommand(t *testing.T) {
	ctx := context.Background()
	c := newCalibrator(newMockDriver(), Config{})

	points := []Target{{100, 100}, {200, 200}}
	_, err := c.Redo(ctx, points)
	require.NoError(t, err)

	progress := drive(t, ctx, c)
	require.Len(t, progress, 2)
	for _, p := range progress {
		assert.True(t, p.IsRetry)
	}
	rep, ok := c.Report()
	require.True(t, ok)
	assert.Len(t, rep.Points, 2)
}

func TestCalibrator_CancelIsFireAndForget(t *testing.T) {
	ctx := context.Background()
	d := newMockDriver()
	c := newCalibrator(d, Config{})

	_, err := c.Start(ctx, grid3x3())
	require.NoError(t, err)
	_, err = c.BeginPointCapture(ctx)
	require.NoError(t, err)

	c.Cancel()
	assert.Equal(t, Idle, c.State())
	assert.Eventually(t, func() bool { return d.Aborts() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCalibrator_CancelDoesNotWaitForDriver(t *testing.T) {
	ctx := context.Background()
	d := &stallingDriver{mockDriver: newMockDriver(), entered: make(chan struct{}), release: make(chan struct{})}
	c := newCalibrator(d, Config{})

	_, err := c.Start(ctx, grid3x3())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := c.BeginPointCapture(ctx)
		errc <- err
	}()
	<-d.entered

	done := make(chan struct{})
	go func() {
		c.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel waited for the driver")
	}
	assert.Equal(t, Idle, c.State())
	assert.Eventually(t, func() bool { return d.Aborts() == 1 }, time.Second, 5*time.Millisecond)

	close(d.release)
	assert.ErrorIs(t, <-errc, ErrInvalidTransition)
	assert.Equal(t, Idle, c.State())

	_, err = c.Start(ctx, grid3x3())
	require.NoError(t, err)
	assert.Equal(t, PointQueued, c.State())
}

func TestCalibrator_UnreadableResultRedoesRound(t *testing.T) {
	ctx := context.Background()
	d := newMockDriver()
	d.resultErr = errTransient
	c := newCalibrator(d, Config{})
	var errs []error
	c.OnError(func(err error) { errs = append(errs, err) })

	_, err := c.Start(ctx, grid3x3())
	require.NoError(t, err)

	var more bool
	for i := 0; i < 9; i++ {
		_, err = c.BeginPointCapture(ctx)
		require.NoError(t, err)
		_, more, err = c.EndPointCapture(ctx)
		require.NoError(t, err)
	}
	require.True(t, more, "every point is redone")
	assert.Equal(t, 2, c.Round())
	assert.Equal(t, PointQueued, c.State())
	assert.Len(t, c.Remaining(), 9)
	assert.Empty(t, errs)

	rep, ok := c.Report()
	require.True(t, ok)
	assert.False(t, rep.Succeeded)
	assert.Len(t, rep.Bad(), 9)

	d.mu.Lock()
	d.resultErr = nil
	d.mu.Unlock()
	drive(t, ctx, c)
	assert.Equal(t, Complete, c.State())
}

func TestSequencer_Run(t *testing.T) {
	d := newMockDriver()
	c := newCalibrator(d, Config{Session: SessionConfig{MinStatus: StatusOK}})
	seq := NewSequencer(c, Timing{}, log.Discard())

	rep, err := seq.Run(context.Background(), grid3x3())
	require.NoError(t, err)
	assert.Len(t, rep.Points, 9)
	assert.True(t, rep.Accepted())
}

func TestSequencer_ContextCancelCancelsCalibration(t *testing.T) {
	d := newMockDriver()
	c := newCalibrator(d, Config{})
	seq := NewSequencer(c, Timing{Movement: time.Hour}, log.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := seq.Run(ctx, grid3x3())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Idle, c.State())
	assert.Eventually(t, func() bool { return d.Aborts() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSampleDriver(t *testing.T) {
	ctx := context.Background()
	d := NewSampleDriver(DefaultSampleDriverConfig())
	near := Target{X: 100, Y: 100}
	far := Target{X: 500, Y: 500}
	empty := Target{X: 900, Y: 900}

	require.NoError(t, d.Begin(ctx, 3))

	require.NoError(t, d.BeginPoint(ctx, near))
	for i := 0; i < 20; i++ {
		d.Observe(sample.Point{X: 103, Y: 104})
	}
	require.NoError(t, d.EndPoint(ctx))

	require.NoError(t, d.BeginPoint(ctx, far))
	for i := 0; i < 20; i++ {
		d.Observe(sample.Point{X: 600, Y: 500})
	}
	require.NoError(t, d.EndPoint(ctx))

	require.NoError(t, d.BeginPoint(ctx, empty))
	d.Observe(sample.Point{X: 900, Y: 900})
	require.NoError(t, d.EndPoint(ctx))

	d.Observe(sample.Point{X: 1, Y: 1}) // ignored outside a capture
	assert.ErrorIs(t, d.EndPoint(ctx), ErrNotCapturing)

	res, err := d.Result(ctx)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)

	want := []PointResult{
		{Target: near, Status: StatusOK, Accuracy: 5, MeanError: 5},
		{Target: far, Status: StatusResample, Accuracy: 100, MeanError: 100},
		{Target: empty, Status: StatusNoData},
	}
	assert.Empty(t, cmp.Diff(want, res.Points, cmpopts.EquateApprox(0, 1e-9)))
	assert.InDelta(t, 52.5, res.Accuracy, 1e-9)
}

func TestReport_YAML(t *testing.T) {
	rep := Report{
		Round: 2,
		Points: []PointReport{
			{Target: Target{X: 32, Y: 32}, Status: StatusOK, MeanError: 10, Started: true, Accepted: true},
			{Target: Target{X: 960, Y: 540}, Status: StatusResample, MeanError: 30, Started: true},
		},
	}
	rep.summarize()
	assert.InDelta(t, 20.0, rep.MeanError, 1e-9)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteYAML(&buf))
	assert.Contains(t, buf.String(), "status: resample")

	got, err := ReadYAML(&buf)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(rep, got))
	assert.Equal(t, []Target{{960, 540}}, got.Bad())
}
