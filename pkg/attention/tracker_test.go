package attention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/sample"
)

var t0 = time.Unix(1_700_000_000, 0)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Set(d time.Duration)     { c.now = t0.Add(d) }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recorder struct {
	fixated     []sample.Sample
	invalidated []sample.Sample
}

func newTracker(t *testing.T) (*Tracker, *fakeClock, *recorder) {
	t.Helper()
	clock := &fakeClock{now: t0}
	tr, err := New(Config{
		DwellDuration: 100 * time.Millisecond,
		DwellRange:    10,
		StalePeriod:   time.Second,
	}, WithClock(clock.Now), WithLogger(log.Discard()))
	require.NoError(t, err)

	rec := &recorder{}
	tr.Fixated.Subscribe(func(s sample.Sample) { rec.fixated = append(rec.fixated, s) })
	tr.Invalidated.Subscribe(func(s sample.Sample) { rec.invalidated = append(rec.invalidated, s) })
	return tr, clock, rec
}

// feed pushes a sample at offset ms and moves the clock with it.
func feed(tr *Tracker, clock *fakeClock, x, y float64, ms int) {
	d := time.Duration(ms) * time.Millisecond
	clock.Set(d)
	tr.Update(sample.New(x, y, t0.Add(d)))
}

// fixate produces a fixation at (100,100) stamped t0.
func fixate(tr *Tracker, clock *fakeClock) {
	feed(tr, clock, 100, 100, 0)
	feed(tr, clock, 101, 100, 50)
	feed(tr, clock, 99, 100, 100)
}

func TestTracker_FixationIsAdopted(t *testing.T) {
	tr, clock, rec := newTracker(t)
	fixate(tr, clock)

	require.Len(t, rec.fixated, 1)
	assert.Equal(t, sample.Point{X: 100, Y: 100}, rec.fixated[0].Point)

	a := tr.AttentivePosition(false)
	assert.True(t, a.Valid)
	assert.True(t, a.Fixation)
	assert.Equal(t, sample.Point{X: 100, Y: 100}, a.Point)
	assert.Equal(t, t0, a.Time)
}

func TestTracker_StalenessRoundTrip(t *testing.T) {
	tr, clock, rec := newTracker(t)
	fixate(tr, clock)

	// leave the fixation: the clock starts at 150ms
	feed(tr, clock, 300, 300, 150)
	assert.False(t, tr.InDwell())

	clock.Set(150*time.Millisecond + time.Second - time.Millisecond)
	a := tr.AttentivePosition(false)
	assert.True(t, a.Fixation, "fixation must survive inside the stale period")
	assert.Equal(t, sample.Point{X: 100, Y: 100}, a.Point)
	assert.Empty(t, rec.invalidated)

	clock.Set(150*time.Millisecond + time.Second + time.Millisecond)
	a = tr.AttentivePosition(false)
	assert.False(t, a.Fixation)
	assert.Equal(t, sample.Point{X: 300, Y: 300}, a.Point)
	require.Len(t, rec.invalidated, 1)
	assert.Equal(t, sample.Point{X: 100, Y: 100}, rec.invalidated[0].Point)

	clock.Advance(time.Second)
	tr.AttentivePosition(false)
	feed(tr, clock, 500, 500, 3000)
	assert.Len(t, rec.invalidated, 1, "invalidation fires once")

	_, ok := tr.LastFixation()
	assert.False(t, ok)
}

func TestTracker_UpdateExpiresFixation(t *testing.T) {
	tr, clock, rec := newTracker(t)
	fixate(tr, clock)
	feed(tr, clock, 300, 300, 150)

	feed(tr, clock, 600, 600, 1200)
	assert.Len(t, rec.invalidated, 1)
}

func TestTracker_NewFixationStopsClock(t *testing.T) {
	tr, clock, rec := newTracker(t)
	fixate(tr, clock)
	feed(tr, clock, 300, 300, 150)

	// dwell again near (300,300)
	feed(tr, clock, 301, 300, 200)
	feed(tr, clock, 300, 301, 260)
	require.Len(t, rec.fixated, 2)

	clock.Set(10 * time.Second)
	a := tr.AttentivePosition(false)
	assert.True(t, a.Fixation)
	assert.InDelta(t, 300.33, a.Point.X, 0.01)
	assert.Empty(t, rec.invalidated)
}

func TestTracker_ClearConsumesFixation(t *testing.T) {
	tr, clock, _ := newTracker(t)
	fixate(tr, clock)

	a := tr.AttentivePosition(true)
	assert.True(t, a.Fixation)

	b := tr.AttentivePosition(false)
	assert.False(t, b.Fixation)
	assert.Equal(t, sample.Point{X: 99, Y: 100}, b.Point)
}

func TestTracker_EmptyIsInvalid(t *testing.T) {
	tr, _, _ := newTracker(t)
	assert.False(t, tr.AttentivePosition(false).Valid)
}

func TestTracker_Setters(t *testing.T) {
	tr, _, _ := newTracker(t)

	assert.ErrorIs(t, tr.SetStalePeriod(-time.Second), ErrInvalidStalePeriod)
	assert.Equal(t, time.Second, tr.StalePeriod())

	require.NoError(t, tr.SetStalePeriod(2*time.Second))
	assert.Equal(t, 2*time.Second, tr.StalePeriod())

	assert.Error(t, tr.SetDwellRange(0))
	assert.Equal(t, 10.0, tr.DwellRange())

	require.NoError(t, tr.SetDwellDuration(time.Second))
	assert.Equal(t, time.Second, tr.DwellDuration())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{DwellDuration: time.Second, DwellRange: 0}, WithLogger(log.Discard()))
	assert.Error(t, err)

	_, err = New(Config{DwellRange: 1, StalePeriod: -1}, WithLogger(log.Discard()))
	assert.ErrorIs(t, err, ErrInvalidStalePeriod)
}

func TestLatest(t *testing.T) {
	older := Attention{Point: sample.Point{X: 1}, Time: t0, Valid: true}
	newer := Attention{Point: sample.Point{X: 2}, Time: t0.Add(time.Second), Valid: true}

	tests := []struct {
		name string
		a, b Attention
		want Attention
	}{
		{"newer right", older, newer, newer},
		{"newer left", newer, older, newer},
		{"equal keeps left", older, Attention{Point: sample.Point{X: 9}, Time: t0, Valid: true}, older},
		{"absent left", Attention{}, older, older},
		{"absent right", newer, Attention{}, newer},
		{"both absent", Attention{}, Attention{}, Attention{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Latest(tt.a, tt.b))
		})
	}
}
