package calibration

import (
	"context"
	"sync"
)

// mockDriver is a scripted Driver. status decides the verdict for each
// captured target in each driver-level round.
type mockDriver struct {
	mu sync.Mutex

	status      func(t Target, round int) Status
	beginErr    error
	resultErr   error
	pointErr    error           // returned by every BeginPoint when set
	failOnce    map[Target]bool // BeginPoint fails once for these targets
	endErr      error
	beginCounts []int
	round       int
	current     Target
	captured    []Target
	beginPoints []Target
	aborts      int
}

func newMockDriver() *mockDriver {
	return &mockDriver{
		status:   func(Target, int) Status { return StatusOK },
		failOnce: make(map[Target]bool),
	}
}

func (m *mockDriver) Begin(_ context.Context, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return m.beginErr
	}
	m.round++
	m.beginCounts = append(m.beginCounts, count)
	m.captured = nil
	return nil
}

func (m *mockDriver) BeginPoint(_ context.Context, t Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginPoints = append(m.beginPoints, t)
	if m.pointErr != nil {
		return m.pointErr
	}
	if m.failOnce[t] {
		delete(m.failOnce, t)
		return errTransient
	}
	m.current = t
	return nil
}

func (m *mockDriver) EndPoint(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endErr != nil {
		return m.endErr
	}
	m.captured = append(m.captured, m.current)
	return nil
}

func (m *mockDriver) Result(_ context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resultErr != nil {
		return Result{}, m.resultErr
	}
	res := Result{Succeeded: true, Accuracy: 0.5}
	for _, t := range m.captured {
		s := m.status(t, m.round)
		if s != StatusOK {
			res.Succeeded = false
		}
		res.Points = append(res.Points, PointResult{
			Target:    Target{X: float64(int(t.X)), Y: float64(int(t.Y))},
			Status:    s,
			Accuracy:  0.5,
			MeanError: 20,
			StdDev:    4,
		})
	}
	return res, nil
}

func (m *mockDriver) Abort(_ context.Context) error {
	m.mu.Lock()
	m.aborts++
	m.mu.Unlock()
	return nil
}

func (m *mockDriver) Aborts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborts
}

func (m *mockDriver) BeginCounts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.beginCounts...)
}

// stallingDriver holds the first BeginPoint until release is closed.
type stallingDriver struct {
	*mockDriver
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (d *stallingDriver) BeginPoint(ctx context.Context, t Target) error {
	d.once.Do(func() {
		close(d.entered)
		<-d.release
	})
	return d.mockDriver.BeginPoint(ctx, t)
}
