package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/event"
)

var errClosed = errors.New("mock: connection closed")

// mockConn records writes; reads block until Close.
type mockConn struct {
	mu      sync.Mutex
	written [][]byte
	closes  int
	closed  chan struct{}
	once    sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{closed: make(chan struct{})}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	<-m.closed
	return 0, nil, errClosed
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageType == websocket.TextMessage {
		m.written = append(m.written, data)
	}
	return nil
}

func (m *mockConn) SetReadLimit(int64)                {}
func (m *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) SetPongHandler(func(string) error) {}

func (m *mockConn) Close() error {
	m.once.Do(func() { close(m.closed) })
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	return nil
}

func (m *mockConn) kinds(t *testing.T) []event.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Kind
	for _, b := range m.written {
		var e event.Event
		require.NoError(t, json.Unmarshal(b, &e))
		out = append(out, e.Kind)
	}
	return out
}

func TestHub_BroadcastsToInterestedClients(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := New(log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Run(ctx)
	}()

	all, grabs := newMockConn(), newMockConn()
	clients := []*Client{NewClient(h, all), NewClient(h, grabs, event.Grabbed, event.Released)}
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run()
		}()
	}
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	bus := event.NewBus()
	detach := h.Attach(bus)
	bus.Publish(event.New(event.HandAppeared, event.SourceGesture))
	bus.Publish(event.New(event.Grabbed, event.SourceGesture))
	bus.Publish(event.New(event.Moved, event.SourceGesture))
	detach()
	bus.Publish(event.New(event.Released, event.SourceGesture))

	require.Eventually(t, func() bool { return len(all.kinds(t)) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []event.Kind{event.HandAppeared, event.Grabbed, event.Moved}, all.kinds(t))
	require.Eventually(t, func() bool { return len(grabs.kinds(t)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []event.Kind{event.Grabbed}, grabs.kinds(t))

	// A client hanging up is unregistered
	grabs.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	all.Close()
	wg.Wait()
	assert.Equal(t, 0, h.ClientCount())
}

func TestHub_ClientAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := New(log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Run(ctx))

	conn := newMockConn()
	c := NewClient(h, conn)
	conn.Close()
	c.Run()
	assert.Equal(t, 0, h.ClientCount())
}
