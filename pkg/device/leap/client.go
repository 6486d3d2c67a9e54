// Package leap is a client for the Leap Motion service's WebSocket frame
// stream.
package leap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/device"
	"github.com/teslashibe/go-attend/pkg/sample"
)

// DefaultURL is the local Leap service endpoint (protocol v6).
const DefaultURL = "ws://127.0.0.1:6437/v6.json"

// Config holds client settings.
type Config struct {
	URL              string        // Service endpoint
	HandshakeTimeout time.Duration // WebSocket handshake limit
	StaleAfter       time.Duration // A frame older than this means tracking is lost
	ReconnectDelay   time.Duration // Minimum gap between dial attempts
}

// DefaultConfig returns the defaults of a local service.
func DefaultConfig() Config {
	return Config{
		URL:              DefaultURL,
		HandshakeTimeout: 2 * time.Second,
		StaleAfter:       500 * time.Millisecond,
		ReconnectDelay:   time.Second,
	}
}

type wireHand struct {
	ID                     int64      `json:"id"`
	Type                   string     `json:"type"`
	PalmPosition           [3]float64 `json:"palmPosition"`
	StabilizedPalmPosition [3]float64 `json:"stabilizedPalmPosition"`
	SphereRadius           float64    `json:"sphereRadius"`
	GrabStrength           float64    `json:"grabStrength"`
	PinchStrength          float64    `json:"pinchStrength"`
}

type wireFrame struct {
	ID             int64      `json:"id"`
	Timestamp      int64      `json:"timestamp"`
	Version        int        `json:"version"` // set only on the service greeting
	Hands          []wireHand `json:"hands"`
	InteractionBox *struct {
		Center [3]float64 `json:"center"`
		Size   [3]float64 `json:"size"`
	} `json:"interactionBox"`
}

func vec(v [3]float64) sample.Point {
	return sample.Point{X: v[0], Y: v[1], Z: v[2]}
}

func (w wireFrame) toFrame(at time.Time) device.HandFrame {
	f := device.HandFrame{Time: at, Hands: make([]device.Hand, 0, len(w.Hands))}
	if w.InteractionBox != nil {
		f.Box = device.Box{Center: vec(w.InteractionBox.Center), Size: vec(w.InteractionBox.Size)}
	}
	for _, h := range w.Hands {
		side := device.Right
		if h.Type == "left" {
			side = device.Left
		}
		palm := h.StabilizedPalmPosition
		if palm == [3]float64{} {
			palm = h.PalmPosition
		}
		f.Hands = append(f.Hands, device.Hand{
			ID:           h.ID,
			Side:         side,
			Palm:         vec(palm),
			SphereRadius: h.SphereRadius,
			Grab:         h.GrabStrength,
			Pinch:        h.PinchStrength,
		})
	}
	return f
}

// Client keeps the latest frame pushed by the Leap service. The connection is
// established on demand and re-established after it drops.
type Client struct {
	config Config
	logger *slog.Logger

	// Callbacks
	OnConnected  func()          // Called when the stream opens
	OnDisconnect func(err error) // Called when the stream drops

	mu       sync.Mutex
	conn     *websocket.Conn
	latest   device.HandFrame
	hasFrame bool
	lastErr  error
	lastDial time.Time
	closed   bool
	readers  sync.WaitGroup
	now      func() time.Time
}

// New creates a client.
func New(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = log.L()
	}
	return &Client{
		config: config,
		logger: logger.With("component", "leap"),
		now:    time.Now,
	}
}

// connect must be called with mu held.
func (c *Client) connect(ctx context.Context) error {
	if c.closed {
		return device.ErrClosed
	}
	if c.conn != nil {
		return nil
	}
	if !c.lastDial.IsZero() && c.now().Sub(c.lastDial) < c.config.ReconnectDelay {
		if c.lastErr != nil {
			return c.lastErr
		}
		return device.ErrNotConnected
	}
	c.lastDial = c.now()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		c.lastErr = fmt.Errorf("leap: dial %s: %w: %w", c.config.URL, device.ErrNotConnected, err)
		return c.lastErr
	}

	// Frames are only streamed to unfocused clients in background mode
	for _, msg := range []map[string]bool{{"background": true}, {"focused": true}} {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			c.lastErr = fmt.Errorf("leap: configure stream: %w: %w", device.ErrNotConnected, err)
			return c.lastErr
		}
	}

	c.conn = conn
	c.lastErr = nil
	c.hasFrame = false
	c.readers.Add(1)
	go c.readLoop(conn)

	c.logger.Info("connected", "url", c.config.URL)
	if c.OnConnected != nil {
		c.OnConnected()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.readers.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.disconnected(conn, err)
			return
		}

		var w wireFrame
		if err := json.Unmarshal(data, &w); err != nil {
			c.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		if w.Version != 0 && w.ID == 0 {
			c.logger.Debug("service greeting", "version", w.Version)
			continue
		}

		c.mu.Lock()
		c.latest = w.toFrame(c.now())
		c.hasFrame = true
		c.mu.Unlock()
	}
}

func (c *Client) disconnected(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	if !closed {
		c.lastErr = fmt.Errorf("leap: stream: %w: %w", device.ErrNotConnected, err)
	}
	cb := c.OnDisconnect
	c.mu.Unlock()

	conn.Close()
	if !closed {
		c.logger.Warn("disconnected", "error", err)
		if cb != nil {
			cb(err)
		}
	}
}

// NextHands implements device.HandSource.
func (c *Client) NextHands(ctx context.Context) (device.HandFrame, device.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return device.HandFrame{}, device.Failed, err
	}
	if !c.hasFrame || c.now().Sub(c.latest.Time) > c.config.StaleAfter {
		return device.HandFrame{}, device.Lost, nil
	}
	f := c.latest
	f.Hands = append([]device.Hand(nil), f.Hands...)
	return f, device.Tracking, nil
}

// Close closes the stream and waits for the reader to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.readers.Wait()
	return nil
}
