// Package eyetribe is a client for the EyeTribe tracker server's TCP JSON
// API. It polls gaze frames in pull mode and drives the tracker's built-in
// calibration.
package eyetribe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	json "github.com/json-iterator/go"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/calibration"
	"github.com/teslashibe/go-attend/pkg/device"
	"github.com/teslashibe/go-attend/pkg/sample"
)

// DefaultAddr is where the EyeTribe server listens.
const DefaultAddr = "127.0.0.1:6555"

// ErrRequestFailed is returned for non-200 responses.
var ErrRequestFailed = errors.New("eyetribe: request failed")

// Config holds client settings.
type Config struct {
	Addr        string        // Server address
	DialTimeout time.Duration // Upper bound for connecting
	IOTimeout   time.Duration // Used when the caller's context has no deadline
}

// DefaultConfig returns the defaults of a local server.
func DefaultConfig() Config {
	return Config{
		Addr:        DefaultAddr,
		DialTimeout: time.Second,
		IOTimeout:   2 * time.Second,
	}
}

// Client talks to one EyeTribe server. Requests are serialised; the
// connection is redialled lazily after a failure.
type Client struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	dec    *json.Decoder
	w      *bufio.Writer
	closed bool

	lastCalib *calibResult
}

// New creates a client. It does not connect until the first request.
func New(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = log.L()
	}
	return &Client{
		config: config,
		logger: logger.With("component", "eyetribe"),
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
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", c.config.Addr)
	if err != nil {
		return fmt.Errorf("eyetribe: dial %s: %w: %w: %w",
			c.config.Addr, device.ErrNotConnected, calibration.ErrConnectionLost, err)
	}
	c.conn = conn
	c.dec = json.NewDecoder(conn)
	c.w = bufio.NewWriter(conn)
	c.logger.Info("connected", "addr", c.config.Addr)
	return nil
}

// drop must be called with mu held.
func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.dec = nil
		c.w = nil
	}
}

// do sends req and waits for the matching response, skipping notifications.
func (c *Client) do(ctx context.Context, req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return response{}, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.IOTimeout)
	}
	c.conn.SetDeadline(deadline)

	b, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("eyetribe: encode: %w", err)
	}
	if _, err := c.w.Write(append(b, '\n')); err == nil {
		err = c.w.Flush()
	}
	if err != nil {
		c.drop()
		return response{}, fmt.Errorf("eyetribe: write: %w: %w", calibration.ErrConnectionLost, err)
	}

	for {
		var resp response
		if err := c.dec.Decode(&resp); err != nil {
			c.drop()
			return response{}, fmt.Errorf("eyetribe: read: %w: %w", calibration.ErrConnectionLost, err)
		}
		if resp.Category != req.Category || (req.Request != "" && resp.Request != req.Request) {
			c.logger.Debug("skipping notification", "category", resp.Category, "status", resp.StatusCode)
			continue
		}
		if resp.StatusCode != statusOK {
			return resp, fmt.Errorf("%w: %s %s: %d %s", ErrRequestFailed,
				req.Category, req.Request, resp.StatusCode, resp.Values.StatusMsg)
		}
		return resp, nil
	}
}

// NextGaze implements device.GazeSource.
func (c *Client) NextGaze(ctx context.Context) (device.GazeFrame, device.Status, error) {
	resp, err := c.do(ctx, request{
		Category: categoryTracker,
		Request:  "get",
		Values:   []string{"frame"},
	})
	if err != nil {
		return device.GazeFrame{}, device.Failed, err
	}
	f := resp.Values.Frame
	if f == nil {
		return device.GazeFrame{}, device.Lost, nil
	}

	gf := device.GazeFrame{
		Time:     time.Now(),
		Gaze:     sample.Point{X: f.Avg.X, Y: f.Avg.Y},
		Raw:      sample.Point{X: f.Raw.X, Y: f.Raw.Y},
		LeftEye:  sample.Point{X: f.LeftEye.PCenter.X, Y: f.LeftEye.PCenter.Y},
		RightEye: sample.Point{X: f.RightEye.PCenter.X, Y: f.RightEye.PCenter.Y},
		State:    f.State,
	}
	if f.State&stateTracking == 0 {
		return gf, device.Lost, nil
	}
	return gf, device.Tracking, nil
}

// Heartbeat keeps the server from dropping an idle connection.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.do(ctx, request{Category: categoryHeartbeat})
	return err
}

// Close closes the connection. Later requests fail with device.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.drop()
	return nil
}
