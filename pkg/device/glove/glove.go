// Package glove reads a flex-sensor data glove over a serial port.
//
// The glove firmware prints one line per sample:
//
//	x,y,z,grab,pinch
//
// with the palm position in millimetres and both strengths in [0, 1]. Lines
// starting with '#' are firmware diagnostics.
package glove

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/device"
	"github.com/teslashibe/go-attend/pkg/sample"
)

// ErrMalformedLine is returned by ParseLine.
var ErrMalformedLine = errors.New("glove: malformed line")

// Opener opens the serial link. Tests substitute an in-memory pipe.
type Opener func(name string, mode *serial.Mode) (io.ReadCloser, error)

// OpenSerial opens a real serial port.
func OpenSerial(name string, mode *serial.Mode) (io.ReadCloser, error) {
	return serial.Open(name, mode)
}

// Config holds glove settings.
type Config struct {
	Port       string        // Serial device, e.g. /dev/ttyACM0
	BaudRate   int           // Line speed
	Side       device.Side   // Hand wearing the glove
	StaleAfter time.Duration // A sample older than this means tracking is lost
	RetryDelay time.Duration // Minimum gap between open attempts
	Box        device.Box    // Reachable volume in millimetres
}

// DefaultConfig returns the settings of the lab glove.
func DefaultConfig() Config {
	return Config{
		Port:       "/dev/ttyACM0",
		BaudRate:   115200,
		Side:       device.Right,
		StaleAfter: 250 * time.Millisecond,
		RetryDelay: time.Second,
		Box: device.Box{
			Center: sample.Point{Y: 200},
			Size:   sample.Point{X: 400, Y: 400, Z: 300},
		},
	}
}

// ParseLine decodes one firmware line.
func ParseLine(line string) (sample.Point, float64, float64, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 5 {
		return sample.Point{}, 0, 0, fmt.Errorf("%w: %d fields", ErrMalformedLine, len(fields))
	}
	var v [5]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return sample.Point{}, 0, 0, fmt.Errorf("%w: %w", ErrMalformedLine, err)
		}
		v[i] = x
	}
	return sample.Point{X: v[0], Y: v[1], Z: v[2]}, v[3], v[4], nil
}

// Glove implements device.HandSource.
type Glove struct {
	config Config
	open   Opener
	logger *slog.Logger

	mu       sync.Mutex
	port     io.ReadCloser
	latest   device.Hand
	at       time.Time
	hasHand  bool
	lastErr  error
	lastOpen time.Time
	closed   bool
	readers  sync.WaitGroup
	now      func() time.Time
}

// Option configures a Glove.
type Option func(*Glove)

// WithOpener replaces the serial opener.
func WithOpener(o Opener) Option {
	return func(g *Glove) { g.open = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Glove) { g.logger = l }
}

// New creates a glove reader. The port is opened on the first poll.
func New(config Config, opts ...Option) *Glove {
	g := &Glove{
		config: config,
		open:   OpenSerial,
		logger: log.L(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "glove", "port", config.Port)
	return g
}

// connect must be called with mu held.
func (g *Glove) connect() error {
	if g.closed {
		return device.ErrClosed
	}
	if g.port != nil {
		return nil
	}
	if !g.lastOpen.IsZero() && g.now().Sub(g.lastOpen) < g.config.RetryDelay {
		if g.lastErr != nil {
			return g.lastErr
		}
		return device.ErrNotConnected
	}
	g.lastOpen = g.now()

	port, err := g.open(g.config.Port, &serial.Mode{
		BaudRate: g.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		g.lastErr = fmt.Errorf("glove: open %s: %w: %w", g.config.Port, device.ErrNotConnected, err)
		return g.lastErr
	}
	g.port = port
	g.lastErr = nil
	g.hasHand = false
	g.readers.Add(1)
	go g.monitor(port)
	g.logger.Info("opened")
	return nil
}

func (g *Glove) monitor(port io.ReadCloser) {
	defer g.readers.Done()
	scan := bufio.NewScanner(port)
	for scan.Scan() {
		line := scan.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		palm, grab, pinch, err := ParseLine(line)
		if err != nil {
			g.logger.Debug("skipping line", "line", line, "error", err)
			continue
		}
		g.mu.Lock()
		g.latest = device.Hand{
			ID:    1,
			Side:  g.config.Side,
			Palm:  palm,
			Grab:  grab,
			Pinch: pinch,
		}
		g.at = g.now()
		g.hasHand = true
		g.mu.Unlock()
	}

	err := scan.Err()
	if err == nil {
		err = io.EOF
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.port != port {
		return
	}
	g.port = nil
	port.Close()
	if !g.closed {
		g.lastErr = fmt.Errorf("glove: read: %w: %w", device.ErrNotConnected, err)
		g.logger.Warn("link lost", "error", err)
	}
}

// NextHands implements device.HandSource.
func (g *Glove) NextHands(ctx context.Context) (device.HandFrame, device.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.connect(); err != nil {
		return device.HandFrame{}, device.Failed, err
	}
	if !g.hasHand || g.now().Sub(g.at) > g.config.StaleAfter {
		return device.HandFrame{}, device.Lost, nil
	}
	return device.HandFrame{
		Time:  g.at,
		Hands: []device.Hand{g.latest},
		Box:   g.config.Box,
	}, device.Tracking, nil
}

// Close closes the port and waits for the reader to exit.
func (g *Glove) Close() error {
	g.mu.Lock()
	g.closed = true
	port := g.port
	g.port = nil
	g.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	g.readers.Wait()
	return err
}
