package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/teslashibe/go-attend/internal/log"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("device: driver process already started")

// SupervisorConfig describes an external driver process.
type SupervisorConfig struct {
	Command       string        // Executable, e.g. "eyetribe"
	Args          []string      // Command-line arguments
	Addr          string        // host:port that accepts connections once ready
	ProbeInterval time.Duration // How often to probe Addr
	StopGrace     time.Duration // Wait after interrupt before killing
}

// DefaultSupervisorConfig returns defaults for the EyeTribe server.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Command:       "EyeTribe",
		Addr:          "127.0.0.1:6555",
		ProbeInterval: 250 * time.Millisecond,
		StopGrace:     5 * time.Second,
	}
}

// Supervisor runs a driver process and reports when it accepts connections.
type Supervisor struct {
	config SupervisorConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	ready   chan struct{}
	done    chan struct{}
	waitErr error
	cancel  context.CancelFunc
}

// NewSupervisor creates a supervisor; nothing runs until Start.
func NewSupervisor(config SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = log.L()
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 250 * time.Millisecond
	}
	return &Supervisor{
		config: config,
		logger: logger.With("component", "supervisor", "command", config.Command),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the process. Readiness is reported later through Ready.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(s.config.Command, s.config.Args...)
	cmd.WaitDelay = s.config.StopGrace
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("device: start %s: %w", s.config.Command, err)
	}
	s.cmd = cmd
	s.logger.Info("driver process started", "pid", cmd.Process.Pid)

	probeCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.wait(cmd)
	go s.probe(probeCtx)
	return nil
}

func (s *Supervisor) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	s.mu.Lock()
	s.waitErr = err
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("driver process exited", "error", err)
	} else {
		s.logger.Info("driver process exited")
	}
	close(s.done)
}

// probe dials Addr until it succeeds, the process exits or ctx is done.
func (s *Supervisor) probe(ctx context.Context) {
	if s.config.Addr == "" {
		close(s.ready)
		return
	}
	ticker := time.NewTicker(s.config.ProbeInterval)
	defer ticker.Stop()

	var d net.Dialer
	for {
		dialCtx, cancel := context.WithTimeout(ctx, s.config.ProbeInterval)
		conn, err := d.DialContext(dialCtx, "tcp", s.config.Addr)
		cancel()
		if err == nil {
			conn.Close()
			s.logger.Info("driver ready", "addr", s.config.Addr)
			close(s.ready)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// Ready is closed once the driver accepts connections.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed once the process has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Stop interrupts the process and waits up to StopGrace for it to exit
// before killing it. It returns once the process is gone or ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, cancel := s.cmd, s.cancel
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	cancel()

	select {
	case <-s.done:
		return s.exitErr()
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("interrupt failed", "error", err)
	}

	grace := time.NewTimer(s.config.StopGrace)
	defer grace.Stop()
	select {
	case <-s.done:
		return s.exitErr()
	case <-grace.C:
		s.logger.Warn("driver did not exit in time, killing", "grace", s.config.StopGrace)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("device: kill %s: %w", s.config.Command, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exitErr hides the error a process reports for the interrupt we sent.
func (s *Supervisor) exitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ee *exec.ExitError
	if errors.As(s.waitErr, &ee) {
		return nil
	}
	return s.waitErr
}
