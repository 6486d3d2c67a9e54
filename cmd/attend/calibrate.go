package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/calibration"
	"github.com/teslashibe/go-attend/pkg/gaze"
	"github.com/teslashibe/go-attend/pkg/rig"
)

var errGazeDisabled = errors.New("calibrate: gaze is disabled in the configuration")

func newCalibrateCmd(a *app) *cobra.Command {
	var (
		out    string
		xCount int
		yCount int
		wait   time.Duration
	)
	timing := calibration.DefaultTiming()
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run a headless gaze calibration and write the report as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.config.Rig
			if !cfg.Gaze.Enabled {
				return errGazeDisabled
			}
			cfg.Gesture.Enabled = false
			grid := cfg.Gaze.Grid
			if xCount > 0 {
				grid.XCount = xCount
			}
			if yCount > 0 {
				grid.YCount = yCount
			}
			if err := grid.Validate(); err != nil {
				return err
			}

			r, err := rig.New(cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			runCtx, stop := context.WithCancel(gctx)
			defer stop()

			var rep calibration.Report
			g.Go(func() error { return r.Run(runCtx) })
			g.Go(func() error {
				defer stop()
				if err := waitReady(runCtx, r.Gaze(), wait); err != nil {
					return err
				}
				seq := calibration.NewSequencer(r.Gaze().Calibrator(), timing, log.L())
				var err error
				rep, err = seq.Run(runCtx, grid)
				return err
			})
			if err := g.Wait(); err != nil {
				return err
			}

			log.Info("calibration complete",
				"rounds", rep.Round,
				"accuracy", rep.Accuracy,
				"mean_error", rep.MeanError)
			return writeReport(cmd.OutOrStdout(), out, rep)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "report file (default stdout)")
	cmd.Flags().IntVar(&xCount, "x", 0, "targets per row (overrides gaze.grid_x)")
	cmd.Flags().IntVar(&yCount, "y", 0, "targets per column (overrides gaze.grid_y)")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the tracker")
	cmd.Flags().DurationVar(&timing.Movement, "movement", timing.Movement, "target travel time")
	cmd.Flags().DurationVar(&timing.CaptureDelay, "capture-delay", timing.CaptureDelay, "pause before each capture")
	return cmd
}

// waitReady blocks until the tracker is reachable.
func waitReady(ctx context.Context, a *gaze.Adapter, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !a.Ready() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("calibrate: eye tracker not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func writeReport(stdout io.Writer, path string, rep calibration.Report) error {
	if path == "" {
		return rep.WriteYAML(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	if err := rep.WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
