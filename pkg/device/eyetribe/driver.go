package eyetribe

import (
	"context"
	"math"

	"github.com/teslashibe/go-attend/pkg/calibration"
)

var _ calibration.Driver = (*Client)(nil)

// Begin implements calibration.Driver.
func (c *Client) Begin(ctx context.Context, count int) error {
	c.mu.Lock()
	c.lastCalib = nil
	c.mu.Unlock()

	_, err := c.do(ctx, request{
		Category: categoryCalibration,
		Request:  "start",
		Values:   map[string]int{"pointcount": count},
	})
	return err
}

// BeginPoint implements calibration.Driver.
func (c *Client) BeginPoint(ctx context.Context, t calibration.Target) error {
	_, err := c.do(ctx, request{
		Category: categoryCalibration,
		Request:  "pointstart",
		Values:   map[string]int{"x": int(math.Round(t.X)), "y": int(math.Round(t.Y))},
	})
	return err
}

// EndPoint implements calibration.Driver. The server attaches the
// calibration result to the last pointend response.
func (c *Client) EndPoint(ctx context.Context) error {
	resp, err := c.do(ctx, request{Category: categoryCalibration, Request: "pointend"})
	if err != nil {
		return err
	}
	if resp.Values.CalibResult != nil {
		c.mu.Lock()
		c.lastCalib = resp.Values.CalibResult
		c.mu.Unlock()
	}
	return nil
}

// Result implements calibration.Driver. Without a result from pointend it
// asks the tracker for its current calibration.
func (c *Client) Result(ctx context.Context) (calibration.Result, error) {
	c.mu.Lock()
	cr := c.lastCalib
	c.mu.Unlock()

	if cr == nil {
		resp, err := c.do(ctx, request{
			Category: categoryTracker,
			Request:  "get",
			Values:   []string{"calibresult"},
		})
		if err != nil {
			return calibration.Result{}, err
		}
		cr = resp.Values.CalibResult
	}
	if cr == nil {
		return calibration.Result{}, nil
	}

	res := calibration.Result{
		Succeeded: cr.Result,
		Accuracy:  cr.Deg,
		Points:    make([]calibration.PointResult, 0, len(cr.CalibPoints)),
	}
	for _, p := range cr.CalibPoints {
		res.Points = append(res.Points, calibration.PointResult{
			Target:    calibration.Target{X: p.CP.X, Y: p.CP.Y},
			Status:    calibration.Status(p.State),
			Accuracy:  p.ACD.AD,
			MeanError: p.MEPix.MEP,
			StdDev:    p.ASDP.ASD,
		})
	}
	return res, nil
}

// Abort implements calibration.Driver.
func (c *Client) Abort(ctx context.Context) error {
	_, err := c.do(ctx, request{Category: categoryCalibration, Request: "abort"})
	return err
}

// Clear removes the tracker's stored calibration.
func (c *Client) Clear(ctx context.Context) error {
	_, err := c.do(ctx, request{Category: categoryCalibration, Request: "clear"})
	return err
}
