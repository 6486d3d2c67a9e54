package calibration

import "fmt"

// DefaultMargin is the inset of the outer targets from the screen edges.
const DefaultMargin = 32

// Target is a calibration point in screen pixels.
type Target struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

func (t Target) String() string {
	return fmt.Sprintf("(%.0f, %.0f)", t.X, t.Y)
}

// Grid describes an XCount by YCount layout of targets inset by Margin from
// each screen edge.
type Grid struct {
	XCount int     `json:"x_count"`
	YCount int     `json:"y_count"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Margin float64 `json:"margin"`
}

// DefaultGrid returns the 3x3 layout used for gaze calibration.
func DefaultGrid(width, height float64) Grid {
	return Grid{XCount: 3, YCount: 3, Width: width, Height: height, Margin: DefaultMargin}
}

// Validate checks the grid can produce targets.
func (g Grid) Validate() error {
	if g.XCount < 1 || g.YCount < 1 {
		return fmt.Errorf("%w: %dx%d points", ErrInvalidGrid, g.XCount, g.YCount)
	}
	if g.Margin < 0 || g.Width <= 2*g.Margin || g.Height <= 2*g.Margin {
		return fmt.Errorf("%w: %vx%v screen with margin %v", ErrInvalidGrid, g.Width, g.Height, g.Margin)
	}
	return nil
}

// Points returns the targets row by row. A single row or column lies on the
// centre line.
func (g Grid) Points() ([]Target, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	points := make([]Target, 0, g.XCount*g.YCount)
	for y := 0; y < g.YCount; y++ {
		for x := 0; x < g.XCount; x++ {
			points = append(points, Target{
				X: axis(x, g.XCount, g.Width, g.Margin),
				Y: axis(y, g.YCount, g.Height, g.Margin),
			})
		}
	}
	return points, nil
}

func axis(i, count int, size, margin float64) float64 {
	if count == 1 {
		return size / 2
	}
	step := (size - 2*margin) / float64(count-1)
	return margin + float64(i)*step
}
