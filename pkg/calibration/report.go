package calibration

import (
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"
)

// PointReport is the evaluated outcome of one target.
type PointReport struct {
	Target    Target  `json:"target" yaml:"target"`
	Status    Status  `json:"status" yaml:"status"`
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
	MeanError float64 `json:"mean_error" yaml:"mean_error"`
	StdDev    float64 `json:"std_dev" yaml:"std_dev"`
	Started   bool    `json:"started" yaml:"started"` // capture started without a driver error
	Accepted  bool    `json:"accepted" yaml:"accepted"`
}

// Report summarises one calibration round.
type Report struct {
	SessionID uuid.UUID     `json:"session_id" yaml:"session_id"`
	Round     int           `json:"round" yaml:"round"`
	Succeeded bool          `json:"succeeded" yaml:"succeeded"` // driver-level verdict
	Accuracy  float64       `json:"accuracy" yaml:"accuracy"`   // driver-level average accuracy
	Points    []PointReport `json:"points" yaml:"points"`

	// Aggregates over the per-point mean errors
	MeanError   float64 `json:"mean_error" yaml:"mean_error"`
	StdDevError float64 `json:"std_dev_error" yaml:"std_dev_error"`
}

// Accepted reports whether every point passed.
func (r Report) Accepted() bool {
	for _, p := range r.Points {
		if !p.Accepted {
			return false
		}
	}
	return len(r.Points) > 0
}

// Bad returns the targets that must be redone, in report order.
func (r Report) Bad() []Target {
	var bad []Target
	for _, p := range r.Points {
		if !p.Accepted {
			bad = append(bad, p.Target)
		}
	}
	return bad
}

// summarize fills in the aggregate error statistics.
func (r *Report) summarize() {
	errs := make([]float64, 0, len(r.Points))
	for _, p := range r.Points {
		if p.Status != StatusNoData {
			errs = append(errs, p.MeanError)
		}
	}
	switch len(errs) {
	case 0:
		r.MeanError, r.StdDevError = 0, 0
	case 1:
		r.MeanError, r.StdDevError = errs[0], 0
	default:
		r.MeanError, r.StdDevError = stat.MeanStdDev(errs, nil)
	}
}

// WriteYAML writes the report as YAML.
func (r Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("calibration: encode report: %w", err)
	}
	return enc.Close()
}

// MarshalYAML renders statuses by name.
func (s Status) MarshalYAML() (any, error) {
	return s.String(), nil
}

// UnmarshalYAML accepts the names written by MarshalYAML.
func (s *Status) UnmarshalYAML(n *yaml.Node) error {
	switch n.Value {
	case "no_data":
		*s = StatusNoData
	case "resample":
		*s = StatusResample
	case "ok":
		*s = StatusOK
	default:
		return fmt.Errorf("calibration: unknown status %q", n.Value)
	}
	return nil
}

// ReadYAML decodes a report written by WriteYAML.
func ReadYAML(r io.Reader) (Report, error) {
	var rep Report
	if err := yaml.NewDecoder(r).Decode(&rep); err != nil {
		return Report{}, fmt.Errorf("calibration: decode report: %w", err)
	}
	return rep, nil
}

// match finds the driver result for t. Drivers echo targets back, possibly
// rounded to whole pixels.
func match(results []PointResult, t Target) (PointResult, bool) {
	best, found := PointResult{}, false
	bestDist := 1.0
	for _, r := range results {
		d := math.Hypot(r.Target.X-t.X, r.Target.Y-t.Y)
		if d <= bestDist {
			best, bestDist, found = r, d, true
		}
	}
	return best, found
}
