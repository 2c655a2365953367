package timestamp

import (
	"fmt"

	"github.com/zsiec/vidclock/internal/media"
)

// RegressionPolicy synthesizes a duration when the media clock did not
// advance between two frames. Implementations must return a positive value;
// anything else is replaced by the nominal duration.
type RegressionPolicy interface {
	Correct(prev, nominal float64) float64
}

// HalvePrevious uses half of the previous frame's duration. It matches the
// behavior some camera firmwares need when they repeat RTP timestamps.
type HalvePrevious struct{}

func (HalvePrevious) Correct(prev, _ float64) float64 { return prev / 2 }

// NominalFrame uses 1/fps.
type NominalFrame struct{}

func (NominalFrame) Correct(_, nominal float64) float64 { return nominal }

// RegressionFunc adapts a function to RegressionPolicy.
type RegressionFunc func(prev, nominal float64) float64

func (f RegressionFunc) Correct(prev, nominal float64) float64 { return f(prev, nominal) }

// ParseRegressionPolicy maps a config name to a policy.
func ParseRegressionPolicy(name string) (RegressionPolicy, error) {
	switch name {
	case "", "halve":
		return HalvePrevious{}, nil
	case "nominal":
		return NominalFrame{}, nil
	default:
		return nil, fmt.Errorf("timestamp: unknown regression policy %q", name)
	}
}

// ClockRegressionError describes a corrected non-increasing media clock.
// It is informational: the timeline has already been repaired.
type ClockRegressionError struct {
	Prev      int64
	Got       int64
	Corrected int64
	Duration  float64
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("timestamp: media clock %d did not advance past %d, corrected to %d (%.3fs)",
		e.Got, e.Prev, e.Corrected, e.Duration)
}

func (e *ClockRegressionError) Unwrap() error {
	return media.ErrClockRegression
}
