// Package axis contains the axis model for a scanning stage and the range
// guard that validates every commanded position before it reaches hardware.
package axis

import "fmt"

// Axis is one scannable dimension of a positioning stage.
type Axis struct {
	// Label identifies the axis to the motion controller, e.g. "x" or "z"
	Label string `yaml:"label" koanf:"label"`

	// Min is the lower end of physical travel, in axis units (meters for
	// linear axes)
	Min float64 `yaml:"min" koanf:"min"`

	// Max is the upper end of physical travel
	Max float64 `yaml:"max" koanf:"max"`

	// Step is the minimum resolvable increment.  Zero disables quantization.
	Step float64 `yaml:"step" koanf:"step"`
}

// Span is a (min, max) pair, used for the per-session scan window of an axis.
type Span struct {
	Min float64 `yaml:"min" koanf:"min"`
	Max float64 `yaml:"max" koanf:"max"`
}

// Contains returns true if min <= v <= max, boundaries included.
func (s Span) Contains(v float64) bool {
	return s.Min <= v && v <= s.Max
}

func (s Span) String() string {
	return fmt.Sprintf("[%g, %g]", s.Min, s.Max)
}
