package axis

import (
	"fmt"

	"github.com/diamond2nv/qudi/mathx"
	"github.com/diamond2nv/qudi/util"
)

// ConfigError indicates an invalid axis or scan range configuration.  It is
// fatal; a guard is never constructed from a bad configuration.
type ConfigError struct {
	Axis string
	Msg  string
}

func (e ConfigError) Error() string {
	if e.Axis == "" {
		return "axis config: " + e.Msg
	}
	return fmt.Sprintf("axis config, axis %s: %s", e.Axis, e.Msg)
}

// OutOfRangeError indicates a requested position outside the active scan
// window.  No hardware has been touched when it is returned.
type OutOfRangeError struct {
	Axis      string
	Requested float64
	Bound     float64
}

func (e OutOfRangeError) Error() string {
	return fmt.Sprintf("requested position %g on axis %s violates scan range bound %g", e.Requested, e.Axis, e.Bound)
}

// RangeGuard validates commanded positions against per-axis scan windows.
// The windows must be subsets of the axes' physical travel; this is enforced
// at construction.  A guard holds no mutable state and may be shared freely.
//
// Requested values are quantized to the nearest multiple of the axis Step
// before the bounds check.  This is the documented resolution policy: values
// that are not exact step multiples are rounded, never rejected.
type RangeGuard struct {
	axes  []Axis
	spans []Span
	index map[string]int
}

// NewRangeGuard builds a guard for the given axes and scan windows.  spans
// must have one entry per axis, in the same order.  Every span must satisfy
// min <= max and lie inside the axis's physical travel, otherwise a
// ConfigError is returned and no guard is built.
func NewRangeGuard(axes []Axis, spans []Span) (*RangeGuard, error) {
	if len(axes) == 0 {
		return nil, ConfigError{Msg: "no axes configured"}
	}
	if len(spans) != len(axes) {
		return nil, ConfigError{Msg: fmt.Sprintf("have %d axes but %d scan ranges", len(axes), len(spans))}
	}
	index := make(map[string]int, len(axes))
	for i, ax := range axes {
		if ax.Label == "" {
			return nil, ConfigError{Msg: fmt.Sprintf("axis %d has no label", i)}
		}
		if _, ok := index[ax.Label]; ok {
			return nil, ConfigError{Axis: ax.Label, Msg: "duplicate label"}
		}
		if ax.Min > ax.Max {
			return nil, ConfigError{Axis: ax.Label, Msg: fmt.Sprintf("travel range [%g, %g] has the wrong order", ax.Min, ax.Max)}
		}
		if ax.Step < 0 {
			return nil, ConfigError{Axis: ax.Label, Msg: fmt.Sprintf("negative step %g", ax.Step)}
		}
		sp := spans[i]
		if sp.Min > sp.Max {
			return nil, ConfigError{Axis: ax.Label, Msg: fmt.Sprintf("scan range %s has the wrong order", sp)}
		}
		if sp.Min < ax.Min || sp.Max > ax.Max {
			return nil, ConfigError{Axis: ax.Label, Msg: fmt.Sprintf("scan range %s exceeds travel range [%g, %g]", sp, ax.Min, ax.Max)}
		}
		index[ax.Label] = i
	}
	return &RangeGuard{axes: axes, spans: spans, index: index}, nil
}

// NAxes returns the number of guarded axes.
func (g *RangeGuard) NAxes() int {
	return len(g.axes)
}

// Axes returns a copy of the guarded axes, in command order.
func (g *RangeGuard) Axes() []Axis {
	out := make([]Axis, len(g.axes))
	copy(out, g.axes)
	return out
}

// Spans returns a copy of the active scan windows, in axis order.
func (g *RangeGuard) Spans() []Span {
	out := make([]Span, len(g.spans))
	copy(out, g.spans)
	return out
}

// Index returns the command-order index for an axis label.
func (g *RangeGuard) Index(label string) (int, error) {
	i, ok := g.index[label]
	if !ok {
		return 0, ConfigError{Axis: label, Msg: "unknown axis"}
	}
	return i, nil
}

// quantize snaps v to the axis step grid.  Rounding can carry a value an
// epsilon past a boundary it was exactly on; snap back within half a step so
// the boundary values of the window remain commandable.
func quantize(v float64, ax Axis, sp Span) float64 {
	if ax.Step == 0 {
		return v
	}
	v = mathx.Round(v, ax.Step)
	half := ax.Step / 2
	if v < sp.Min && sp.Min-v <= half {
		v = sp.Min
	}
	if v > sp.Max && v-sp.Max <= half {
		v = sp.Max
	}
	return v
}

// Validate quantizes the requested value to the axis step and checks it
// against the scan window.  On violation it returns an OutOfRangeError
// carrying the violated bound; the caller decides whether to clamp or abort.
// There is no silent clamping here.
func (g *RangeGuard) Validate(label string, requested float64) (float64, error) {
	i, err := g.Index(label)
	if err != nil {
		return 0, err
	}
	v := quantize(requested, g.axes[i], g.spans[i])
	sp := g.spans[i]
	if v < sp.Min {
		return 0, OutOfRangeError{Axis: label, Requested: requested, Bound: sp.Min}
	}
	if v > sp.Max {
		return 0, OutOfRangeError{Axis: label, Requested: requested, Bound: sp.Max}
	}
	return v, nil
}

// Clamp is the explicit, opt-in best-effort variant of Validate: the
// quantized value is clipped into the scan window instead of rejected.
func (g *RangeGuard) Clamp(label string, requested float64) (float64, error) {
	i, err := g.Index(label)
	if err != nil {
		return 0, err
	}
	v := quantize(requested, g.axes[i], g.spans[i])
	sp := g.spans[i]
	return util.Clamp(v, sp.Min, sp.Max), nil
}

// ValidateVector validates one coordinate per axis, in command order.  It is
// all-or-nothing: a violation on any axis rejects the whole vector, so no
// axis moves on a partially valid request.  The returned slice holds the
// quantized coordinates.
func (g *RangeGuard) ValidateVector(requested []float64) ([]float64, error) {
	if len(requested) != len(g.axes) {
		return nil, ConfigError{Msg: fmt.Sprintf("position vector has %d coordinates, want %d", len(requested), len(g.axes))}
	}
	out := make([]float64, len(requested))
	for i, ax := range g.axes {
		v, err := g.Validate(ax.Label, requested[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
