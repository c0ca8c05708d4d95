// Package raster drives ordered scans through the scanner interfuse and
// assembles the returned samples into image frames.
//
// Every pixel is a strict move -> settle -> acquire sequence; samples come
// back in exactly the order positions were requested, which downstream image
// assembly depends on.
package raster

import (
	"errors"
	"fmt"

	"github.com/diamond2nv/qudi/interfuse"
)

// Scanner is the slice of the interfuse a sequencer drives.
type Scanner interface {
	// MoveTo moves to a position vector, blocking until settled
	MoveTo([]float64) error

	// Acquire reads one pixel of clocked counts at the settled position
	Acquire(freqHz float64) (interfuse.Sample, error)
}

// Sequencer issues ordered position requests to a scanner and collects the
// returned samples.  It must be the only driver of its scanner for the
// duration of a scan.
type Sequencer struct {
	// ClockHz is the acquisition clock used for every pixel; zero selects
	// the interfuse default
	ClockHz float64

	// OnPixel, if set, is called after every acquired pixel with the
	// number done and the total.  Used for progress reporting.
	OnPixel func(done, total int)

	sc Scanner
}

// NewSequencer returns a sequencer driving sc.
func NewSequencer(sc Scanner, clockHz float64) *Sequencer {
	return &Sequencer{sc: sc, ClockHz: clockHz}
}

// Linspace returns n evenly spaced values from lo to hi, boundaries
// included.  n must be at least 1; n == 1 yields just lo.
func Linspace(lo, hi float64, n int) []float64 {
	if n < 1 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// ScanLine scans the given positions in order and returns one sample per
// position, in the same order.  The scan stops at the first error; the
// samples acquired so far are returned with it.
func (s *Sequencer) ScanLine(points [][]float64) ([]interfuse.Sample, error) {
	samples := make([]interfuse.Sample, 0, len(points))
	for i, p := range points {
		if err := s.sc.MoveTo(p); err != nil {
			return samples, fmt.Errorf("pixel %d: %w", i, err)
		}
		smp, err := s.sc.Acquire(s.ClockHz)
		if err != nil {
			return samples, fmt.Errorf("pixel %d: %w", i, err)
		}
		samples = append(samples, smp)
		if s.OnPixel != nil {
			s.OnPixel(i+1, len(points))
		}
	}
	return samples, nil
}

// Grid describes a 2D raster over two axes of the scanner, holding the
// remaining axes at the base vector's values.
type Grid struct {
	// Base is the full position vector; the two scanned coordinates are
	// overwritten per pixel
	Base []float64

	// XIndex and YIndex select which coordinates of Base are rastered
	XIndex, YIndex int

	// Xs and Ys are the column and row coordinates.  Rows are scanned
	// outer (Ys), columns inner (Xs): row-major order.
	Xs, Ys []float64
}

// Points expands the grid into its ordered position vectors, row-major.
func (g Grid) Points() ([][]float64, error) {
	n := len(g.Base)
	if g.XIndex < 0 || g.XIndex >= n || g.YIndex < 0 || g.YIndex >= n {
		return nil, fmt.Errorf("grid axis indices (%d, %d) out of range for %d axes", g.XIndex, g.YIndex, n)
	}
	if g.XIndex == g.YIndex {
		return nil, errors.New("grid must raster two distinct axes")
	}
	if len(g.Xs) == 0 || len(g.Ys) == 0 {
		return nil, errors.New("grid has an empty scan dimension")
	}
	out := make([][]float64, 0, len(g.Xs)*len(g.Ys))
	for _, y := range g.Ys {
		for _, x := range g.Xs {
			p := make([]float64, n)
			copy(p, g.Base)
			p[g.XIndex] = x
			p[g.YIndex] = y
			out = append(out, p)
		}
	}
	return out, nil
}

// Frame is one completed raster image.
type Frame struct {
	// Width and Height are the pixel dimensions
	Width, Height int

	// Xs and Ys are the commanded coordinates of the columns and rows
	Xs, Ys []float64

	// Data holds the mean count rate per pixel in counts/s, row-major
	Data []float64

	// Samples holds the raw acquisition samples, row-major
	Samples []interfuse.Sample
}

// ScanFrame rasters the grid and assembles the samples into a Frame.
func (s *Sequencer) ScanFrame(g Grid) (*Frame, error) {
	points, err := g.Points()
	if err != nil {
		return nil, err
	}
	samples, err := s.ScanLine(points)
	if err != nil {
		return nil, err
	}
	fr := &Frame{
		Width:   len(g.Xs),
		Height:  len(g.Ys),
		Xs:      append([]float64(nil), g.Xs...),
		Ys:      append([]float64(nil), g.Ys...),
		Data:    make([]float64, len(samples)),
		Samples: samples,
	}
	for i, smp := range samples {
		fr.Data[i] = smp.Rate()
	}
	return fr, nil
}

// At returns the count rate at pixel (col, row).
func (f *Frame) At(col, row int) float64 {
	return f.Data[row*f.Width+col]
}
