package counter

import (
	"errors"
	"testing"
)

func TestSimRequiresClock(t *testing.T) {
	s := NewSim(1000)
	_, err := s.ReadCounts(1)
	if !errors.Is(err, ErrClockNotConfigured) {
		t.Errorf("expected ErrClockNotConfigured, got %v", err)
	}
}

func TestSimRejectsBadClock(t *testing.T) {
	s := NewSim(1000)
	if err := s.ConfigureClock(0); err == nil {
		t.Error("expected zero clock frequency to be rejected")
	}
	if err := s.ConfigureClock(-5); err == nil {
		t.Error("expected negative clock frequency to be rejected")
	}
}

func TestSimReturnsExactlyNSamples(t *testing.T) {
	s := NewSim(1e6)
	if err := s.ConfigureClock(1e6); err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{1, 5, 64} {
		out, err := s.ReadCounts(n)
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != n {
			t.Errorf("expected %d samples, got %d", n, len(out))
		}
	}
}

func TestSimCountsTrackMeanRate(t *testing.T) {
	s := NewSim(1e6) // 1 count per bin at 1 MHz
	if err := s.ConfigureClock(1e6); err != nil {
		t.Fatal(err)
	}
	out, err := s.ReadCounts(1000)
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, c := range out {
		sum += float64(c)
	}
	mean := sum / float64(len(out))
	// lambda = 1; the sample mean of 1000 draws should land well inside [0.7, 1.3]
	if mean < 0.7 || mean > 1.3 {
		t.Errorf("sample mean %g too far from lambda 1", mean)
	}
}

func TestSimDarkCounts(t *testing.T) {
	s := NewSim(0)
	if err := s.ConfigureClock(1e6); err != nil {
		t.Fatal(err)
	}
	out, err := s.ReadCounts(10)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range out {
		if c != 0 {
			t.Errorf("bin %d: expected zero counts from a dark counter, got %d", i, c)
		}
	}
}
