package counter

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ErrClockNotConfigured is generated when ReadCounts is called before
// ConfigureClock
var ErrClockNotConfigured = errors.New("counter clock not configured")

// Sim is a simulated photon counter producing Poisson counts around a mean
// rate.  Reads block for the real clocked duration so timing behaves like
// hardware; configure a fast clock in tests.
type Sim struct {
	mu sync.Mutex

	// MeanRate is the simulated signal in counts per second
	MeanRate float64

	freq float64
	rng  *rand.Rand
}

// NewSim returns a simulated counter with the given mean count rate.
func NewSim(meanRate float64) *Sim {
	return &Sim{
		MeanRate: meanRate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// poisson draws a Poisson variate with the given expectation.  Knuth's
// method below lambda 30, normal approximation above.
func (s *Sim) poisson(lambda float64) uint64 {
	if lambda <= 0 {
		return 0
	}
	if lambda > 30 {
		v := lambda + math.Sqrt(lambda)*s.rng.NormFloat64()
		if v < 0 {
			return 0
		}
		return uint64(math.Round(v))
	}
	l := math.Exp(-lambda)
	var k uint64
	p := 1.0
	for {
		p *= s.rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}

// ConfigureClock sets the count bin frequency in Hz
func (s *Sim) ConfigureClock(freqHz float64) error {
	if freqHz <= 0 {
		return errors.New("clock frequency must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freq = freqHz
	return nil
}

// ReadCounts blocks for n clock periods and returns n Poisson samples
func (s *Sim) ReadCounts(n int) ([]uint64, error) {
	s.mu.Lock()
	freq := s.freq
	mean := s.MeanRate
	s.mu.Unlock()
	if freq <= 0 {
		return nil, ErrClockNotConfigured
	}
	time.Sleep(time.Duration(float64(n) / freq * float64(time.Second)))
	lambda := mean / freq
	out := make([]uint64, n)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range out {
		out[i] = s.poisson(lambda)
	}
	return out, nil
}

// Flush is a no-op for the simulated counter; there is no hardware buffer
func (s *Sim) Flush() error {
	return nil
}

// Close is a no-op for the simulated counter
func (s *Sim) Close() error {
	return nil
}
