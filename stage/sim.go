package stage

import (
	"math"
	"sync"
	"time"
)

// Sim is a simulated stage with constant-velocity motion.  Position is
// interpolated against the wall clock, so GetPos and GetInPosition behave
// like a real controller without a background goroutine.  Velocity <= 0
// makes every move instantaneous, which is what tests want.
type Sim struct {
	mu sync.Mutex

	velocity float64 // axis units per second

	start  map[string]float64
	target map[string]float64
	t0     map[string]time.Time
}

// NewSim returns a simulated stage moving at the given velocity.
func NewSim(velocity float64) *Sim {
	return &Sim{
		velocity: velocity,
		start:    map[string]float64{},
		target:   map[string]float64{},
		t0:       map[string]time.Time{},
	}
}

// posAt interpolates the position of an axis at time t.  Callers hold mu.
func (s *Sim) posAt(axis string, t time.Time) float64 {
	tgt := s.target[axis]
	if s.velocity <= 0 {
		return tgt
	}
	from := s.start[axis]
	dist := math.Abs(tgt - from)
	dur := time.Duration(dist / s.velocity * float64(time.Second))
	elapsed := t.Sub(s.t0[axis])
	if elapsed >= dur || dur == 0 {
		return tgt
	}
	frac := float64(elapsed) / float64(dur)
	return from + (tgt-from)*frac
}

// MoveAbs starts a move toward pos
func (s *Sim) MoveAbs(axis string, pos float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.start[axis] = s.posAt(axis, now)
	s.target[axis] = pos
	s.t0[axis] = now
	return nil
}

// GetPos returns the interpolated current position
func (s *Sim) GetPos(axis string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posAt(axis, time.Now()), nil
}

// GetInPosition returns true once the move duration has elapsed
func (s *Sim) GetInPosition(axis string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posAt(axis, time.Now()) == s.target[axis], nil
}

// Stop freezes the axis where it currently is
func (s *Sim) Stop(axis string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	here := s.posAt(axis, now)
	s.start[axis] = here
	s.target[axis] = here
	s.t0[axis] = now
	return nil
}

// Close is a no-op for the simulated stage
func (s *Sim) Close() error {
	return nil
}
