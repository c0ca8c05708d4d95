/*Package interfuse fuses a slow motor stage and a clocked photon counter
into one scanner-like device.

The stage thinks in step-and-settle moves; the counter thinks in clocked
sample buffers.  The interfuse reconciles the two behind the interface a
fast voltage-driven scanner would present: every pixel is a strict

	MoveTo -> wait for settle -> Acquire

sequence.  Overlapping the acquisition of one pixel with the motion toward
the next is deliberately not supported: on a mechanical stage the settle
time dominates, and counts gathered during settle would be tagged with an
undefined position.

The interfuse exclusively owns its two device handles for the life of a
session and serializes all operations through its state machine; at most one
move or acquisition is in flight at a time.  Concurrent callers must be
serialized upstream.
*/
package interfuse

import (
	"errors"
	"sync"
	"time"

	"github.com/diamond2nv/qudi/axis"
)

// State is a position in the interfuse lifecycle.
type State int

// lifecycle: Uninitialized -> Idle <-> {Moving -> Settling, Acquiring} -> ShutDown
const (
	Uninitialized State = iota
	Idle
	Moving
	Settling
	Acquiring
	ShutDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Idle:
		return "Idle"
	case Moving:
		return "Moving"
	case Settling:
		return "Settling"
	case Acquiring:
		return "Acquiring"
	case ShutDown:
		return "ShutDown"
	default:
		return "Invalid"
	}
}

// PositionDriver is the capability contract a motor stage must satisfy.
// MoveAbs may return before the axis has mechanically settled; the interfuse
// polls GetInPosition and will not acquire until settlement is confirmed.
type PositionDriver interface {
	// MoveAbs commands an axis to an absolute position
	MoveAbs(axis string, pos float64) error

	// GetPos returns the current position of an axis
	GetPos(axis string) (float64, error)

	// GetInPosition returns true if the axis has reached its target
	GetInPosition(axis string) (bool, error)

	// Stop halts motion on an axis
	Stop(axis string) error

	// Close releases the device handle
	Close() error
}

// CountAcquirer is the capability contract a clocked photon counter must
// satisfy.  ReadCounts returns exactly n entries, each the integral count
// accumulated over one clock period, oldest first.
type CountAcquirer interface {
	// ConfigureClock sets the acquisition clock frequency in Hz
	ConfigureClock(freqHz float64) error

	// ReadCounts acquires n clocked samples
	ReadCounts(n int) ([]uint64, error)

	// Flush drains any partially filled hardware buffer
	Flush() error

	// Close releases the device handle
	Close() error
}

// Sample is the result of one acquisition.  It is immutable once produced.
type Sample struct {
	// Position is the settled position vector the counts were taken at
	Position []float64 `json:"position"`

	// Counts holds one integral count per clock bin, oldest first
	Counts []uint64 `json:"counts"`

	// ClockHz is the clock frequency the counts were binned at
	ClockHz float64 `json:"clockHz"`

	// Index is the acquisition sequence number within the session
	Index uint64 `json:"index"`

	// Time is when the acquisition completed
	Time time.Time `json:"time"`
}

// Mean returns the average counts per clock bin.
func (s Sample) Mean() float64 {
	if len(s.Counts) == 0 {
		return 0
	}
	var sum float64
	for _, c := range s.Counts {
		sum += float64(c)
	}
	return sum / float64(len(s.Counts))
}

// Rate returns the mean count rate in counts per second.
func (s Sample) Rate() float64 {
	return s.Mean() * s.ClockHz
}

// Config holds the timing parameters of an interfuse session.
type Config struct {
	// WaitAfterMovement is the settle delay applied after the stage
	// reports in-position, to let mechanical ringing die out
	WaitAfterMovement time.Duration

	// SettlePoll is the interval at which GetInPosition is polled
	SettlePoll time.Duration

	// SettleTimeout bounds the wait for the stage to report in-position
	SettleTimeout time.Duration

	// ClockHz is the default acquisition clock frequency
	ClockHz float64

	// DwellBins is the number of clock bins acquired per pixel
	DwellBins int
}

func (c Config) withDefaults() Config {
	if c.SettlePoll <= 0 {
		c.SettlePoll = time.Millisecond
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 30 * time.Second
	}
	if c.ClockHz <= 0 {
		c.ClockHz = 50
	}
	if c.DwellBins <= 0 {
		c.DwellBins = 1
	}
	return c
}

// Interfuse presents a fast-scanner interface backed by a motor stage and a
// clocked counter.  Create one with New; the zero value is Uninitialized and
// rejects every operation.
type Interfuse struct {
	mu   sync.Mutex
	cond *sync.Cond

	state   State
	guard   *axis.RangeGuard
	stage   PositionDriver
	counter CountAcquirer
	cfg     Config

	labels  []string
	pos     []float64
	clockHz float64
	seq     uint64

	abort   chan struct{}
	aborted bool
}

// New wires a stage and counter behind a range guard and brings the session
// to Idle.  The initial position is read back from the stage; a read failure
// leaves the session Uninitialized and returns the error, so a session never
// starts with an unknown position.
func New(stage PositionDriver, counter CountAcquirer, guard *axis.RangeGuard, cfg Config) (*Interfuse, error) {
	if stage == nil || counter == nil {
		return nil, errors.New("interfuse: stage and counter must both be provided")
	}
	if guard == nil {
		return nil, errors.New("interfuse: range guard must be provided")
	}
	f := &Interfuse{
		state:   Uninitialized,
		guard:   guard,
		stage:   stage,
		counter: counter,
		cfg:     cfg.withDefaults(),
	}
	f.cond = sync.NewCond(&f.mu)
	axes := guard.Axes()
	f.labels = make([]string, len(axes))
	f.pos = make([]float64, len(axes))
	for i, ax := range axes {
		f.labels[i] = ax.Label
		p, err := stage.GetPos(ax.Label)
		if err != nil {
			return nil, &MotionError{Axis: ax.Label, State: Uninitialized, Err: err}
		}
		f.pos[i] = p
	}
	f.state = Idle
	return f, nil
}

// State returns the current lifecycle state.
func (f *Interfuse) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Position returns the last settled position vector.
func (f *Interfuse) Position() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.pos))
	copy(out, f.pos)
	return out
}

// ScanRange returns the active per-axis scan windows.
func (f *Interfuse) ScanRange() []axis.Span {
	return f.guard.Spans()
}

// Axes returns the axes of the backing stage, in command order.
func (f *Interfuse) Axes() []axis.Axis {
	return f.guard.Axes()
}

// begin transitions Idle -> next, rejecting the call in any other state.
func (f *Interfuse) begin(op string, next State) (chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == ShutDown {
		return nil, ErrShutDown
	}
	if f.state != Idle {
		return nil, StateError{Op: op, State: f.state}
	}
	f.state = next
	f.abort = make(chan struct{})
	f.aborted = false
	return f.abort, nil
}

// fail returns the session to Idle and passes err through.  Recoverable
// errors leave the interfuse safe to command again.
func (f *Interfuse) fail(err error) error {
	f.mu.Lock()
	f.state = Idle
	f.cond.Broadcast()
	f.mu.Unlock()
	return err
}

// failMove is fail for a move that may have left the stage partway to its
// target.  The cached position is re-read from the stage so the next caller
// sees where the axes actually are, not the pre-move vector.  Axes whose
// position cannot be read keep their last known value.
func (f *Interfuse) failMove(err error) error {
	for i, label := range f.labels {
		p, perr := f.stage.GetPos(label)
		if perr != nil {
			continue
		}
		f.mu.Lock()
		f.pos[i] = p
		f.mu.Unlock()
	}
	return f.fail(err)
}

func (f *Interfuse) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// MoveTo validates the requested vector against the range guard, then moves
// every axis and blocks until the stage has settled.  Validation is
// all-or-nothing: a violation on any axis rejects the whole vector before
// any axis has been commanded, and the state remains Idle.
func (f *Interfuse) MoveTo(requested []float64) error {
	f.mu.Lock()
	if f.state == ShutDown {
		f.mu.Unlock()
		return ErrShutDown
	}
	if f.state != Idle {
		st := f.state
		f.mu.Unlock()
		return StateError{Op: "MoveTo", State: st}
	}
	// guard every axis before moving any; a failure here has touched no hardware
	validated, err := f.guard.ValidateVector(requested)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.state = Moving
	f.abort = make(chan struct{})
	f.aborted = false
	abort := f.abort
	f.mu.Unlock()

	for i, label := range f.labels {
		// an abort halts the stage; issuing the remaining move commands
		// after the halt would re-command the motion it stopped
		select {
		case <-abort:
			return f.failMove(&MotionError{State: Moving, Err: ErrAborted})
		default:
		}
		if err := f.stage.MoveAbs(label, validated[i]); err != nil {
			return f.failMove(&MotionError{Axis: label, State: Moving, Err: err})
		}
	}
	if err := f.waitInPosition(abort); err != nil {
		return f.failMove(err)
	}

	// the stage reports arrived; hold through mechanical ringing
	f.setState(Settling)
	if f.cfg.WaitAfterMovement > 0 {
		select {
		case <-time.After(f.cfg.WaitAfterMovement):
		case <-abort:
			return f.failMove(&MotionError{State: Settling, Err: ErrAborted})
		}
	}

	f.mu.Lock()
	copy(f.pos, validated)
	f.state = Idle
	f.cond.Broadcast()
	f.mu.Unlock()
	return nil
}

// waitInPosition polls the stage until every axis reports settled.
func (f *Interfuse) waitInPosition(abort chan struct{}) error {
	deadline := time.Now().Add(f.cfg.SettleTimeout)
	for {
		lagging := ""
		for _, label := range f.labels {
			ok, err := f.stage.GetInPosition(label)
			if err != nil {
				return &MotionError{Axis: label, State: Moving, Err: err}
			}
			if !ok {
				lagging = label
				break
			}
		}
		if lagging == "" {
			return nil
		}
		if time.Now().After(deadline) {
			return &MotionError{Axis: lagging, State: Moving, Err: ErrSettleTimeout}
		}
		select {
		case <-time.After(f.cfg.SettlePoll):
		case <-abort:
			return &MotionError{Axis: lagging, State: Moving, Err: ErrAborted}
		}
	}
}

// Acquire reads one pixel's worth of clocked counts at the current settled
// position.  It is only valid from Idle; acquisition never overlaps motion.
// freqHz <= 0 selects the configured default clock.  The counter clock is
// only reconfigured when the frequency changes, so raster consumers pay the
// configuration cost once per scan rather than once per pixel.
func (f *Interfuse) Acquire(freqHz float64) (Sample, error) {
	if freqHz <= 0 {
		freqHz = f.cfg.ClockHz
	}
	abort, err := f.begin("Acquire", Acquiring)
	if err != nil {
		return Sample{}, err
	}
	f.mu.Lock()
	pos := make([]float64, len(f.pos))
	copy(pos, f.pos)
	f.mu.Unlock()

	if freqHz != f.clockHz {
		if err := f.counter.ConfigureClock(freqHz); err != nil {
			return Sample{}, f.fail(&AcquisitionError{State: Acquiring, Err: err})
		}
		f.clockHz = freqHz
	}
	counts, err := f.counter.ReadCounts(f.cfg.DwellBins)
	if err != nil {
		// drain the partial hardware buffer so stale samples cannot
		// contaminate the next acquisition
		f.counter.Flush()
		return Sample{}, f.fail(&AcquisitionError{State: Acquiring, Err: err})
	}
	select {
	case <-abort:
		f.counter.Flush()
		return Sample{}, f.fail(&AcquisitionError{State: Acquiring, Err: ErrAborted})
	default:
	}

	f.mu.Lock()
	s := Sample{
		Position: pos,
		Counts:   counts,
		ClockHz:  freqHz,
		Index:    f.seq,
		Time:     time.Now(),
	}
	f.seq++
	f.state = Idle
	f.cond.Broadcast()
	f.mu.Unlock()
	return s, nil
}

// Abort cancels the in-flight operation, if any.  For motion it attempts to
// halt the physical stage, not merely stop waiting.  Abort of an idle
// session is a no-op.
func (f *Interfuse) Abort() error {
	f.mu.Lock()
	st := f.state
	var ch chan struct{}
	if (st == Moving || st == Settling || st == Acquiring) && !f.aborted {
		f.aborted = true
		ch = f.abort
	}
	f.mu.Unlock()
	if ch == nil {
		return nil
	}
	close(ch)
	if st == Acquiring {
		return nil
	}
	var firstErr error
	for _, label := range f.labels {
		if err := f.stage.Stop(label); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown aborts any in-flight operation, waits for it to unwind, and
// releases both device handles.  The session is terminal afterwards.
func (f *Interfuse) Shutdown() error {
	f.mu.Lock()
	if f.state == ShutDown {
		f.mu.Unlock()
		return nil
	}
	inFlight := f.state == Moving || f.state == Settling || f.state == Acquiring
	f.mu.Unlock()
	if inFlight {
		f.Abort()
	}
	f.mu.Lock()
	for f.state != Idle && f.state != Uninitialized {
		if f.state == ShutDown {
			f.mu.Unlock()
			return nil
		}
		f.cond.Wait()
	}
	f.state = ShutDown
	f.mu.Unlock()
	stageErr := f.stage.Close()
	counterErr := f.counter.Close()
	if stageErr != nil {
		return stageErr
	}
	return counterErr
}
