package interfuse

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diamond2nv/qudi/axis"
	"github.com/diamond2nv/qudi/mathx"
)

type moveCmd struct {
	axis string
	pos  float64
}

// fakeStage is an instrumented PositionDriver.  pollsUntilSettled controls
// how many GetInPosition polls an axis reports "not settled" after a move.
// ops records every move and stop command in hardware order; onMove, if set,
// is invoked after a move command lands, outside the lock.
type fakeStage struct {
	mu                sync.Mutex
	pos               map[string]float64
	moves             []moveCmd
	stops             []string
	ops               []string
	pollsUntilSettled int
	pending           map[string]int
	moveErr           error
	posErr            error
	closed            bool
	onMove            func(ax string)
}

func newFakeStage() *fakeStage {
	return &fakeStage{
		pos:     map[string]float64{},
		pending: map[string]int{},
	}
}

func (s *fakeStage) MoveAbs(ax string, p float64) error {
	s.mu.Lock()
	if s.moveErr != nil {
		s.mu.Unlock()
		return s.moveErr
	}
	s.moves = append(s.moves, moveCmd{ax, p})
	s.ops = append(s.ops, "MOV "+ax)
	s.pos[ax] = p
	s.pending[ax] = s.pollsUntilSettled
	hook := s.onMove
	s.mu.Unlock()
	if hook != nil {
		hook(ax)
	}
	return nil
}

func (s *fakeStage) GetPos(ax string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.posErr != nil {
		return 0, s.posErr
	}
	return s.pos[ax], nil
}

func (s *fakeStage) GetInPosition(ax string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[ax] > 0 {
		s.pending[ax]--
		return false, nil
	}
	return true, nil
}

func (s *fakeStage) Stop(ax string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, ax)
	s.ops = append(s.ops, "HLT "+ax)
	s.pending[ax] = 0
	return nil
}

func (s *fakeStage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStage) moveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.moves)
}

// fakeCounter is an instrumented CountAcquirer.  onRead is invoked from
// ReadCounts so tests can assert the interfuse state at acquisition time.
type fakeCounter struct {
	mu         sync.Mutex
	configured []float64
	reads      []int
	flushes    int
	readErr    error
	cfgErr     error
	closed     bool
	onRead     func(n int)
}

func (c *fakeCounter) ConfigureClock(f float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfgErr != nil {
		return c.cfgErr
	}
	c.configured = append(c.configured, f)
	return nil
}

func (c *fakeCounter) ReadCounts(n int) ([]uint64, error) {
	if c.onRead != nil {
		c.onRead(n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	c.reads = append(c.reads, n)
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(100 + i)
	}
	return out, nil
}

func (c *fakeCounter) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

func (c *fakeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func testGuard(t *testing.T) *axis.RangeGuard {
	t.Helper()
	axes := []axis.Axis{
		{Label: "x", Min: 0, Max: 300e-6, Step: 1e-9},
		{Label: "y", Min: 0, Max: 300e-6, Step: 1e-9},
		{Label: "z", Min: 0, Max: 300e-6, Step: 1e-9},
	}
	spans := []axis.Span{
		{Min: 0, Max: 300e-6},
		{Min: 0, Max: 300e-6},
		{Min: 150e-6, Max: 160e-6},
	}
	g, err := axis.NewRangeGuard(axes, spans)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func testFuse(t *testing.T, stage *fakeStage, counter *fakeCounter) *Interfuse {
	t.Helper()
	stage.pos["z"] = 150e-6
	f, err := New(stage, counter, testGuard(t), Config{ClockHz: 50})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestNewReadsInitialPosition(t *testing.T) {
	stage := newFakeStage()
	stage.pos["x"] = 1e-6
	stage.pos["y"] = 2e-6
	stage.pos["z"] = 155e-6
	f, err := New(stage, &fakeCounter{}, testGuard(t), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if f.State() != Idle {
		t.Errorf("expected Idle after construction, got %s", f.State())
	}
	pos := f.Position()
	want := []float64{1e-6, 2e-6, 155e-6}
	for i := range want {
		if pos[i] != want[i] {
			t.Errorf("axis %d: expected initial position %g, got %g", i, want[i], pos[i])
		}
	}
}

func TestNewFailsWhenPositionUnreadable(t *testing.T) {
	stage := newFakeStage()
	stage.posErr = errors.New("stage busy")
	_, err := New(stage, &fakeCounter{}, testGuard(t), Config{})
	var me *MotionError
	if !errors.As(err, &me) {
		t.Fatalf("expected MotionError, got %v", err)
	}
	if me.State != Uninitialized {
		t.Errorf("expected the error to carry Uninitialized, got %s", me.State)
	}
}

// the lens-safety scenario: absolute z travel [0, 300]um, active scan window
// [150, 160]um.  A request to 170um must fail naming the violated bound and
// the stage must receive zero move commands.
func TestOutOfRangeTouchesNoHardware(t *testing.T) {
	stage := newFakeStage()
	f := testFuse(t, stage, &fakeCounter{})
	err := f.MoveTo([]float64{1e-6, 1e-6, 170e-6})
	var oor axis.OutOfRangeError
	if !errors.As(err, &oor) {
		t.Fatalf("expected OutOfRangeError, got %v", err)
	}
	if oor.Axis != "z" || oor.Requested != 170e-6 || oor.Bound != 160e-6 {
		t.Errorf("wrong error contents: %+v", oor)
	}
	if n := stage.moveCount(); n != 0 {
		t.Errorf("expected zero move commands on rejected vector, got %d", n)
	}
	if f.State() != Idle {
		t.Errorf("expected Idle after rejected move, got %s", f.State())
	}
}

func TestMoveToUpdatesPosition(t *testing.T) {
	stage := newFakeStage()
	f := testFuse(t, stage, &fakeCounter{})
	want := []float64{10e-6, 20e-6, 155e-6}
	if err := f.MoveTo(want); err != nil {
		t.Fatal(err)
	}
	pos := f.Position()
	for i := range want {
		if !mathx.AlmostEqual(pos[i], want[i], 1e-12) {
			t.Errorf("axis %d: expected %g, got %g", i, want[i], pos[i])
		}
	}
	if n := stage.moveCount(); n != 3 {
		t.Errorf("expected 3 move commands, got %d", n)
	}
}

func TestMoveToPollsUntilSettled(t *testing.T) {
	stage := newFakeStage()
	stage.pollsUntilSettled = 3
	f := testFuse(t, stage, &fakeCounter{})
	f.cfg.SettlePoll = time.Microsecond
	if err := f.MoveTo([]float64{1e-6, 1e-6, 155e-6}); err != nil {
		t.Fatal(err)
	}
	if f.State() != Idle {
		t.Errorf("expected Idle after settled move, got %s", f.State())
	}
}

func TestSettleTimeout(t *testing.T) {
	stage := newFakeStage()
	stage.pollsUntilSettled = 1 << 30 // never settles
	f := testFuse(t, stage, &fakeCounter{})
	f.cfg.SettlePoll = time.Microsecond
	f.cfg.SettleTimeout = 2 * time.Millisecond
	err := f.MoveTo([]float64{1e-6, 1e-6, 155e-6})
	var me *MotionError
	if !errors.As(err, &me) {
		t.Fatalf("expected MotionError, got %v", err)
	}
	if !errors.Is(err, ErrSettleTimeout) {
		t.Errorf("expected ErrSettleTimeout, got %v", me.Err)
	}
	if f.State() != Idle {
		t.Errorf("session should be Idle (recoverable) after timeout, got %s", f.State())
	}
}

func TestMotionErrorSurfacedNotRetried(t *testing.T) {
	stage := newFakeStage()
	f := testFuse(t, stage, &fakeCounter{})
	stage.moveErr = errors.New("stage fault")
	err := f.MoveTo([]float64{1e-6, 1e-6, 155e-6})
	var me *MotionError
	if !errors.As(err, &me) {
		t.Fatalf("expected MotionError, got %v", err)
	}
	if me.State != Moving {
		t.Errorf("expected error to carry Moving state, got %s", me.State)
	}
	if n := stage.moveCount(); n != 0 {
		t.Errorf("expected no retry after fault, stage saw %d successful moves", n)
	}
	// session remains usable
	stage.moveErr = nil
	if err := f.MoveTo([]float64{1e-6, 1e-6, 155e-6}); err != nil {
		t.Errorf("expected session to recover after fault, got %v", err)
	}
}

// acquisition must only ever happen with the interfuse in Acquiring, entered
// from Idle; never during Moving or Settling
func TestAcquireOnlyWhenSettled(t *testing.T) {
	stage := newFakeStage()
	counter := &fakeCounter{}
	f := testFuse(t, stage, counter)
	counter.onRead = func(n int) {
		if st := f.State(); st != Acquiring {
			t.Errorf("counter read issued in state %s, want Acquiring", st)
		}
	}
	for i := 0; i < 3; i++ {
		if err := f.MoveTo([]float64{float64(i) * 1e-6, 0, 155e-6}); err != nil {
			t.Fatal(err)
		}
		if _, err := f.Acquire(50); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAcquireRejectedMidMove(t *testing.T) {
	stage := newFakeStage()
	stage.pollsUntilSettled = 1 << 30
	counter := &fakeCounter{}
	f := testFuse(t, stage, counter)
	f.cfg.SettlePoll = 100 * time.Microsecond
	f.cfg.SettleTimeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- f.MoveTo([]float64{1e-6, 1e-6, 155e-6}) }()
	// wait until the move is in flight
	for f.State() != Moving {
		time.Sleep(10 * time.Microsecond)
	}
	_, err := f.Acquire(50)
	var se StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError for Acquire during move, got %v", err)
	}
	if len(counter.reads) != 0 {
		t.Error("counter must not be read while the stage is moving")
	}
	f.Abort()
	<-done
}

func TestAcquisitionOrderMatchesRequestOrder(t *testing.T) {
	stage := newFakeStage()
	counter := &fakeCounter{}
	f := testFuse(t, stage, counter)
	targets := [][]float64{
		{0, 0, 155e-6},
		{1e-6, 0, 155e-6},
		{2e-6, 0, 155e-6},
	}
	var samples []Sample
	for _, p := range targets {
		if err := f.MoveTo(p); err != nil {
			t.Fatal(err)
		}
		s, err := f.Acquire(50)
		if err != nil {
			t.Fatal(err)
		}
		samples = append(samples, s)
	}
	for i, s := range samples {
		if s.Index != uint64(i) {
			t.Errorf("sample %d has sequence index %d", i, s.Index)
		}
		if !mathx.AlmostEqual(s.Position[0], targets[i][0], 1e-12) {
			t.Errorf("sample %d tagged with position %g, want %g", i, s.Position[0], targets[i][0])
		}
	}
}

func TestClockConfiguredOncePerFrequency(t *testing.T) {
	stage := newFakeStage()
	counter := &fakeCounter{}
	f := testFuse(t, stage, counter)
	for i := 0; i < 5; i++ {
		if _, err := f.Acquire(100); err != nil {
			t.Fatal(err)
		}
	}
	if len(counter.configured) != 1 {
		t.Errorf("expected one clock configuration for repeated frequency, got %d", len(counter.configured))
	}
	if _, err := f.Acquire(200); err != nil {
		t.Fatal(err)
	}
	if len(counter.configured) != 2 {
		t.Errorf("expected reconfiguration on frequency change, got %d configs", len(counter.configured))
	}
}

func TestAcquisitionErrorFlushesAndRecovers(t *testing.T) {
	stage := newFakeStage()
	counter := &fakeCounter{readErr: errors.New("buffer underrun")}
	f := testFuse(t, stage, counter)
	_, err := f.Acquire(50)
	var ae *AcquisitionError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AcquisitionError, got %v", err)
	}
	if counter.flushes != 1 {
		t.Errorf("expected partial buffer to be flushed once, got %d", counter.flushes)
	}
	if f.State() != Idle {
		t.Errorf("expected Idle after acquisition fault, got %s", f.State())
	}
	// no move is re-issued in response to a counter fault
	if n := stage.moveCount(); n != 0 {
		t.Errorf("acquisition fault must not trigger motion, stage saw %d moves", n)
	}
	counter.readErr = nil
	if _, err := f.Acquire(50); err != nil {
		t.Errorf("expected session to recover, got %v", err)
	}
}

func TestAbortDuringSettleHaltsStage(t *testing.T) {
	stage := newFakeStage()
	f := testFuse(t, stage, &fakeCounter{})
	f.cfg.WaitAfterMovement = time.Hour

	done := make(chan error, 1)
	go func() { done <- f.MoveTo([]float64{1e-6, 1e-6, 155e-6}) }()
	for f.State() != Settling {
		time.Sleep(10 * time.Microsecond)
	}
	if err := f.Abort(); err != nil {
		t.Fatal(err)
	}
	err := <-done
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	stage.mu.Lock()
	nStops := len(stage.stops)
	stage.mu.Unlock()
	if nStops != 3 {
		t.Errorf("expected a physical halt on all 3 axes, got %d stops", nStops)
	}
	if f.State() != Idle {
		t.Errorf("expected Idle after abort, got %s", f.State())
	}
}

// an abort that lands while the per-axis move commands are still being
// issued must not be followed by further move commands: the halt would be
// immediately re-commanded on the remaining axes
func TestAbortDuringCommandIssuance(t *testing.T) {
	stage := newFakeStage()
	counter := &fakeCounter{}
	var f *Interfuse
	aborted := false
	stage.onMove = func(ax string) {
		if !aborted {
			aborted = true
			f.Abort()
		}
	}
	f = testFuse(t, stage, counter)
	err := f.MoveTo([]float64{1e-6, 1e-6, 155e-6})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	stage.mu.Lock()
	ops := append([]string(nil), stage.ops...)
	stage.mu.Unlock()
	halted := false
	for _, op := range ops {
		if strings.HasPrefix(op, "HLT") {
			halted = true
		}
		if halted && strings.HasPrefix(op, "MOV") {
			t.Fatalf("move command %q issued after the stage was halted, hardware saw %v", op, ops)
		}
	}
	if f.State() != Idle {
		t.Errorf("expected Idle after abort, got %s", f.State())
	}
}

// after an aborted move the stage sits wherever the halt left it; the cached
// position must be re-read from hardware, not report the pre-move vector
func TestAbortedMoveRefreshesPosition(t *testing.T) {
	stage := newFakeStage()
	f := testFuse(t, stage, &fakeCounter{})
	f.cfg.WaitAfterMovement = time.Hour

	done := make(chan error, 1)
	go func() { done <- f.MoveTo([]float64{7e-6, 8e-6, 155e-6}) }()
	for f.State() != Settling {
		time.Sleep(10 * time.Microsecond)
	}
	if err := f.Abort(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	pos := f.Position()
	for i, label := range []string{"x", "y", "z"} {
		actual, err := stage.GetPos(label)
		if err != nil {
			t.Fatal(err)
		}
		if !mathx.AlmostEqual(pos[i], actual, 1e-12) {
			t.Errorf("axis %s: cached position %g does not match the stage at %g", label, pos[i], actual)
		}
	}
}

func TestShutdownReleasesHandles(t *testing.T) {
	stage := newFakeStage()
	counter := &fakeCounter{}
	f := testFuse(t, stage, counter)
	if err := f.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if !stage.closed || !counter.closed {
		t.Error("expected both device handles to be released")
	}
	if err := f.MoveTo([]float64{0, 0, 155e-6}); !errors.Is(err, ErrShutDown) {
		t.Errorf("expected ErrShutDown after teardown, got %v", err)
	}
	if _, err := f.Acquire(50); !errors.Is(err, ErrShutDown) {
		t.Errorf("expected ErrShutDown after teardown, got %v", err)
	}
	// idempotent
	if err := f.Shutdown(); err != nil {
		t.Errorf("second shutdown should be a no-op, got %v", err)
	}
}

func TestShutdownAbortsInFlightMove(t *testing.T) {
	stage := newFakeStage()
	f := testFuse(t, stage, &fakeCounter{})
	f.cfg.WaitAfterMovement = time.Hour

	done := make(chan error, 1)
	go func() { done <- f.MoveTo([]float64{1e-6, 1e-6, 155e-6}) }()
	for f.State() != Settling {
		time.Sleep(10 * time.Microsecond)
	}
	if err := f.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, ErrAborted) {
		t.Errorf("expected in-flight move to unwind with ErrAborted, got %v", err)
	}
	if !stage.closed {
		t.Error("expected stage handle released after shutdown")
	}
}

func TestSampleMeanAndRate(t *testing.T) {
	s := Sample{Counts: []uint64{10, 20, 30}, ClockHz: 100}
	if m := s.Mean(); m != 20 {
		t.Errorf("expected mean 20, got %g", m)
	}
	if r := s.Rate(); r != 2000 {
		t.Errorf("expected rate 2000/s, got %g", r)
	}
}

func TestZeroValueIsUninitialized(t *testing.T) {
	var f Interfuse
	if f.State() != Uninitialized {
		t.Errorf("zero value should be Uninitialized, got %s", f.State())
	}
}
