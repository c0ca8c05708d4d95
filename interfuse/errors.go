package interfuse

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is wrapped by MotionError or AcquisitionError when an
	// in-flight operation was cancelled by Abort or Shutdown
	ErrAborted = errors.New("operation aborted")

	// ErrSettleTimeout is wrapped by MotionError when the stage did not
	// report in-position within the configured settle timeout
	ErrSettleTimeout = errors.New("stage did not settle within timeout")

	// ErrShutDown is returned by any operation issued after Shutdown
	ErrShutDown = errors.New("interfuse is shut down")
)

// StateError indicates an operation was issued in a state that does not
// permit it, e.g. Acquire while a move is still settling.
type StateError struct {
	Op    string
	State State
}

func (e StateError) Error() string {
	return fmt.Sprintf("%s is not permitted in state %s", e.Op, e.State)
}

// MotionError is a stage fault, timeout, or cancellation.  It carries the
// axis and the interfuse state at the time of failure; the underlying driver
// error is preserved for errors.Is/As.  Motion is never retried
// automatically: a stuck stage can mean a mechanical problem, and repeating
// a damaging move is worse than stopping.
type MotionError struct {
	Axis  string
	State State
	Err   error
}

func (e *MotionError) Error() string {
	if e.Axis == "" {
		return fmt.Sprintf("motion error in state %s: %v", e.State, e.Err)
	}
	return fmt.Sprintf("motion error on axis %s in state %s: %v", e.Axis, e.State, e.Err)
}

func (e *MotionError) Unwrap() error { return e.Err }

// AcquisitionError is a counter fault or timeout, with the same
// no-automatic-retry policy as MotionError.
type AcquisitionError struct {
	State State
	Err   error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquisition error in state %s: %v", e.State, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
