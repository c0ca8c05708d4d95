// Package stage contains drivers for the motor stages that back the scanner
// interfuse: a hardware controller speaking PI's GCS2 dialect, and a
// simulated stage for tests and mock serving.
package stage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/diamond2nv/qudi/comm"
)

// GCS2 controllers drop characters when commands arrive back to back on the
// serial bus; pace writes to a safe command rate.
const cmdsPerSecond = 50

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Minute}
}

// Controller speaks GCS2 to a PI motion controller, e.g. E-727 or C-884.
// It satisfies the interfuse PositionDriver capability.
type Controller struct {
	*comm.RemoteDevice

	limiter *rate.Limiter
}

// NewController returns a fully configured new controller
func NewController(addr string, isSerial bool) *Controller {
	terms := comm.Terminators{Rx: '\n', Tx: '\n'}
	rd := comm.NewRemoteDevice(addr, isSerial, &terms, makeSerConf(addr))
	rd.Timeout = 10 * time.Minute
	return &Controller{
		RemoteDevice: &rd,
		limiter:      rate.NewLimiter(rate.Limit(cmdsPerSecond), 1),
	}
}

func (c *Controller) pace() {
	c.limiter.Wait(context.Background())
}

func (c *Controller) writeOnly(msg string, more ...string) error {
	err := c.Open()
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	c.pace()
	str := strings.Join(append([]string{msg}, more...), " ")
	return c.Send([]byte(str))
}

func (c *Controller) readFloat(cmd, axis string) (float64, error) {
	// "POS? A" -> "A=+0080.4106"
	err := c.Open()
	if err != nil {
		return 0, err
	}
	c.Lock()
	defer c.Unlock()
	c.pace()
	str := strings.Join([]string{cmd, axis}, " ")
	resp, err := c.SendRecv([]byte(str))
	if err != nil {
		return 0, err
	}
	str = string(resp)
	if len(str) == 0 {
		return 0, fmt.Errorf("the response from the controller was blank, is the axis label correct")
	}
	parts := strings.SplitN(str, "=", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed controller response %q", str)
	}
	return strconv.ParseFloat(parts[1], 64)
}

func (c *Controller) readBool(cmd, axis string) (bool, error) {
	err := c.Open()
	if err != nil {
		return false, err
	}
	c.Lock()
	defer c.Unlock()
	c.pace()
	str := strings.Join([]string{cmd, axis}, " ")
	resp, err := c.SendRecv([]byte(str))
	if err != nil {
		return false, err
	}
	str = string(resp)
	parts := strings.SplitN(str, "=", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("malformed controller response %q", str)
	}
	return strconv.ParseBool(parts[1])
}

// MoveAbs commands the controller to move an axis to an absolute position
func (c *Controller) MoveAbs(axis string, pos float64) error {
	posS := strconv.FormatFloat(pos, 'G', -1, 64)
	return c.writeOnly("MOV", axis, posS)
}

// GetPos returns the current position of an axis
func (c *Controller) GetPos(axis string) (float64, error) {
	return c.readFloat("POS?", axis)
}

// GetInPosition returns true if the axis is on target
func (c *Controller) GetInPosition(axis string) (bool, error) {
	return c.readBool("ONT?", axis)
}

// Stop halts motion on an axis
func (c *Controller) Stop(axis string) error {
	return c.writeOnly("HLT", axis)
}

// Home causes the controller to move an axis to its home position
func (c *Controller) Home(axis string) error {
	return c.writeOnly("GOH", axis)
}

// Enable brings an axis online
func (c *Controller) Enable(axis string) error {
	return c.writeOnly("ONL", axis, "1")
}

// Disable takes an axis offline
func (c *Controller) Disable(axis string) error {
	return c.writeOnly("ONL", axis, "0")
}

// PopError returns the last error from the controller
func (c *Controller) PopError() error {
	err := c.Open()
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	c.pace()
	resp, err := c.SendRecv([]byte("ERR?"))
	if err != nil {
		return err
	}
	s := string(resp)
	if s != "0" {
		return fmt.Errorf("controller error %s", s)
	}
	return nil
}
