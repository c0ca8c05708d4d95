/*Package comm provides the serial/TCP transport shared by the stage and
counter drivers.

Embed RemoteDevice in a type that represents your hardware, pass the right
terminators and serial config at construction, then write methods on top of
Send/Recv/SendRecv.  The device holds one exclusive connection; per the
resource model of this system no two components ever talk to the same piece
of hardware, so there is no pooling here.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.com/diamond2nv/qudi/util"
)

var (
	// ErrNoSerialConf is generated when IsSerial is true but no serial config was given
	ErrNoSerialConf = errors.New("device is serial but has no serial config")

	// ErrNotConnected is generated when Send or Recv is called before Open
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the Rx and Tx termination bytes for a device.
type Terminators struct {
	Rx, Tx byte
}

// RemoteDevice is a connection to a piece of hardware over TCP or RS232.
// It is concurrent safe; Lock around multi-message transactions.
type RemoteDevice struct {
	sync.Mutex

	// Addr is the network (host:port) or filesystem (/dev/ttyUSB0) address
	Addr string

	// IsSerial selects RS232 (true) or TCP (false)
	IsSerial bool

	// Timeout bounds connect, read, and write
	Timeout time.Duration

	terms   Terminators
	serConf *serial.Config
	conn    io.ReadWriteCloser
}

// NewRemoteDevice returns a new remote device.  terms may be nil for the
// default carriage return terminators; serConf may be nil for TCP devices.
func NewRemoteDevice(addr string, isSerial bool, terms *Terminators, serConf *serial.Config) RemoteDevice {
	if terms == nil {
		terms = &Terminators{Rx: '\r', Tx: '\r'}
	}
	return RemoteDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Timeout:  3 * time.Second,
		terms:    *terms,
		serConf:  serConf,
	}
}

// Open establishes the connection.  Connections are retried with exponential
// backoff; lab devices do not like being connection thrashed.  Opening an
// open device is a no-op.
func (rd *RemoteDevice) Open() error {
	if rd.conn != nil {
		return nil
	}
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return err
			}
			wasTimeout = true
		}
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return err
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", rd.Addr)
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.IsSerial {
		if rd.serConf == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serConf)
	} else {
		conn, err = util.TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.conn = conn
	return nil
}

// Close the connection, nil-ing it out
func (rd *RemoteDevice) Close() error {
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	if err == nil {
		rd.conn = nil
	}
	return err
}

// Send writes data to the remote with the Tx terminator appended
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.conn == nil {
		return ErrNotConnected
	}
	b = append(b, rd.terms.Tx)
	_, err := rd.conn.Write(b)
	return err
}

// Recv reads from the remote up to and stripping the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	term := rd.terms.Rx
	buf, err := bufio.NewReader(rd.conn).ReadBytes(term)
	if err != nil {
		return []byte{}, err
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		return buf[:len(buf)-1], nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a buffer, then returns the response
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// OpenSendRecvClose is a one-shot transaction with the remote
func (rd *RemoteDevice) OpenSendRecvClose(b []byte) ([]byte, error) {
	err := rd.Open()
	if err != nil {
		return []byte{}, err
	}
	rd.Lock()
	defer func() {
		rd.Unlock()
		rd.Close()
	}()
	return rd.SendRecv(b)
}
