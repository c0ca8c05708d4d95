package counter

import (
	"fmt"
	"math"
	"time"

	"github.com/tarm/serial"

	"github.com/diamond2nv/qudi/comm"
)

// makeSerConf makes a new serial config for the counter's USB bridge
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 30 * time.Second}
}

// Device is a telegram-speaking photon counter.  It satisfies the interfuse
// CountAcquirer capability.
type Device struct {
	*comm.RemoteDevice
}

// NewDevice returns a new counter device
func NewDevice(addr string, isSerial bool) *Device {
	terms := comm.Terminators{Rx: telEnd, Tx: telEnd}
	rd := comm.NewRemoteDevice(addr, isSerial, &terms, makeSerConf(addr))
	rd.Timeout = 30 * time.Second
	return &Device{RemoteDevice: &rd}
}

// transact frames m, performs one exchange, and decodes the reply.  The Tx
// terminator doubles as the telegram end byte, so the frame is sent without
// its last byte.
func (d *Device) transact(m Message) (Message, error) {
	err := d.Open()
	if err != nil {
		return Message{}, err
	}
	d.Lock()
	defer d.Unlock()
	tele := MakeTelegram(m)
	resp, err := d.SendRecv(tele[:len(tele)-1])
	if err != nil {
		return Message{}, err
	}
	return DecodeTelegram(resp)
}

// expectAck performs a transaction whose only sensible answer is Ack
func (d *Device) expectAck(m Message) error {
	resp, err := d.transact(m)
	if err != nil {
		return err
	}
	switch resp.Type {
	case MsgAck:
		return nil
	case MsgNack:
		return fmt.Errorf("counter rejected command %X", m.Type)
	default:
		return fmt.Errorf("unexpected reply type %X to command %X", resp.Type, m.Type)
	}
}

// ConfigureClock sets the count bin clock frequency in Hz
func (d *Device) ConfigureClock(freqHz float64) error {
	data := make([]byte, 8)
	dataOrder.PutUint64(data, math.Float64bits(freqHz))
	return d.expectAck(Message{Type: MsgConfigureClock, Data: data})
}

// ReadCounts acquires n clocked count bins, blocking for n clock periods.
// The sample count field on the wire is two bytes, so n is limited to 65535.
func (d *Device) ReadCounts(n int) ([]uint64, error) {
	if n < 1 || n > 65535 {
		return nil, fmt.Errorf("sample count %d outside [1, 65535]", n)
	}
	data := make([]byte, 2)
	dataOrder.PutUint16(data, uint16(n))
	resp, err := d.transact(Message{Type: MsgReadCounts, Data: data})
	if err != nil {
		return nil, err
	}
	if resp.Type != MsgCounts {
		return nil, fmt.Errorf("unexpected reply type %X to read request", resp.Type)
	}
	if len(resp.Data) != 8*n {
		return nil, fmt.Errorf("counter returned %d bytes, want %d for %d samples", len(resp.Data), 8*n, n)
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = dataOrder.Uint64(resp.Data[8*i:])
	}
	return out, nil
}

// Flush drains any partially filled acquisition buffer on the device
func (d *Device) Flush() error {
	return d.expectAck(Message{Type: MsgFlush})
}
