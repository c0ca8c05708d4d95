// Package counter contains drivers for the clocked photon counter that backs
// the scanner interfuse: a hardware driver speaking a CRC-framed telegram
// protocol, and a simulated Poisson counter.
package counter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/snksoft/crc"
)

// telegrams are encoded as [SOT][MESSAGE][EOT].
// the message is formatted as
// [TYPE] [0..N data bytes] [CRC]
// special characters inside the message are escaped, see sanitize

const (
	// telStart is the start of telegram byte
	telStart = 0x0D

	// telEnd is the end of telegram byte
	telEnd = 0x0A

	// escMarker is the byte used to escape a special character
	escMarker = 0x5E

	// escShift is the amount special characters are shifted up by.
	// special characters max out at 0x5E, so we will never overflow
	escShift = 0x40
)

// message type bytes
const (
	MsgAck byte = iota + 1
	MsgNack
	MsgConfigureClock
	MsgReadCounts
	MsgCounts
	MsgFlush
)

var (
	// dataOrder is the byte order of multi-byte payload fields
	dataOrder = binary.LittleEndian

	// specialChars must not appear raw inside a message
	specialChars = []byte{telStart, telEnd, escMarker}

	crcTable = crc.NewTable(crc.XMODEM)

	// ErrCRCMismatch is generated when a received telegram fails its CRC check
	ErrCRCMismatch = errors.New("CRC mismatch, data lost in transmission, counter state unknown")
)

// Message is one decoded telegram.
type Message struct {
	Type byte
	Data []byte
}

// crcHelper computes the two-byte CRC of buf
func crcHelper(buf []byte) []byte {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, buf)
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, crcTable.CRC16(c))
	return out
}

func sanitize(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if bytes.IndexByte(specialChars, b) >= 0 {
			out = append(out, escMarker, b+escShift)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func reverseSanitize(data []byte) []byte {
	out := make([]byte, 0, len(data))
	sub := false
	for _, b := range data {
		if b == escMarker {
			sub = true
			continue
		}
		if sub {
			b -= escShift
			sub = false
		}
		out = append(out, b)
	}
	return out
}

// MakeTelegram frames a message: type and data are CRC'd, escaped, and
// wrapped in the start/end bytes.
func MakeTelegram(m Message) []byte {
	body := append([]byte{m.Type}, m.Data...)
	body = append(body, crcHelper(body)...)
	body = sanitize(body)
	out := make([]byte, 0, len(body)+2)
	out = append(out, telStart)
	out = append(out, body...)
	out = append(out, telEnd)
	return out
}

// DecodeTelegram renders a raw byte stream back into a Message, verifying
// framing and CRC.
func DecodeTelegram(tele []byte) (Message, error) {
	iStart := bytes.IndexByte(tele, telStart)
	if iStart < 0 {
		return Message{}, fmt.Errorf("telegram start byte %X not found", telStart)
	}
	// transports that strip the terminator hand us a frame with no end byte;
	// treat end-of-buffer as the end in that case
	iEnd := bytes.IndexByte(tele, telEnd)
	if iEnd < 0 {
		iEnd = len(tele)
	}
	body := reverseSanitize(tele[iStart+1 : iEnd])
	if len(body) < 3 {
		return Message{}, fmt.Errorf("telegram too short, %d bytes after unescaping", len(body))
	}
	fidx := len(body) - 2
	crcRecv := body[fidx:]
	body = body[:fidx]
	if !bytes.Equal(crcRecv, crcHelper(body)) {
		return Message{}, ErrCRCMismatch
	}
	return Message{Type: body[0], Data: body[1:]}, nil
}
