// Package codec encodes relay commands into board frames and decodes the
// frames the board sends back.
//
// Frame layout:
//
//	0x10 0x00 LEN DST DST DST 0xFF 0x00 0x01 SEQ PAYLOAD... CRC_HI CRC_LO 0x02
//
// LEN is the total frame length, the CRC covers every byte before it.
package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/thatsimonsguy/relayboard/internal/model"
)

const (
	MinRelay = 1
	MaxRelay = 4

	// MaxFrameLen matches the receive buffer on the board.
	MaxFrameLen = 64

	// HostSource is the source byte on every frame the host writes. A
	// received frame carrying it is our own transmission echoed back.
	HostSource byte = 0xFF
	// BoardSource is the source byte EncodeStatusReport and EncodeAck write
	// when building board replies for tests and the simulator.
	BoardSource byte = 0x01

	startByte  byte = 0x10
	endByte    byte = 0x02
	packetType byte = 0x01

	headerLen   = 10
	trailerLen  = 3
	minFrameLen = headerLen + trailerLen

	opStatus   byte = 0x30
	opSetRelay byte = 0x31
)

var (
	ErrInvalidAddress = errors.New("relay index out of range")
	ErrInvalidState   = errors.New("relay state must be on or off")
	// ErrIncomplete means more bytes are needed before a frame can be decoded.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrMalformed means the leading bytes do not form a valid frame and
	// must be discarded.
	ErrMalformed = errors.New("malformed frame")
)

// Address is the 3-byte bus address of the relay board.
type Address [3]byte

var DefaultAddress = Address{0xAF, 0x24, 0x36}

func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"))
	if err != nil {
		return a, fmt.Errorf("parse device address %q: %w", s, err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("device address %q must be %d bytes", s, len(a))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	return strings.ToUpper(hex.EncodeToString(a[:]))
}

// Command asks the board to switch one relay.
type Command struct {
	Relay int
	State model.RelayState
}

type Kind int

const (
	KindSetRelay Kind = iota
	KindStatusQuery
	KindStatusReport
)

func (k Kind) String() string {
	switch k {
	case KindSetRelay:
		return "set_relay"
	case KindStatusQuery:
		return "status_query"
	case KindStatusReport:
		return "status_report"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Report is the state of one relay carried by a frame.
type Report struct {
	Relay int
	State model.RelayState
}

type Frame struct {
	Destination Address
	Source      byte
	Seq         byte
	Kind        Kind
	Reports     []Report
}

func ValidRelay(index int) bool {
	return index >= MinRelay && index <= MaxRelay
}

// Encode builds the set-relay frame for cmd.
func Encode(dst Address, seq byte, cmd Command) ([]byte, error) {
	payload, err := setRelayPayload(cmd)
	if err != nil {
		return nil, err
	}
	return buildFrame(HostSource, dst, seq, payload), nil
}

// EncodeAck builds the board's confirmation of a set-relay command.
func EncodeAck(dst Address, seq byte, cmd Command) ([]byte, error) {
	payload, err := setRelayPayload(cmd)
	if err != nil {
		return nil, err
	}
	return buildFrame(BoardSource, dst, seq, payload), nil
}

func setRelayPayload(cmd Command) ([]byte, error) {
	if !ValidRelay(cmd.Relay) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, cmd.Relay)
	}
	var state byte
	switch cmd.State {
	case model.StateOn:
		state = 0x01
	case model.StateOff:
		state = 0x00
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, cmd.State)
	}
	return []byte{opSetRelay, byte(cmd.Relay), state}, nil
}

func EncodeStatusQuery(dst Address, seq byte) []byte {
	return buildFrame(HostSource, dst, seq, []byte{opStatus})
}

// EncodeStatusReport builds the frame the board answers a status query with.
// Bit n-1 of mask is relay n.
func EncodeStatusReport(dst Address, seq byte, mask byte) []byte {
	return buildFrame(BoardSource, dst, seq, []byte{opStatus, mask})
}

// Mask packs relay states into a status bitmask. Unknown states count as off.
func Mask(states map[int]model.RelayState) byte {
	var m byte
	for relay, st := range states {
		if ValidRelay(relay) && st == model.StateOn {
			m |= 1 << (relay - 1)
		}
	}
	return m
}

func buildFrame(src byte, dst Address, seq byte, payload []byte) []byte {
	size := minFrameLen + len(payload)
	f := make([]byte, 0, size)
	f = append(f, startByte, 0x00, byte(size))
	f = append(f, dst[:]...)
	f = append(f, src, 0x00, packetType, seq)
	f = append(f, payload...)
	crc := crc16(f)
	return append(f, byte(crc>>8), byte(crc), endByte)
}

// Decode reads one frame from the front of buf and reports how many bytes
// it used. On ErrIncomplete nothing is consumed. On ErrMalformed the caller
// drops n bytes and decodes again.
func Decode(buf []byte) (Frame, int, error) {
	f, n, err := decode(buf)
	if errors.Is(err, ErrIncomplete) {
		// A complete frame further along means the partial one in front is
		// garbage that would otherwise hold the buffer until it fills up.
		for i := 1; i < len(buf); i++ {
			if buf[i] != startByte {
				continue
			}
			if _, _, e := decode(buf[i:]); e == nil {
				return Frame{}, i, fmt.Errorf("%w: truncated frame", ErrMalformed)
			}
		}
	}
	return f, n, err
}

func decode(buf []byte) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, ErrIncomplete
	}
	if buf[0] != startByte {
		return Frame{}, resync(buf), fmt.Errorf("%w: start byte 0x%02x", ErrMalformed, buf[0])
	}
	if len(buf) < 3 {
		return Frame{}, 0, ErrIncomplete
	}

	size := int(buf[2])
	if size < minFrameLen || size > MaxFrameLen {
		return Frame{}, resync(buf), fmt.Errorf("%w: length %d", ErrMalformed, size)
	}
	if len(buf) < size {
		return Frame{}, 0, ErrIncomplete
	}
	if buf[size-1] != endByte {
		return Frame{}, resync(buf), fmt.Errorf("%w: end byte 0x%02x", ErrMalformed, buf[size-1])
	}

	got := uint16(buf[size-3])<<8 | uint16(buf[size-2])
	if want := crc16(buf[:size-trailerLen]); got != want {
		return Frame{}, resync(buf), fmt.Errorf("%w: crc 0x%04x, want 0x%04x", ErrMalformed, got, want)
	}

	f := Frame{
		Source: buf[6],
		Seq:    buf[9],
	}
	copy(f.Destination[:], buf[3:6])

	if err := parsePayload(&f, buf[headerLen:size-trailerLen]); err != nil {
		return Frame{}, size, err
	}
	return f, size, nil
}

func parsePayload(f *Frame, p []byte) error {
	switch {
	case len(p) == 0:
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	case p[0] == opSetRelay:
		if len(p) != 3 {
			return fmt.Errorf("%w: set relay payload length %d", ErrMalformed, len(p))
		}
		relay := int(p[1])
		if !ValidRelay(relay) {
			return fmt.Errorf("%w: relay %d", ErrMalformed, relay)
		}
		var st model.RelayState
		switch p[2] {
		case 0x00:
			st = model.StateOff
		case 0x01:
			st = model.StateOn
		default:
			return fmt.Errorf("%w: relay state 0x%02x", ErrMalformed, p[2])
		}
		f.Kind = KindSetRelay
		f.Reports = []Report{{Relay: relay, State: st}}
	case p[0] == opStatus && len(p) == 1:
		f.Kind = KindStatusQuery
	case p[0] == opStatus && len(p) == 2:
		f.Kind = KindStatusReport
		f.Reports = maskReports(p[1])
	case len(p) == 1:
		// some firmware revisions answer with the bare state byte
		f.Kind = KindStatusReport
		f.Reports = maskReports(p[0])
	default:
		return fmt.Errorf("%w: unknown payload 0x%02x", ErrMalformed, p[0])
	}
	return nil
}

func maskReports(mask byte) []Report {
	reports := make([]Report, 0, MaxRelay)
	for relay := MinRelay; relay <= MaxRelay; relay++ {
		st := model.StateOff
		if mask>>(relay-1)&0x01 == 1 {
			st = model.StateOn
		}
		reports = append(reports, Report{Relay: relay, State: st})
	}
	return reports
}

// resync returns the offset of the next start byte after buf[0].
func resync(buf []byte) int {
	for i := 1; i < len(buf); i++ {
		if buf[i] == startByte {
			return i
		}
	}
	return len(buf)
}
