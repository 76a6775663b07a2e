package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/samsamfire/ionode/pkg/can"
)

// Lawicel SLCAN ascii protocol.
// Frames are "tiiiLdd..", "riiiL" (remote) and "TiiiiiiiiLdd.." / "R.." for
// extended identifiers, terminated by a carriage return. An optional
// 4 digit timestamp may follow the data.

const (
	cr   byte = '\r'
	bell byte = '\a'
)

var ErrMalformed = errors.New("malformed slcan frame")

// Bit rate commands S0 to S8, in kbit/s
var bitRateCodes = map[uint16]byte{
	10:   '0',
	20:   '1',
	50:   '2',
	100:  '3',
	125:  '4',
	250:  '5',
	500:  '6',
	800:  '7',
	1000: '8',
}

func bitRateCommand(kbps uint16) ([]byte, error) {
	code, ok := bitRateCodes[kbps]
	if !ok {
		return nil, fmt.Errorf("%w : %v kbit/s has no slcan code", can.ErrBitrateRejected, kbps)
	}
	return []byte{'S', code, cr}, nil
}

// Encode a frame as an slcan transmit command
func Encode(frame can.Frame) []byte {
	dlc := min(frame.DLC, 8)
	out := make([]byte, 0, 27)
	extended := frame.ID&can.CanEffFlag != 0
	switch {
	case extended && frame.IsRTR():
		out = append(out, 'R')
	case extended:
		out = append(out, 'T')
	case frame.IsRTR():
		out = append(out, 'r')
	default:
		out = append(out, 't')
	}
	if extended {
		out = fmt.Appendf(out, "%08X", frame.ID&0x1FFFFFFF)
	} else {
		out = fmt.Appendf(out, "%03X", frame.ID&can.CanSffMask)
	}
	out = append(out, '0'+dlc)
	if !frame.IsRTR() {
		out = fmt.Appendf(out, "%X", frame.Data[:dlc])
	}
	return append(out, cr)
}

// Decode a single slcan line without its terminator
func Decode(line []byte) (can.Frame, error) {
	if len(line) == 0 {
		return can.Frame{}, ErrMalformed
	}
	idLength := 3
	var flags uint32
	switch line[0] {
	case 't':
	case 'r':
		flags = can.CanRtrFlag
	case 'T':
		idLength, flags = 8, can.CanEffFlag
	case 'R':
		idLength, flags = 8, can.CanEffFlag|can.CanRtrFlag
	default:
		return can.Frame{}, fmt.Errorf("%w : unknown command %q", ErrMalformed, line[0])
	}
	if len(line) < 2+idLength {
		return can.Frame{}, ErrMalformed
	}
	id, err := strconv.ParseUint(string(line[1:1+idLength]), 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w : %w", ErrMalformed, err)
	}
	dlc := line[1+idLength] - '0'
	if dlc > 8 {
		return can.Frame{}, fmt.Errorf("%w : dlc %v", ErrMalformed, dlc)
	}
	frame := can.NewFrame(uint32(id)|flags, 0, dlc)
	if flags&can.CanRtrFlag != 0 {
		return frame, nil
	}
	data := line[2+idLength:]
	if len(data) < 2*int(dlc) {
		return can.Frame{}, fmt.Errorf("%w : expected %v data bytes", ErrMalformed, dlc)
	}
	for i := range int(dlc) {
		value, err := strconv.ParseUint(string(data[2*i:2*i+2]), 16, 8)
		if err != nil {
			return can.Frame{}, fmt.Errorf("%w : %w", ErrMalformed, err)
		}
		frame.Data[i] = byte(value)
	}
	return frame, nil
}

// DecodeStream consumes complete lines from in and emits frames via out.
// Acknowledgements and malformed lines are skipped, incomplete data is
// left in the buffer.
func DecodeStream(in *bytes.Buffer, out func(can.Frame)) (malformed int) {
	for {
		data := in.Bytes()
		end := bytes.IndexAny(data, string([]byte{cr, bell}))
		if end < 0 {
			return malformed
		}
		line := data[:end]
		if len(line) > 0 && line[0] != 'z' && line[0] != 'Z' {
			frame, err := Decode(line)
			if err != nil {
				malformed++
			} else {
				out(frame)
			}
		}
		in.Next(end + 1)
	}
}
