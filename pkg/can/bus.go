package can

import (
	"errors"
	"fmt"
)

const CanRtrFlag uint32 = 0x40000000
const CanSffMask uint32 = 0x000007FF
const CanEffFlag uint32 = 0x80000000

// CAN bus error status bits, as reported by the transport layer
const (
	ErrorTxWarning   uint16 = 0x0001 // CAN transmitter warning
	ErrorTxPassive   uint16 = 0x0002 // CAN transmitter passive
	ErrorTxBusOff    uint16 = 0x0004 // CAN transmitter bus off
	ErrorTxOverflow  uint16 = 0x0008 // CAN transmitter overflow
	ErrorPdoLate     uint16 = 0x0080 // TPDO is outside sync window
	ErrorRxWarning   uint16 = 0x0100 // CAN receiver warning
	ErrorRxPassive   uint16 = 0x0200 // CAN receiver passive
	ErrorRxOverflow  uint16 = 0x0800 // CAN receiver overflow
	ErrorWarnPassive uint16 = 0x0303 // Combination
)

var (
	ErrMailboxBusy     = errors.New("no empty transmit mailbox")
	ErrBitrateRejected = errors.New("bit rate rejected by peripheral")
	ErrNotConnected    = errors.New("no active connection")
)

// A CAN frame
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Standard 11 bit identifier, without flags
func (f Frame) Ident() uint16 {
	return uint16(f.ID & CanSffMask)
}

func (f Frame) IsRTR() bool {
	return f.ID&CanRtrFlag != 0
}

func (f Frame) String() string {
	dlc := min(f.DLC, 8)
	if f.IsRTR() {
		return fmt.Sprintf("x%03x [%d] remote", f.Ident(), dlc)
	}
	return fmt.Sprintf("x%03x [%d] % x", f.Ident(), dlc, f.Data[:dlc])
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

// A [Bus] that can change its bit rate (in kbit/s) at runtime.
// Implementations return [ErrBitrateRejected] for unsupported rates.
type BitrateSetter interface {
	SetBitrate(kbps uint16) error
}
