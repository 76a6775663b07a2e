package engine

import (
	"errors"

	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/transport"
)

var (
	ErrNodeIdUnconfigured = errors.New("node id is not configured, waiting for LSS")
	ErrOdParameters       = errors.New("error in object dictionary parameters")
)

// Reset requested by the protocol engine
type ResetCommand uint8

const (
	ResetNot  ResetCommand = 0
	ResetComm ResetCommand = 1
	ResetApp  ResetCommand = 2
)

var resetDescription = map[ResetCommand]string{
	ResetNot:  "NONE",
	ResetComm: "RESET-COMMUNICATION",
	ResetApp:  "RESET-APPLICATION",
}

func (r ResetCommand) String() string {
	if description, ok := resetDescription[r]; ok {
		return description
	}
	return "UNKNOWN"
}

// NMT control flags
const (
	NmtErrRegMask           uint16 = 0x00FF
	NmtStartupToOperational uint16 = 0x0100
	NmtErrOnBusOffHb        uint16 = 0x1000
	NmtErrOnErrReg          uint16 = 0x2000
	NmtErrToStopped         uint16 = 0x4000
	NmtErrFreeToOperational uint16 = 0x8000
)

// Error register bits
const (
	ErrRegGeneric       uint8 = 0x01
	ErrRegCommunication uint8 = 0x10
)

// Startup parameters of the protocol engine
type Timeouts struct {
	NmtControl       uint16
	FirstHeartbeatMs uint16
	SdoServerMs      uint16
	SdoClientMs      uint16
}

// Values used by the node firmware
var DefaultTimeouts = Timeouts{
	NmtControl:       NmtErrOnErrReg | uint16(ErrRegGeneric) | uint16(ErrRegCommunication),
	FirstHeartbeatMs: 500,
	SdoServerMs:      1000,
	SdoClientMs:      500,
}

// The CAN facing operations the protocol engine relies on.
// It is implemented by [transport.Module].
type Transport interface {
	RegisterFilter(index int, ident uint16, mask uint16, rtr bool, owner any, callback transport.RxCallback) error
	AllocateTxSlot(index int, ident uint16, rtr bool, length uint8, syncFlag bool) (*transport.TxSlot, error)
	SetPayload(slot *transport.TxSlot, payload []byte)
	Submit(slot *transport.TxSlot) error
	CancelPendingSyncFrames()
	ErrorStatus() uint16
	ClearErrorBits(mask uint16)
	LockSend()
	UnlockSend()
	LockOD()
	UnlockOD()
}

var _ Transport = (*transport.Module)(nil)

// A protocol engine implements the CANopen services on top of a [Transport].
// Process is called from the lifecycle loop, the ProcessXXX methods from the
// network timer with the OD lock held.
type Engine interface {
	Init(t Transport, dict *od.ObjectDictionary, nodeId uint8, timeouts Timeouts) error
	InitPDO(dict *od.ObjectDictionary, nodeId uint8) error
	Process(timeDifferenceUs uint32) ResetCommand
	ProcessSYNC(timeDifferenceUs uint32) bool
	ProcessRPDO(syncWas bool, timeDifferenceUs uint32)
	ProcessTPDO(syncWas bool, timeDifferenceUs uint32)
	LEDs() (red bool, green bool)
	ReportError(category ErrorCategory, code uint16, info uint32)
	NodeIdUnconfigured() bool
	Close()
}

// A Negotiator performs layer setting services (node id and bit rate).
// pendingNodeId and pendingBitRate are updated by the negotiation and
// take effect on the next communication reset.
type Negotiator interface {
	Init(t Transport, identity od.Identity, pendingNodeId *uint8, pendingBitRate *uint16) error
}
