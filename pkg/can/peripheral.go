package can

// Operating modes of a CAN controller
type OperatingMode uint8

const (
	ModeFreeze      OperatingMode = 0 // Configuration, no bus activity
	ModeCommunicate OperatingMode = 1 // Normal communication
	ModeDoze        OperatingMode = 2 // Low power, peripheral disabled
)

func (mode OperatingMode) String() string {
	switch mode {
	case ModeFreeze:
		return "FREEZE"
	case ModeCommunicate:
		return "COMMUNICATE"
	case ModeDoze:
		return "DOZE"
	default:
		return "UNKNOWN"
	}
}

// Receive FIFO of a CAN controller
type Fifo uint8

const (
	Fifo0 Fifo = 0
	Fifo1 Fifo = 1
)

// A [Peripheral] is the register level view of a CAN controller with
// transmit mailboxes, a receive FIFO, error counters and an interrupt line.
// It is the only hardware facing contract used by the transport layer.
//
// Status flags (transmit complete, fifo overflow, error interrupt) are latched
// by the peripheral and stay set until explicitly cleared.
type Peripheral interface {
	// Configuration
	SetOperatingMode(mode OperatingMode) error
	Configure(bitRateKbps uint16) error
	EnableInterrupts()
	DisableInterrupts()
	// Interrupt line, signaled whenever a status flag is raised
	// while interrupts are enabled
	Interrupts() <-chan struct{}

	// Hardware acceptance filters, zero banks means no hardware filtering
	FilterBanks() int
	SetFilter(bank int, ident uint16, mask uint16) error

	// Transmission. Transmit returns [ErrMailboxBusy] if all mailboxes are full.
	// CancelTransmit aborts busy mailboxes and latches transmit complete
	// when anything was aborted, as a completed transmission does.
	Transmit(frame Frame) (mailbox int, err error)
	CancelTransmit()
	TxComplete() bool
	ClearTxComplete()

	// Reception. Receive reads the frame at the head of FIFO 0 without
	// releasing it and the index of the matching filter bank, -1 if unknown.
	RxPending() int
	Receive() (frame Frame, filterIndex int, err error)
	ReleaseFifo()

	// Error state
	ErrorCounters() (tx uint16, rx uint16)
	RxOverflow(fifo Fifo) bool
	ClearRxOverflow(fifo Fifo)
	ErrorInterrupt() bool
	ClearErrorInterrupt()
}
