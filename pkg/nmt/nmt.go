package nmt

import (
	"fmt"
	"sync"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/engine"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/transport"
	log "github.com/sirupsen/logrus"
)

const (
	ServiceId          = 0
	HeartbeatServiceId = 0x700
)

// Possible NMT states
const (
	StateInitializing   uint8 = 0
	StatePreOperational uint8 = 127
	StateOperational    uint8 = 5
	StateStopped        uint8 = 4
	StateUnknown        uint8 = 255
)

var stateMap = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StatePreOperational: "PRE-OPERATIONAL",
	StateOperational:    "OPERATIONAL",
	StateStopped:        "STOPPED",
	StateUnknown:        "UNKNOWN",
}

func StateDescription(state uint8) string {
	if description, ok := stateMap[state]; ok {
		return description
	}
	return stateMap[StateUnknown]
}

// Available NMT commands
// They can be broadcasted to all nodes or to individual nodes
type Command uint8

const (
	CommandEmpty               Command = 0
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

var CommandDescription = map[Command]string{
	CommandEnterOperational:    "ENTER-OPERATIONAL",
	CommandEnterStopped:        "ENTER-STOPPED",
	CommandEnterPreOperational: "ENTER-PREOPERATIONAL",
	CommandResetNode:           "RESET-NODE",
	CommandResetCommunication:  "RESET-COMMUNICATION",
}

// NMT slave with heartbeat producer
type NMT struct {
	logger                  *log.Entry
	mu                      sync.Mutex
	t                       engine.Transport
	operatingState          uint8
	operatingStatePrev      uint8
	internalCommand         Command
	nodeId                  uint8
	control                 uint16
	heartbeatProducerTimeUs uint32
	heartbeatProducerTimer  uint32
	hbSlot                  *transport.TxSlot
	callback                func(nmtState uint8)
}

func handle(owner any, frame can.Frame) {
	owner.(*NMT).Handle(frame)
}

// Handle a received NMT command frame, called from the event processor
func (nmt *NMT) Handle(frame can.Frame) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()

	if frame.DLC != 2 {
		return
	}
	command := Command(frame.Data[0])
	nodeId := frame.Data[1]
	if nodeId == 0 || nodeId == nmt.nodeId {
		nmt.internalCommand = command
	}
}

// Process NMT related tasks. errorRegister and busOffHb are the current
// error conditions used by the NMT control behaviour. Returns the new
// state and the reset requested by the network, if any.
func (nmt *NMT) Process(timeDifferenceUs uint32, errorRegister uint8, busOffHb bool) (uint8, engine.ResetCommand) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()

	nmtStateCopy := nmt.operatingState
	resetCommand := engine.ResetNot
	nmtInit := nmtStateCopy == StateInitializing
	if nmt.heartbeatProducerTimer > timeDifferenceUs {
		nmt.heartbeatProducerTimer -= timeDifferenceUs
	} else {
		nmt.heartbeatProducerTimer = 0
	}
	// Heartbeat is sent on three events :
	// - a heartbeat producer timeout (cyclic)
	// - state has changed
	// - startup (boot-up message)
	if nmtInit || (nmt.heartbeatProducerTimeUs != 0 && (nmt.heartbeatProducerTimer == 0 || nmtStateCopy != nmt.operatingStatePrev)) {
		nmt.t.SetPayload(nmt.hbSlot, []byte{nmtStateCopy})
		if err := nmt.t.Submit(nmt.hbSlot); err != nil {
			nmt.logger.WithError(err).Debug("heartbeat not sent")
		}
		if nmtStateCopy == StateInitializing {
			if nmt.control&engine.NmtStartupToOperational != 0 {
				nmtStateCopy = StateOperational
			} else {
				nmtStateCopy = StatePreOperational
			}
		} else {
			nmt.heartbeatProducerTimer = nmt.heartbeatProducerTimeUs
		}
	}
	nmt.operatingStatePrev = nmtStateCopy

	// Process internal NMT commands either from RX buffer or internal command
	if nmt.internalCommand != CommandEmpty {
		switch nmt.internalCommand {
		case CommandEnterOperational:
			nmtStateCopy = StateOperational
		case CommandEnterStopped:
			nmtStateCopy = StateStopped
		case CommandEnterPreOperational:
			nmtStateCopy = StatePreOperational
		case CommandResetNode:
			resetCommand = engine.ResetApp
		case CommandResetCommunication:
			resetCommand = engine.ResetComm
		default:
			nmt.logger.Warnf("unknown command %v", nmt.internalCommand)
		}
		if resetCommand != engine.ResetNot {
			nmt.logger.Infof("received reset command %v", CommandDescription[nmt.internalCommand])
		}
		nmt.internalCommand = CommandEmpty
	}

	busOffHbError := nmt.control&engine.NmtErrOnBusOffHb != 0 && busOffHb
	errRegMasked := nmt.control&engine.NmtErrOnErrReg != 0 &&
		errorRegister&uint8(nmt.control&engine.NmtErrRegMask) != 0

	if nmtStateCopy == StateOperational && (busOffHbError || errRegMasked) {
		if nmt.control&engine.NmtErrToStopped != 0 {
			nmtStateCopy = StateStopped
		} else {
			nmtStateCopy = StatePreOperational
		}
	} else if nmt.control&engine.NmtErrFreeToOperational != 0 &&
		nmtStateCopy == StatePreOperational &&
		!busOffHbError &&
		!errRegMasked {

		nmtStateCopy = StateOperational
	}

	// Callback on change
	if nmt.operatingStatePrev != nmtStateCopy || nmtInit {
		if nmtInit {
			nmt.logger.Infof("state changed | INITIALIZING ==> %v", StateDescription(nmtStateCopy))
		} else {
			nmt.logger.Infof("state changed | %v ==> %v", StateDescription(nmt.operatingStatePrev), StateDescription(nmtStateCopy))
		}
		if nmt.callback != nil {
			nmt.callback(nmtStateCopy)
		}
	}

	nmt.operatingState = nmtStateCopy
	return nmtStateCopy, resetCommand
}

// Get a NMT state
func (nmt *NMT) GetInternalState() uint8 {
	if nmt == nil {
		return StateInitializing
	}
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	return nmt.operatingState
}

// Send NMT command to self, don't send on network
func (nmt *NMT) SendInternalCommand(command Command) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.internalCommand = command
}

// Called on every state change, from the lifecycle loop
func (nmt *NMT) SetCallback(callback func(nmtState uint8)) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.callback = callback
}

// Update heartbeat period, 0 disables the producer
func (nmt *NMT) SetHeartbeatPeriod(periodMs uint16) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.heartbeatProducerTimeUs = uint32(periodMs) * 1000
	nmt.heartbeatProducerTimer = 0
	nmt.logger.Debugf("updated heartbeat period to %v ms", periodMs)
}

// Create a NMT slave. The NMT command filter is registered at rxIndex and
// the heartbeat producer uses the transmit slot at txIndex.
func NewNMT(
	t engine.Transport,
	logger *log.Entry,
	nodeId uint8,
	control uint16,
	firstHbTimeMs uint16,
	rxIndex int,
	txIndex int,
	entry1017 *od.Entry,
) (*NMT, error) {
	if t == nil || entry1017 == nil {
		return nil, transport.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	nmt := &NMT{
		t:      t,
		logger: logger.WithField("service", "[NMT]"),
	}
	nmt.operatingState = StateInitializing
	nmt.operatingStatePrev = nmt.operatingState
	nmt.nodeId = nodeId
	nmt.control = control
	nmt.heartbeatProducerTimer = uint32(firstHbTimeMs) * 1000

	hbProdTimeMs, err := entry1017.Uint16(0)
	if err != nil {
		nmt.logger.Errorf("[%x|%x] reading producer heartbeat failed : %v", od.EntryProducerHeartbeatTime, 0, err)
		return nil, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
	}
	nmt.heartbeatProducerTimeUs = uint32(hbProdTimeMs) * 1000
	if nmt.heartbeatProducerTimer > nmt.heartbeatProducerTimeUs {
		nmt.heartbeatProducerTimer = nmt.heartbeatProducerTimeUs
	}

	err = t.RegisterFilter(rxIndex, ServiceId, 0x7FF, false, nmt, handle)
	if err != nil {
		return nil, err
	}
	nmt.hbSlot, err = t.AllocateTxSlot(txIndex, HeartbeatServiceId+uint16(nodeId), false, 1, false)
	if err != nil {
		return nil, err
	}
	return nmt, nil
}
