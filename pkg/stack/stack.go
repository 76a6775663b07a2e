package stack

import (
	"errors"
	"fmt"
	s "sync"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/emergency"
	"github.com/samsamfire/ionode/pkg/engine"
	"github.com/samsamfire/ionode/pkg/led"
	"github.com/samsamfire/ionode/pkg/lss"
	"github.com/samsamfire/ionode/pkg/nmt"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/pdo"
	"github.com/samsamfire/ionode/pkg/sync"
	"github.com/samsamfire/ionode/pkg/transport"
	log "github.com/sirupsen/logrus"
)

// Receive filter indexes
const (
	RxIndexNMT  = 0
	RxIndexSYNC = 1
	RxIndexLSS  = 2
	RxIndexRPDO = 3
)

// Transmit slot indexes
const (
	TxIndexHeartbeat = 0
	TxIndexLSS       = 1
	TxIndexEMCY      = 2
	TxIndexSYNC      = 3
	TxIndexTPDO      = 4
)

const (
	MaxRPDO = 4
	MaxTPDO = 4
)

// Minimum transport sizes for the stack
const (
	RxCount = RxIndexRPDO + MaxRPDO
	TxCount = TxIndexTPDO + MaxTPDO
)

// Transport status bits latched until the emergency producer saw them
const stickyErrors = can.ErrorPdoLate | can.ErrorRxOverflow

var ErrNoPdo = errors.New("PDO does not exist")

// Stack is the built-in protocol engine of the node : NMT slave with
// heartbeat producer, emergency producer, SYNC, PDOs and LSS slave.
type Stack struct {
	logger             *log.Entry
	t                  engine.Transport
	dict               *od.ObjectDictionary
	nodeId             uint8
	nodeIdUnconfigured bool
	timeouts           engine.Timeouts
	lss                *lss.LSSSlave
	nmt                *nmt.NMT
	emcy               *emergency.EMCY
	sync               *sync.SYNC
	rpdos              []*pdo.RPDO
	tpdos              []*pdo.TPDO
	entry1001          *od.Entry
	ledsMu             s.Mutex
	leds               led.LEDs
}

var _ engine.Engine = (*Stack)(nil)

func New(logger *log.Entry) *Stack {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Stack{
		logger: logger.WithField("service", "[STACK]"),
		lss:    lss.NewLSSSlave(logger, RxIndexLSS, TxIndexLSS),
	}
}

// LSS slave of the stack, bound to the transport before [Stack.Init]
func (stack *Stack) LSS() engine.Negotiator {
	return stack.lss
}

// Initialize the communication objects for a new communication cycle.
// Returns [engine.ErrNodeIdUnconfigured] if only LSS is running.
func (stack *Stack) Init(t engine.Transport, dict *od.ObjectDictionary, nodeId uint8, timeouts engine.Timeouts) error {
	if t == nil || dict == nil {
		return transport.ErrIllegalArgument
	}
	stack.Close()
	stack.t = t
	stack.dict = dict
	stack.nodeId = nodeId
	stack.timeouts = timeouts
	stack.nodeIdUnconfigured = nodeId == lss.NodeIdUnconfigured
	stack.ledsMu.Lock()
	stack.leds = led.LEDs{}
	stack.ledsMu.Unlock()

	if stack.nodeIdUnconfigured {
		stack.logger.Warn("node id unconfigured, only LSS is active")
		return engine.ErrNodeIdUnconfigured
	}
	if nodeId < lss.NodeIdMin || nodeId > lss.NodeIdMax {
		return fmt.Errorf("%w : node id x%x", transport.ErrIllegalArgument, nodeId)
	}

	stack.entry1001 = dict.Index(od.EntryErrorRegister)
	if stack.entry1001 == nil {
		return fmt.Errorf("%w : missing x%x", engine.ErrOdParameters, od.EntryErrorRegister)
	}

	var err error
	stack.emcy, err = emergency.NewEMCY(t, stack.logger, nodeId, TxIndexEMCY,
		dict.Index(od.EntryCobIdEMCY),
		dict.Index(od.EntryInhibitTimeEMCY),
	)
	if err != nil {
		return fmt.Errorf("emergency : %w", err)
	}
	stack.nmt, err = nmt.NewNMT(t, stack.logger, nodeId,
		timeouts.NmtControl,
		timeouts.FirstHeartbeatMs,
		RxIndexNMT,
		TxIndexHeartbeat,
		dict.Index(od.EntryProducerHeartbeatTime),
	)
	if err != nil {
		return fmt.Errorf("nmt : %w", err)
	}
	stack.sync, err = sync.NewSYNC(t, stack.logger, stack.emcy, RxIndexSYNC, TxIndexSYNC,
		dict.Index(od.EntryCobIdSYNC),
		dict.Index(od.EntryCommunicationCyclePeriod),
		dict.Index(od.EntrySynchronousWindowLength),
		dict.Index(od.EntrySyncCounterOverflow),
	)
	if err != nil {
		return fmt.Errorf("sync : %w", err)
	}
	stack.logger.WithFields(log.Fields{
		"nodeId":      nodeId,
		"nmtControl":  fmt.Sprintf("x%x", timeouts.NmtControl),
		"firstHbMs":   timeouts.FirstHeartbeatMs,
		"sdoServerMs": timeouts.SdoServerMs,
	}).Info("initialized")
	return nil
}

// Initialize RPDOs and TPDOs present in the object dictionary
func (stack *Stack) InitPDO(dict *od.ObjectDictionary, nodeId uint8) error {
	if stack.nodeIdUnconfigured {
		return engine.ErrNodeIdUnconfigured
	}
	if dict == nil || stack.t == nil || stack.emcy == nil {
		return transport.ErrIllegalArgument
	}
	for i := range uint16(MaxRPDO) {
		comm := dict.Index(od.IndexRpdoCommunicationBase + i)
		mapping := dict.Index(od.IndexRpdoMappingBase + i)
		if comm == nil || mapping == nil {
			continue
		}
		rpdo, err := pdo.NewRPDO(stack.t, dict, stack.logger, stack.emcy, stack.sync,
			RxIndexRPDO+int(i), comm, mapping, 0x200+i*0x100+uint16(nodeId))
		if err != nil {
			return fmt.Errorf("rpdo %v : %w", i+1, err)
		}
		stack.rpdos = append(stack.rpdos, rpdo)
	}
	for i := range uint16(MaxTPDO) {
		comm := dict.Index(od.IndexTpdoCommunicationBase + i)
		mapping := dict.Index(od.IndexTpdoMappingBase + i)
		if comm == nil || mapping == nil {
			continue
		}
		tpdo, err := pdo.NewTPDO(stack.t, dict, stack.logger, stack.emcy,
			TxIndexTPDO+int(i), comm, mapping, 0x180+i*0x100+uint16(nodeId))
		if err != nil {
			return fmt.Errorf("tpdo %v : %w", i+1, err)
		}
		stack.tpdos = append(stack.tpdos, tpdo)
	}
	stack.logger.Debugf("initialized %v rpdos and %v tpdos", len(stack.rpdos), len(stack.tpdos))
	return nil
}

// Process NMT, emergencies, LSS and indicators. Called from the
// lifecycle loop.
func (stack *Stack) Process(timeDifferenceUs uint32) engine.ResetCommand {
	reset := engine.ResetNot
	lssReset := stack.lss.Process()
	lssConfig := stack.lss.GetState() == lss.StateConfiguration

	if stack.nodeIdUnconfigured || stack.nmt == nil {
		stack.processLEDs(timeDifferenceUs, led.Status{NmtState: nmt.StateInitializing, LSSConfig: lssConfig})
		if lssReset {
			reset = engine.ResetComm
		}
		return reset
	}

	canErrStatus := stack.t.ErrorStatus()
	nmtState := stack.nmt.GetInternalState()
	preOrOperational := nmtState == nmt.StatePreOperational || nmtState == nmt.StateOperational
	stack.emcy.Process(preOrOperational, timeDifferenceUs, canErrStatus)
	if canErrStatus&stickyErrors != 0 {
		stack.t.ClearErrorBits(stickyErrors)
	}

	errorRegister := stack.emcy.ErrorRegister()
	stack.t.LockOD()
	if err := stack.entry1001.PutUint8(0, errorRegister); err != nil {
		stack.logger.WithError(err).Warn("failed to update error register")
	}
	stack.t.UnlockOD()

	nmtState, reset = stack.nmt.Process(timeDifferenceUs, errorRegister, canErrStatus&can.ErrorTxBusOff != 0)
	if reset == engine.ResetNot && lssReset {
		reset = engine.ResetComm
	}

	stack.processLEDs(timeDifferenceUs, led.Status{
		NmtState:       nmtState,
		LSSConfig:      lssConfig,
		BusOff:         stack.emcy.IsError(engine.ErrorCanTxBusOff),
		BusWarning:     stack.emcy.IsError(engine.ErrorCanBusWarning),
		RpdoError:      stack.emcy.IsError(engine.ErrorRpdoTimeOut),
		SyncError:      stack.emcy.IsError(engine.ErrorSyncTimeOut),
		HeartbeatError: stack.emcy.IsError(engine.ErrorHeartbeatConsumer),
		OtherError:     errorRegister != 0,
	})
	return reset
}

func (stack *Stack) processLEDs(timeDifferenceUs uint32, status led.Status) {
	stack.ledsMu.Lock()
	defer stack.ledsMu.Unlock()
	stack.leds.Process(timeDifferenceUs, status)
}

// Process SYNC, returns true if a SYNC was received or transmitted.
// Must be called with the OD lock held.
func (stack *Stack) ProcessSYNC(timeDifferenceUs uint32) bool {
	if stack.sync == nil {
		return false
	}
	nmtState := stack.nmt.GetInternalState()
	preOrOperational := nmtState == nmt.StatePreOperational || nmtState == nmt.StateOperational
	switch stack.sync.Process(preOrOperational, timeDifferenceUs) {
	case sync.EventRxTx:
		return true
	case sync.EventPassedWindow:
		stack.t.CancelPendingSyncFrames()
	}
	return false
}

// Must be called with the OD lock held
func (stack *Stack) ProcessRPDO(syncWas bool, timeDifferenceUs uint32) {
	if stack.nmt == nil {
		return
	}
	operational := stack.nmt.GetInternalState() == nmt.StateOperational
	for _, rpdo := range stack.rpdos {
		rpdo.Process(timeDifferenceUs, operational, syncWas)
	}
}

// Must be called with the OD lock held
func (stack *Stack) ProcessTPDO(syncWas bool, timeDifferenceUs uint32) {
	if stack.nmt == nil {
		return
	}
	operational := stack.nmt.GetInternalState() == nmt.StateOperational
	counter := stack.sync.Counter()
	for _, tpdo := range stack.tpdos {
		tpdo.Process(timeDifferenceUs, operational, syncWas, counter)
	}
}

// Red (error) and green (run) CANopen indicators
func (stack *Stack) LEDs() (red bool, green bool) {
	stack.ledsMu.Lock()
	defer stack.ledsMu.Unlock()
	return stack.leds.Red(), stack.leds.Green()
}

// Report an application error, it is sent as an emergency
func (stack *Stack) ReportError(category engine.ErrorCategory, code uint16, info uint32) {
	if stack.emcy == nil {
		stack.logger.WithFields(log.Fields{
			"category": category.String(),
			"code":     fmt.Sprintf("x%x", code),
			"info":     info,
		}).Warn("error reported before initialization")
		return
	}
	stack.emcy.Error(true, category, code, info)
}

// Reset an error previously reported with [Stack.ReportError]
func (stack *Stack) ResetError(category engine.ErrorCategory, info uint32) {
	if stack.emcy == nil {
		return
	}
	stack.emcy.Error(false, category, emergency.ErrNoError, info)
}

func (stack *Stack) NodeIdUnconfigured() bool {
	return stack.nodeIdUnconfigured
}

// Current NMT state, [nmt.StateInitializing] until initialized
func (stack *Stack) NmtState() uint8 {
	return stack.nmt.GetInternalState()
}

// Send an NMT command to the node itself
func (stack *Stack) SendNmtCommand(command nmt.Command) {
	if stack.nmt != nil {
		stack.nmt.SendInternalCommand(command)
	}
}

// Request transmission of an event driven TPDO, index starts at 0
func (stack *Stack) SendTPDO(index int) error {
	if index < 0 || index >= len(stack.tpdos) {
		return ErrNoPdo
	}
	stack.tpdos[index].SendRequest()
	return nil
}

// Release the communication objects of the current cycle
func (stack *Stack) Close() {
	if stack.t != nil {
		stack.logger.Debug("closing communication objects")
	}
	stack.t = nil
	stack.nmt = nil
	stack.emcy = nil
	stack.sync = nil
	stack.rpdos = nil
	stack.tpdos = nil
	stack.entry1001 = nil
}
