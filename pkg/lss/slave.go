package lss

import (
	"encoding/binary"
	"fmt"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/engine"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/transport"
	log "github.com/sirupsen/logrus"
)

// LSS slave. Requests are received from the event processor and
// processed by [LSSSlave.Process] on the lifecycle loop.
// Configured node id and bit rate are pending until the next
// communication reset.
type LSSSlave struct {
	logger         *log.Entry
	rxIndex        int
	txIndex        int
	t              engine.Transport
	address        LSSAddress
	addressSwitch  LSSAddress
	activeNodeId   uint8
	activeBitRate  uint16
	pendingNodeId  *uint8
	pendingBitRate *uint16
	rx             chan LSSMessage
	state          LSSState
	txSlot         *transport.TxSlot
	resetRequested bool
}

var _ engine.Negotiator = (*LSSSlave)(nil)

func handle(owner any, frame can.Frame) {
	owner.(*LSSSlave).Handle(frame)
}

// Handle [LSSSlave] related RX CAN frames
func (l *LSSSlave) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	msg := LSSMessage{raw: frame.Data}
	select {
	case l.rx <- msg:
	default:
		l.logger.Warn("dropped LSS master RX frame")
	}
}

// Process queued requests from master. Returns true if a communication
// reset is needed to apply the configuration.
func (l *LSSSlave) Process() bool {
	for {
		select {
		case rx := <-l.rx:
			l.logger.WithFields(log.Fields{
				"cmd": fmt.Sprintf("x%x", rx.Command()),
				"raw": rx.raw,
			}).Debug("received new command from master")
			prevState := l.state
			if err := l.processRequest(rx); err != nil {
				l.logger.WithError(err).Warn("error processing request")
			}
			if prevState != l.state {
				l.logger.Infof("slave moved from state %v to %v", prevState, l.state)
			}
		default:
			reset := l.resetRequested
			l.resetRequested = false
			return reset
		}
	}
}

// Get current lss state
func (l *LSSSlave) GetState() LSSState {
	return l.state
}

// Process new request from master depending on the current LSS mode
// Available commands depend on the state.
func (l *LSSSlave) processRequest(rx LSSMessage) error {

	cmd := rx.Command()

	switch {

	case (cmd >= CmdSwitchStateSelectiveVendor && cmd <= CmdSwitchStateSelectiveResult) || cmd == CmdSwitchStateGlobal:
		return l.processSwitchStateService(rx)

	case cmd >= CmdConfigureNodeId && cmd <= CmdConfigureStoreParameters:
		// Configuration service is only valid in configuration mode
		if l.state != StateConfiguration {
			return nil
		}
		return l.processConfigurationService(rx)

	case cmd >= CmdInquireVendor && cmd <= CmdInquireNodeId:
		// Inquire service is only valid in configuration mode
		if l.state != StateConfiguration {
			return nil
		}
		return l.processInquiryService(cmd)
	}

	return nil
}

// Process switch state service message
func (l *LSSSlave) processSwitchStateService(msg LSSMessage) error {
	switch msg.Command() {

	case CmdSwitchStateGlobal:
		mode := LSSMode(msg.raw[1])
		switch mode {

		case ModeWaiting:
			// A node id assigned to an unconfigured node is applied right away
			if l.state == StateConfiguration &&
				l.activeNodeId == NodeIdUnconfigured &&
				*l.pendingNodeId != NodeIdUnconfigured {
				l.resetRequested = true
			}
			l.state = StateWaiting

		case ModeConfiguration:
			l.state = StateConfiguration
		default:
			return fmt.Errorf("switch mode unknown %v", mode)
		}

	case CmdSwitchStateSelectiveVendor:
		l.addressSwitch.VendorId = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveProduct:
		l.addressSwitch.ProductCode = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveRevision:
		l.addressSwitch.RevisionNumber = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveSerialNb:
		// This is the last part of the switch state selective.
		// After this we can determine if we are the node that has been selected
		l.addressSwitch.SerialNumber = binary.LittleEndian.Uint32(msg.raw[1:5])
		if l.addressSwitch == l.address {
			l.state = StateConfiguration
			return l.send([8]byte{byte(CmdSwitchStateSelectiveResult)})
		}
		l.logger.Debugf("switch state selective ignored, requested %+v", l.addressSwitch)
	}
	return nil
}

// Process inquiry service message
func (l *LSSSlave) processInquiryService(cmd LSSCommand) error {

	data := [8]byte{byte(cmd)}
	switch cmd {

	case CmdInquireVendor:
		binary.LittleEndian.PutUint32(data[1:], l.address.VendorId)

	case CmdInquireProduct:
		binary.LittleEndian.PutUint32(data[1:], l.address.ProductCode)

	case CmdInquireRevision:
		binary.LittleEndian.PutUint32(data[1:], l.address.RevisionNumber)

	case CmdInquireSerial:
		binary.LittleEndian.PutUint32(data[1:], l.address.SerialNumber)

	case CmdInquireNodeId:
		data[1] = l.activeNodeId

	default:
		return fmt.Errorf("unknown LSS command %v", cmd)
	}
	return l.send(data)
}

// Process configuration service message
func (l *LSSSlave) processConfigurationService(msg LSSMessage) error {

	cmd := msg.Command()
	switch cmd {

	case CmdConfigureNodeId:
		nodeId := msg.raw[1]
		if !(nodeId >= NodeIdMin && nodeId <= NodeIdMax || nodeId == NodeIdUnconfigured) {
			l.logger.Warnf("requested node id x%x is out of range", nodeId)
			return l.send([8]byte{byte(cmd), ConfigNodeIdOutOfRange})
		}
		*l.pendingNodeId = nodeId
		l.logger.Infof("pending node id set to x%x", nodeId)
		return l.send([8]byte{byte(cmd), ConfigOk})

	case CmdConfigureBitTiming:
		tableSelector, tableIndex := msg.raw[1], msg.raw[2]
		bitRate, err := BitRateFromIndex(tableIndex)
		if tableSelector != 0 || err != nil {
			l.logger.Warnf("requested bit timing %v|%v is not supported", tableSelector, tableIndex)
			return l.send([8]byte{byte(cmd), ConfigBitTimingNotSupport})
		}
		*l.pendingBitRate = bitRate
		l.logger.Infof("pending bit rate set to %v kbit/s", bitRate)
		return l.send([8]byte{byte(cmd), ConfigOk})

	case CmdConfigureActivateBitTiming:
		// No response, switch happens on the communication reset
		if *l.pendingBitRate != l.activeBitRate {
			l.resetRequested = true
		}

	case CmdConfigureStoreParameters:
		return l.send([8]byte{byte(cmd), ConfigStoreNotSupported})

	default:
		return fmt.Errorf("unknown LSS command %v", cmd)
	}
	return nil
}

func (l *LSSSlave) send(data [8]byte) error {
	l.t.SetPayload(l.txSlot, data[:])
	return l.t.Submit(l.txSlot)
}

// Init binds the slave to a transport for the current communication
// cycle. The values behind pendingNodeId and pendingBitRate are used
// as the active configuration and are updated by the master.
func (l *LSSSlave) Init(t engine.Transport, identity od.Identity, pendingNodeId *uint8, pendingBitRate *uint16) error {
	if t == nil || pendingNodeId == nil || pendingBitRate == nil {
		return transport.ErrIllegalArgument
	}
	if !(*pendingNodeId >= NodeIdMin && *pendingNodeId <= NodeIdMax || *pendingNodeId == NodeIdUnconfigured) {
		return ErrInvalidNodeId
	}
	l.t = t
	l.address = LSSAddress{Identity: identity}
	l.addressSwitch = LSSAddress{}
	l.activeNodeId = *pendingNodeId
	l.activeBitRate = *pendingBitRate
	l.pendingNodeId = pendingNodeId
	l.pendingBitRate = pendingBitRate
	l.state = StateWaiting
	l.resetRequested = false
	l.rx = make(chan LSSMessage, 10)

	err := t.RegisterFilter(l.rxIndex, ServiceMasterId, 0x7FF, false, l, handle)
	if err != nil {
		return err
	}
	l.txSlot, err = t.AllocateTxSlot(l.txIndex, ServiceSlaveId, false, 8, false)
	if err != nil {
		return err
	}
	l.logger.WithFields(log.Fields{
		"address": fmt.Sprintf("%+v", l.address.Identity),
		"nodeId":  l.activeNodeId,
		"bitrate": l.activeBitRate,
	}).Debug("initialized")
	return nil
}

// Create an LSS slave using the receive filter at rxIndex and the
// transmit slot at txIndex
func NewLSSSlave(logger *log.Entry, rxIndex int, txIndex int) *LSSSlave {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &LSSSlave{
		logger:  logger.WithField("service", "[LSSSlave]"),
		rxIndex: rxIndex,
		txIndex: txIndex,
		state:   StateWaiting,
	}
}
