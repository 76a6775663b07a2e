package sync

import (
	"fmt"
	s "sync"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/emergency"
	"github.com/samsamfire/ionode/pkg/engine"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/transport"
	log "github.com/sirupsen/logrus"
)

// Result of [SYNC.Process]
type Event uint8

const (
	EventNone         Event = 0 // No SYNC event in last cycle
	EventRxTx         Event = 1 // SYNC message was received or transmitted
	EventPassedWindow Event = 2 // Time has just passed SYNC window in last cycle
)

type SYNC struct {
	logger          *log.Entry
	mu              s.Mutex
	t               engine.Transport
	emcy            *emergency.EMCY
	rxNew           bool
	rxToggle        bool
	receiveError    uint8
	counterOverflow uint8
	counter         uint8
	isProducer      bool
	cobId           uint16
	cyclePeriodUs   uint32
	windowLengthUs  uint32
	timer           uint32
	outsideWindow   bool
	inTimeout       bool
	txSlot          *transport.TxSlot
}

func handle(owner any, frame can.Frame) {
	owner.(*SYNC).Handle(frame)
}

// Handle [SYNC] related RX CAN frames, called from the event processor
func (sync *SYNC) Handle(frame can.Frame) {
	sync.mu.Lock()
	defer sync.mu.Unlock()

	if sync.counterOverflow == 0 {
		if frame.DLC != 0 {
			sync.receiveError = frame.DLC | 0x40
			return
		}
	} else {
		if frame.DLC != 1 {
			sync.receiveError = frame.DLC | 0x80
			return
		}
		sync.counter = frame.Data[0]
	}
	sync.rxNew = true
	sync.rxToggle = !sync.rxToggle
}

// Process SYNC reception, production and timeouts. Should be called
// cyclically with the elapsed time since the previous call.
func (sync *SYNC) Process(nmtIsPreOrOperational bool, timeDifferenceUs uint32) Event {
	sync.mu.Lock()
	defer sync.mu.Unlock()

	event := EventNone

	if !nmtIsPreOrOperational {
		sync.rxNew = false
		sync.receiveError = 0
		sync.counter = 0
		sync.timer = 0
		sync.inTimeout = false
		return event
	}

	// Saturate instead of wrapping
	if sync.timer < sync.timer+timeDifferenceUs {
		sync.timer += timeDifferenceUs
	}

	if sync.rxNew {
		sync.timer = 0
		sync.rxNew = false
		sync.outsideWindow = false
		event = EventRxTx
	}

	if sync.isProducer && sync.cyclePeriodUs != 0 && sync.timer >= sync.cyclePeriodUs {
		event = EventRxTx
		sync.timer = 0
		sync.outsideWindow = false
		sync.send()
	}

	// Synchronous PDOs are only allowed inside the window
	if sync.windowLengthUs > 0 && sync.timer > sync.windowLengthUs && !sync.outsideWindow {
		sync.outsideWindow = true
		if event == EventNone {
			event = EventPassedWindow
		}
	}

	// Consumer timeout, 1.5 times the cycle period
	if !sync.isProducer && sync.cyclePeriodUs != 0 {
		timeout := sync.cyclePeriodUs + sync.cyclePeriodUs/2
		if !sync.inTimeout && sync.timer > timeout {
			sync.inTimeout = true
			sync.logger.Warnf("timeout error, no SYNC since %v us", sync.timer)
			sync.emcy.Error(true, engine.ErrorSyncTimeOut, emergency.ErrCommunication, sync.timer)
		} else if sync.inTimeout && event == EventRxTx {
			sync.inTimeout = false
			sync.logger.Info("reset sync timeout error")
			sync.emcy.Error(false, engine.ErrorSyncTimeOut, emergency.ErrNoError, 0)
		}
	}

	if sync.receiveError != 0 {
		sync.logger.Warnf("reception error x%x", sync.receiveError)
		sync.emcy.Error(true, engine.ErrorSyncLength, emergency.ErrSyncDataLength, uint32(sync.receiveError))
		sync.receiveError = 0
	}

	return event
}

// Should be called with mu locked
func (sync *SYNC) send() {
	sync.counter++
	if sync.counter > sync.counterOverflow {
		sync.counter = 1
	}
	sync.rxToggle = !sync.rxToggle
	sync.t.SetPayload(sync.txSlot, []byte{sync.counter})
	if err := sync.t.Submit(sync.txSlot); err != nil {
		sync.logger.WithError(err).Debug("SYNC not sent")
	}
}

func (sync *SYNC) Counter() uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.counter
}

func (sync *SYNC) RxToggle() bool {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.rxToggle
}

func (sync *SYNC) IsProducer() bool {
	return sync.isProducer
}

// Create a SYNC consumer (or producer if bit 30 of COB-ID SYNC is set).
// entry1019 (counter overflow) is optional.
func NewSYNC(
	t engine.Transport,
	logger *log.Entry,
	emcy *emergency.EMCY,
	rxIndex int,
	txIndex int,
	entry1005 *od.Entry,
	entry1006 *od.Entry,
	entry1007 *od.Entry,
	entry1019 *od.Entry,
) (*SYNC, error) {
	if t == nil || emcy == nil || entry1005 == nil {
		return nil, transport.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	sync := &SYNC{t: t, emcy: emcy, logger: logger.WithField("service", "[SYNC]")}

	cobIdSync, err := entry1005.Uint32(0)
	if err != nil {
		sync.logger.Errorf("error reading COB-ID x%x (%v)", entry1005.Index, entry1005.Name)
		return nil, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
	}
	if entry1006 == nil || entry1007 == nil {
		sync.logger.Error("communication cycle period or synchronous window length not found")
		return nil, engine.ErrOdParameters
	}
	sync.cyclePeriodUs, err = entry1006.Uint32(0)
	if err != nil {
		return nil, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
	}
	sync.windowLengthUs, err = entry1007.Uint32(0)
	if err != nil {
		return nil, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
	}

	// This one is not mandatory
	if entry1019 != nil {
		counterOverflow, err := entry1019.Uint8(0)
		if err != nil {
			return nil, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
		}
		if counterOverflow == 1 {
			counterOverflow = 2
		} else if counterOverflow > 240 {
			counterOverflow = 240
		}
		sync.counterOverflow = counterOverflow
	}
	sync.isProducer = cobIdSync&0x40000000 != 0
	sync.cobId = uint16(cobIdSync & 0x7FF)

	err = t.RegisterFilter(rxIndex, sync.cobId, 0x7FF, false, sync, handle)
	if err != nil {
		return nil, err
	}
	var frameSize uint8 = 0
	if sync.counterOverflow != 0 {
		frameSize = 1
	}
	sync.txSlot, err = t.AllocateTxSlot(txIndex, sync.cobId, false, frameSize, false)
	if err != nil {
		return nil, err
	}
	sync.logger.WithFields(log.Fields{
		"cobId":    fmt.Sprintf("x%x", sync.cobId),
		"periodUs": sync.cyclePeriodUs,
		"windowUs": sync.windowLengthUs,
		"producer": sync.isProducer,
	}).Info("initialization finished")
	return sync, nil
}
