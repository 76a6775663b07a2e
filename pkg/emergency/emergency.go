package emergency

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/engine"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/transport"
	log "github.com/sirupsen/logrus"
)

const ServiceId = 0x80
const DefaultFifoSize = 8

// Error register values
const (
	ErrRegGeneric       = 0x01 // bit 0 - generic error
	ErrRegCommunication = 0x10 // bit 4 - communication error
)

// Error codes
const (
	ErrNoError          = 0x0000
	ErrGeneric          = 0x1000
	ErrSoftwareInternal = 0x6100
	ErrCommunication    = 0x8100
	ErrCanOverrun       = 0x8110
	ErrCanPassive       = 0x8120
	ErrHeartbeat        = 0x8130
	ErrBusOffRecovered  = 0x8140
	ErrProtocolError    = 0x8200
	ErrPdoLength        = 0x8210
	ErrPdoLengthExc     = 0x8220
	ErrSyncDataLength   = 0x8240
	ErrRpdoTimeout      = 0x8250
)

var errorCodeDescriptionMap = map[uint16]string{
	ErrNoError:          "Reset or No Error",
	ErrGeneric:          "Generic Error",
	ErrSoftwareInternal: "Internal Software",
	ErrCommunication:    "Communication",
	ErrCanOverrun:       "CAN Overrun (Objects lost)",
	ErrCanPassive:       "CAN in Error Passive Mode",
	ErrHeartbeat:        "Life Guard Error or Heartbeat Error",
	ErrBusOffRecovered:  "Recovered from bus off",
	ErrProtocolError:    "Protocol Error",
	ErrPdoLength:        "PDO not processed due to length error",
	ErrPdoLengthExc:     "PDO length exceeded",
	ErrSyncDataLength:   "Unexpected SYNC data length",
	ErrRpdoTimeout:      "RPDO timeout",
}

func getErrorCodeDescription(errorCode uint16) string {
	description, ok := errorCodeDescriptionMap[errorCode]
	if ok {
		return description
	}
	return "Invalid or not implemented error code"
}

// Transport error status bits and the error they raise
var canStatusErrors = []struct {
	mask      uint16
	errorBit  engine.ErrorCategory
	errorCode uint16
}{
	{can.ErrorTxWarning | can.ErrorRxWarning, engine.ErrorCanBusWarning, ErrNoError},
	{can.ErrorTxPassive, engine.ErrorCanTxBusPassive, ErrCanPassive},
	{can.ErrorTxBusOff, engine.ErrorCanTxBusOff, ErrBusOffRecovered},
	{can.ErrorTxOverflow, engine.ErrorCanTxOverflow, ErrCanOverrun},
	{can.ErrorPdoLate, engine.ErrorTpdoOutsideWindow, ErrCommunication},
	{can.ErrorRxPassive, engine.ErrorCanRxBusPassive, ErrCanPassive},
	{can.ErrorRxOverflow, engine.ErrorCanRxOverflow, ErrCanOverrun},
}

type emfifo struct {
	msg  uint32
	info uint32
}

// Emergency producer, keeps track of the active error conditions and
// reports their changes on the bus
type EMCY struct {
	logger          *log.Entry
	mu              sync.Mutex
	t               engine.Transport
	slot            *transport.TxSlot
	errorStatusBits [engine.ErrorStatusBits / 8]byte
	canErrorOld     uint16
	fifo            []emfifo
	fifoSize        int
	fifoOverflow    uint8
	producerEnabled bool
	inhibitTimeUs   uint32
	inhibitTimer    uint32
}

// Process [EMCY] state machine. canErrStatus is the current transport
// error status, its changes are converted to error conditions.
// Emergency messages are only sent in pre-operational or operational.
func (emcy *EMCY) Process(nmtIsPreOrOperational bool, timeDifferenceUs uint32, canErrStatus uint16) {
	emcy.mu.Lock()
	canErrStatusChanged := canErrStatus ^ emcy.canErrorOld
	emcy.canErrorOld = canErrStatus
	emcy.mu.Unlock()

	if canErrStatusChanged != 0 {
		for _, e := range canStatusErrors {
			if canErrStatusChanged&e.mask != 0 {
				emcy.Error(canErrStatus&e.mask != 0, e.errorBit, e.errorCode, uint32(canErrStatus))
			}
		}
	}

	emcy.mu.Lock()
	defer emcy.mu.Unlock()

	if emcy.inhibitTimer < emcy.inhibitTimeUs {
		emcy.inhibitTimer += timeDifferenceUs
	}
	if !nmtIsPreOrOperational || len(emcy.fifo) == 0 || emcy.inhibitTimer < emcy.inhibitTimeUs {
		return
	}
	emcy.inhibitTimer = 0
	msg := emcy.fifo[0]
	emcy.fifo = emcy.fifo[1:]

	if emcy.producerEnabled {
		data := make([]byte, 8)
		binary.LittleEndian.PutUint32(data[:4], msg.msg|uint32(emcy.errorRegister())<<16)
		binary.LittleEndian.PutUint32(data[4:], msg.info)
		emcy.t.SetPayload(emcy.slot, data)
		if err := emcy.t.Submit(emcy.slot); err != nil {
			emcy.logger.WithError(err).Debug("emergency not sent")
		}
	}

	if emcy.fifoOverflow == 1 {
		emcy.fifoOverflow = 2
		emcy.push(true, engine.ErrorEmergencyBufferFull, ErrGeneric, 0)
	} else if emcy.fifoOverflow == 2 && len(emcy.fifo) == 0 {
		emcy.fifoOverflow = 0
		emcy.push(false, engine.ErrorEmergencyBufferFull, ErrNoError, 0)
	}
}

// Set or reset an error condition.
// Changes are queued and sent by [EMCY.Process].
func (emcy *EMCY) Error(setError bool, errorBit engine.ErrorCategory, errorCode uint16, infoCode uint32) {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	if emcy.push(setError, errorBit, errorCode, infoCode) {
		entry := emcy.logger.WithFields(log.Fields{
			"bit":         fmt.Sprintf("x%x", uint8(errorBit)),
			"description": errorBit.String(),
			"code":        getErrorCodeDescription(errorCode),
			"info":        infoCode,
		})
		if setError {
			entry.Warn("error reported")
		} else {
			entry.Info("error reset")
		}
	}
}

// Should be called with mu locked, returns false if nothing changed
func (emcy *EMCY) push(setError bool, errorBit engine.ErrorCategory, errorCode uint16, infoCode uint32) bool {
	index := uint8(errorBit) >> 3
	bitMask := byte(1) << (uint8(errorBit) & 0x7)

	// Unsupported errorBit
	if int(index) >= len(emcy.errorStatusBits) {
		index = uint8(engine.ErrorWrongErrorReport) >> 3
		bitMask = 1 << (uint8(engine.ErrorWrongErrorReport) & 0x7)
		errorCode = ErrSoftwareInternal
		infoCode = uint32(errorBit)
		errorBit = engine.ErrorWrongErrorReport
	}
	active := emcy.errorStatusBits[index]&bitMask != 0

	// If error is already set or not don't do anything
	if setError == active {
		return false
	}
	if setError {
		emcy.errorStatusBits[index] |= bitMask
	} else {
		emcy.errorStatusBits[index] &^= bitMask
		errorCode = ErrNoError
	}

	if len(emcy.fifo) >= emcy.fifoSize {
		emcy.fifoOverflow = 1
		return true
	}
	emcy.fifo = append(emcy.fifo, emfifo{
		msg:  uint32(errorBit)<<24 | uint32(errorCode),
		info: infoCode,
	})
	return true
}

func (emcy *EMCY) IsError(errorBit engine.ErrorCategory) bool {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	index := uint8(errorBit) >> 3
	if int(index) >= len(emcy.errorStatusBits) {
		return true
	}
	return emcy.errorStatusBits[index]&(byte(1)<<(uint8(errorBit)&0x7)) != 0
}

// Error register (0x1001) derived from the active error conditions
func (emcy *EMCY) ErrorRegister() byte {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	return emcy.errorRegister()
}

// Should be called with mu locked
func (emcy *EMCY) errorRegister() byte {
	register := byte(0)
	if emcy.errorStatusBits[2] != 0 || emcy.errorStatusBits[3] != 0 {
		register |= ErrRegCommunication
	}
	if emcy.errorStatusBits[5] != 0 {
		register |= ErrRegGeneric
	}
	return register
}

// Number of messages waiting to be sent
func (emcy *EMCY) Pending() int {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	return len(emcy.fifo)
}

func (emcy *EMCY) ProducerEnabled() bool {
	return emcy.producerEnabled
}

// Create an emergency producer using the transmit slot at txIndex.
// entry1014 holds the producer COB-ID, entry1015 the optional inhibit
// time in multiples of 100us.
func NewEMCY(
	t engine.Transport,
	logger *log.Entry,
	nodeId uint8,
	txIndex int,
	entry1014 *od.Entry,
	entry1015 *od.Entry,
) (*EMCY, error) {
	if t == nil || entry1014 == nil || nodeId < 1 || nodeId > 127 {
		return nil, transport.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	emcy := &EMCY{
		t:        t,
		logger:   logger.WithField("service", "[EMCY]"),
		fifoSize: DefaultFifoSize,
	}

	cobIdEmergency, err := entry1014.Uint32(0)
	if err != nil {
		return nil, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
	}
	producerCanId := uint16(cobIdEmergency & 0x7FF)
	emcy.producerEnabled = cobIdEmergency&0x80000000 == 0 && producerCanId != 0
	if producerCanId == ServiceId {
		producerCanId += uint16(nodeId)
	}
	if entry1015 != nil {
		inhibitTime100us, err := entry1015.Uint16(0)
		if err == nil {
			emcy.inhibitTimeUs = uint32(inhibitTime100us) * 100
		}
	}
	emcy.slot, err = t.AllocateTxSlot(txIndex, producerCanId, false, 8, false)
	if err != nil {
		return nil, err
	}
	return emcy, nil
}
