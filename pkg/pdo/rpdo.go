package pdo

import (
	"fmt"
	s "sync"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/emergency"
	"github.com/samsamfire/ionode/pkg/engine"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/sync"
	"github.com/samsamfire/ionode/pkg/transport"
	log "github.com/sirupsen/logrus"
)

const (
	rpdoRxAckNoError = 0  // No error
	rpdoRxAckError   = 1  // Error is acknowledged
	rpdoRxAck        = 10 // Auxiliary value
	rpdoRxOk         = 11 // Correct RPDO received, not acknowledged
	rpdoRxShort      = 12 // Too short RPDO received, not acknowledged
	rpdoRxLong       = 13 // Too long RPDO received, not acknowledged
)

// Receive PDO. Synchronous RPDOs are double buffered : frames received
// after a SYNC are applied on the next one.
type RPDO struct {
	*PDOCommon
	mu            s.Mutex
	rxNew         [2]bool
	rxData        [2][MaxPdoLength]byte
	receiveError  uint8
	sync          *sync.SYNC
	synchronous   bool
	timeoutTimeUs uint32
	timeoutTimer  uint32
}

func handle(owner any, frame can.Frame) {
	owner.(*RPDO).Handle(frame)
}

// Handle [RPDO] related RX CAN frames, called from the event processor
func (rpdo *RPDO) Handle(frame can.Frame) {
	rpdo.mu.Lock()
	defer rpdo.mu.Unlock()
	if !rpdo.Valid {
		return
	}
	err := rpdo.receiveError
	if frame.DLC < rpdo.dataLength {
		if err == rpdoRxAckNoError {
			rpdo.receiveError = rpdoRxShort
		}
		return
	}
	// Indicate if errors in PDO length
	if frame.DLC == rpdo.dataLength {
		if err == rpdoRxAckError {
			err = rpdoRxOk
		}
	} else if err == rpdoRxAckNoError {
		err = rpdoRxLong
	}
	rpdo.receiveError = err

	bufNo := 0
	if rpdo.synchronous && rpdo.sync != nil && rpdo.sync.RxToggle() {
		bufNo = 1
	}
	rpdo.rxData[bufNo] = frame.Data
	rpdo.rxNew[bufNo] = true
}

// Process received data and write it to the mapped variables.
// Must be called with the OD lock held.
func (rpdo *RPDO) Process(timeDifferenceUs uint32, nmtIsOperational bool, syncWas bool) {
	rpdo.mu.Lock()

	if !rpdo.Valid || !nmtIsOperational {
		rpdo.rxNew[0] = false
		rpdo.rxNew[1] = false
		rpdo.timeoutTimer = 0
		rpdo.mu.Unlock()
		return
	}
	if !syncWas && rpdo.synchronous {
		rpdo.mu.Unlock()
		return
	}

	if rpdo.receiveError > rpdoRxAck {
		rpdo.processReceiveErrors()
	}

	// The buffer filled before the SYNC
	bufNo := 0
	if rpdo.synchronous && rpdo.sync != nil && !rpdo.sync.RxToggle() {
		bufNo = 1
	}

	if !rpdo.rxNew[bufNo] {
		if rpdo.timeoutTimeUs > 0 && rpdo.timeoutTimer > 0 && rpdo.timeoutTimer < rpdo.timeoutTimeUs {
			rpdo.timeoutTimer += timeDifferenceUs
			if rpdo.timeoutTimer > rpdo.timeoutTimeUs {
				rpdo.logger.Warnf("x%x timeout after %v us", rpdo.cobId, rpdo.timeoutTimer)
				rpdo.emcy.Error(true, engine.ErrorRpdoTimeOut, emergency.ErrRpdoTimeout, rpdo.timeoutTimer)
			}
		}
		rpdo.mu.Unlock()
		return
	}
	data := rpdo.rxData[bufNo]
	rpdo.rxNew[bufNo] = false
	rpdo.mu.Unlock()

	if rpdo.timeoutTimeUs > 0 {
		if rpdo.timeoutTimer > rpdo.timeoutTimeUs {
			rpdo.emcy.Error(false, engine.ErrorRpdoTimeOut, emergency.ErrNoError, rpdo.timeoutTimer)
		}
		rpdo.timeoutTimer = 1
	}

	offset := uint8(0)
	for _, mapped := range rpdo.mapped {
		if mapped.variable != nil {
			if err := mapped.variable.SetBytes(data[offset : offset+mapped.length]); err != nil {
				rpdo.logger.WithError(err).Warnf("writing %v failed", mapped.variable.Name)
			}
		}
		offset += mapped.length
	}
}

// Should be called with mu locked
func (rpdo *RPDO) processReceiveErrors() {
	setError := rpdo.receiveError != rpdoRxOk
	var code uint16 = emergency.ErrPdoLength
	if rpdo.receiveError != rpdoRxShort {
		code = emergency.ErrPdoLengthExc
	}
	rpdo.emcy.Error(setError, engine.ErrorRpdoWrongLength, code, uint32(rpdo.dataLength))
	if setError {
		rpdo.receiveError = rpdoRxAckError
	} else {
		rpdo.receiveError = rpdoRxAckNoError
	}
}

// Create an RPDO from its communication and mapping entries and
// register its receive filter at rxIndex.
// predefinedIdent is the default COB-ID (0x200 + n * 0x100 + node id).
func NewRPDO(
	t engine.Transport,
	dict *od.ObjectDictionary,
	logger *log.Entry,
	emcy *emergency.EMCY,
	sync *sync.SYNC,
	rxIndex int,
	entry14xx *od.Entry,
	entry16xx *od.Entry,
	predefinedIdent uint16,
) (*RPDO, error) {
	if t == nil || entry14xx == nil {
		return nil, transport.ErrIllegalArgument
	}
	pdo, err := NewPDO(dict, logger, entry16xx, true, emcy)
	if err != nil {
		return nil, err
	}
	rpdo := &RPDO{PDOCommon: pdo, sync: sync}

	canId, err := rpdo.configureCobId(entry14xx, predefinedIdent)
	if err != nil {
		return nil, err
	}
	rpdo.cobId = canId
	rpdo.Valid = canId != 0

	transmissionType, err := entry14xx.Uint8(SubPdoTransmissionType)
	if err != nil {
		rpdo.logger.Errorf("reading transmission type x%x failed", entry14xx.Index)
		return nil, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
	}
	rpdo.synchronous = transmissionType <= TransmissionTypeSync240
	if timeoutMs, err := entry14xx.Uint16(SubPdoEventTimer); err == nil {
		rpdo.timeoutTimeUs = uint32(timeoutMs) * 1000
	}

	// A disabled RPDO leaves its filter matching nothing
	if rpdo.Valid {
		if err := t.RegisterFilter(rxIndex, canId, 0x7FF, false, rpdo, handle); err != nil {
			return nil, err
		}
	}
	rpdo.logger.WithFields(log.Fields{
		"cobId":       fmt.Sprintf("x%x", canId),
		"synchronous": rpdo.synchronous,
		"length":      rpdo.dataLength,
		"valid":       rpdo.Valid,
	}).Debug("initialized")
	return rpdo, nil
}
