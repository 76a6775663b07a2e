package pdo

import (
	"fmt"
	"sync/atomic"

	"github.com/samsamfire/ionode/pkg/emergency"
	"github.com/samsamfire/ionode/pkg/engine"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/transport"
	log "github.com/sirupsen/logrus"
)

// Transmit PDO. Its payload is read from the mapped OD variables,
// [TPDO.Process] must be called with the OD lock held.
type TPDO struct {
	*PDOCommon
	t                engine.Transport
	slot             *transport.TxSlot
	transmissionType uint8
	sendRequest      atomic.Bool
	syncStartValue   uint8
	syncCounter      uint8
	inhibitTimeUs    uint32
	eventTimeUs      uint32
	inhibitTimer     uint32
	eventTimer       uint32
}

// Process TPDO transmission. syncWas is true if a SYNC was received
// or transmitted since the previous call.
func (tpdo *TPDO) Process(timeDifferenceUs uint32, nmtIsOperational bool, syncWas bool, syncCounter uint8) {
	if !tpdo.Valid || !nmtIsOperational {
		// Send on the first cycle once operational
		tpdo.sendRequest.Store(true)
		tpdo.inhibitTimer = 0
		tpdo.eventTimer = 0
		tpdo.syncCounter = 255
		return
	}

	if tpdo.transmissionType == TransmissionTypeSyncAcyclic || tpdo.transmissionType >= TransmissionTypeSyncEventLo {
		if tpdo.eventTimeUs != 0 {
			if tpdo.eventTimer > timeDifferenceUs {
				tpdo.eventTimer -= timeDifferenceUs
			} else {
				tpdo.eventTimer = 0
			}
			if tpdo.eventTimer == 0 {
				tpdo.sendRequest.Store(true)
			}
		}
	}

	// Event driven
	if tpdo.transmissionType >= TransmissionTypeSyncEventLo {
		if tpdo.inhibitTimer > timeDifferenceUs {
			tpdo.inhibitTimer -= timeDifferenceUs
		} else {
			tpdo.inhibitTimer = 0
		}
		if tpdo.inhibitTimer == 0 && tpdo.sendRequest.Load() {
			tpdo.send()
		}
		return
	}

	if !syncWas {
		return
	}

	// Synchronous acyclic, sent on the SYNC following a request
	if tpdo.transmissionType == TransmissionTypeSyncAcyclic {
		if tpdo.sendRequest.Load() {
			tpdo.send()
		}
		return
	}

	// Synchronous cyclic
	if tpdo.syncCounter == 255 {
		if tpdo.syncStartValue != 0 && syncCounter != tpdo.syncStartValue {
			return
		}
		tpdo.syncCounter = tpdo.transmissionType
		if tpdo.syncStartValue != 0 {
			tpdo.syncCounter = 1
		}
	}
	tpdo.syncCounter--
	if tpdo.syncCounter == 0 {
		tpdo.syncCounter = tpdo.transmissionType
		tpdo.send()
	}
}

// Request transmission of an event driven or synchronous acyclic TPDO
func (tpdo *TPDO) SendRequest() {
	tpdo.sendRequest.Store(true)
}

func (tpdo *TPDO) TransmissionType() uint8 {
	return tpdo.transmissionType
}

// Build the payload from the mapped variables and submit it
func (tpdo *TPDO) send() {
	data := make([]byte, 0, MaxPdoLength)
	for _, mapped := range tpdo.mapped {
		if mapped.variable == nil {
			data = append(data, make([]byte, mapped.length)...)
			continue
		}
		data = append(data, mapped.variable.Bytes()...)
	}
	tpdo.t.SetPayload(tpdo.slot, data)
	if err := tpdo.t.Submit(tpdo.slot); err != nil {
		tpdo.logger.WithError(err).Debugf("x%x not sent", tpdo.cobId)
	}
	tpdo.sendRequest.Store(false)
	tpdo.inhibitTimer = tpdo.inhibitTimeUs
	tpdo.eventTimer = tpdo.eventTimeUs
}

// Create a TPDO from its communication and mapping entries.
// predefinedIdent is the default COB-ID (0x180 + n * 0x100 + node id).
func NewTPDO(
	t engine.Transport,
	dict *od.ObjectDictionary,
	logger *log.Entry,
	emcy *emergency.EMCY,
	txIndex int,
	entry18xx *od.Entry,
	entry1Axx *od.Entry,
	predefinedIdent uint16,
) (*TPDO, error) {
	if t == nil || entry18xx == nil {
		return nil, transport.ErrIllegalArgument
	}
	pdo, err := NewPDO(dict, logger, entry1Axx, false, emcy)
	if err != nil {
		return nil, err
	}
	tpdo := &TPDO{PDOCommon: pdo, t: t}

	transmissionType, err := entry18xx.Uint8(SubPdoTransmissionType)
	if err != nil {
		return nil, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
	}
	if transmissionType < TransmissionTypeSyncEventLo && transmissionType > TransmissionTypeSync240 {
		transmissionType = TransmissionTypeSyncEventLo
	}
	tpdo.transmissionType = transmissionType

	canId, err := tpdo.configureCobId(entry18xx, predefinedIdent)
	if err != nil {
		return nil, err
	}
	tpdo.cobId = canId
	tpdo.Valid = canId != 0

	// Optional parameters
	if inhibitTime, err := entry18xx.Uint16(SubPdoInhibitTime); err == nil {
		tpdo.inhibitTimeUs = uint32(inhibitTime) * 100
	}
	if eventTime, err := entry18xx.Uint16(SubPdoEventTimer); err == nil {
		tpdo.eventTimeUs = uint32(eventTime) * 1000
	}
	if syncStart, err := entry18xx.Uint8(SubPdoSyncStart); err == nil {
		tpdo.syncStartValue = syncStart
	}

	synchronous := tpdo.transmissionType <= TransmissionTypeSync240
	tpdo.slot, err = t.AllocateTxSlot(txIndex, canId, false, tpdo.dataLength, synchronous)
	if err != nil {
		return nil, err
	}
	tpdo.syncCounter = 255
	tpdo.sendRequest.Store(true)
	tpdo.logger.WithFields(log.Fields{
		"cobId":  fmt.Sprintf("x%x", canId),
		"type":   tpdo.transmissionType,
		"length": tpdo.dataLength,
		"valid":  tpdo.Valid,
	}).Debug("initialized")
	return tpdo, nil
}
