package pdo

import (
	"errors"
	"fmt"

	"github.com/samsamfire/ionode/pkg/emergency"
	"github.com/samsamfire/ionode/pkg/engine"
	"github.com/samsamfire/ionode/pkg/od"
	log "github.com/sirupsen/logrus"
)

const (
	MaxPdoLength  uint8  = 8
	CobIdValidBit uint32 = 0x80000000
)

// Sub indexes of the communication parameters
const (
	SubPdoCobId            uint8 = 1
	SubPdoTransmissionType uint8 = 2
	SubPdoInhibitTime      uint8 = 3
	SubPdoEventTimer       uint8 = 5
	SubPdoSyncStart        uint8 = 6
)

const (
	TransmissionTypeSyncAcyclic = 0    // synchronous (acyclic)
	TransmissionTypeSync1       = 1    // synchronous (cyclic every sync)
	TransmissionTypeSync240     = 0xF0 // synchronous (cyclic every 240-th sync)
	TransmissionTypeSyncEventLo = 0xFE // event-driven, lower value (manufacturer specific)
	TransmissionTypeSyncEventHi = 0xFF // event-driven, higher value (device profile and application profile specific)
)

var ErrNoMap = errors.New("object cannot be mapped to the PDO")

// A mapped object, nil variable is a dummy entry
type mappedObject struct {
	variable *od.Variable
	length   uint8
}

// Common to TPDO & RPDO
type PDOCommon struct {
	logger     *log.Entry
	emcy       *emergency.EMCY
	mapped     []mappedObject
	Valid      bool
	dataLength uint8
	IsRPDO     bool
	cobId      uint16
}

func (pdo *PDOCommon) Type() string {
	if pdo.IsRPDO {
		return "RPDO"
	}
	return "TPDO"
}

// Length of the PDO payload
func (pdo *PDOCommon) DataLength() uint8 {
	return pdo.dataLength
}

func (pdo *PDOCommon) CobId() uint16 {
	return pdo.cobId
}

// Map a single object, mapParam is index << 16 | subindex << 8 | bit length
func (pdo *PDOCommon) configureMap(dict *od.ObjectDictionary, mapParam uint32) (mappedObject, error) {
	index := uint16(mapParam >> 16)
	subIndex := byte(mapParam >> 8)
	mappedLengthBits := byte(mapParam)
	mappedLength := mappedLengthBits >> 3
	fields := log.Fields{
		"index":    fmt.Sprintf("x%x", index),
		"subindex": fmt.Sprintf("x%x", subIndex),
	}

	switch {
	// Total PDO length should be smaller than the max possible size
	case mappedLength > MaxPdoLength:
		pdo.logger.WithFields(fields).Warn("mapped parameter is too long")
		return mappedObject{}, ErrNoMap
	case mappedLengthBits&0x07 != 0:
		pdo.logger.WithFields(fields).Warn("mapping failed : alignment error")
		return mappedObject{}, ErrNoMap
	}

	// Dummy entries map to "fake" entries
	if index < 0x20 && subIndex == 0 {
		return mappedObject{length: mappedLength}, nil
	}
	variable, err := dict.Index(index).SubIndex(subIndex)
	if err != nil {
		pdo.logger.WithFields(fields).WithError(err).Warn("mapping failed")
		return mappedObject{}, err
	}
	if !variable.PdoMappable || variable.DataLength() != int(mappedLength) {
		pdo.logger.WithFields(fields).Warn("mapping failed : attribute or length error")
		return mappedObject{}, ErrNoMap
	}
	return mappedObject{variable: variable, length: mappedLength}, nil
}

// Read the COB-ID, disabled PDOs get a zero identifier
func (pdo *PDOCommon) configureCobId(entry *od.Entry, predefinedIdent uint16) (uint16, error) {
	cobId, err := entry.Uint32(SubPdoCobId)
	if err != nil {
		pdo.logger.WithError(err).Errorf("reading COB-ID x%x failed", entry.Index)
		return 0, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
	}
	valid := cobId&CobIdValidBit == 0
	canId := uint16(cobId & 0x7FF)
	if valid && (len(pdo.mapped) == 0 || canId == 0) {
		pdo.emcy.Error(true, engine.ErrorPdoWrongMapping, emergency.ErrProtocolError, cobId)
		valid = false
	}
	if !valid {
		return 0, nil
	}
	// If default canId is stored in od add node id
	if canId == predefinedIdent&0xFF80 {
		canId = predefinedIdent
	}
	return canId, nil
}

// Create and initialize a common PDO object from its mapping entry.
// A mapping error disables the PDO and is reported, it is not fatal.
func NewPDO(
	dict *od.ObjectDictionary,
	logger *log.Entry,
	mappingEntry *od.Entry,
	isRPDO bool,
	emcy *emergency.EMCY,
) (*PDOCommon, error) {
	if dict == nil || mappingEntry == nil || emcy == nil {
		return nil, engine.ErrOdParameters
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	pdo := &PDOCommon{emcy: emcy, IsRPDO: isRPDO}
	pdo.logger = logger.WithField("service", "["+pdo.Type()+"]")

	mappedObjectsCount, err := mappingEntry.Uint8(0)
	if err != nil {
		pdo.logger.WithError(err).Errorf("reading nb mapped objects of x%x failed", mappingEntry.Index)
		return nil, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
	}
	if mappedObjectsCount > od.MaxMappedEntriesPdo {
		mappedObjectsCount = od.MaxMappedEntriesPdo
	}

	dataLength := 0
	for i := uint8(1); i <= mappedObjectsCount; i++ {
		mapParam, err := mappingEntry.Uint32(i)
		if err != nil {
			pdo.logger.WithError(err).Errorf("reading mapped object x%x|x%x failed", mappingEntry.Index, i)
			return nil, fmt.Errorf("%w : %w", engine.ErrOdParameters, err)
		}
		mapped, err := pdo.configureMap(dict, mapParam)
		if err != nil {
			pdo.emcy.Error(true, engine.ErrorPdoWrongMapping, emergency.ErrProtocolError, mapParam)
			pdo.mapped = nil
			return pdo, nil
		}
		pdo.mapped = append(pdo.mapped, mapped)
		dataLength += int(mapped.length)
	}
	if dataLength > int(MaxPdoLength) {
		pdo.emcy.Error(true, engine.ErrorPdoWrongMapping, emergency.ErrPdoLengthExc, uint32(dataLength))
		pdo.mapped = nil
		return pdo, nil
	}
	pdo.dataLength = uint8(dataLength)
	return pdo, nil
}
