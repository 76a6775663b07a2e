package od

import "errors"

var (
	ErrIdxNotExist  = errors.New("object does not exist in the object dictionary")
	ErrSubNotExist  = errors.New("sub-index does not exist")
	ErrTypeMismatch = errors.New("data type does not match")
	ErrDataLong     = errors.New("data type does not match, length too high")
	ErrDataShort    = errors.New("data type does not match, length too short")
)

// CANopen data types
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)

// Object types
const (
	ObjectTypeDOMAIN uint8 = 2
	ObjectTypeVAR    uint8 = 7
	ObjectTypeARRAY  uint8 = 8
	ObjectTypeRECORD uint8 = 9
)

// Communication profile entries used by the node
const (
	EntryDeviceType               uint16 = 0x1000
	EntryErrorRegister            uint16 = 0x1001
	EntryCobIdSYNC                uint16 = 0x1005
	EntryCommunicationCyclePeriod uint16 = 0x1006
	EntrySynchronousWindowLength  uint16 = 0x1007
	EntryManufacturerDeviceName   uint16 = 0x1008
	EntryCobIdEMCY                uint16 = 0x1014
	EntryInhibitTimeEMCY          uint16 = 0x1015
	EntryProducerHeartbeatTime    uint16 = 0x1017
	EntryIdentityObject           uint16 = 0x1018
	EntrySyncCounterOverflow      uint16 = 0x1019
	IndexRpdoCommunicationBase    uint16 = 0x1400
	IndexRpdoMappingBase          uint16 = 0x1600
	IndexTpdoCommunicationBase    uint16 = 0x1800
	IndexTpdoMappingBase          uint16 = 0x1A00
	MaxPdo                        uint16 = 0x200
	MaxMappedEntriesPdo           uint8  = 8
	EntryDigitalInputs            uint16 = 0x6000
	EntryDigitalOutputs           uint16 = 0x6200
)
