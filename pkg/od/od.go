package od

import (
	"encoding/binary"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

// An ObjectDictionary holds the node's entries, indexed by OD index.
// It is not safe for concurrent use : callers running next to the
// protocol engine must hold the transport OD lock.
type ObjectDictionary struct {
	logger  *log.Entry
	entries map[uint16]*Entry
}

// An Entry is an OD object at a specific index. A VAR entry has a single
// [Variable] at subindex 0, ARRAY and RECORD entries hold several.
type Entry struct {
	Index      uint16
	Name       string
	ObjectType uint8
	subs       map[uint8]*Variable
}

// A Variable is the smallest addressable OD element
type Variable struct {
	Name         string
	SubIndex     uint8
	DataType     uint8
	AccessType   string
	PdoMappable  bool
	value        []byte
	valueDefault []byte
}

func NewOD() *ObjectDictionary {
	return &ObjectDictionary{
		logger:  log.WithField("service", "[OD]"),
		entries: make(map[uint16]*Entry),
	}
}

// Index returns the entry at index or nil if it does not exist
func (od *ObjectDictionary) Index(index uint16) *Entry {
	return od.entries[index]
}

// Indexes sorted in ascending order
func (od *ObjectDictionary) Indexes() []uint16 {
	indexes := make([]uint16, 0, len(od.entries))
	for index := range od.entries {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes
}

// Add or replace an entry
func (od *ObjectDictionary) AddEntry(index uint16, name string, objectType uint8) *Entry {
	entry := &Entry{
		Index:      index,
		Name:       name,
		ObjectType: objectType,
		subs:       make(map[uint8]*Variable),
	}
	od.entries[index] = entry
	return entry
}

// AddVariableType adds a VAR entry at index with value encoded from a string
func (od *ObjectDictionary) AddVariableType(index uint16, name string, datatype uint8, value string) (*Variable, error) {
	encoded, err := EncodeFromString(value, datatype, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to encode x%x : %w", index, err)
	}
	variable := newVariable(name, 0, datatype, "rw", encoded)
	od.AddEntry(index, name, ObjectTypeVAR).addVariable(variable)
	od.logger.Debugf("added new variable x%x (%v)", index, name)
	return variable, nil
}

func newVariable(name string, subIndex uint8, datatype uint8, accessType string, value []byte) *Variable {
	variable := &Variable{
		Name:         name,
		SubIndex:     subIndex,
		DataType:     datatype,
		AccessType:   accessType,
		valueDefault: value,
		value:        make([]byte, len(value)),
	}
	copy(variable.value, value)
	return variable
}

func (entry *Entry) addVariable(variable *Variable) {
	entry.subs[variable.SubIndex] = variable
}

// SubIndex returns the [Variable] at a given subindex
func (entry *Entry) SubIndex(subIndex uint8) (*Variable, error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	variable, ok := entry.subs[subIndex]
	if !ok {
		return nil, fmt.Errorf("x%x|x%x : %w", entry.Index, subIndex, ErrSubNotExist)
	}
	return variable, nil
}

// Number of sub entries
func (entry *Entry) SubCount() int {
	if entry == nil {
		return 0
	}
	return len(entry.subs)
}

func (entry *Entry) sized(subIndex uint8, size int) (*Variable, error) {
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return nil, err
	}
	if len(variable.value) != size {
		return nil, ErrTypeMismatch
	}
	return variable, nil
}

// Uint8 reads an UNSIGNED8 from OD entry
func (entry *Entry) Uint8(subIndex uint8) (uint8, error) {
	variable, err := entry.sized(subIndex, 1)
	if err != nil {
		return 0, err
	}
	return variable.value[0], nil
}

// Uint16 reads an UNSIGNED16 from OD entry
func (entry *Entry) Uint16(subIndex uint8) (uint16, error) {
	variable, err := entry.sized(subIndex, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(variable.value), nil
}

// Uint32 reads an UNSIGNED32 from OD entry
func (entry *Entry) Uint32(subIndex uint8) (uint32, error) {
	variable, err := entry.sized(subIndex, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(variable.value), nil
}

// PutUint8 writes an UNSIGNED8 to OD entry
func (entry *Entry) PutUint8(subIndex uint8, value uint8) error {
	variable, err := entry.sized(subIndex, 1)
	if err != nil {
		return err
	}
	variable.value[0] = value
	return nil
}

// PutUint16 writes an UNSIGNED16 to OD entry
func (entry *Entry) PutUint16(subIndex uint8, value uint16) error {
	variable, err := entry.sized(subIndex, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(variable.value, value)
	return nil
}

// PutUint32 writes an UNSIGNED32 to OD entry
func (entry *Entry) PutUint32(subIndex uint8, value uint32) error {
	variable, err := entry.sized(subIndex, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(variable.value, value)
	return nil
}

// Return number of bytes
func (variable *Variable) DataLength() int {
	return len(variable.value)
}

// Copy of the current value
func (variable *Variable) Bytes() []byte {
	value := make([]byte, len(variable.value))
	copy(value, variable.value)
	return value
}

// Return default value as byte slice
func (variable *Variable) DefaultValue() []byte {
	return variable.valueDefault
}

// Write raw value, fixed size data types must be written entirely
func (variable *Variable) SetBytes(data []byte) error {
	size := dataTypeSize(variable.DataType)
	if size != 0 && len(data) > size {
		return ErrDataLong
	}
	if size != 0 && len(data) < size {
		return ErrDataShort
	}
	variable.value = make([]byte, len(data))
	copy(variable.value, data)
	return nil
}

// Restore default value
func (variable *Variable) Reset() {
	variable.value = make([]byte, len(variable.valueDefault))
	copy(variable.value, variable.valueDefault)
}
