package config

import (
	"errors"

	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/pdo"
)

type PDOMappingParameter struct {
	Index      uint16
	Subindex   uint8
	LengthBits uint8
}

// Holds a PDO configuration
type PDOConfigurationParameter struct {
	CanId            uint16
	Enabled          bool
	TransmissionType uint8
	InhibitTime      uint16
	EventTimer       uint16
	Mappings         []PDOMappingParameter
}

func (config *NodeConfigurator) getType(pdoNb uint16) string {
	if pdoNb <= MaxRpdoNumber {
		return "RPDO"
	}
	return "TPDO"
}

func (config *NodeConfigurator) getMappingIndex(pdoNb uint16) uint16 {
	if pdoNb <= MaxRpdoNumber {
		return od.IndexRpdoMappingBase + pdoNb - 1
	}
	return od.IndexTpdoMappingBase + pdoNb - MaxRpdoNumber - 1
}

func (config *NodeConfigurator) getCommunicationIndex(pdoNb uint16) uint16 {
	if pdoNb <= MaxRpdoNumber {
		return od.IndexRpdoCommunicationBase + pdoNb - 1
	}
	return od.IndexTpdoCommunicationBase + pdoNb - MaxRpdoNumber - 1
}

func (config *NodeConfigurator) communication(pdoNb uint16) (*od.Entry, error) {
	if pdoNb < MinPdoNumber || pdoNb > MaxPdoNumber {
		return nil, ErrPdoNumber
	}
	entry := config.od.Index(config.getCommunicationIndex(pdoNb))
	if entry == nil {
		return nil, od.ErrIdxNotExist
	}
	return entry, nil
}

func (config *NodeConfigurator) ReadCobIdPDO(pdoNb uint16) (uint32, error) {
	entry, err := config.communication(pdoNb)
	if err != nil {
		return 0, err
	}
	return entry.Uint32(pdo.SubPdoCobId)
}

func (config *NodeConfigurator) ReadEnabledPDO(pdoNb uint16) (bool, error) {
	cobId, err := config.ReadCobIdPDO(pdoNb)
	if err != nil {
		return false, err
	}
	return cobId&pdo.CobIdValidBit == 0, nil
}

func (config *NodeConfigurator) ReadTransmissionType(pdoNb uint16) (uint8, error) {
	entry, err := config.communication(pdoNb)
	if err != nil {
		return 0, err
	}
	return entry.Uint8(pdo.SubPdoTransmissionType)
}

func (config *NodeConfigurator) ReadInhibitTime(pdoNb uint16) (uint16, error) {
	entry, err := config.communication(pdoNb)
	if err != nil {
		return 0, err
	}
	return entry.Uint16(pdo.SubPdoInhibitTime)
}

func (config *NodeConfigurator) ReadEventTimer(pdoNb uint16) (uint16, error) {
	entry, err := config.communication(pdoNb)
	if err != nil {
		return 0, err
	}
	return entry.Uint16(pdo.SubPdoEventTimer)
}

func (config *NodeConfigurator) ReadMappings(pdoNb uint16) ([]PDOMappingParameter, error) {
	entry := config.od.Index(config.getMappingIndex(pdoNb))
	nbMappings, err := entry.Uint8(0)
	if err != nil {
		return nil, err
	}
	mappings := make([]PDOMappingParameter, 0)
	for i := range nbMappings {
		rawMap, err := entry.Uint32(i + 1)
		if err != nil {
			return nil, err
		}
		mapping := PDOMappingParameter{}
		mapping.LengthBits = uint8(rawMap)
		mapping.Subindex = uint8(rawMap >> 8)
		mapping.Index = uint16(rawMap >> 16)
		mappings = append(mappings, mapping)
	}
	return mappings, nil
}

// Reads configuration of a single PDO
func (config *NodeConfigurator) ReadConfigurationPDO(pdoNb uint16) (PDOConfigurationParameter, error) {
	conf := PDOConfigurationParameter{}
	cobId, err := config.ReadCobIdPDO(pdoNb)
	if err != nil {
		return conf, err
	}
	conf.CanId = uint16(cobId & 0x7FF)
	conf.Enabled = cobId&pdo.CobIdValidBit == 0
	conf.TransmissionType, err = config.ReadTransmissionType(pdoNb)
	if err != nil {
		return conf, err
	}
	// Optional
	conf.InhibitTime, _ = config.ReadInhibitTime(pdoNb)
	// Optional
	conf.EventTimer, _ = config.ReadEventTimer(pdoNb)
	conf.Mappings, err = config.ReadMappings(pdoNb)
	config.logger.WithField("pdo", pdoNb).Debugf("read %v configuration %+v", config.getType(pdoNb), conf)
	return conf, err
}

// Reads configuration of a range of PDOs, stops at the first missing PDO
func (config *NodeConfigurator) ReadConfigurationRangePDO(
	pdoStartNb uint16, pdoEndNb uint16,
) ([]PDOConfigurationParameter, error) {

	if pdoStartNb < MinPdoNumber || pdoEndNb > MaxPdoNumber {
		return nil, ErrPdoNumber
	}
	pdos := make([]PDOConfigurationParameter, 0)
	for pdoNb := pdoStartNb; pdoNb <= pdoEndNb; pdoNb++ {
		conf, err := config.ReadConfigurationPDO(pdoNb)
		if errors.Is(err, od.ErrIdxNotExist) {
			config.logger.WithField("pdo", pdoNb).Debugf("no more %v", config.getType(pdoNb))
			break
		} else if err != nil {
			return pdos, err
		}
		pdos = append(pdos, conf)
	}
	return pdos, nil
}

// Reads complete PDO configuration (RPDO, TPDO)
// Returns RPDOs and TPDOs configurations in two seperate lists
func (config *NodeConfigurator) ReadConfigurationAllPDO() (
	rpdos []PDOConfigurationParameter, tpdos []PDOConfigurationParameter, err error,
) {
	rpdos, err = config.ReadConfigurationRangePDO(MinRpdoNumber, MaxRpdoNumber)
	if err != nil {
		return rpdos, tpdos, err
	}
	tpdos, err = config.ReadConfigurationRangePDO(MinTpdoNumber, MaxTpdoNumber)
	return rpdos, tpdos, err
}

func (config *NodeConfigurator) writeCobId(pdoNb uint16, update func(cobId uint32) uint32) error {
	entry, err := config.communication(pdoNb)
	if err != nil {
		return err
	}
	cobId, err := entry.Uint32(pdo.SubPdoCobId)
	if err != nil {
		return err
	}
	return entry.PutUint32(pdo.SubPdoCobId, update(cobId))
}

// Disable PDO
func (config *NodeConfigurator) DisablePDO(pdoNb uint16) error {
	return config.writeCobId(pdoNb, func(cobId uint32) uint32 { return cobId | pdo.CobIdValidBit })
}

// Enable PDO
func (config *NodeConfigurator) EnablePDO(pdoNb uint16) error {
	return config.writeCobId(pdoNb, func(cobId uint32) uint32 { return cobId &^ pdo.CobIdValidBit })
}

// Update the CAN identifier, the valid bit is kept
func (config *NodeConfigurator) WriteCanIdPDO(pdoNb uint16, canId uint16) error {
	return config.writeCobId(pdoNb, func(cobId uint32) uint32 {
		return cobId&^0x7FF | uint32(canId&0x7FF)
	})
}

func (config *NodeConfigurator) WriteTransmissionType(pdoNb uint16, transType uint8) error {
	entry, err := config.communication(pdoNb)
	if err != nil {
		return err
	}
	return entry.PutUint8(pdo.SubPdoTransmissionType, transType)
}

// Inhibit time in multiples of 100µs, TPDO only
func (config *NodeConfigurator) WriteInhibitTime(pdoNb uint16, inhibitTime uint16) error {
	entry, err := config.communication(pdoNb)
	if err != nil {
		return err
	}
	return entry.PutUint16(pdo.SubPdoInhibitTime, inhibitTime)
}

// Event timer in milliseconds
func (config *NodeConfigurator) WriteEventTimer(pdoNb uint16, eventTimer uint16) error {
	entry, err := config.communication(pdoNb)
	if err != nil {
		return err
	}
	return entry.PutUint16(pdo.SubPdoEventTimer, eventTimer)
}

// Apply optional settings of a single PDO
func (config *NodeConfigurator) ApplyPDO(settings PDOSettings) error {
	nb := settings.Number
	if settings.CanId != nil {
		if err := config.WriteCanIdPDO(nb, *settings.CanId); err != nil {
			return err
		}
	}
	if settings.TransmissionType != nil {
		if err := config.WriteTransmissionType(nb, *settings.TransmissionType); err != nil {
			return err
		}
	}
	if settings.InhibitTime != nil {
		if err := config.WriteInhibitTime(nb, *settings.InhibitTime); err != nil {
			return err
		}
	}
	if settings.EventTimer != nil {
		if err := config.WriteEventTimer(nb, *settings.EventTimer); err != nil {
			return err
		}
	}
	if settings.Enabled != nil {
		if *settings.Enabled {
			return config.EnablePDO(nb)
		}
		return config.DisablePDO(nb)
	}
	return nil
}
