package config

import (
	"errors"
	"fmt"

	"github.com/samsamfire/ionode/pkg/od"
	log "github.com/sirupsen/logrus"
)

// PDO numbering used by [NodeConfigurator] : RPDOs first, then TPDOs
const (
	MinRpdoNumber uint16 = 1
	MaxRpdoNumber uint16 = 256
	MinTpdoNumber uint16 = 257
	MaxTpdoNumber uint16 = 512
	MinPdoNumber  uint16 = MinRpdoNumber
	MaxPdoNumber  uint16 = MaxTpdoNumber
)

var ErrPdoNumber = errors.New("pdo number is incorrect")

// NodeConfigurator provides helper methods for reading / updating
// the CANopen reserved configuration objects of the local object dictionary
// i.e. objects between 0x1000 and 0x2000.
// The dictionary is not locked : use it before the node is started or with
// the transport OD lock held.
type NodeConfigurator struct {
	logger *log.Entry
	od     *od.ObjectDictionary
}

func NewNodeConfigurator(dict *od.ObjectDictionary, logger *log.Entry) *NodeConfigurator {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &NodeConfigurator{od: dict, logger: logger.WithField("service", "[CONFIG]")}
}

// Read identity object (0x1018, mandatory)
func (config *NodeConfigurator) ReadIdentity() (od.Identity, error) {
	return config.od.Identity()
}

// Read manufacturer device name
func (config *NodeConfigurator) ReadManufacturerDeviceName() (string, error) {
	variable, err := config.od.Index(od.EntryManufacturerDeviceName).SubIndex(0)
	if err != nil {
		return "", err
	}
	return string(variable.Bytes()), nil
}

// Read heartbeat period in milliseconds
func (config *NodeConfigurator) ReadHeartbeatPeriod() (uint16, error) {
	return config.od.Index(od.EntryProducerHeartbeatTime).Uint16(0)
}

// Update heartbeat period in milliseconds, 0 disables heartbeat
func (config *NodeConfigurator) WriteHeartbeatPeriod(periodMs uint16) error {
	return config.od.Index(od.EntryProducerHeartbeatTime).PutUint16(0, periodMs)
}

func (config *NodeConfigurator) ReadCobIdSYNC() (uint32, error) {
	return config.od.Index(od.EntryCobIdSYNC).Uint32(0)
}

// Communication cycle period in microseconds
func (config *NodeConfigurator) ReadCommunicationPeriod() (uint32, error) {
	return config.od.Index(od.EntryCommunicationCyclePeriod).Uint32(0)
}

func (config *NodeConfigurator) WriteCommunicationPeriod(periodUs uint32) error {
	return config.od.Index(od.EntryCommunicationCyclePeriod).PutUint32(0, periodUs)
}

// Synchronous window length in microseconds
func (config *NodeConfigurator) ReadWindowLengthPdos() (uint32, error) {
	return config.od.Index(od.EntrySynchronousWindowLength).Uint32(0)
}

func (config *NodeConfigurator) WriteWindowLengthPdos(windowUs uint32) error {
	return config.od.Index(od.EntrySynchronousWindowLength).PutUint32(0, windowUs)
}

// Apply the object dictionary overrides of a configuration file
func (config *NodeConfigurator) Apply(cfg *Config) error {
	if cfg.HeartbeatPeriod != nil {
		if err := config.WriteHeartbeatPeriod(*cfg.HeartbeatPeriod); err != nil {
			return fmt.Errorf("heartbeat period : %w", err)
		}
	}
	if cfg.SyncCycleUs != nil {
		if err := config.WriteCommunicationPeriod(*cfg.SyncCycleUs); err != nil {
			return fmt.Errorf("sync cycle period : %w", err)
		}
	}
	if cfg.SyncWindowUs != nil {
		if err := config.WriteWindowLengthPdos(*cfg.SyncWindowUs); err != nil {
			return fmt.Errorf("sync window length : %w", err)
		}
	}
	for _, settings := range cfg.PDOs {
		if err := config.ApplyPDO(settings); err != nil {
			return fmt.Errorf("%v %v : %w", config.getType(settings.Number), settings.Number, err)
		}
	}
	return nil
}
