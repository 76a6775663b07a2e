package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"github.com/samsamfire/ionode/pkg/transport"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Node configuration file, e.g.
//
//	[node]
//	id = 0x10
//	bitrate = 125
//	eds = node.eds
//	[can]
//	interface = socketcan
//	channel = can0
//	[tpdo1]
//	transmission_type = 0xFF
//	event_timer = 100
//
// Sections heartbeat, sync, rpdoN and tpdoN override communication
// parameters of the object dictionary.

const (
	DefaultNodeId      uint8  = 0x10
	DefaultBitRate     uint16 = 125
	NodeIdUnconfigured uint8  = 0xFF
	DefaultRxFilters          = 32
	DefaultTxSlots            = 16
	DefaultInterface          = "sim"
	DefaultLogLevel           = "info"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Bit rates of CiA 301 bit timing table, in kbit/s
var BitRates = []uint16{10, 20, 50, 125, 250, 500, 800, 1000}

var matchPdoSection = regexp.MustCompile(`^(rpdo|tpdo)([0-9]+)$`)

// Optional communication parameters of a single PDO
type PDOSettings struct {
	Number           uint16 // see [NodeConfigurator] numbering
	Enabled          *bool
	CanId            *uint16
	TransmissionType *uint8
	InhibitTime      *uint16
	EventTimer       *uint16
}

type Config struct {
	NodeId        uint8
	BitRate       uint16
	EDS           string
	RxFilters     int
	TxSlots       int
	Interface     string
	Channel       string
	MetricsListen string
	LogLevel      string

	// Object dictionary overrides, nil keeps the EDS value
	HeartbeatPeriod *uint16
	SyncCycleUs     *uint32
	SyncWindowUs    *uint32
	PDOs            []PDOSettings
}

func Default() *Config {
	return &Config{
		NodeId:    DefaultNodeId,
		BitRate:   DefaultBitRate,
		RxFilters: DefaultRxFilters,
		TxSlots:   DefaultTxSlots,
		Interface: DefaultInterface,
		LogLevel:  DefaultLogLevel,
	}
}

// Load a configuration file
// file can be either a path or an *os.File or []byte
// Missing keys keep their default value.
func Load(file any) (*Config, error) {
	cfg := Default()
	f, err := ini.Load(file)
	if err != nil {
		return nil, err
	}

	node := f.Section("node")
	if err := parseUint(node, "id", 8, &cfg.NodeId); err != nil {
		return nil, err
	}
	if err := parseUint(node, "bitrate", 16, &cfg.BitRate); err != nil {
		return nil, err
	}
	cfg.EDS = node.Key("eds").MustString(cfg.EDS)
	cfg.RxFilters = node.Key("rx_filters").MustInt(cfg.RxFilters)
	cfg.TxSlots = node.Key("tx_slots").MustInt(cfg.TxSlots)

	bus := f.Section("can")
	cfg.Interface = bus.Key("interface").MustString(cfg.Interface)
	cfg.Channel = bus.Key("channel").MustString(cfg.Channel)
	cfg.MetricsListen = f.Section("metrics").Key("listen").MustString(cfg.MetricsListen)
	cfg.LogLevel = f.Section("log").Key("level").MustString(cfg.LogLevel)

	if cfg.HeartbeatPeriod, err = optionalUint[uint16](f.Section("heartbeat"), "period_ms", 16); err != nil {
		return nil, err
	}
	sync := f.Section("sync")
	if cfg.SyncCycleUs, err = optionalUint[uint32](sync, "cycle_us", 32); err != nil {
		return nil, err
	}
	if cfg.SyncWindowUs, err = optionalUint[uint32](sync, "window_us", 32); err != nil {
		return nil, err
	}

	for _, section := range f.Sections() {
		matches := matchPdoSection.FindStringSubmatch(section.Name())
		if matches == nil {
			continue
		}
		settings, err := parsePdoSection(section, matches[1], matches[2])
		if err != nil {
			return nil, err
		}
		cfg.PDOs = append(cfg.PDOs, settings)
	}
	return cfg, cfg.Validate()
}

func parsePdoSection(section *ini.Section, kind string, nb string) (PDOSettings, error) {
	number, err := strconv.ParseUint(nb, 10, 16)
	if err != nil || number < 1 || number > uint64(MaxRpdoNumber) {
		return PDOSettings{}, fmt.Errorf("%w : pdo number in [%v]", ErrInvalidConfig, section.Name())
	}
	settings := PDOSettings{Number: uint16(number)}
	if kind == "tpdo" {
		settings.Number += MaxRpdoNumber
	}
	if section.HasKey("enabled") {
		enabled, err := section.Key("enabled").Bool()
		if err != nil {
			return settings, fmt.Errorf("%w : [%v] enabled : %w", ErrInvalidConfig, section.Name(), err)
		}
		settings.Enabled = &enabled
	}
	if settings.CanId, err = optionalUint[uint16](section, "cob_id", 11); err != nil {
		return settings, err
	}
	if settings.TransmissionType, err = optionalUint[uint8](section, "transmission_type", 8); err != nil {
		return settings, err
	}
	if settings.InhibitTime, err = optionalUint[uint16](section, "inhibit_time", 16); err != nil {
		return settings, err
	}
	if settings.EventTimer, err = optionalUint[uint16](section, "event_timer", 16); err != nil {
		return settings, err
	}
	return settings, nil
}

type unsigned interface {
	~uint8 | ~uint16 | ~uint32
}

// Hexadecimal values are accepted
func parseUint[T unsigned](section *ini.Section, key string, bits int, value *T) error {
	parsed, err := optionalUint[T](section, key, bits)
	if err != nil {
		return err
	}
	if parsed != nil {
		*value = *parsed
	}
	return nil
}

func optionalUint[T unsigned](section *ini.Section, key string, bits int) (*T, error) {
	if !section.HasKey(key) {
		return nil, nil
	}
	parsed, err := strconv.ParseUint(section.Key(key).String(), 0, bits)
	if err != nil {
		return nil, fmt.Errorf("%w : [%v] %v : %w", ErrInvalidConfig, section.Name(), key, err)
	}
	value := T(parsed)
	return &value, nil
}

func (cfg *Config) Validate() error {
	if (cfg.NodeId < 1 || cfg.NodeId > 127) && cfg.NodeId != NodeIdUnconfigured {
		return fmt.Errorf("%w : node id x%x", ErrInvalidConfig, cfg.NodeId)
	}
	if !slices.Contains(BitRates, cfg.BitRate) {
		return fmt.Errorf("%w : bit rate %v kbit/s", ErrInvalidConfig, cfg.BitRate)
	}
	if cfg.RxFilters < 1 || cfg.RxFilters > transport.MaxRxFilters {
		return fmt.Errorf("%w : rx_filters %v", ErrInvalidConfig, cfg.RxFilters)
	}
	if cfg.TxSlots < 1 || cfg.TxSlots > transport.MaxTxSlots {
		return fmt.Errorf("%w : tx_slots %v", ErrInvalidConfig, cfg.TxSlots)
	}
	if cfg.Interface == "" {
		return fmt.Errorf("%w : empty can interface", ErrInvalidConfig)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w : %w", ErrInvalidConfig, err)
	}
	return nil
}
