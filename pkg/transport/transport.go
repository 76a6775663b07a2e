package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samsamfire/ionode/internal/metrics"
	"github.com/samsamfire/ionode/pkg/can"
	log "github.com/sirupsen/logrus"
)

const (
	MaxRxFilters = 512
	MaxTxSlots   = 512
)

// Callback of a receive filter, called from the event processor.
// It must not block.
type RxCallback func(owner any, frame can.Frame)

// Receive filter. A frame is accepted if (ident ^ Ident) & Mask == 0
// where ident carries the RTR flag in bit 11.
type RxFilter struct {
	Ident    uint16
	Mask     uint16
	owner    any
	callback RxCallback
}

// Transmit slot, allocated once with [Module.AllocateTxSlot]
type TxSlot struct {
	ident    uint16 // packed identifier, see [PackIdent]
	data     [MaxDataSize]byte
	full     bool
	syncFlag bool
	index    int
	module   *Module
}

// Packed identifier word
func (slot *TxSlot) Ident() uint16 {
	return slot.ident
}

func (slot *TxSlot) Index() int {
	return slot.index
}

func (slot *TxSlot) SyncFlag() bool {
	return slot.syncFlag
}

// A [Module] owns all the hardware facing CAN state of the node :
// receive filters, transmit slots and the error status.
// It is created for every communication reset and bound to a single
// [can.Peripheral].
type Module struct {
	logger         *log.Entry
	peripheral     can.Peripheral
	send           CriticalSection // txArray, pendingCount, inhibit, firstTxPending
	od             CriticalSection // object dictionary shared with the protocol engine
	statusMu       sync.Mutex      // errorStatus, lastSample
	rxArray        []RxFilter
	txArray        []TxSlot
	useRxFilters   bool
	pendingCount   int
	inhibit        bool
	firstTxPending bool
	errorStatus    uint16
	lastSample     uint32
	normal         atomic.Bool
}

func New(peripheral can.Peripheral, logger *log.Entry) *Module {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Module{
		peripheral: peripheral,
		logger:     logger.WithField("service", "[CAN]"),
	}
}

// Initialize receive filters and transmit slots, then configure the
// peripheral at the given bit rate (kbit/s).
// Every filter is reset to match nothing and every slot is empty.
func (m *Module) Initialize(rxCount int, txCount int, bitRate uint16) error {
	if m.peripheral == nil ||
		rxCount < 1 || rxCount > MaxRxFilters ||
		txCount < 1 || txCount > MaxTxSlots {
		return ErrIllegalArgument
	}

	m.send.Lock()
	m.rxArray = make([]RxFilter, rxCount)
	for i := range m.rxArray {
		m.rxArray[i] = RxFilter{Ident: 0, Mask: 0xFFFF}
	}
	m.txArray = make([]TxSlot, txCount)
	for i := range m.txArray {
		m.txArray[i] = TxSlot{index: i, module: m}
	}
	banks := m.peripheral.FilterBanks()
	m.useRxFilters = banks > 0 && rxCount <= banks
	m.pendingCount = 0
	m.inhibit = false
	m.firstTxPending = true
	m.send.Unlock()

	m.statusMu.Lock()
	m.errorStatus = 0
	m.lastSample = 0
	m.statusMu.Unlock()
	m.normal.Store(false)
	metrics.SetErrorStatus(0)

	if err := m.peripheral.Configure(bitRate); err != nil {
		return fmt.Errorf("%w (%v kbit/s): %w", ErrHardwareInit, bitRate, err)
	}
	m.peripheral.EnableInterrupts()
	m.logger.WithFields(log.Fields{
		"rx":         rxCount,
		"tx":         txCount,
		"bitrate":    bitRate,
		"hw filters": m.useRxFilters,
	}).Debug("initialized")
	return nil
}

// Put the peripheral in configuration mode
func (m *Module) SetConfigurationMode() error {
	return m.peripheral.SetOperatingMode(can.ModeFreeze)
}

// Put the peripheral in normal mode, the bus is then usable
func (m *Module) SetNormalMode() error {
	err := m.peripheral.SetOperatingMode(can.ModeCommunicate)
	if err != nil {
		return err
	}
	m.normal.Store(true)
	return nil
}

// Mark the bus as not usable without touching the peripheral
func (m *Module) ClearNormal() {
	m.normal.Store(false)
}

// Disable interrupts and put the peripheral to sleep
func (m *Module) Disable() {
	m.peripheral.DisableInterrupts()
	if err := m.peripheral.SetOperatingMode(can.ModeDoze); err != nil {
		m.logger.WithError(err).Warn("failed to disable peripheral")
	}
	m.normal.Store(false)
}

func (m *Module) IsNormal() bool {
	return m.normal.Load()
}

func (m *Module) Peripheral() can.Peripheral {
	return m.peripheral
}

func (m *Module) RxSize() int {
	return len(m.rxArray)
}

func (m *Module) TxSize() int {
	defer m.send.Enter()()
	return len(m.txArray)
}

// Whether hardware acceptance filters are used for matching
func (m *Module) UsesHardwareFilters() bool {
	return m.useRxFilters
}

// Configure receive filter at index. Filters are expected to be
// registered before the event processor is started.
func (m *Module) RegisterFilter(index int, ident uint16, mask uint16, rtr bool, owner any, callback RxCallback) error {
	if owner == nil || callback == nil || index < 0 || index >= len(m.rxArray) {
		return ErrIllegalArgument
	}
	filter := &m.rxArray[index]
	filter.owner = owner
	filter.callback = callback
	filter.Ident = rxIdent(ident, rtr)
	filter.Mask = mask&IdentMask | RxRtrBit

	if m.useRxFilters {
		if err := m.peripheral.SetFilter(index, filter.Ident, filter.Mask); err != nil {
			return fmt.Errorf("filter bank %v: %w", index, err)
		}
	}
	return nil
}

// Receive filter at index
func (m *Module) Filter(index int) (RxFilter, error) {
	if index < 0 || index >= len(m.rxArray) {
		return RxFilter{}, ErrIllegalArgument
	}
	return m.rxArray[index], nil
}

// Configure transmit slot at index and return it.
// length is truncated to 8.
func (m *Module) AllocateTxSlot(index int, ident uint16, rtr bool, length uint8, syncFlag bool) (*TxSlot, error) {
	defer m.send.Enter()()
	if index < 0 || index >= len(m.txArray) {
		return nil, ErrIllegalArgument
	}
	slot := &m.txArray[index]
	if slot.full {
		m.pendingCount--
	}
	slot.ident = PackIdent(ident, length, rtr)
	slot.full = false
	slot.syncFlag = syncFlag
	return slot, nil
}

// Engine facing lock primitives

func (m *Module) LockSend()   { m.send.Lock() }
func (m *Module) UnlockSend() { m.send.Unlock() }
func (m *Module) LockOD()     { m.od.Lock() }
func (m *Module) UnlockOD()   { m.od.Unlock() }
