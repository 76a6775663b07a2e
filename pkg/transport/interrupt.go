package transport

import (
	"context"

	"github.com/samsamfire/ionode/internal/metrics"
	"github.com/samsamfire/ionode/pkg/can"
)

// Process one peripheral interrupt : received frames, transmit complete
// and error events. Must stay short, it runs on the interrupt path.
func (m *Module) HandleInterrupt() {
	m.handleReceive()
	m.handleTransmit()
	if m.peripheral.ErrorInterrupt() {
		m.ProcessErrorCounters()
		m.peripheral.ClearErrorInterrupt()
	}
}

func (m *Module) handleReceive() {
	for m.peripheral.RxPending() > 0 {
		hwFrame, filterIndex, err := m.peripheral.Receive()
		if err != nil {
			m.logger.WithError(err).Warn("failed to read receive fifo")
			return
		}
		// Release FIFO before matching
		m.peripheral.ReleaseFifo()
		metrics.IncRx()

		frame := can.NewFrame(hwFrame.ID&(can.CanSffMask|can.CanRtrFlag), 0, min(hwFrame.DLC, MaxDataSize))
		frame.Data = hwFrame.Data
		ident := rxIdent(frame.Ident(), frame.IsRTR())

		filter := m.match(ident, filterIndex)
		if filter == nil {
			metrics.IncRxUnmatched()
			continue
		}
		filter.callback(filter.owner, frame)
	}
}

// First matching filter, in index order
func (m *Module) match(ident uint16, filterIndex int) *RxFilter {
	if m.useRxFilters && filterIndex >= 0 {
		if filterIndex >= len(m.rxArray) {
			return nil
		}
		filter := &m.rxArray[filterIndex]
		if filter.callback != nil && (ident^filter.Ident)&filter.Mask == 0 {
			return filter
		}
		return nil
	}
	for i := range m.rxArray {
		filter := &m.rxArray[i]
		if filter.callback != nil && (ident^filter.Ident)&filter.Mask == 0 {
			return filter
		}
	}
	return nil
}

func (m *Module) handleTransmit() {
	if !m.peripheral.TxComplete() {
		return
	}
	m.peripheral.ClearTxComplete()

	defer m.send.Enter()()
	m.firstTxPending = false
	m.inhibit = false

	if m.pendingCount == 0 {
		return
	}
	// Only one slot per interrupt, remaining ones are sent on
	// the following transmit complete interrupts
	for i := range m.txArray {
		slot := &m.txArray[i]
		if !slot.full {
			continue
		}
		slot.full = false
		m.pendingCount--
		m.inhibit = slot.syncFlag
		if m.transmit(slot) != nil {
			slot.full = true
			m.pendingCount++
			m.inhibit = false
		}
		return
	}
	// Nothing found, counter is out of sync
	m.pendingCount = 0
}

// An [EventProcessor] serves the interrupt line of the peripheral
// bound to a [Module].
type EventProcessor struct {
	module *Module
}

func NewEventProcessor(module *Module) *EventProcessor {
	return &EventProcessor{module: module}
}

// Serve interrupts until ctx is done
func (p *EventProcessor) Run(ctx context.Context) {
	irq := p.module.peripheral.Interrupts()
	p.module.logger.Debug("event processor started")
	// Flags latched before start
	p.module.HandleInterrupt()
	for {
		select {
		case <-ctx.Done():
			p.module.logger.Debug("event processor stopped")
			return
		case <-irq:
			p.module.HandleInterrupt()
		}
	}
}
