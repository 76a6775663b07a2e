package transport

import (
	"github.com/samsamfire/ionode/internal/metrics"
	"github.com/samsamfire/ionode/pkg/can"
)

// Copy payload into the slot, extra bytes are ignored
func (m *Module) SetPayload(slot *TxSlot, payload []byte) {
	defer m.send.Enter()()
	copy(slot.data[:], payload)
}

// Send a transmit slot.
// The frame goes to a free mailbox if nothing is queued, otherwise it is
// queued and sent later from the transmit complete interrupt.
// Queued slots are drained in slot order, not submission order.
// [ErrTxOverflow] is returned if the slot was still pending, the frame is
// still sent with the newest payload.
func (m *Module) Submit(slot *TxSlot) error {
	if slot == nil || slot.module != m {
		return ErrIllegalArgument
	}
	defer m.send.Enter()()

	var err error
	if slot.full {
		// Bootup message may still be on the bus, don't report it
		if !m.firstTxPending {
			m.setErrorBits(can.ErrorTxOverflow)
		}
		metrics.IncTxOverflow()
		err = ErrTxOverflow
	}

	if m.pendingCount == 0 {
		if m.transmit(slot) != nil {
			m.queue(slot)
		} else if slot.syncFlag {
			m.inhibit = true
		}
	} else {
		m.queue(slot)
	}
	return err
}

// Should be called with send locked
func (m *Module) queue(slot *TxSlot) {
	if !slot.full {
		slot.full = true
		m.pendingCount++
	}
	metrics.IncTxQueued()
}

// Hand a slot to a mailbox, should be called with send locked
func (m *Module) transmit(slot *TxSlot) error {
	ident, length, rtr := UnpackIdent(slot.ident)
	length = min(length, MaxDataSize)
	frame := can.NewFrame(uint32(ident), 0, length)
	if rtr {
		frame.ID |= can.CanRtrFlag
	}
	copy(frame.Data[:length], slot.data[:length])
	_, err := m.peripheral.Transmit(frame)
	if err != nil {
		return err
	}
	metrics.IncTx()
	return nil
}

// Drop synchronous PDOs that were not sent before a new SYNC.
// A synchronous frame already in a mailbox is aborted. Sets the
// PDO late error bit if anything was removed.
func (m *Module) CancelPendingSyncFrames() {
	deleted := false

	m.send.Lock()
	if m.inhibit {
		m.peripheral.CancelTransmit()
		m.inhibit = false
		deleted = true
	}
	if m.pendingCount != 0 {
		for i := range m.txArray {
			slot := &m.txArray[i]
			if slot.full && slot.syncFlag {
				slot.full = false
				m.pendingCount--
				deleted = true
			}
		}
	}
	m.send.Unlock()

	if deleted {
		m.setErrorBits(can.ErrorPdoLate)
		metrics.IncPdoLate()
		m.logger.Debug("pending synchronous PDOs cancelled")
	}
}

// Number of slots waiting for a mailbox
func (m *Module) PendingCount() int {
	defer m.send.Enter()()
	return m.pendingCount
}

// Number of slots marked as full
func (m *Module) FullSlots() int {
	defer m.send.Enter()()
	count := 0
	for i := range m.txArray {
		if m.txArray[i].full {
			count++
		}
	}
	return count
}

// Whether slot is waiting for a mailbox
func (m *Module) IsPending(slot *TxSlot) bool {
	defer m.send.Enter()()
	return slot.full
}

// Whether a synchronous frame currently occupies a mailbox
func (m *Module) InhibitActive() bool {
	defer m.send.Enter()()
	return m.inhibit
}

// Whether the first frame since initialization has been transmitted
func (m *Module) FirstFrameSent() bool {
	defer m.send.Enter()()
	return !m.firstTxPending
}
