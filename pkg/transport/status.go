package transport

import (
	"github.com/samsamfire/ionode/internal/metrics"
	"github.com/samsamfire/ionode/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Error counter thresholds
const (
	busOffLimit  = 256
	passiveLimit = 128
	warningLimit = 96
)

// Current error status bit mask, see can.Error* constants
func (m *Module) ErrorStatus() uint16 {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.errorStatus
}

// Clear sticky error bits such as RX overflow or PDO late
func (m *Module) ClearErrorBits(mask uint16) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.errorStatus &^= mask
	metrics.SetErrorStatus(m.errorStatus)
}

func (m *Module) setErrorBits(mask uint16) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.errorStatus |= mask
	metrics.SetErrorStatus(m.errorStatus)
}

// Sample the hardware error counters and the receive overflow flags and
// update the error status if anything changed since the last sample.
// Overflow flags are cleared in hardware once read. The RX overflow bit
// is sticky and must be cleared with [Module.ClearErrorBits].
func (m *Module) ProcessErrorCounters() {
	txErrors, rxErrors := m.peripheral.ErrorCounters()
	overflow := uint32(0)
	for _, fifo := range []can.Fifo{can.Fifo0, can.Fifo1} {
		if m.peripheral.RxOverflow(fifo) {
			overflow = 1
			m.peripheral.ClearRxOverflow(fifo)
		}
	}
	// rx is clamped to its byte so it cannot spill into tx
	sample := uint32(txErrors)<<16 | uint32(min(rxErrors, 0xFF))<<8 | overflow

	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	if m.lastSample == sample {
		return
	}
	m.lastSample = sample
	status := m.errorStatus

	if txErrors >= busOffLimit {
		status |= can.ErrorTxBusOff
	} else {
		status &^= can.ErrorTxBusOff | can.ErrorRxWarning | can.ErrorRxPassive |
			can.ErrorTxWarning | can.ErrorTxPassive

		if rxErrors >= passiveLimit {
			status |= can.ErrorRxWarning | can.ErrorRxPassive
		} else if rxErrors >= warningLimit {
			status |= can.ErrorRxWarning
		}

		if txErrors >= passiveLimit {
			status |= can.ErrorTxWarning | can.ErrorTxPassive
		} else if txErrors >= warningLimit {
			status |= can.ErrorTxWarning
		}

		// Overflow only matters once the bus is degraded
		if status&can.ErrorTxPassive == 0 {
			status &^= can.ErrorTxOverflow
		}
	}

	if overflow != 0 {
		status |= can.ErrorRxOverflow
	}

	if status != m.errorStatus {
		m.logger.WithFields(log.Fields{
			"tx":       txErrors,
			"rx":       rxErrors,
			"overflow": overflow,
			"previous": m.errorStatus,
			"status":   status,
		}).Info("error status changed")
	}
	m.errorStatus = status
	metrics.SetErrorStatus(status)
}
