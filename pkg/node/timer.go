package node

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/samsamfire/ionode/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const DefaultTimerPeriod = time.Millisecond

// A [NetworkTimer] runs SYNC and PDO processing of the engine owned by
// a [Controller] at a fixed period, with the OD lock held.
// It also provides a free running millisecond counter.
type NetworkTimer struct {
	logger     *log.Entry
	controller *Controller
	period     time.Duration
	periodUs   uint32
	counter    atomic.Uint32
}

func NewNetworkTimer(controller *Controller, period time.Duration, logger *log.Entry) *NetworkTimer {
	if period <= 0 {
		period = DefaultTimerPeriod
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &NetworkTimer{
		logger:     logger.WithField("service", "[TIMER]"),
		controller: controller,
		period:     period,
		periodUs:   uint32(period.Microseconds()),
	}
}

// Tick until ctx is done
func (t *NetworkTimer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	t.logger.Infof("starting network timer, period %v", t.period)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("exited network timer")
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// One timer period. Processing only happens once the node is
// communicating with a configured node id.
func (t *NetworkTimer) Tick() {
	t.counter.Add(1)
	metrics.IncTimerTick()

	m := t.controller.Transport()
	if m == nil {
		return
	}
	m.LockOD()
	defer m.UnlockOD()

	eng := t.controller.Engine()
	if !m.IsNormal() || eng.NodeIdUnconfigured() {
		return
	}
	syncWas := eng.ProcessSYNC(t.periodUs)
	eng.ProcessRPDO(syncWas, t.periodUs)
	eng.ProcessTPDO(syncWas, t.periodUs)
}

// Number of ticks since start, in milliseconds for the default period.
// Wraps around.
func (t *NetworkTimer) Millis() uint32 {
	return t.counter.Load()
}
