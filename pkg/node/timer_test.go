package node

import (
	"context"
	"testing"
	"time"

	"github.com/samsamfire/ionode/pkg/can/sim"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/stretchr/testify/assert"
)

func TestTimerGating(t *testing.T) {
	eng := &fakeEngine{syncWas: true}
	c, err := NewController(testConfig(0x10), sim.New(), eng, nil, od.Default(0x10), nil)
	assert.Nil(t, err)
	timer := NewNetworkTimer(c, 0, nil)

	t.Run("no transport", func(t *testing.T) {
		timer.Tick()
		assert.EqualValues(t, 1, timer.Millis())
		_, syncs, _, _ := eng.counts()
		assert.Equal(t, 0, syncs)
	})

	cancel, done := start(t, c)
	assert.Eventually(t, func() bool { return c.State() == StateOperational }, waitFor, tick)

	t.Run("operational", func(t *testing.T) {
		timer.Tick()
		timer.Tick()
		assert.EqualValues(t, 3, timer.Millis())
		_, syncs, rpdos, tpdos := eng.counts()
		assert.Equal(t, 2, syncs)
		assert.Equal(t, 2, rpdos)
		assert.Equal(t, 2, tpdos)
		eng.mu.Lock()
		assert.True(t, eng.rpdoSyncWas)
		eng.mu.Unlock()
	})

	t.Run("node id unconfigured", func(t *testing.T) {
		eng.mu.Lock()
		eng.unconfigured = true
		eng.mu.Unlock()
		timer.Tick()
		assert.EqualValues(t, 4, timer.Millis())
		_, syncs, _, _ := eng.counts()
		assert.Equal(t, 2, syncs)
		eng.mu.Lock()
		eng.unconfigured = false
		eng.mu.Unlock()
	})

	cancel()
	wait(t, done)

	t.Run("transport disabled", func(t *testing.T) {
		timer.Tick()
		_, syncs, _, _ := eng.counts()
		assert.Equal(t, 2, syncs)
		assert.EqualValues(t, 5, timer.Millis())
	})
}

func TestTimerRun(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := NewController(testConfig(0x10), sim.New(), eng, nil, od.Default(0x10), nil)
	timer := NewNetworkTimer(c, time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	timer.Run(ctx)
	assert.Positive(t, timer.Millis())
	assert.LessOrEqual(t, timer.Millis(), uint32(60))
}

func TestTimerOdLock(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := NewController(testConfig(0x10), sim.New(), eng, nil, od.Default(0x10), nil)
	cancel, done := start(t, c)
	assert.Eventually(t, func() bool { return c.State() == StateOperational }, waitFor, tick)

	// Processing waits for the OD lock
	m := c.Transport()
	m.LockOD()
	timer := NewNetworkTimer(c, 0, nil)
	ticked := make(chan struct{})
	go func() {
		timer.Tick()
		close(ticked)
	}()
	time.Sleep(20 * time.Millisecond)
	_, syncs, _, _ := eng.counts()
	assert.Equal(t, 0, syncs)
	m.UnlockOD()
	<-ticked
	_, syncs, _, _ = eng.counts()
	assert.Equal(t, 1, syncs)

	cancel()
	wait(t, done)
}
