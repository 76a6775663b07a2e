package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/can/sim"
	"github.com/samsamfire/ionode/pkg/engine"
	"github.com/samsamfire/ionode/pkg/nmt"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/stack"
	"github.com/stretchr/testify/assert"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// Engine double recording the calls made by the controller and the timer
type fakeEngine struct {
	mu           sync.Mutex
	initErr      error
	pdoErr       error
	unconfigured bool
	reset        engine.ResetCommand
	syncWas      bool
	inits        int
	syncs        int
	rpdos        int
	tpdos        int
	rpdoSyncWas  bool
	closed       int
}

func (e *fakeEngine) Init(t engine.Transport, dict *od.ObjectDictionary, nodeId uint8, timeouts engine.Timeouts) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inits++
	if e.unconfigured {
		return engine.ErrNodeIdUnconfigured
	}
	return e.initErr
}

func (e *fakeEngine) InitPDO(dict *od.ObjectDictionary, nodeId uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pdoErr
}

func (e *fakeEngine) Process(timeDifferenceUs uint32) engine.ResetCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	reset := e.reset
	e.reset = engine.ResetNot
	return reset
}

func (e *fakeEngine) ProcessSYNC(timeDifferenceUs uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncs++
	return e.syncWas
}

func (e *fakeEngine) ProcessRPDO(syncWas bool, timeDifferenceUs uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rpdos++
	e.rpdoSyncWas = syncWas
}

func (e *fakeEngine) ProcessTPDO(syncWas bool, timeDifferenceUs uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tpdos++
}

func (e *fakeEngine) LEDs() (bool, bool) { return false, true }

func (e *fakeEngine) ReportError(category engine.ErrorCategory, code uint16, info uint32) {}

func (e *fakeEngine) NodeIdUnconfigured() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unconfigured
}

func (e *fakeEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
}

func (e *fakeEngine) requestReset(reset engine.ResetCommand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset = reset
}

func (e *fakeEngine) counts() (inits int, syncs int, rpdos int, tpdos int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inits, e.syncs, e.rpdos, e.tpdos
}

func testConfig(nodeId uint8) Config {
	return Config{
		NodeId:        nodeId,
		BitRate:       125,
		RxCount:       stack.RxCount,
		TxCount:       stack.TxCount,
		ProcessPeriod: 100 * time.Microsecond,
		HaltPeriod:    10 * time.Millisecond,
	}
}

// Start the controller in the background, the returned channel receives
// the result of Run
func start(t *testing.T, c *Controller) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func wait(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("controller did not return")
		return nil
	}
}

func inject(p *sim.Peripheral, id uint32, data ...byte) {
	frame := can.NewFrame(id, 0, uint8(len(data)))
	copy(frame.Data[:], data)
	p.Inject(frame)
}

func countBootups(p *sim.Peripheral, nodeId uint8) int {
	count := 0
	for _, frame := range p.Sent() {
		if frame.ID == 0x700+uint32(nodeId) && frame.Data[0] == 0 {
			count++
		}
	}
	return count
}

func newStackNode(t *testing.T, p *sim.Peripheral, nodeId uint8) *Controller {
	t.Helper()
	stk := stack.New(nil)
	c, err := NewController(testConfig(nodeId), p, stk, stk.LSS(), od.Default(0x10), nil)
	assert.Nil(t, err)
	return c
}

func TestNewController(t *testing.T) {
	_, err := NewController(testConfig(0x10), nil, &fakeEngine{}, nil, od.Default(0x10), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewController(testConfig(0x10), sim.New(), nil, nil, od.Default(0x10), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := NewController(Config{NodeId: 0x10, BitRate: 125}, sim.New(), &fakeEngine{}, nil, od.Default(0x10), nil)
	assert.Nil(t, err)
	assert.Equal(t, DefaultProcessPeriod, c.config.ProcessPeriod)
	assert.Equal(t, engine.DefaultTimeouts, c.config.Timeouts)
	assert.Nil(t, c.Transport())
	assert.Equal(t, StateConfiguringComm, c.State())
}

func TestCommunicationReset(t *testing.T) {
	p := sim.New(sim.WithAutoComplete())
	c := newStackNode(t, p, 0x10)
	cancel, done := start(t, c)

	assert.Eventually(t, func() bool {
		return c.State() == StateOperational && countBootups(p, 0x10) == 1
	}, waitFor, tick)
	first := c.Transport()
	assert.True(t, first.IsNormal())

	inject(p, 0, byte(nmt.CommandResetCommunication), 0x10)
	assert.Eventually(t, func() bool {
		return countBootups(p, 0x10) == 2 && c.State() == StateOperational
	}, waitFor, tick)
	assert.NotSame(t, first, c.Transport())
	assert.False(t, first.IsNormal())
	assert.True(t, c.Transport().IsNormal())

	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
	assert.Equal(t, can.ModeDoze, p.Mode())
	assert.False(t, p.InterruptsEnabled())
}

func TestApplicationReset(t *testing.T) {
	p := sim.New(sim.WithAutoComplete())
	c := newStackNode(t, p, 0x10)
	cancel, done := start(t, c)

	assert.Eventually(t, func() bool { return c.State() == StateOperational }, waitFor, tick)
	inject(p, 0, byte(nmt.CommandResetNode), 0)
	assert.Eventually(t, func() bool { return c.State() == StateTerminated }, waitFor, tick)
	assert.Equal(t, can.ModeDoze, p.Mode())
	assert.False(t, c.Transport().IsNormal())

	cancel()
	assert.Nil(t, wait(t, done))
}

func TestHaltOnBitRateRejected(t *testing.T) {
	p := sim.New(sim.WithBitRates(250))
	eng := &fakeEngine{}
	c, err := NewController(testConfig(0x10), p, eng, nil, od.Default(0x10), nil)
	assert.Nil(t, err)
	cancel, done := start(t, c)

	assert.Eventually(t, func() bool { return c.State() == StateHalted }, waitFor, tick)
	// Hold on for a few halt periods
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalted, c.State())
	assert.NotContains(t, p.Modes(), can.ModeCommunicate)
	inits, _, _, _ := eng.counts()
	assert.Equal(t, 0, inits)

	cancel()
	err = wait(t, done)
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, err, can.ErrBitrateRejected)
}

func TestHaltOnEngineError(t *testing.T) {
	t.Run("init", func(t *testing.T) {
		p := sim.New()
		c, _ := NewController(testConfig(0x10), p, &fakeEngine{initErr: engine.ErrOdParameters}, nil, od.Default(0x10), nil)
		cancel, done := start(t, c)
		assert.Eventually(t, func() bool { return c.State() == StateHalted }, waitFor, tick)
		assert.False(t, c.Transport().IsNormal())
		cancel()
		err := wait(t, done)
		assert.ErrorIs(t, err, ErrHalted)
		assert.ErrorIs(t, err, engine.ErrOdParameters)
	})

	t.Run("pdo", func(t *testing.T) {
		p := sim.New()
		c, _ := NewController(testConfig(0x10), p, &fakeEngine{pdoErr: engine.ErrOdParameters}, nil, od.Default(0x10), nil)
		cancel, done := start(t, c)
		assert.Eventually(t, func() bool { return c.State() == StateHalted }, waitFor, tick)
		cancel()
		assert.ErrorIs(t, wait(t, done), ErrHalted)
	})

	t.Run("unconfigured is not fatal", func(t *testing.T) {
		p := sim.New()
		c, _ := NewController(testConfig(0xFF), p, &fakeEngine{unconfigured: true}, nil, od.Default(0x10), nil)
		cancel, done := start(t, c)
		assert.Eventually(t, func() bool { return c.State() == StateOperational }, waitFor, tick)
		assert.True(t, c.Transport().IsNormal())
		cancel()
		assert.ErrorIs(t, wait(t, done), context.Canceled)
	})
}

func TestResetLoop(t *testing.T) {
	p := sim.New()
	eng := &fakeEngine{}
	c, _ := NewController(testConfig(0x10), p, eng, nil, od.Default(0x10), nil)
	cancel, done := start(t, c)

	assert.Eventually(t, func() bool { return c.State() == StateOperational }, waitFor, tick)
	for i := 2; i <= 4; i++ {
		eng.requestReset(engine.ResetComm)
		assert.Eventually(t, func() bool {
			inits, _, _, _ := eng.counts()
			return inits == i && c.State() == StateOperational
		}, waitFor, tick)
	}
	red, green := c.LEDs()
	assert.False(t, red)
	assert.True(t, green)

	eng.requestReset(engine.ResetApp)
	assert.Eventually(t, func() bool { return c.State() == StateTerminated }, waitFor, tick)
	cancel()
	assert.Nil(t, wait(t, done))
	assert.Positive(t, eng.closed)
}

func TestLSSConfiguration(t *testing.T) {
	t.Run("node id assigned", func(t *testing.T) {
		p := sim.New(sim.WithAutoComplete())
		c := newStackNode(t, p, 0xFF)
		cancel, done := start(t, c)
		assert.Eventually(t, func() bool { return c.State() == StateOperational }, waitFor, tick)
		assert.EqualValues(t, 0xFF, c.ActiveNodeId())
		assert.True(t, c.Engine().NodeIdUnconfigured())

		inject(p, 0x7E5, 4, 1, 0, 0, 0, 0, 0, 0)
		inject(p, 0x7E5, 17, 0x22, 0, 0, 0, 0, 0, 0)
		inject(p, 0x7E5, 4, 0, 0, 0, 0, 0, 0, 0)
		assert.Eventually(t, func() bool {
			return c.ActiveNodeId() == 0x22 && countBootups(p, 0x22) == 1
		}, waitFor, tick)
		assert.False(t, c.Engine().NodeIdUnconfigured())
		cancel()
		assert.ErrorIs(t, wait(t, done), context.Canceled)
	})

	t.Run("bit rate switched", func(t *testing.T) {
		p := sim.New(sim.WithAutoComplete())
		c := newStackNode(t, p, 0x10)
		cancel, done := start(t, c)
		assert.Eventually(t, func() bool { return c.State() == StateOperational }, waitFor, tick)
		assert.EqualValues(t, 125, p.BitRate())

		inject(p, 0x7E5, 4, 1, 0, 0, 0, 0, 0, 0)
		inject(p, 0x7E5, 19, 0, 3, 0, 0, 0, 0, 0)
		inject(p, 0x7E5, 21, 0, 0, 0, 0, 0, 0, 0)
		assert.Eventually(t, func() bool {
			return p.BitRate() == 250 && countBootups(p, 0x10) == 2
		}, waitFor, tick)
		cancel()
		assert.ErrorIs(t, wait(t, done), context.Canceled)
	})
}
