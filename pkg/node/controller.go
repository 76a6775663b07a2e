package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/ionode/internal/metrics"
	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/engine"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/transport"
	log "github.com/sirupsen/logrus"
)

var (
	ErrHalted        = errors.New("node halted on a fatal initialization error")
	ErrInvalidConfig = errors.New("invalid controller configuration")
)

// Lifecycle state of the node
type State uint8

const (
	StateConfiguringComm State = 0
	StateOperational     State = 1
	StateTerminated      State = 2
	StateHalted          State = 3
)

var stateDescription = map[State]string{
	StateConfiguringComm: "CONFIGURING-COMMUNICATION",
	StateOperational:     "OPERATIONAL",
	StateTerminated:      "TERMINATED",
	StateHalted:          "HALTED",
}

func (s State) String() string {
	if description, ok := stateDescription[s]; ok {
		return description
	}
	return "UNKNOWN"
}

const (
	DefaultProcessPeriod = 500 * time.Microsecond
	DefaultHaltPeriod    = time.Second
	DefaultRxCount       = 32
	DefaultTxCount       = 16
)

type Config struct {
	NodeId        uint8
	BitRate       uint16 // kbit/s
	RxCount       int
	TxCount       int
	Timeouts      engine.Timeouts
	ProcessPeriod time.Duration
	HaltPeriod    time.Duration
}

// A [Controller] drives the communication reset state machine of the
// node. It owns the transport, bound to a single peripheral, and the
// protocol engine.
type Controller struct {
	logger         *log.Entry
	config         Config
	peripheral     can.Peripheral
	engine         engine.Engine
	negotiator     engine.Negotiator
	dict           *od.ObjectDictionary
	mu             sync.RWMutex // transport, state, leds, activeNodeId
	transport      *transport.Module
	state          State
	red            bool
	green          bool
	activeNodeId   uint8
	pendingNodeId  uint8
	pendingBitRate uint16
	eventCancel    context.CancelFunc
	eventWg        sync.WaitGroup
}

// Create a controller. negotiator is optional, without it the node id
// and bit rate of config are used as is.
func NewController(
	config Config,
	peripheral can.Peripheral,
	eng engine.Engine,
	negotiator engine.Negotiator,
	dict *od.ObjectDictionary,
	logger *log.Entry,
) (*Controller, error) {
	if peripheral == nil || eng == nil || dict == nil {
		return nil, fmt.Errorf("%w : missing peripheral, engine or object dictionary", ErrInvalidConfig)
	}
	if config.RxCount == 0 {
		config.RxCount = DefaultRxCount
	}
	if config.TxCount == 0 {
		config.TxCount = DefaultTxCount
	}
	if config.ProcessPeriod <= 0 {
		config.ProcessPeriod = DefaultProcessPeriod
	}
	if config.HaltPeriod <= 0 {
		config.HaltPeriod = DefaultHaltPeriod
	}
	if config.Timeouts == (engine.Timeouts{}) {
		config.Timeouts = engine.DefaultTimeouts
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Controller{
		logger:         logger.WithField("service", "[CTRLR]"),
		config:         config,
		peripheral:     peripheral,
		engine:         eng,
		negotiator:     negotiator,
		dict:           dict,
		pendingNodeId:  config.NodeId,
		pendingBitRate: config.BitRate,
		activeNodeId:   config.NodeId,
	}, nil
}

// Run the node until ctx is cancelled.
// Returns nil after an application reset, [ErrHalted] after a fatal
// initialization error, ctx.Err() if cancelled while running.
func (c *Controller) Run(ctx context.Context) error {
	reset := engine.ResetComm
	for {
		switch reset {
		case engine.ResetComm:
			if err := c.configureComm(); err != nil {
				return c.halt(ctx, err)
			}
			reset = c.operational(ctx)
			if reset == engine.ResetNot {
				c.shutdown()
				return ctx.Err()
			}
		default:
			return c.terminate(ctx)
		}
	}
}

// One communication reset pass, ends with the bus in normal mode
func (c *Controller) configureComm() error {
	c.setState(StateConfiguringComm)
	metrics.IncCommReset()
	c.release()

	m := transport.New(c.peripheral, c.logger)
	if err := m.SetConfigurationMode(); err != nil {
		return fmt.Errorf("configuration mode : %w", err)
	}
	m.Disable()
	if err := m.Initialize(c.config.RxCount, c.config.TxCount, c.pendingBitRate); err != nil {
		return fmt.Errorf("transport initialization : %w", err)
	}
	c.mu.Lock()
	c.transport = m
	c.mu.Unlock()
	c.startEventProcessor(m)

	if c.negotiator != nil {
		identity, err := c.dict.Identity()
		if err != nil {
			return fmt.Errorf("%w : identity : %w", engine.ErrOdParameters, err)
		}
		if err := c.negotiator.Init(m, identity, &c.pendingNodeId, &c.pendingBitRate); err != nil {
			return fmt.Errorf("lss initialization : %w", err)
		}
	}
	c.mu.Lock()
	c.activeNodeId = c.pendingNodeId
	c.mu.Unlock()

	err := c.engine.Init(m, c.dict, c.activeNodeId, c.config.Timeouts)
	if err != nil && !errors.Is(err, engine.ErrNodeIdUnconfigured) {
		return fmt.Errorf("engine initialization : %w", err)
	}
	if err == nil {
		err = c.engine.InitPDO(c.dict, c.activeNodeId)
		if err != nil && !errors.Is(err, engine.ErrNodeIdUnconfigured) {
			return fmt.Errorf("pdo initialization : %w", err)
		}
	}
	if c.engine.NodeIdUnconfigured() {
		c.logger.Warn("node id unconfigured, waiting for LSS")
	}

	if err := m.SetNormalMode(); err != nil {
		return fmt.Errorf("normal mode : %w", err)
	}
	c.logger.WithFields(log.Fields{
		"nodeId":  fmt.Sprintf("x%x", c.activeNodeId),
		"bitrate": c.pendingBitRate,
	}).Info("communication configured")
	return nil
}

// Run the protocol engine until a reset is requested or ctx is done
func (c *Controller) operational(ctx context.Context) engine.ResetCommand {
	c.setState(StateOperational)
	periodUs := uint32(c.config.ProcessPeriod.Microseconds())
	ticker := time.NewTicker(c.config.ProcessPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return engine.ResetNot
		case <-ticker.C:
			reset := c.engine.Process(periodUs)
			red, green := c.engine.LEDs()
			c.setLEDs(red, green)
			if reset != engine.ResetNot {
				c.logger.Infof("reset requested : %v", reset)
				return reset
			}
		}
	}
}

// Fatal loop, the node stays halted until ctx is done
func (c *Controller) halt(ctx context.Context, cause error) error {
	c.setState(StateHalted)
	c.logger.WithError(cause).Error("fatal error, node halted")
	ticker := time.NewTicker(c.config.HaltPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.stopEventProcessor()
			return fmt.Errorf("%w : %w", ErrHalted, cause)
		case <-ticker.C:
			c.logger.WithError(cause).Debug("halted")
		}
	}
}

// Application reset, the hardware is released and the node idles
func (c *Controller) terminate(ctx context.Context) error {
	c.shutdown()
	c.setState(StateTerminated)
	c.logger.Info("terminated")
	<-ctx.Done()
	return nil
}

// Stop the engine and put the hardware to sleep
func (c *Controller) shutdown() {
	m := c.Transport()
	c.release()
	if m != nil {
		if err := m.SetConfigurationMode(); err != nil {
			c.logger.WithError(err).Warn("failed to enter configuration mode")
		}
		m.Disable()
	}
	c.engine.Close()
}

// Detach the current transport from the timer and the event processor
func (c *Controller) release() {
	m := c.Transport()
	if m == nil {
		return
	}
	m.ClearNormal()
	// Wait for a timer tick in progress
	m.LockOD()
	m.UnlockOD()
	c.stopEventProcessor()
}

func (c *Controller) startEventProcessor(m *transport.Module) {
	ctx, cancel := context.WithCancel(context.Background())
	c.eventCancel = cancel
	c.eventWg.Add(1)
	go func() {
		defer c.eventWg.Done()
		transport.NewEventProcessor(m).Run(ctx)
	}()
}

func (c *Controller) stopEventProcessor() {
	if c.eventCancel == nil {
		return
	}
	c.eventCancel()
	c.eventWg.Wait()
	c.eventCancel = nil
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	previous := c.state
	c.state = state
	c.mu.Unlock()
	metrics.SetLifecycleState(uint8(state))
	if previous != state {
		c.logger.Debugf("state changed | %v ==> %v", previous, state)
	}
}

func (c *Controller) setLEDs(red bool, green bool) {
	c.mu.Lock()
	changed := c.red != red || c.green != green
	c.red, c.green = red, green
	c.mu.Unlock()
	if changed {
		metrics.SetLeds(red, green)
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Last red (error) and green (run) indicators published by the engine
func (c *Controller) LEDs() (red bool, green bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.red, c.green
}

// Node id used by the current communication cycle
func (c *Controller) ActiveNodeId() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeNodeId
}

// Transport of the current communication cycle, nil before the first one
func (c *Controller) Transport() *transport.Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

func (c *Controller) Engine() engine.Engine {
	return c.engine
}
