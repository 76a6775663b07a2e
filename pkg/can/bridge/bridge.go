package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/ionode/pkg/can"
	log "github.com/sirupsen/logrus"
)

// A [Peripheral] exposes a frame level [can.Bus] (socketcan, slcan, virtual)
// as a [can.Peripheral]. Mailboxes are emptied by a writer goroutine, the
// receive FIFO is filled by the bus reception callback. Failed sends are
// retried like a CAN controller does and increase the transmit error counter.

const (
	DefaultMailboxes  = 3
	DefaultFifoDepth  = 32
	DefaultRetryDelay = 10 * time.Millisecond
)

var ErrFifoEmpty = errors.New("receive fifo is empty")

// Error counters follow ISO 11898 increments
const (
	txErrorIncrement = 8
	rxErrorIncrement = 1
	maxErrorCounter  = 256
)

type Option func(p *Peripheral)

func WithMailboxes(n int) Option {
	return func(p *Peripheral) { p.mailboxes = make([]mailbox, n) }
}

func WithFifoDepth(depth int) Option {
	return func(p *Peripheral) { p.fifoDepth = depth }
}

func WithRetryDelay(delay time.Duration) Option {
	return func(p *Peripheral) { p.retryDelay = delay }
}

type mailbox struct {
	frame can.Frame
	busy  bool
	seq   uint64
}

type Peripheral struct {
	logger     *log.Entry
	bus        can.Bus
	mu         sync.Mutex
	mode       can.OperatingMode
	connected  bool
	irqEnabled bool
	irq        chan struct{}
	wake       chan struct{}
	stop       chan struct{}
	wg         sync.WaitGroup
	mailboxes  []mailbox
	seq        uint64
	txComplete bool
	retryDelay time.Duration
	fifoDepth  int
	fifo       []can.Frame
	overflow   [2]bool
	txErrors   uint16
	rxErrors   uint16
	errorIrq   bool
}

func New(bus can.Bus, logger *log.Entry, opts ...Option) *Peripheral {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	p := &Peripheral{
		logger:     logger.WithField("service", "[BRIDGE]"),
		bus:        bus,
		mode:       can.ModeFreeze,
		irq:        make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
		mailboxes:  make([]mailbox, DefaultMailboxes),
		fifoDepth:  DefaultFifoDepth,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Should be called with mu locked
func (p *Peripheral) raise() {
	if !p.irqEnabled {
		return
	}
	select {
	case p.irq <- struct{}{}:
	default:
	}
}

// Communicate connects the bus on first use and starts the writer.
// Doze disconnects it.
func (p *Peripheral) SetOperatingMode(mode can.OperatingMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch mode {
	case can.ModeCommunicate:
		if !p.connected {
			if err := p.bus.Subscribe(p); err != nil {
				return fmt.Errorf("subscribe failed : %w", err)
			}
			if err := p.bus.Connect(); err != nil {
				return fmt.Errorf("connect failed : %w", err)
			}
			p.connected = true
			p.stop = make(chan struct{})
			p.wg.Add(1)
			go p.writer(p.stop)
			p.logger.Info("bus connected")
		}
	case can.ModeDoze:
		if p.connected {
			p.connected = false
			close(p.stop)
			p.mu.Unlock()
			p.wg.Wait()
			err := p.bus.Disconnect()
			p.mu.Lock()
			if err != nil {
				return fmt.Errorf("disconnect failed : %w", err)
			}
			p.logger.Info("bus disconnected")
		}
	}
	p.mode = mode
	return nil
}

// Bit rate is forwarded to the bus if it supports it. Otherwise it is
// assumed to be configured outside of the process.
func (p *Peripheral) Configure(bitRateKbps uint16) error {
	setter, ok := p.bus.(can.BitrateSetter)
	if !ok {
		p.logger.Debugf("bus has a fixed bit rate, requested %v kbit/s", bitRateKbps)
	} else if err := setter.SetBitrate(bitRateKbps); err != nil {
		if errors.Is(err, can.ErrBitrateRejected) {
			return err
		}
		return fmt.Errorf("%w : %w", can.ErrBitrateRejected, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fifo = nil
	return nil
}

func (p *Peripheral) EnableInterrupts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.irqEnabled = true
	if p.txComplete || p.errorIrq || len(p.fifo) > 0 {
		p.raise()
	}
}

func (p *Peripheral) DisableInterrupts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.irqEnabled = false
}

func (p *Peripheral) Interrupts() <-chan struct{} {
	return p.irq
}

// Frames are filtered in software by the transport
func (p *Peripheral) FilterBanks() int {
	return 0
}

func (p *Peripheral) SetFilter(bank int, ident uint16, mask uint16) error {
	return errors.New("no hardware filter banks")
}

func (p *Peripheral) Transmit(frame can.Frame) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.mailboxes {
		if p.mailboxes[i].busy {
			continue
		}
		p.seq++
		p.mailboxes[i] = mailbox{frame: frame, busy: true, seq: p.seq}
		select {
		case p.wake <- struct{}{}:
		default:
		}
		return i, nil
	}
	return -1, can.ErrMailboxBusy
}

// Aborts every busy mailbox, the abort latches transmit complete
func (p *Peripheral) CancelTransmit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	aborted := false
	for i := range p.mailboxes {
		if p.mailboxes[i].busy {
			aborted = true
		}
		p.mailboxes[i] = mailbox{}
	}
	if aborted {
		p.txComplete = true
		p.raise()
	}
}

func (p *Peripheral) TxComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txComplete
}

func (p *Peripheral) ClearTxComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txComplete = false
}

func (p *Peripheral) RxPending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fifo)
}

func (p *Peripheral) Receive() (can.Frame, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fifo) == 0 {
		return can.Frame{}, -1, ErrFifoEmpty
	}
	return p.fifo[0], -1, nil
}

func (p *Peripheral) ReleaseFifo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fifo) > 0 {
		p.fifo = p.fifo[1:]
	}
}

func (p *Peripheral) ErrorCounters() (uint16, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txErrors, p.rxErrors
}

func (p *Peripheral) RxOverflow(fifo can.Fifo) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overflow[fifo&1]
}

func (p *Peripheral) ClearRxOverflow(fifo can.Fifo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overflow[fifo&1] = false
}

func (p *Peripheral) ErrorInterrupt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorIrq
}

func (p *Peripheral) ClearErrorInterrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorIrq = false
}

// Handle implements [can.FrameListener], called by the bus reception
func (p *Peripheral) Handle(frame can.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != can.ModeCommunicate || frame.ID&can.CanEffFlag != 0 {
		return
	}
	if len(p.fifo) >= p.fifoDepth {
		p.overflow[can.Fifo0] = true
		p.rxErrors = min(p.rxErrors+rxErrorIncrement, maxErrorCounter)
		p.errorIrq = true
		p.raise()
		return
	}
	p.fifo = append(p.fifo, frame)
	p.raise()
}

// Highest priority busy mailbox, should be called with mu locked
func (p *Peripheral) next() (mailbox, int) {
	index := -1
	for i, mb := range p.mailboxes {
		if !mb.busy {
			continue
		}
		if index < 0 || mb.frame.ID&can.CanSffMask < p.mailboxes[index].frame.ID&can.CanSffMask {
			index = i
		}
	}
	if index < 0 {
		return mailbox{}, -1
	}
	return p.mailboxes[index], index
}

func (p *Peripheral) writer(stop chan struct{}) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		mb, index := p.next()
		p.mu.Unlock()

		if index < 0 {
			select {
			case <-stop:
				return
			case <-p.wake:
			}
			continue
		}

		err := p.bus.Send(mb.frame)

		p.mu.Lock()
		if err != nil {
			p.txErrors = min(p.txErrors+txErrorIncrement, maxErrorCounter)
			p.errorIrq = true
			p.raise()
			p.mu.Unlock()
			p.logger.WithError(err).Debugf("failed to send %v, retrying", mb.frame)
			select {
			case <-stop:
				return
			case <-time.After(p.retryDelay):
			}
			continue
		}
		if p.txErrors > 0 {
			p.txErrors--
		}
		// Mailbox may have been cancelled or reused while sending
		if p.mailboxes[index].busy && p.mailboxes[index].seq == mb.seq {
			p.mailboxes[index] = mailbox{}
			p.txComplete = true
			p.raise()
		}
		p.mu.Unlock()
	}
}
