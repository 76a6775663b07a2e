package sim

import (
	"errors"
	"sync"

	"github.com/samsamfire/ionode/pkg/can"
)

// In memory CAN controller used for testing and for running a node
// without hardware. It models transmit mailboxes, a receive FIFO with
// overflow detection, optional acceptance filters, error counters and
// an interrupt line. Two peripherals can be wired together with
// [Peripheral.SetListener] to emulate a bus.

const (
	DefaultMailboxes = 3
	DefaultFifoDepth = 3
)

var ErrFifoEmpty = errors.New("receive fifo is empty")

var defaultBitRates = []uint16{10, 20, 50, 125, 250, 500, 800, 1000}

type Option func(p *Peripheral)

// Use n hardware filter banks (0 disables hardware filtering)
func WithFilterBanks(n int) Option {
	return func(p *Peripheral) { p.filters = make([]filter, n) }
}

func WithFifoDepth(depth int) Option {
	return func(p *Peripheral) { p.fifoDepth = depth }
}

func WithMailboxes(n int) Option {
	return func(p *Peripheral) { p.mailboxes = make([]mailbox, n) }
}

// Complete transmissions as soon as they are accepted by a mailbox
func WithAutoComplete() Option {
	return func(p *Peripheral) { p.autoComplete = true }
}

// Restrict accepted bit rates (kbit/s)
func WithBitRates(rates ...uint16) Option {
	return func(p *Peripheral) {
		p.bitRates = make(map[uint16]bool)
		for _, rate := range rates {
			p.bitRates[rate] = true
		}
	}
}

type filter struct {
	ident uint16
	mask  uint16
	set   bool
}

type mailbox struct {
	frame can.Frame
	busy  bool
}

type rxEntry struct {
	frame can.Frame
	index int
}

type Peripheral struct {
	mu           sync.Mutex
	mode         can.OperatingMode
	modes        []can.OperatingMode
	bitRate      uint16
	bitRates     map[uint16]bool
	irqEnabled   bool
	irq          chan struct{}
	filters      []filter
	mailboxes    []mailbox
	autoComplete bool
	txComplete   bool
	sent         []can.Frame
	aborted      []can.Frame
	fifoDepth    int
	fifo         []rxEntry
	overflow     [2]bool
	txErrors     uint16
	rxErrors     uint16
	errorIrq     bool
	listener     can.FrameListener
}

func New(opts ...Option) *Peripheral {
	p := &Peripheral{
		mode:      can.ModeFreeze,
		irq:       make(chan struct{}, 1),
		mailboxes: make([]mailbox, DefaultMailboxes),
		fifoDepth: DefaultFifoDepth,
	}
	WithBitRates(defaultBitRates...)(p)
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

func (p *Peripheral) SetOperatingMode(mode can.OperatingMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	p.modes = append(p.modes, mode)
	return nil
}

func (p *Peripheral) Configure(bitRateKbps uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bitRates[bitRateKbps] {
		return can.ErrBitrateRejected
	}
	p.bitRate = bitRateKbps
	for i := range p.filters {
		p.filters[i] = filter{}
	}
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

func (p *Peripheral) FilterBanks() int {
	return len(p.filters)
}

func (p *Peripheral) SetFilter(bank int, ident uint16, mask uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bank < 0 || bank >= len(p.filters) {
		return errors.New("filter bank out of range")
	}
	p.filters[bank] = filter{ident: ident, mask: mask, set: true}
	return nil
}

func (p *Peripheral) Transmit(frame can.Frame) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.mailboxes {
		if p.mailboxes[i].busy {
			continue
		}
		p.mailboxes[i] = mailbox{frame: frame, busy: true}
		if p.autoComplete {
			p.complete(i)
		}
		return i, nil
	}
	return -1, can.ErrMailboxBusy
}

// Aborts every pending mailbox. Like a transmit, an abort latches the
// transmit complete flag.
func (p *Peripheral) CancelTransmit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	aborted := false
	for i := range p.mailboxes {
		if p.mailboxes[i].busy {
			p.aborted = append(p.aborted, p.mailboxes[i].frame)
			p.mailboxes[i] = mailbox{}
			aborted = true
		}
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
	return p.fifo[0].frame, p.fifo[0].index, nil
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

// Should be called with mu locked
func (p *Peripheral) complete(i int) {
	frame := p.mailboxes[i].frame
	p.mailboxes[i] = mailbox{}
	p.sent = append(p.sent, frame)
	p.txComplete = true
	p.raise()
	if p.listener != nil {
		listener := p.listener
		p.mu.Unlock()
		listener.Handle(frame)
		p.mu.Lock()
	}
}

// Complete up to n pending mailboxes, lowest mailbox first.
// Returns the frames that went out on the bus.
func (p *Peripheral) Complete(n int) []can.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	completed := []can.Frame{}
	for i := range p.mailboxes {
		if len(completed) == n {
			break
		}
		if p.mailboxes[i].busy {
			completed = append(completed, p.mailboxes[i].frame)
			p.complete(i)
		}
	}
	return completed
}

func (p *Peripheral) CompleteAll() []can.Frame {
	return p.Complete(len(p.mailboxes))
}

// Handle implements [can.FrameListener], frames are received as if
// they came from the bus.
func (p *Peripheral) Handle(frame can.Frame) {
	p.Inject(frame)
}

// Inject a frame in the receive path. Returns false if the frame was
// not accepted (not communicating, rejected by filters or fifo full).
// A full fifo latches the overflow flag and the error interrupt.
func (p *Peripheral) Inject(frame can.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != can.ModeCommunicate {
		return false
	}
	index := -1
	if len(p.filters) > 0 {
		ident := uint16(frame.ID & can.CanSffMask)
		if frame.ID&can.CanRtrFlag != 0 {
			ident |= 0x800
		}
		for i, f := range p.filters {
			if f.set && (ident^f.ident)&f.mask == 0 {
				index = i
				break
			}
		}
		if index < 0 {
			return false
		}
	}
	if len(p.fifo) >= p.fifoDepth {
		p.overflow[can.Fifo0] = true
		p.errorIrq = true
		p.raise()
		return false
	}
	p.fifo = append(p.fifo, rxEntry{frame: frame, index: index})
	p.raise()
	return true
}

// Update error counters, this raises the error interrupt
func (p *Peripheral) SetErrorCounters(tx uint16, rx uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txErrors = tx
	p.rxErrors = rx
	p.errorIrq = true
	p.raise()
}

// Latch the overflow flag of a fifo and raise the error interrupt
func (p *Peripheral) SetRxOverflow(fifo can.Fifo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overflow[fifo&1] = true
	p.errorIrq = true
	p.raise()
}

// Frames completed by the mailboxes are forwarded to listener
func (p *Peripheral) SetListener(listener can.FrameListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = listener
}

func (p *Peripheral) Sent() []can.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]can.Frame{}, p.sent...)
}

func (p *Peripheral) Aborted() []can.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]can.Frame{}, p.aborted...)
}

// Frames currently waiting in a mailbox
func (p *Peripheral) Pending() []can.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := []can.Frame{}
	for _, mb := range p.mailboxes {
		if mb.busy {
			pending = append(pending, mb.frame)
		}
	}
	return pending
}

func (p *Peripheral) Mode() can.OperatingMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Every operating mode requested, in order
func (p *Peripheral) Modes() []can.OperatingMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]can.OperatingMode{}, p.modes...)
}

func (p *Peripheral) BitRate() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitRate
}

func (p *Peripheral) InterruptsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.irqEnabled
}
