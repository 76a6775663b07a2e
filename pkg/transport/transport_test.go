package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/can/sim"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	frames []can.Frame
}

func (r *recorder) callback(owner any, frame can.Frame) {
	owner.(*recorder).frames = append(owner.(*recorder).frames, frame)
}

func newTestModule(t *testing.T, rx int, tx int, opts ...sim.Option) (*Module, *sim.Peripheral) {
	t.Helper()
	p := sim.New(opts...)
	m := New(p, nil)
	assert.Nil(t, m.Initialize(rx, tx, 125))
	assert.Nil(t, m.SetNormalMode())
	return m, p
}

func assertPendingInvariant(t *testing.T, m *Module) {
	t.Helper()
	assert.Equal(t, m.FullSlots(), m.PendingCount())
}

func TestInitialize(t *testing.T) {
	t.Run("illegal arguments", func(t *testing.T) {
		m := New(sim.New(), nil)
		assert.ErrorIs(t, m.Initialize(0, 10, 125), ErrIllegalArgument)
		assert.ErrorIs(t, m.Initialize(10, 0, 125), ErrIllegalArgument)
		assert.ErrorIs(t, m.Initialize(MaxRxFilters+1, 10, 125), ErrIllegalArgument)
		assert.ErrorIs(t, m.Initialize(10, MaxTxSlots+1, 125), ErrIllegalArgument)
		assert.ErrorIs(t, New(nil, nil).Initialize(10, 10, 125), ErrIllegalArgument)
	})

	t.Run("bit rate rejected", func(t *testing.T) {
		p := sim.New(sim.WithBitRates(125, 250))
		m := New(p, nil)
		err := m.Initialize(10, 10, 333)
		assert.ErrorIs(t, err, ErrHardwareInit)
		assert.ErrorIs(t, err, can.ErrBitrateRejected)
		assert.False(t, p.InterruptsEnabled())
		assert.False(t, m.IsNormal())
	})

	t.Run("filters match nothing", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4)
		for i := range 4 {
			filter, err := m.Filter(i)
			assert.Nil(t, err)
			assert.EqualValues(t, 0, filter.Ident)
			assert.EqualValues(t, 0xFFFF, filter.Mask)
		}
		assert.True(t, p.Inject(can.NewFrame(0, 0, 0)))
		m.HandleInterrupt()
		assert.Equal(t, 0, p.RxPending())
		assert.Equal(t, 4, m.TxSize())
		assert.Equal(t, 4, m.RxSize())
		assert.Equal(t, 0, m.PendingCount())
		assert.False(t, m.FirstFrameSent())
	})

	t.Run("modes", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4)
		assert.True(t, m.IsNormal())
		assert.Equal(t, can.ModeCommunicate, p.Mode())
		m.Disable()
		assert.False(t, m.IsNormal())
		assert.False(t, p.InterruptsEnabled())
		assert.Equal(t, can.ModeDoze, p.Mode())
		assert.Nil(t, m.SetConfigurationMode())
		assert.Equal(t, can.ModeFreeze, p.Mode())
	})
}

func TestRegisterFilter(t *testing.T) {
	t.Run("illegal arguments", func(t *testing.T) {
		m, _ := newTestModule(t, 4, 4)
		rec := &recorder{}
		assert.ErrorIs(t, m.RegisterFilter(4, 0x181, 0x7FF, false, rec, rec.callback), ErrIllegalArgument)
		assert.ErrorIs(t, m.RegisterFilter(-1, 0x181, 0x7FF, false, rec, rec.callback), ErrIllegalArgument)
		assert.ErrorIs(t, m.RegisterFilter(0, 0x181, 0x7FF, false, rec, nil), ErrIllegalArgument)
		assert.ErrorIs(t, m.RegisterFilter(0, 0x181, 0x7FF, false, nil, rec.callback), ErrIllegalArgument)
	})

	t.Run("matching frame invokes callback", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4)
		rec := &recorder{}
		other := &recorder{}
		assert.Nil(t, m.RegisterFilter(3, 0x181, 0x7FF, false, rec, rec.callback))
		assert.Nil(t, m.RegisterFilter(1, 0x200, 0x7FF, false, other, other.callback))

		frame := can.NewFrame(0x181, 0, 2)
		frame.Data = [8]byte{1, 2}
		p.Inject(frame)
		p.Inject(can.NewFrame(0x182, 0, 0))
		m.HandleInterrupt()

		assert.Len(t, rec.frames, 1)
		assert.Len(t, other.frames, 0)
		assert.EqualValues(t, 0x181, rec.frames[0].Ident())
		assert.EqualValues(t, 2, rec.frames[0].DLC)
		assert.Equal(t, [8]byte{1, 2}, rec.frames[0].Data)
	})

	t.Run("rtr is part of the identifier", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4)
		data := &recorder{}
		remote := &recorder{}
		assert.Nil(t, m.RegisterFilter(0, 0x701, 0x7FF, false, data, data.callback))
		assert.Nil(t, m.RegisterFilter(1, 0x701, 0x7FF, true, remote, remote.callback))
		p.Inject(can.NewFrame(0x701|can.CanRtrFlag, 0, 0))
		m.HandleInterrupt()
		assert.Len(t, data.frames, 0)
		assert.Len(t, remote.frames, 1)
		assert.True(t, remote.frames[0].IsRTR())
	})

	t.Run("first match wins", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4)
		broad := &recorder{}
		exact := &recorder{}
		assert.Nil(t, m.RegisterFilter(2, 0x180, 0x780, false, broad, broad.callback))
		assert.Nil(t, m.RegisterFilter(3, 0x181, 0x7FF, false, exact, exact.callback))
		p.Inject(can.NewFrame(0x181, 0, 0))
		m.HandleInterrupt()
		assert.Len(t, broad.frames, 1)
		assert.Len(t, exact.frames, 0)
	})

	t.Run("dlc is clamped", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4)
		rec := &recorder{}
		assert.Nil(t, m.RegisterFilter(0, 0x10, 0x7FF, false, rec, rec.callback))
		p.Inject(can.NewFrame(0x10, 0, 15))
		m.HandleInterrupt()
		assert.EqualValues(t, 8, rec.frames[0].DLC)
	})
}

func TestHardwareFilters(t *testing.T) {
	t.Run("used when enough banks", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4, sim.WithFilterBanks(8))
		assert.True(t, m.UsesHardwareFilters())
		rec := &recorder{}
		assert.Nil(t, m.RegisterFilter(2, 0x181, 0x7FF, false, rec, rec.callback))
		assert.True(t, p.Inject(can.NewFrame(0x181, 0, 0)))
		assert.False(t, p.Inject(can.NewFrame(0x182, 0, 0)))
		m.HandleInterrupt()
		assert.Len(t, rec.frames, 1)
	})

	t.Run("software matching when not enough banks", func(t *testing.T) {
		m, _ := newTestModule(t, 16, 4, sim.WithFilterBanks(8))
		assert.False(t, m.UsesHardwareFilters())
	})
}

func TestSubmit(t *testing.T) {
	t.Run("illegal slot", func(t *testing.T) {
		m, _ := newTestModule(t, 4, 4)
		other, _ := newTestModule(t, 4, 4)
		slot, err := other.AllocateTxSlot(0, 0x181, false, 8, false)
		assert.Nil(t, err)
		assert.ErrorIs(t, m.Submit(slot), ErrIllegalArgument)
		assert.ErrorIs(t, m.Submit(nil), ErrIllegalArgument)
		_, err = m.AllocateTxSlot(4, 0x181, false, 8, false)
		assert.ErrorIs(t, err, ErrIllegalArgument)
	})

	t.Run("frame content", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4)
		slot, err := m.AllocateTxSlot(0, 0x181, false, 3, false)
		assert.Nil(t, err)
		m.SetPayload(slot, []byte{0xA, 0xB, 0xC, 0xD})
		assert.Nil(t, m.Submit(slot))
		remote, err := m.AllocateTxSlot(1, 0x701, true, 0, false)
		assert.Nil(t, err)
		assert.Nil(t, m.Submit(remote))

		pending := p.Pending()
		assert.Len(t, pending, 2)
		assert.EqualValues(t, 0x181, pending[0].ID)
		assert.EqualValues(t, 3, pending[0].DLC)
		assert.Equal(t, []byte{0xA, 0xB, 0xC}, pending[0].Data[:3])
		assert.EqualValues(t, 0, pending[0].Data[3])
		assert.True(t, pending[1].IsRTR())
		assert.EqualValues(t, 0x701, pending[1].Ident())
	})

	t.Run("queued when mailboxes are busy", func(t *testing.T) {
		m, p := newTestModule(t, 4, 8, sim.WithMailboxes(2))
		slots := make([]*TxSlot, 5)
		for i := range slots {
			slot, err := m.AllocateTxSlot(i, uint16(0x181+i), false, 1, false)
			assert.Nil(t, err)
			slots[i] = slot
		}
		// Submission order differs from slot order
		for _, i := range []int{4, 0, 3, 1, 2} {
			assert.Nil(t, m.Submit(slots[i]))
			assertPendingInvariant(t, m)
		}
		assert.Equal(t, 3, m.PendingCount())
		assert.True(t, m.IsPending(slots[1]))

		// One slot per transmit complete interrupt, in slot order
		expected := []uint16{0x182, 0x183, 0x184}
		for _, ident := range expected {
			p.Complete(1)
			m.HandleInterrupt()
			assertPendingInvariant(t, m)
			pending := p.Pending()
			assert.EqualValues(t, ident, pending[0].Ident())
		}
		assert.Equal(t, 0, m.PendingCount())
		assert.True(t, m.FirstFrameSent())
		p.CompleteAll()
		m.HandleInterrupt()
		assert.Len(t, p.Sent(), 5)
	})

	t.Run("overflow before first frame is not reported", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4, sim.WithMailboxes(1))
		bootup, _ := m.AllocateTxSlot(0, 0x710, false, 1, false)
		slot, _ := m.AllocateTxSlot(1, 0x181, false, 1, false)
		assert.Nil(t, m.Submit(bootup))
		assert.Nil(t, m.Submit(slot))
		m.SetPayload(slot, []byte{2})
		assert.ErrorIs(t, m.Submit(slot), ErrTxOverflow)
		assertPendingInvariant(t, m)
		assert.Equal(t, 1, m.PendingCount())
		assert.Zero(t, m.ErrorStatus()&can.ErrorTxOverflow)

		p.Complete(1)
		m.HandleInterrupt()
		assert.True(t, m.FirstFrameSent())
		// Newest payload is sent
		assert.EqualValues(t, 2, p.Pending()[0].Data[0])
	})

	t.Run("overflow after first frame is reported", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4, sim.WithMailboxes(1))
		first, _ := m.AllocateTxSlot(0, 0x710, false, 1, false)
		slot, _ := m.AllocateTxSlot(1, 0x181, false, 1, false)
		assert.Nil(t, m.Submit(first))
		p.Complete(1)
		m.HandleInterrupt()
		assert.Nil(t, m.Submit(first))
		assert.Nil(t, m.Submit(slot))
		assert.ErrorIs(t, m.Submit(slot), ErrTxOverflow)
		assertPendingInvariant(t, m)
		assert.NotZero(t, m.ErrorStatus()&can.ErrorTxOverflow)
	})

	t.Run("reallocating a pending slot", func(t *testing.T) {
		m, _ := newTestModule(t, 4, 4, sim.WithMailboxes(1))
		first, _ := m.AllocateTxSlot(0, 0x181, false, 1, false)
		second, _ := m.AllocateTxSlot(1, 0x182, false, 1, false)
		assert.Nil(t, m.Submit(first))
		assert.Nil(t, m.Submit(second))
		assert.Equal(t, 1, m.PendingCount())
		_, err := m.AllocateTxSlot(1, 0x183, false, 2, false)
		assert.Nil(t, err)
		assert.Equal(t, 0, m.PendingCount())
		assertPendingInvariant(t, m)
	})

	t.Run("stale pending count is resynchronised", func(t *testing.T) {
		m, p := newTestModule(t, 4, 4, sim.WithMailboxes(1))
		slot, _ := m.AllocateTxSlot(0, 0x181, false, 1, false)
		assert.Nil(t, m.Submit(slot))
		m.send.Lock()
		m.pendingCount = 3
		m.send.Unlock()
		p.Complete(1)
		m.HandleInterrupt()
		assert.Equal(t, 0, m.PendingCount())
	})
}

func TestCancelPendingSyncFrames(t *testing.T) {
	m, p := newTestModule(t, 4, 4, sim.WithMailboxes(1))
	syncInMailbox, _ := m.AllocateTxSlot(0, 0x181, false, 1, true)
	syncQueued, _ := m.AllocateTxSlot(1, 0x182, false, 1, true)
	async, _ := m.AllocateTxSlot(2, 0x183, false, 1, false)

	assert.Nil(t, m.Submit(syncInMailbox))
	assert.True(t, m.InhibitActive())
	assert.Nil(t, m.Submit(syncQueued))
	assert.Nil(t, m.Submit(async))
	assert.Equal(t, 2, m.PendingCount())

	m.CancelPendingSyncFrames()
	assert.False(t, m.InhibitActive())
	assert.Len(t, p.Aborted(), 1)
	assert.False(t, m.IsPending(syncQueued))
	assert.True(t, m.IsPending(async))
	assert.Equal(t, 1, m.PendingCount())
	assertPendingInvariant(t, m)
	assert.NotZero(t, m.ErrorStatus()&can.ErrorPdoLate)

	m.ClearErrorBits(can.ErrorPdoLate)
	m.CancelPendingSyncFrames()
	assert.Len(t, p.Aborted(), 1)
	assert.Equal(t, 1, m.PendingCount())
	assert.Zero(t, m.ErrorStatus()&can.ErrorPdoLate)
}

func TestPackIdent(t *testing.T) {
	for ident := uint16(0); ident < 0x800; ident += 0x3F {
		for length := uint8(0); length <= 8; length++ {
			for _, rtr := range []bool{false, true} {
				i, l, r := UnpackIdent(PackIdent(ident, length, rtr))
				assert.Equal(t, ident, i)
				assert.Equal(t, length, l)
				assert.Equal(t, rtr, r)
			}
		}
	}
	_, length, _ := UnpackIdent(PackIdent(0x7FF, 12, false))
	assert.EqualValues(t, 8, length)
	assert.EqualValues(t, 0x8000|8<<11|0x7FF, PackIdent(0x7FF, 8, true))
}

func TestEventProcessor(t *testing.T) {
	m, p := newTestModule(t, 4, 4)
	var received atomic.Int32
	owner := &recorder{}
	assert.Nil(t, m.RegisterFilter(0, 0x181, 0x7FF, false, owner, func(owner any, frame can.Frame) {
		received.Add(1)
	}))
	// Latched before start
	p.Inject(can.NewFrame(0x181, 0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewEventProcessor(m).Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 5*time.Millisecond)
	p.Inject(can.NewFrame(0x181, 0, 0))
	assert.Eventually(t, func() bool { return received.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal(errors.New("event processor did not stop"))
	}
}

func TestCancelPendingSyncFramesResumesQueue(t *testing.T) {
	m, p := newTestModule(t, 4, 4, sim.WithMailboxes(1))
	p.EnableInterrupts()
	syncInMailbox, _ := m.AllocateTxSlot(0, 0x181, false, 1, true)
	syncQueued, _ := m.AllocateTxSlot(1, 0x182, false, 1, true)
	async, _ := m.AllocateTxSlot(2, 0x183, false, 1, false)
	later, _ := m.AllocateTxSlot(3, 0x184, false, 1, false)

	assert.Nil(t, m.Submit(syncInMailbox))
	assert.Nil(t, m.Submit(syncQueued))
	assert.Nil(t, m.Submit(async))
	m.CancelPendingSyncFrames()
	assert.Len(t, p.Pending(), 0)
	assert.True(t, p.TxComplete())

	// The abort acts as a transmit complete and dispatches the queue
	assert.Nil(t, m.Submit(later))
	for range 3 {
		m.HandleInterrupt()
		p.CompleteAll()
	}
	ids := []uint32{}
	for _, frame := range p.Sent() {
		ids = append(ids, frame.ID)
	}
	assert.Equal(t, []uint32{0x183, 0x184}, ids)
	assert.Equal(t, 0, m.PendingCount())
	assertPendingInvariant(t, m)
}

func TestInhibitKeptByAsyncSubmit(t *testing.T) {
	m, p := newTestModule(t, 4, 4, sim.WithMailboxes(2))
	syncSlot, _ := m.AllocateTxSlot(0, 0x181, false, 1, true)
	async, _ := m.AllocateTxSlot(1, 0x281, false, 1, false)

	assert.Nil(t, m.Submit(syncSlot))
	assert.True(t, m.InhibitActive())
	// Both frames sit in a mailbox, the synchronous one can still be aborted
	assert.Nil(t, m.Submit(async))
	assert.Len(t, p.Pending(), 2)
	assert.True(t, m.InhibitActive())

	m.CancelPendingSyncFrames()
	assert.False(t, m.InhibitActive())
	assert.NotZero(t, m.ErrorStatus()&can.ErrorPdoLate)
}
