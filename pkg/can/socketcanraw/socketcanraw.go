//go:build linux

package socketcanraw

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"unsafe"

	"github.com/samsamfire/ionode/pkg/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Linux SocketCAN bus on a raw socket. Reception reads frames in
// batches with recvmmsg. This expects the CAN channel to be up.

const (
	canFrameSize = unix.CAN_MTU
	// The maximum number of CAN frames to read at once (batch size)
	msgBatchSize  = 64
	readTimeoutUs = 100_000
)

func init() {
	can.RegisterInterface("socketcanraw", NewBus)
}

// struct can_frame, in host byte order
type rawFrame struct {
	ID   uint32
	Len  uint8
	_    [3]uint8
	Data [8]uint8
}

type Bus struct {
	logger     *log.Entry
	fd         int
	mu         sync.Mutex
	rxCallback can.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewBus(channel string) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, fmt.Errorf("interface %q : %w", channel, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && err != unix.ENOPROTOOPT {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to disable CAN FD : %w", err)
	}
	// Bounded blocking reads, reception checks for disconnection in between
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Usec: readTimeoutUs}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to set read timeout : %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s) : %w", channel, err)
	}
	return &Bus{
		fd:     fd,
		logger: log.WithFields(log.Fields{"service": "[SOCKETCANRAW]", "channel": channel}),
	}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}
	if err := unix.SetNonblock(b.fd, false); err != nil {
		return fmt.Errorf("failed to set blocking mode : %w", err)
	}
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processIncoming(ctx)
	}()
	return nil
}

// "Disconnect" implementation of Bus interface. The socket stays
// open so that the bus can be connected again, see [Bus.Close].
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	b.wg.Wait()
	return nil
}

// Disconnect and release the socket
func (b *Bus) Close() error {
	if err := b.Disconnect(); err != nil {
		return err
	}
	return unix.Close(b.fd)
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	raw := encode(frame)
	n, err := unix.Write(b.fd, raw[:])
	if err != nil {
		return err
	}
	if n != canFrameSize {
		return fmt.Errorf("short write : %d", n)
	}
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxCallback = rxCallback
	return nil
}

// Enable own reception on the bus. CAN be useful when testing for example
func (b *Bus) SetReceiveOwn(enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	b.logger.Infof("setting option 'CAN_RAW_RECV_OWN_MSGS' to %v", enabled)
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}

// Add some filtering to CAN bus
func (b *Bus) SetFilters(filters []unix.CanFilter) error {
	b.logger.Infof("setting option 'CAN_RAW_FILTER' with %v filters", len(filters))
	return unix.SetsockoptCanRawFilter(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}

// struct can_frame layout (linux/can.h) :
// can_id u32 [0:4], can_dlc u8 [4], padding [5:8], data [8:16]
func encode(frame can.Frame) [canFrameSize]byte {
	var buf [canFrameSize]byte
	binary.NativeEndian.PutUint32(buf[0:4], frame.ID)
	buf[4] = min(frame.DLC, 8)
	copy(buf[8:], frame.Data[:])
	return buf
}

func decode(frame *rawFrame) can.Frame {
	return can.Frame{ID: frame.ID, DLC: min(frame.Len, 8), Data: frame.Data}
}

func (b *Bus) processIncoming(ctx context.Context) {
	frames := make([]rawFrame, msgBatchSize)
	iovecs := make([]unix.Iovec, msgBatchSize)
	mmsgs := make([]Mmsghdr, msgBatchSize)

	for i := range msgBatchSize {
		iovecs[i].Base = (*byte)(unsafe.Pointer(&frames[i]))
		iovecs[i].SetLen(canFrameSize)
		mmsgs[i].Hdr.Iov = &iovecs[i]
		mmsgs[i].Hdr.Iovlen = 1
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("exiting CAN bus reception, closed")
			return
		default:
		}

		// Wait for the first frame, then take whatever is already queued
		n, _, errno := unix.Syscall6(
			unix.SYS_RECVMMSG,
			uintptr(b.fd),
			uintptr(unsafe.Pointer(&mmsgs[0])),
			uintptr(msgBatchSize),
			unix.MSG_WAITFORONE,
			0,
			0,
		)
		if errno != 0 {
			if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK || errno == unix.EINTR {
				continue
			}
			b.logger.WithError(errno).Error("reception stopped")
			return
		}

		b.mu.Lock()
		callback := b.rxCallback
		b.mu.Unlock()
		for i := range int(n) {
			if callback != nil {
				callback.Handle(decode(&frames[i]))
			}
		}
	}
}
