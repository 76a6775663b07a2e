package virtual

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/stretchr/testify/assert"
)

// Minimal broker relaying everything it receives to the other clients
func startBroker(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	t.Cleanup(func() { listener.Close() })

	var mu sync.Mutex
	clients := []net.Conn{}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			clients = append(clients, conn)
			mu.Unlock()
			go func(conn net.Conn) {
				buffer := make([]byte, 256)
				for {
					n, err := conn.Read(buffer)
					if err != nil {
						return
					}
					mu.Lock()
					for _, other := range clients {
						if other != conn {
							_, _ = other.Write(buffer[:n])
						}
					}
					mu.Unlock()
				}
			}(conn)
		}
	}()
	return listener.Addr().String()
}

type frameReceiver struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (r *frameReceiver) Handle(frame can.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameReceiver) received() []can.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]can.Frame{}, r.frames...)
}

func newVcan(t *testing.T, channel string) *Bus {
	t.Helper()
	bus, err := NewVirtualCanBus(channel)
	assert.Nil(t, err)
	return bus.(*Bus)
}

func TestSerialize(t *testing.T) {
	frame := can.Frame{ID: 0x123, Flags: 1, DLC: 3, Data: [8]byte{1, 2, 3}}
	raw, err := serializeFrame(frame)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0, 0, 0, 14, 0, 0, 1, 0x23, 1, 3}, raw[:10])
	decoded, err := deserializeFrame(raw[4:])
	assert.Nil(t, err)
	assert.Equal(t, frame, decoded)
}

func TestSendAndSubscribe(t *testing.T) {
	channel := startBroker(t)
	vcan1 := newVcan(t, channel)
	vcan2 := newVcan(t, channel)
	assert.Nil(t, vcan1.Connect())
	assert.Nil(t, vcan2.Connect())
	defer vcan1.Disconnect()
	defer vcan2.Disconnect()

	receiver := &frameReceiver{}
	assert.Nil(t, vcan2.Subscribe(receiver))
	// Let the broker register both clients
	time.Sleep(20 * time.Millisecond)

	frame := can.Frame{ID: 0x111, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := range 10 {
		frame.Data[0] = uint8(i)
		assert.Nil(t, vcan1.Send(frame))
	}
	assert.Eventually(t, func() bool { return len(receiver.received()) == 10 }, time.Second, 5*time.Millisecond)
	for i, frame := range receiver.received() {
		assert.EqualValues(t, 0x111, frame.ID)
		assert.EqualValues(t, i, frame.Data[0])
	}
}

func TestReceiveOwn(t *testing.T) {
	vcan := newVcan(t, "127.0.0.1:1")
	receiver := &frameReceiver{}
	assert.Nil(t, vcan.Subscribe(receiver))
	frame := can.Frame{ID: 0x111, DLC: 8}
	assert.ErrorIs(t, vcan.Send(frame), can.ErrNotConnected)
	assert.Len(t, receiver.received(), 0)

	vcan.SetReceiveOwn(true)
	assert.Nil(t, vcan.Send(frame))
	assert.Len(t, receiver.received(), 1)
	assert.Nil(t, vcan.Disconnect())
}

func TestBrokerClosed(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	vcan := newVcan(t, listener.Addr().String())
	assert.Nil(t, vcan.Connect())
	assert.Nil(t, vcan.Subscribe(&frameReceiver{}))
	conn := <-accepted
	// Truncated frame then close
	_, _ = conn.Write([]byte{0, 0})
	conn.Close()
	listener.Close()
	assert.Eventually(t, func() bool {
		vcan.mu.Lock()
		defer vcan.mu.Unlock()
		return !vcan.isRunning
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, vcan.Disconnect())
}
