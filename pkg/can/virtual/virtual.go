package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/samsamfire/ionode/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Virtual CAN bus over TCP, used for testing and simulation.
// A broker relays frames to every connected client, see
// https://github.com/windelbouwman/virtualcan

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

const (
	writeTimeout = 10 * time.Millisecond
	readTimeout  = 200 * time.Millisecond
)

type Bus struct {
	logger       *log.Entry
	mu           sync.Mutex
	channel      string
	conn         net.Conn
	receiveOwn   bool
	framehandler can.FrameListener
	stop         chan struct{}
	wg           sync.WaitGroup
	isRunning    bool
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &Bus{
		channel: channel,
		logger:  log.WithFields(log.Fields{"service": "[VCAN]", "channel": channel}),
	}, nil
}

// Frame on the wire : big endian length prefix then the big endian
// encoded [can.Frame]
func serializeFrame(frame can.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.BigEndian, frame); err != nil {
		return nil, err
	}
	dataBytes := buffer.Bytes()
	frameBytes := make([]byte, 4, 4+len(dataBytes))
	binary.BigEndian.PutUint32(frameBytes, uint32(len(dataBytes)))
	return append(frameBytes, dataBytes...), nil
}

func deserializeFrame(buffer []byte) (can.Frame, error) {
	var frame can.Frame
	err := binary.Read(bytes.NewReader(buffer), binary.BigEndian, &frame)
	return frame, err
}

// "Connect" to the broker e.g. localhost:18000
func (b *Bus) Connect(...any) error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return err
		}
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.logger.Debug("connected")
	return nil
}

// "Disconnect" from the broker
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	running := b.isRunning
	b.isRunning = false
	b.mu.Unlock()
	if running {
		close(b.stop)
		b.wg.Wait()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	conn := b.conn
	handler := b.framehandler
	receiveOwn := b.receiveOwn
	b.mu.Unlock()

	if receiveOwn && handler != nil {
		handler.Handle(frame)
	}
	if conn == nil {
		if receiveOwn {
			return nil
		}
		return can.ErrNotConnected
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(frameBytes)
	return err
}

func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	if b.isRunning || b.conn == nil {
		return nil
	}
	b.isRunning = true
	b.stop = make(chan struct{})
	b.wg.Add(1)
	go b.handleReception(b.conn, b.stop)
	return nil
}

// Receive a single frame, returns a [net.Error] timeout if nothing
// was received
func recv(conn net.Conn) (can.Frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return can.Frame{}, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > 64 {
		return can.Frame{}, fmt.Errorf("invalid frame length %v", length)
	}
	frameBytes := make([]byte, length)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	if _, err := io.ReadFull(conn, frameBytes); err != nil {
		return can.Frame{}, err
	}
	return deserializeFrame(frameBytes)
}

func (b *Bus) handleReception(conn net.Conn, stop chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		frame, err := recv(conn)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		if err != nil {
			b.logger.WithError(err).Error("listening routine has closed")
			b.mu.Lock()
			b.isRunning = false
			b.mu.Unlock()
			return
		}
		b.mu.Lock()
		handler := b.framehandler
		b.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
}

// Frames sent are also passed to the subscriber
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
