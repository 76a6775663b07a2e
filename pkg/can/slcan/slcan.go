package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samsamfire/ionode/pkg/can"
	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// SLCAN (Lawicel) USB to CAN adapters, accessed through a serial port.
// Channel is the serial device, optionally followed by the baud rate,
// e.g. "/dev/ttyACM0" or "/dev/ttyUSB0@921600".

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 100 * time.Millisecond
	DefaultBitRate     = 125
	readBufferSize     = 256
)

func init() {
	can.RegisterInterface("slcan", NewSlcanBus)
}

// Port abstracts tarm/serial, replaced in tests
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

var openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}

type SlcanBus struct {
	logger     *log.Entry
	mu         sync.Mutex
	device     string
	baud       int
	bitRate    uint16
	port       Port
	rxCallback can.FrameListener
	stop       chan struct{}
	done       chan struct{}
}

func NewSlcanBus(channel string) (can.Bus, error) {
	device, baud, err := parseChannel(channel)
	if err != nil {
		return nil, err
	}
	return &SlcanBus{
		logger:  log.WithFields(log.Fields{"service": "[SLCAN]", "channel": device}),
		device:  device,
		baud:    baud,
		bitRate: DefaultBitRate,
	}, nil
}

func parseChannel(channel string) (string, int, error) {
	device, baudStr, found := strings.Cut(channel, "@")
	if device == "" {
		return "", 0, fmt.Errorf("empty serial device in %q", channel)
	}
	if !found {
		return device, DefaultBaud, nil
	}
	baud, err := strconv.Atoi(baudStr)
	if err != nil || baud <= 0 {
		return "", 0, fmt.Errorf("invalid baud rate in %q", channel)
	}
	return device, baud, nil
}

// Should be called with mu locked
func (bus *SlcanBus) write(data []byte) error {
	if bus.port == nil {
		return can.ErrNotConnected
	}
	_, err := bus.port.Write(data)
	return err
}

// Should be called with mu locked
func (bus *SlcanBus) open() error {
	cmd, err := bitRateCommand(bus.bitRate)
	if err != nil {
		return err
	}
	// Close first, adapter may still be open from a previous session
	for _, c := range [][]byte{{'C', cr}, cmd, {'O', cr}} {
		if err := bus.write(c); err != nil {
			return err
		}
	}
	return nil
}

// "Connect" implementation of Bus interface
func (bus *SlcanBus) Connect(...any) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.port != nil {
		return nil
	}
	port, err := openPort(bus.device, bus.baud, DefaultReadTimeout)
	if err != nil {
		return fmt.Errorf("open serial : %w", err)
	}
	bus.port = port
	if err := bus.open(); err != nil {
		port.Close()
		bus.port = nil
		return err
	}
	bus.stop = make(chan struct{})
	bus.done = make(chan struct{})
	go bus.receive(port, bus.stop, bus.done)
	bus.logger.Infof("opened at %v kbit/s", bus.bitRate)
	return nil
}

// "Disconnect" implementation of Bus interface
func (bus *SlcanBus) Disconnect() error {
	bus.mu.Lock()
	if bus.port == nil {
		bus.mu.Unlock()
		return nil
	}
	_ = bus.write([]byte{'C', cr})
	port, done := bus.port, bus.done
	close(bus.stop)
	bus.port = nil
	bus.mu.Unlock()

	err := port.Close()
	<-done
	return err
}

// "Send" implementation of Bus interface
func (bus *SlcanBus) Send(frame can.Frame) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.write(Encode(frame))
}

// "Subscribe" implementation of Bus interface
func (bus *SlcanBus) Subscribe(rxCallback can.FrameListener) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.rxCallback = rxCallback
	return nil
}

// SetBitrate implements [can.BitrateSetter]. The adapter is reopened
// if it is already connected.
func (bus *SlcanBus) SetBitrate(kbps uint16) error {
	if _, err := bitRateCommand(kbps); err != nil {
		return err
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.bitRate = kbps
	if bus.port == nil {
		return nil
	}
	bus.logger.Infof("switching to %v kbit/s", kbps)
	return bus.open()
}

func (bus *SlcanBus) receive(port Port, stop chan struct{}, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readBufferSize)
	acc := bytes.NewBuffer(nil)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			malformed := DecodeStream(acc, bus.dispatch)
			if malformed > 0 {
				bus.logger.Warnf("dropped %v malformed lines", malformed)
			}
		}
		select {
		case <-stop:
			return
		default:
		}
		if err == nil {
			continue
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			bus.logger.WithError(err).Error("serial device lost")
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// Read timeout
			continue
		}
		bus.logger.WithError(err).Warn("serial read error")
		time.Sleep(DefaultReadTimeout)
	}
}

func (bus *SlcanBus) dispatch(frame can.Frame) {
	bus.mu.Lock()
	callback := bus.rxCallback
	bus.mu.Unlock()
	if callback != nil {
		callback.Handle(frame)
	}
}
