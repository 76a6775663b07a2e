package socketcan

import (
	sockcan "github.com/brutella/can"
	"github.com/samsamfire/ionode/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Linux SocketCAN bus, wraps https://github.com/brutella/can
// The interface bit rate is configured by the system (ip link).

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	logger     *log.Entry
	bus        *sockcan.Bus
	rxCallback can.FrameListener
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	go func() {
		if err := socketcan.bus.ConnectAndPublish(); err != nil {
			socketcan.logger.WithError(err).Error("reception stopped")
		}
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame can.Frame) error {
	return socketcan.bus.Publish(toSocketcan(frame))
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketcanBus) Subscribe(rxCallback can.FrameListener) error {
	socketcan.rxCallback = rxCallback
	// brutella/can defines a "Handle" interface for handling received CAN frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	if socketcan.rxCallback != nil {
		socketcan.rxCallback.Handle(fromSocketcan(frame))
	}
}

func toSocketcan(frame can.Frame) sockcan.Frame {
	return sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	}
}

func fromSocketcan(frame sockcan.Frame) can.Frame {
	return can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data}
}

func NewSocketCanBus(name string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{
		bus:    bus,
		logger: log.WithFields(log.Fields{"service": "[SOCKETCAN]", "channel": name}),
	}, nil
}
