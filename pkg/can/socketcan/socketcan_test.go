package socketcan

import (
	"testing"

	sockcan "github.com/brutella/can"
	"github.com/samsamfire/ionode/pkg/can"
	"github.com/stretchr/testify/assert"
)

type receiver struct {
	frames []can.Frame
}

func (r *receiver) Handle(frame can.Frame) {
	r.frames = append(r.frames, frame)
}

func TestFrameConversion(t *testing.T) {
	frame := can.Frame{ID: 0x181 | can.CanRtrFlag, DLC: 2, Flags: 0, Data: [8]byte{0xA, 0xB}}
	converted := toSocketcan(frame)
	assert.EqualValues(t, frame.ID, converted.ID)
	assert.EqualValues(t, 2, converted.Length)
	assert.Equal(t, frame, fromSocketcan(converted))
}

func TestHandle(t *testing.T) {
	r := &receiver{}
	bus := &SocketcanBus{rxCallback: r}
	bus.Handle(sockcan.Frame{ID: 0x701, Length: 1})
	assert.Len(t, r.frames, 1)
	assert.EqualValues(t, 0x701, r.frames[0].ID)

	// No subscriber
	(&SocketcanBus{}).Handle(sockcan.Frame{ID: 0x701})
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, can.Interfaces(), "socketcan")
}
