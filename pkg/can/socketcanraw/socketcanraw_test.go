//go:build linux

package socketcanraw

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/stretchr/testify/assert"
)

func TestEncode(t *testing.T) {
	frame := can.NewFrame(0x181|can.CanRtrFlag, 0, 2)
	frame.Data = [8]byte{0x11, 0x22}
	raw := encode(frame)
	assert.Equal(t, frame.ID, binary.NativeEndian.Uint32(raw[0:4]))
	assert.EqualValues(t, 2, raw[4])
	assert.Equal(t, []byte{0x11, 0x22, 0, 0, 0, 0, 0, 0}, raw[8:])
}

func TestDecode(t *testing.T) {
	frame := decode(&rawFrame{ID: 0x701, Len: 12, Data: [8]byte{0x05}})
	assert.EqualValues(t, 0x701, frame.ID)
	assert.EqualValues(t, 8, frame.DLC)
	assert.EqualValues(t, 0x05, frame.Data[0])
}

func TestFrameLayout(t *testing.T) {
	assert.EqualValues(t, canFrameSize, unsafe.Sizeof(rawFrame{}))
}

func TestUnknownInterface(t *testing.T) {
	_, err := NewBus("doesnotexist0")
	assert.NotNil(t, err)
	assert.Contains(t, can.Interfaces(), "socketcanraw")
}
