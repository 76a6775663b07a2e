package lss

import (
	"encoding/binary"
	"testing"

	"github.com/samsamfire/ionode/pkg/can"
	"github.com/samsamfire/ionode/pkg/can/sim"
	"github.com/samsamfire/ionode/pkg/od"
	"github.com/samsamfire/ionode/pkg/transport"
	"github.com/stretchr/testify/assert"
)

var identity = od.Identity{VendorId: 0x10, ProductCode: 0x20, RevisionNumber: 0x30, SerialNumber: 0x40}

type fixture struct {
	slave   *LSSSlave
	module  *transport.Module
	p       *sim.Peripheral
	nodeId  uint8
	bitRate uint16
}

func newFixture(t *testing.T, nodeId uint8) *fixture {
	t.Helper()
	p := sim.New(sim.WithAutoComplete())
	module := transport.New(p, nil)
	assert.Nil(t, module.Initialize(1, 1, 125))
	assert.Nil(t, module.SetNormalMode())
	f := &fixture{slave: NewLSSSlave(nil, 0, 0), module: module, p: p, nodeId: nodeId, bitRate: 125}
	assert.Nil(t, f.slave.Init(module, identity, &f.nodeId, &f.bitRate))
	return f
}

// Send a master request and process it, returns the slave answer if any
func (f *fixture) request(t *testing.T, data ...byte) (bool, *can.Frame) {
	t.Helper()
	frame := can.NewFrame(ServiceMasterId, 0, 8)
	copy(frame.Data[:], data)
	before := len(f.p.Sent())
	f.p.Inject(frame)
	f.module.HandleInterrupt()
	reset := f.slave.Process()
	sent := f.p.Sent()
	if len(sent) == before {
		return reset, nil
	}
	answer := sent[len(sent)-1]
	assert.EqualValues(t, ServiceSlaveId, answer.ID)
	return reset, &answer
}

func selective(value uint32, cmd LSSCommand) []byte {
	data := make([]byte, 8)
	data[0] = byte(cmd)
	binary.LittleEndian.PutUint32(data[1:], value)
	return data
}

func TestSwitchStateGlobal(t *testing.T) {
	f := newFixture(t, 0x10)
	assert.Equal(t, StateWaiting, f.slave.GetState())

	// Configuration services are ignored while waiting
	_, answer := f.request(t, byte(CmdConfigureNodeId), 0x20)
	assert.Nil(t, answer)
	assert.EqualValues(t, 0x10, f.nodeId)

	_, answer = f.request(t, byte(CmdSwitchStateGlobal), byte(ModeConfiguration))
	assert.Nil(t, answer)
	assert.Equal(t, StateConfiguration, f.slave.GetState())

	_, answer = f.request(t, byte(CmdSwitchStateGlobal), byte(ModeWaiting))
	assert.Nil(t, answer)
	assert.Equal(t, StateWaiting, f.slave.GetState())
}

func TestSwitchStateSelective(t *testing.T) {
	f := newFixture(t, 0x10)

	t.Run("other node", func(t *testing.T) {
		f.request(t, selective(identity.VendorId, CmdSwitchStateSelectiveVendor)...)
		f.request(t, selective(identity.ProductCode, CmdSwitchStateSelectiveProduct)...)
		f.request(t, selective(identity.RevisionNumber, CmdSwitchStateSelectiveRevision)...)
		_, answer := f.request(t, selective(0x99, CmdSwitchStateSelectiveSerialNb)...)
		assert.Nil(t, answer)
		assert.Equal(t, StateWaiting, f.slave.GetState())
	})

	t.Run("matching address", func(t *testing.T) {
		f.request(t, selective(identity.VendorId, CmdSwitchStateSelectiveVendor)...)
		f.request(t, selective(identity.ProductCode, CmdSwitchStateSelectiveProduct)...)
		f.request(t, selective(identity.RevisionNumber, CmdSwitchStateSelectiveRevision)...)
		_, answer := f.request(t, selective(identity.SerialNumber, CmdSwitchStateSelectiveSerialNb)...)
		assert.NotNil(t, answer)
		assert.EqualValues(t, CmdSwitchStateSelectiveResult, answer.Data[0])
		assert.Equal(t, StateConfiguration, f.slave.GetState())
	})
}

func TestInquiry(t *testing.T) {
	f := newFixture(t, 0x10)
	f.request(t, byte(CmdSwitchStateGlobal), byte(ModeConfiguration))

	expected := map[LSSCommand]uint32{
		CmdInquireVendor:   identity.VendorId,
		CmdInquireProduct:  identity.ProductCode,
		CmdInquireRevision: identity.RevisionNumber,
		CmdInquireSerial:   identity.SerialNumber,
	}
	for cmd, value := range expected {
		_, answer := f.request(t, byte(cmd))
		assert.NotNil(t, answer)
		assert.EqualValues(t, cmd, answer.Data[0])
		assert.Equal(t, value, binary.LittleEndian.Uint32(answer.Data[1:5]))
	}

	_, answer := f.request(t, byte(CmdInquireNodeId))
	assert.NotNil(t, answer)
	assert.EqualValues(t, 0x10, answer.Data[1])
}

func TestConfigureNodeId(t *testing.T) {
	f := newFixture(t, 0x10)
	f.request(t, byte(CmdSwitchStateGlobal), byte(ModeConfiguration))

	_, answer := f.request(t, byte(CmdConfigureNodeId), 0x80)
	assert.EqualValues(t, ConfigNodeIdOutOfRange, answer.Data[1])
	assert.EqualValues(t, 0x10, f.nodeId)

	_, answer = f.request(t, byte(CmdConfigureNodeId), 0x22)
	assert.EqualValues(t, ConfigOk, answer.Data[1])
	assert.EqualValues(t, 0x22, f.nodeId)

	// Configured node only picks up the new id on the next communication reset
	reset, _ := f.request(t, byte(CmdSwitchStateGlobal), byte(ModeWaiting))
	assert.False(t, reset)

	// Inquiry reports the active node id
	f.request(t, byte(CmdSwitchStateGlobal), byte(ModeConfiguration))
	_, answer = f.request(t, byte(CmdInquireNodeId))
	assert.EqualValues(t, 0x10, answer.Data[1])

	_, answer = f.request(t, byte(CmdConfigureStoreParameters))
	assert.EqualValues(t, ConfigStoreNotSupported, answer.Data[1])
}

func TestConfigureUnconfigured(t *testing.T) {
	f := newFixture(t, NodeIdUnconfigured)
	f.request(t, byte(CmdSwitchStateGlobal), byte(ModeConfiguration))
	f.request(t, byte(CmdConfigureNodeId), 0x05)
	reset, _ := f.request(t, byte(CmdSwitchStateGlobal), byte(ModeWaiting))
	assert.True(t, reset)
	assert.EqualValues(t, 0x05, f.nodeId)
	assert.False(t, f.slave.Process())
}

func TestConfigureBitTiming(t *testing.T) {
	f := newFixture(t, 0x10)
	f.request(t, byte(CmdSwitchStateGlobal), byte(ModeConfiguration))

	_, answer := f.request(t, byte(CmdConfigureBitTiming), 0, 5)
	assert.EqualValues(t, ConfigBitTimingNotSupport, answer.Data[1])
	_, answer = f.request(t, byte(CmdConfigureBitTiming), 1, 2)
	assert.EqualValues(t, ConfigBitTimingNotSupport, answer.Data[1])
	assert.EqualValues(t, 125, f.bitRate)

	_, answer = f.request(t, byte(CmdConfigureBitTiming), 0, 3)
	assert.EqualValues(t, ConfigOk, answer.Data[1])
	assert.EqualValues(t, 250, f.bitRate)

	reset, answer := f.request(t, byte(CmdConfigureActivateBitTiming), 0, 0)
	assert.Nil(t, answer)
	assert.True(t, reset)
}

func TestBitRateTable(t *testing.T) {
	for index, rate := range map[uint8]uint16{0: 1000, 1: 800, 2: 500, 3: 250, 4: 125, 6: 50, 7: 20, 8: 10} {
		got, err := BitRateFromIndex(index)
		assert.Nil(t, err)
		assert.Equal(t, rate, got)
		back, err := IndexFromBitRate(rate)
		assert.Nil(t, err)
		assert.Equal(t, index, back)
	}
	_, err := BitRateFromIndex(5)
	assert.ErrorIs(t, err, ErrInvalidBitRate)
	_, err = BitRateFromIndex(9)
	assert.ErrorIs(t, err, ErrInvalidBitRate)
	_, err = IndexFromBitRate(100)
	assert.ErrorIs(t, err, ErrInvalidBitRate)
}

func TestInit(t *testing.T) {
	p := sim.New()
	module := transport.New(p, nil)
	assert.Nil(t, module.Initialize(1, 1, 125))
	slave := NewLSSSlave(nil, 0, 0)
	nodeId, bitRate := uint8(0), uint16(125)
	assert.ErrorIs(t, slave.Init(module, identity, &nodeId, &bitRate), ErrInvalidNodeId)
	assert.ErrorIs(t, slave.Init(module, identity, nil, &bitRate), transport.ErrIllegalArgument)
	assert.Equal(t, "CONFIGURATION", StateConfiguration.String())
}
