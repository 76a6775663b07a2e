package led

import (
	"testing"

	"github.com/samsamfire/ionode/pkg/nmt"
	"github.com/stretchr/testify/assert"
)

// Run n 50 ms ticks and return the green and red indicators after each
func run(leds *LEDs, n int, status Status) (greens []bool, reds []bool) {
	for range n {
		leds.Process(tickUs, status)
		greens = append(greens, leds.Green())
		reds = append(reds, leds.Red())
	}
	return greens, reds
}

func TestOperational(t *testing.T) {
	leds := &LEDs{}
	status := Status{NmtState: nmt.StateOperational}
	leds.Process(10_000, status)
	assert.False(t, leds.Green())
	leds.Process(40_000, status)
	assert.True(t, leds.Green())
	assert.False(t, leds.Red())
}

func TestBusOff(t *testing.T) {
	leds := &LEDs{}
	_, reds := run(leds, 10, Status{NmtState: nmt.StateOperational, BusOff: true})
	for _, red := range reds {
		assert.True(t, red)
	}
	assert.True(t, leds.Green())
}

func TestPreOperationalBlink(t *testing.T) {
	leds := &LEDs{}
	greens, reds := run(leds, 24, Status{NmtState: nmt.StatePreOperational})
	// 200 ms on, 200 ms off
	assert.Equal(t, []bool{
		false, false, false, false, false, false, false, true,
		true, true, true, false, false, false, false, true,
		true, true, true, false, false, false, false, true,
	}, greens)
	assert.NotContains(t, reds, true)
}

func TestInitializingFlicker(t *testing.T) {
	leds := &LEDs{}
	_, reds := run(leds, 4, Status{NmtState: nmt.StateInitializing})
	assert.Equal(t, []bool{true, false, true, false}, reds)
}

func TestErrorPriority(t *testing.T) {
	t.Run("rpdo before sync", func(t *testing.T) {
		leds := &LEDs{}
		_, reds := run(leds, 4, Status{NmtState: nmt.StateOperational, RpdoError: true, SyncError: true})
		assert.True(t, reds[3])
		red, _ := leds.Bits()
		assert.NotZero(t, red&Flash4)
	})

	t.Run("single flash", func(t *testing.T) {
		leds := &LEDs{}
		_, reds := run(leds, 27, Status{NmtState: nmt.StateOperational, BusWarning: true})
		on := 0
		for _, red := range reds {
			if red {
				on++
			}
		}
		// One 200 ms pulse per 1.2 s
		assert.Equal(t, 4, on)
	})

	t.Run("LSS configuration", func(t *testing.T) {
		leds := &LEDs{}
		greens, _ := run(leds, 4, Status{NmtState: nmt.StateOperational, LSSConfig: true})
		assert.Equal(t, []bool{false, true, false, true}, greens)
	})
}
