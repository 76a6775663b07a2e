package led

import "github.com/samsamfire/ionode/pkg/nmt"

// Indicator patterns, each bit is the current on/off state of a pattern
const (
	Flicker uint8 = 0x01 // 10 Hz
	Blink   uint8 = 0x02 // 2.5 Hz
	Flash1  uint8 = 0x04 // single flash
	Flash2  uint8 = 0x08 // double flash
	Flash3  uint8 = 0x10 // triple flash
	Flash4  uint8 = 0x20 // quadruple flash
	CANopen uint8 = 0x80 // resulting CANopen indicator
)

const tickUs = 50_000

// Conditions used to derive the indicators
type Status struct {
	NmtState         uint8
	LSSConfig        bool
	BusOff           bool
	BusWarning       bool
	RpdoError        bool
	SyncError        bool
	HeartbeatError   bool
	OtherError       bool
	FirmwareDownload bool
}

// Red (error) and green (run) indicators as described by CiA 303-3
type LEDs struct {
	red      uint8
	green    uint8
	timer50  uint32
	timer200 uint8
	flash1   uint8
	flash2   uint8
	flash3   uint8
	flash4   uint8
}

// Process the indicators, should be called cyclically
func (leds *LEDs) Process(timeDifferenceUs uint32, status Status) {
	var red, green uint8
	tick := false

	leds.timer50 += timeDifferenceUs
	for leds.timer50 >= tickUs {
		flickerRed := leds.red&Flicker == 0
		tick = true
		leds.timer50 -= tickUs

		leds.timer200++
		if leds.timer200 > 3 {
			leds.timer200 = 0
			red, green = 0, 0
			if leds.red&Blink == 0 {
				red |= Blink
			} else {
				green |= Blink
			}
			red, green = flash(&leds.flash1, 1, Flash1, red, green)
			red, green = flash(&leds.flash2, 2, Flash2, red, green)
			red, green = flash(&leds.flash3, 3, Flash3, red, green)
			red, green = flash(&leds.flash4, 4, Flash4, red, green)
		} else {
			red = leds.red &^ (Flicker | CANopen)
			green = leds.green &^ (Flicker | CANopen)
		}

		if flickerRed {
			red |= Flicker
		} else {
			green |= Flicker
		}
	}
	if !tick {
		return
	}

	var redOn, greenOn bool
	switch {
	case status.BusOff:
		redOn = true
	case status.NmtState == nmt.StateInitializing:
		redOn = red&Flicker != 0
	case status.RpdoError:
		redOn = red&Flash4 != 0
	case status.SyncError:
		redOn = red&Flash3 != 0
	case status.HeartbeatError:
		redOn = red&Flash2 != 0
	case status.BusWarning:
		redOn = red&Flash1 != 0
	case status.OtherError:
		redOn = red&Blink != 0
	}

	switch {
	case status.LSSConfig:
		greenOn = green&Flicker != 0
	case status.FirmwareDownload:
		greenOn = green&Flash3 != 0
	case status.NmtState == nmt.StateStopped:
		greenOn = green&Flash1 != 0
	case status.NmtState == nmt.StatePreOperational:
		greenOn = green&Blink != 0
	case status.NmtState == nmt.StateOperational:
		greenOn = true
	}

	if redOn {
		red |= CANopen
	}
	if greenOn {
		green |= CANopen
	}
	leds.red = red
	leds.green = green
}

// Advance an n flash sequence by one 200 ms step : n pulses separated
// by 200 ms off, followed by 1 s off.
func flash(counter *uint8, n uint8, bit uint8, red uint8, green uint8) (uint8, uint8) {
	*counter++
	switch {
	case *counter <= 2*n && *counter%2 == 1:
		red |= bit
	case *counter <= 2*n:
		green |= bit
	case *counter == 2*n+4:
		*counter = 0
	}
	return red, green
}

func (leds *LEDs) Red() bool {
	return leds.red&CANopen != 0
}

func (leds *LEDs) Green() bool {
	return leds.green&CANopen != 0
}

// Raw pattern bits
func (leds *LEDs) Bits() (red uint8, green uint8) {
	return leds.red, leds.green
}
