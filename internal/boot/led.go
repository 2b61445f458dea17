package boot

import "periph.io/x/periph/conn/gpio"

// LEDState is the three-channel on/off state READ_STATUS reports and
// SET_LED writes (spec §4.3: "RGB LED state").
type LEDState struct {
	Red, Green, Blue bool
}

// Encode packs the state into the low three bits of a status word, red in
// bit 0, matching the bit order node_main.c uses when it assembles the
// READ_STATUS response.
func (s LEDState) Encode() uint16 {
	var v uint16
	if s.Red {
		v |= 1 << 0
	}
	if s.Green {
		v |= 1 << 1
	}
	if s.Blue {
		v |= 1 << 2
	}
	return v
}

// DecodeLEDState unpacks a SET_LED payload word into an LEDState.
func DecodeLEDState(v uint16) LEDState {
	return LEDState{Red: v&(1<<0) != 0, Green: v&(1<<1) != 0, Blue: v&(1<<2) != 0}
}

// LED drives the three RGB lines, expressed in terms of periph's gpio.PinIO
// the same way internal/link/hal expresses the bus lines.
type LED struct {
	r, g, b gpio.PinIO
	state   LEDState
}

// NewLED constructs an LED from three already-allocated pins.
func NewLED(r, g, b gpio.PinIO) *LED {
	return &LED{r: r, g: g, b: b}
}

// Set drives the three lines to match state.
func (l *LED) Set(state LEDState) error {
	if err := driveBool(l.r, state.Red); err != nil {
		return err
	}
	if err := driveBool(l.g, state.Green); err != nil {
		return err
	}
	if err := driveBool(l.b, state.Blue); err != nil {
		return err
	}
	l.state = state
	return nil
}

// State returns the last state successfully applied.
func (l *LED) State() LEDState { return l.state }

// SetRed toggles only the red channel, used for the bootloader's 1Hz safe
// mode heartbeat (spec §4.4) without disturbing green/blue.
func (l *LED) SetRed(on bool) error {
	state := l.state
	state.Red = on
	return l.Set(state)
}

func driveBool(p gpio.PinIO, on bool) error {
	level := gpio.Low
	if on {
		level = gpio.High
	}
	return p.Out(level)
}
