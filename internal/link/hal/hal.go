// Package hal is the physical-layer contract for the Matrix bus: the
// sixteen data lines, the shared clock, and the carrier-sense/busy line.
// It is expressed in terms of periph.io's gpio.PinIO, the same
// per-pin abstraction real periph host drivers (periph.io/x/periph/host/...)
// use to talk to GPIO hardware.
//
// There is no physical backplane in this environment, so production code
// is built against gpio/gpiotest fakes rather than a real host driver; see
// internal/simbus for the multi-node backplane those fakes are wired into.
package hal

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"
)

// DataWidth is the number of parallel data lines.
const DataWidth = 16

// Bus is one device's view of the shared backplane: sixteen data lines, a
// clock line, and a busy line used for carrier sense and bus arbitration.
type Bus struct {
	Data [DataWidth]gpio.PinIO
	Clk  gpio.PinIO
	Busy gpio.PinIO
}

// NewBus constructs a Bus from already-allocated pins, matching the way
// periph host packages wire named pins into a higher-level peripheral
// (e.g. host/bcm283x's GPIO array feeding a spi.Port).
func NewBus(data [DataWidth]gpio.PinIO, clk, busy gpio.PinIO) *Bus {
	return &Bus{Data: data, Clk: clk, Busy: busy}
}

// DriveOutputs resets the data lines to floating inputs (Float pull, no
// drive level yet); WriteBeat's Out calls then drive them. Call before
// WriteBeat.
func (b *Bus) DriveOutputs() error {
	for i, p := range b.Data {
		if err := p.In(gpio.Float, gpio.None); err != nil {
			return fmt.Errorf("hal: prepare data line %d: %w", i, err)
		}
	}
	return nil
}

// WriteBeat drives one 16-bit beat onto the data lines synchronously with
// one clock pulse. The clock edge is what a receiver's DMA engine samples
// on; this call blocks only as long as it takes to toggle GPIO state, the
// way a tight bit-bang loop would on a microcontroller.
func (b *Bus) WriteBeat(beat uint16) error {
	for i := 0; i < DataWidth; i++ {
		level := gpio.Low
		if beat&(1<<uint(i)) != 0 {
			level = gpio.High
		}
		if err := b.Data[i].Out(level); err != nil {
			return fmt.Errorf("hal: drive data line %d: %w", i, err)
		}
	}
	if err := b.Clk.Out(gpio.High); err != nil {
		return fmt.Errorf("hal: clock pulse high: %w", err)
	}
	if err := b.Clk.Out(gpio.Low); err != nil {
		return fmt.Errorf("hal: clock pulse low: %w", err)
	}
	return nil
}

// ReadBeat samples one 16-bit beat off the data lines.
func (b *Bus) ReadBeat() uint16 {
	var beat uint16
	for i := 0; i < DataWidth; i++ {
		if b.Data[i].Read() == gpio.High {
			beat |= 1 << uint(i)
		}
	}
	return beat
}

// FloatData releases the data lines (tri-states them) so another device
// may drive the bus.
func (b *Bus) FloatData() error {
	for i, p := range b.Data {
		if err := p.In(gpio.Float, gpio.None); err != nil {
			return fmt.Errorf("hal: float data line %d: %w", i, err)
		}
	}
	return nil
}

// AssertBusy drives the busy line high, claiming the bus.
func (b *Bus) AssertBusy() error {
	return b.Busy.Out(gpio.High)
}

// ReleaseBusy floats (or, on the controller, re-asserts the idle pulldown
// on) the busy line. The caller decides which: only the controller drives
// the shared idle pulldown (spec §2).
func (b *Bus) ReleaseBusy(controllerPulldown bool) error {
	if controllerPulldown {
		return b.Busy.Out(gpio.Low)
	}
	return b.Busy.In(gpio.Float, gpio.None)
}

// CarrierSense reports whether the bus is currently busy.
func (b *Bus) CarrierSense() bool {
	return b.Busy.Read() == gpio.High
}
