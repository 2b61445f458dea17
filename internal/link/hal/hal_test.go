package hal

import (
	"testing"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"
)

func newTestBus() *Bus {
	var data [DataWidth]gpio.PinIO
	for i := range data {
		data[i] = &gpiotest.Pin{N: "data", Num: i, L: gpio.Low}
	}
	clk := &gpiotest.Pin{N: "clk", Num: -1, L: gpio.Low}
	busy := &gpiotest.Pin{N: "busy", Num: -1, L: gpio.Low}
	return NewBus(data, clk, busy)
}

func TestWriteBeatThenReadBeatRoundTrips(t *testing.T) {
	b := newTestBus()
	if err := b.WriteBeat(0xBEEF); err != nil {
		t.Fatalf("WriteBeat: %v", err)
	}
	if got := b.ReadBeat(); got != 0xBEEF {
		t.Fatalf("ReadBeat = %#04x, want 0xbeef", got)
	}
}

func TestFloatDataReleasesLines(t *testing.T) {
	b := newTestBus()
	if err := b.WriteBeat(0xFFFF); err != nil {
		t.Fatalf("WriteBeat: %v", err)
	}
	if err := b.FloatData(); err != nil {
		t.Fatalf("FloatData: %v", err)
	}
	for i, p := range b.Data {
		pin := p.(*gpiotest.Pin)
		if pin.Read() != gpio.Low {
			t.Fatalf("data line %d not floated low, got %v", i, pin.Read())
		}
	}
}

func TestAssertAndReleaseBusy(t *testing.T) {
	b := newTestBus()
	if b.CarrierSense() {
		t.Fatal("busy line should start idle")
	}
	if err := b.AssertBusy(); err != nil {
		t.Fatalf("AssertBusy: %v", err)
	}
	if !b.CarrierSense() {
		t.Fatal("CarrierSense should report busy after AssertBusy")
	}
	if err := b.ReleaseBusy(true); err != nil {
		t.Fatalf("ReleaseBusy: %v", err)
	}
	if b.CarrierSense() {
		t.Fatal("CarrierSense should report idle after controller-pulldown release")
	}
}
