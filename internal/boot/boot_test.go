package boot

import (
	"hash/crc32"
	"testing"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/neurofab/z1onyx/internal/broker"
	"github.com/neurofab/z1onyx/internal/firmware"
	"github.com/neurofab/z1onyx/internal/frame"
	"github.com/neurofab/z1onyx/internal/link"
	"github.com/neurofab/z1onyx/internal/proto"
	"github.com/neurofab/z1onyx/internal/psram"
	"github.com/neurofab/z1onyx/internal/simbus"
	"github.com/neurofab/z1onyx/internal/topology"
)

func newTestLED() *LED {
	pin := func(n string) gpio.PinIO { return &gpiotest.Pin{N: n, Num: -1, L: gpio.Low} }
	return NewLED(pin("r"), pin("g"), pin("b"))
}

func newTestMem(t *testing.T) *psram.PSRAM {
	t.Helper()
	mem, err := psram.New()
	if err != nil {
		t.Fatalf("psram.New: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })
	return mem
}

func TestValidateRejectsMissingHeader(t *testing.T) {
	b := NewBootloader(nil, newTestLED(), false, nil, nil, nil)
	if err := b.Validate(); err == nil {
		t.Fatal("expected validation error for nil header")
	}
}

func TestValidateAcceptsWellFormedApplication(t *testing.T) {
	body := make([]byte, 256)
	for i := range body {
		body[i] = byte(i)
	}
	crc := crc32.ChecksumIEEE(body)
	header := firmware.NewPackedHeader(1, 0, 0, 0, uint32(len(body)), crc, "app", "test app")
	b := NewBootloader(nil, newTestLED(), false, header, body, func() error { return nil })
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestReleaseBuildJumpsWithoutCountdown(t *testing.T) {
	body := make([]byte, 64)
	crc := crc32.ChecksumIEEE(body)
	header := firmware.NewPackedHeader(1, 0, 0, 0, uint32(len(body)), crc, "app", "")
	jumped := false
	b := NewBootloader(nil, newTestLED(), false, header, body, func() error { jumped = true; return nil })
	if err := b.Run(nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !jumped {
		t.Fatal("expected release build to jump immediately")
	}
	if b.State() != StateJumping {
		t.Fatalf("state = %v, want StateJumping", b.State())
	}
}

func TestDebugBuildCountdownBootNowShortCircuits(t *testing.T) {
	body := make([]byte, 64)
	crc := crc32.ChecksumIEEE(body)
	header := firmware.NewPackedHeader(1, 0, 0, firmware.FlagDebugBuild, uint32(len(body)), crc, "app", "")
	jumped := false
	b := NewBootloader(nil, newTestLED(), true, header, body, func() error { jumped = true; return nil })

	polls := 0
	done := make(chan error, 1)
	go func() {
		done <- b.Run(func() CountdownSignal {
			polls++
			if polls == 2 {
				return CountdownSignal{BootNow: true}
			}
			return CountdownSignal{}
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BOOT_NOW did not short-circuit the countdown")
	}
	if !jumped {
		t.Fatal("expected jump after BOOT_NOW")
	}
}

func TestCountdownOTARedirectsToSafeMode(t *testing.T) {
	body := make([]byte, 64)
	crc := crc32.ChecksumIEEE(body)
	header := firmware.NewPackedHeader(1, 0, 0, firmware.FlagDebugBuild, uint32(len(body)), crc, "app", "")
	jumped := false
	b := NewBootloader(nil, newTestLED(), true, header, body, func() error { jumped = true; return nil })

	err := b.Run(func() CountdownSignal { return CountdownSignal{OTA: true} })
	if err == nil {
		t.Fatal("expected countdown to be redirected to safe mode")
	}
	if jumped {
		t.Fatal("OTA frame during countdown must not jump")
	}
	if b.State() != StateSafeMode {
		t.Fatalf("state = %v, want StateSafeMode", b.State())
	}
}

func TestInvalidApplicationEntersSafeMode(t *testing.T) {
	b := NewBootloader(nil, newTestLED(), false, nil, nil, func() error { return nil })
	err := b.Run(nil)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if b.State() != StateSafeMode {
		t.Fatalf("state = %v, want StateSafeMode", b.State())
	}
}

func TestCommandServerReadStatusRoundTrip(t *testing.T) {
	bp := simbus.NewBackplane()
	workerPort := bp.Attach(3, 8)
	workerLink := link.NewNode(3, workerPort)
	br := broker.New(3, broker.CommandQueueDepthBootloader)
	mem := newTestMem(t)
	scratch := &topology.MemScratch{}
	led := newTestLED()
	server := NewCommandServer(3, br, mem, nil, scratch, led, nil, time.Now())

	controllerPort := bp.Attach(16, 8)
	controllerLink := link.NewController(controllerPort)

	req := &frame.Frame{
		Type:    frame.Unicast,
		Dest:    3,
		Stream:  uint8(proto.StreamNodeMgmt),
		NoAck:   true,
		Payload: []uint16{proto.OpcodeReadStatus},
	}
	if err := controllerLink.SendFrame(req); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	var received *frame.Frame
	for i := 0; i < 200 && received == nil; i++ {
		f, err := workerLink.TryReceiveFrame()
		if err != nil {
			t.Fatalf("TryReceiveFrame: %v", err)
		}
		if f != nil {
			received = f
			break
		}
		time.Sleep(100 * time.Microsecond)
	}
	if received == nil {
		t.Fatal("worker never received the READ_STATUS request")
	}
	server.Handle(received)

	if _, err := br.Tick(workerLink); err != nil {
		t.Fatalf("broker Tick: %v", err)
	}

	var resp *frame.Frame
	for i := 0; i < 200 && resp == nil; i++ {
		f, err := controllerLink.TryReceiveFrame()
		if err != nil {
			t.Fatalf("TryReceiveFrame: %v", err)
		}
		if f != nil {
			resp = f
			break
		}
		time.Sleep(100 * time.Microsecond)
	}
	if resp == nil {
		t.Fatal("controller never received the READ_STATUS response")
	}
	if len(resp.Payload) == 0 || resp.Payload[0] != proto.OpcodeReadStatusResp {
		t.Fatalf("unexpected response payload: %v", resp.Payload)
	}
	if resp.Payload[1] != 3 {
		t.Fatalf("response node id = %d, want 3", resp.Payload[1])
	}
}

func TestCommandServerSetLED(t *testing.T) {
	bp := simbus.NewBackplane()
	workerPort := bp.Attach(5, 8)
	workerLink := link.NewNode(5, workerPort)
	br := broker.New(5, broker.CommandQueueDepthBootloader)
	mem := newTestMem(t)
	led := newTestLED()
	server := NewCommandServer(5, br, mem, nil, &topology.MemScratch{}, led, nil, time.Now())

	f := &frame.Frame{
		Type:    frame.Unicast,
		Src:     16,
		Dest:    5,
		Stream:  uint8(proto.StreamNodeMgmt),
		NoAck:   true,
		Payload: []uint16{proto.OpcodeSetLED, LEDState{Red: true, Blue: true}.Encode()},
	}
	server.Handle(f)
	if _, err := br.Tick(workerLink); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	state := led.State()
	if !state.Red || state.Green || !state.Blue {
		t.Fatalf("unexpected LED state: %+v", state)
	}
}
