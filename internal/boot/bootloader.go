package boot

import (
	"time"

	"github.com/neurofab/z1onyx/internal/broker"
	"github.com/neurofab/z1onyx/internal/firmware"
	"github.com/neurofab/z1onyx/internal/link"
)

// debugCountdownSeconds is the debug-build pre-jump delay (spec §4.4).
const debugCountdownSeconds = 5

// safeModeBlinkPeriod is the red LED's safe-mode heartbeat rate (spec §4.4:
// "blinks the red LED at 1 Hz").
const safeModeBlinkPeriod = 500 * time.Millisecond

// State is the bootloader's own small state machine: bring-up, validating
// the application partition, counting down (debug builds only), jumping,
// or settled into safe mode.
type State int

const (
	StateBringUp State = iota
	StateValidating
	StateCountdown
	StateJumping
	StateSafeMode
)

// Jump hands control to the application partition. In real firmware this
// reads the application's stack pointer and reset vector and branches to
// it (spec §4.4); here it is whatever the caller wires in — normally
// internal/cluster's application entry point — and returning an error
// means "jump failed", which always routes back to safe mode.
type Jump func() error

// Bootloader runs the boot partition's bring-up/validate/jump-or-safe-mode
// sequence (spec §4.4).
type Bootloader struct {
	server *CommandServer
	led    *LED

	debugBuild bool
	appHeader  *firmware.PackedHeader
	appBody    []byte
	jump       Jump

	state     State
	countdown chan int
}

// NewBootloader constructs a Bootloader. appHeader/appBody are the
// application partition's header and body as read from flash (nil header
// means no application is present, which validates as StatusBadMagic).
func NewBootloader(server *CommandServer, led *LED, debugBuild bool, appHeader *firmware.PackedHeader, appBody []byte, jump Jump) *Bootloader {
	return &Bootloader{
		server:     server,
		led:        led,
		debugBuild: debugBuild,
		appHeader:  appHeader,
		appBody:    appBody,
		jump:       jump,
		state:      StateBringUp,
		countdown:  make(chan int, debugCountdownSeconds),
	}
}

// State returns the bootloader's current phase.
func (b *Bootloader) State() State { return b.state }

// Countdown exposes the debug-build countdown ticks (5, 4, 3, 2, 1) for a
// local caller that wants to observe or log them. In a debug build it is
// closed once the countdown finishes or is short-circuited; in a release
// build nothing is sent on it and it is never closed.
func (b *Bootloader) Countdown() <-chan int { return b.countdown }

// Validate checks the application partition the way the real jump path
// does, without side effects. It is exposed separately from Run so tests
// and callers can check validity ahead of time.
func (b *Bootloader) Validate() error {
	if b.appHeader == nil {
		return NewError(StatusBadMagic, "validate")
	}
	if err := firmware.Validate(b.appHeader, b.appBody); err != nil {
		switch err {
		case firmware.ErrBadMagic:
			return NewError(StatusBadMagic, "validate")
		case firmware.ErrBadEntryPoint:
			return NewError(StatusBadEntryPoint, "validate")
		case firmware.ErrSizeMismatch:
			return NewError(StatusBadSize, "validate")
		case firmware.ErrCRCMismatch:
			return NewError(StatusBadCRC, "validate")
		default:
			return NewErrorWithCause(StatusWrongState, "validate", err)
		}
	}
	return nil
}

// CountdownSignal is what a Run poll callback reports after observing one
// tick's worth of incoming traffic during the debug countdown: a BOOT_NOW
// opcode, or any frame on the OTA stream.
type CountdownSignal struct {
	BootNow bool
	OTA     bool
}

// Run executes the bring-up -> validate -> (countdown ->) jump-or-safe-mode
// sequence once. poll is called repeatedly during the debug countdown to
// give the caller a chance to observe an incoming BOOT_NOW or OTA frame;
// it returns CountdownSignal{} when nothing arrived this tick. Run returns
// once the bootloader has either jumped (successfully, in which case it
// never returns in real firmware — the caller should treat a nil error as
// "now running the application loop") or settled into safe mode.
func (b *Bootloader) Run(poll func() CountdownSignal) error {
	b.state = StateValidating
	if err := b.Validate(); err != nil {
		b.state = StateSafeMode
		return err
	}

	if !b.debugBuild {
		return b.doJump()
	}

	b.state = StateCountdown
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	remaining := debugCountdownSeconds
	b.countdown <- remaining
	for remaining > 0 {
		if poll != nil {
			sig := poll()
			if sig.OTA {
				close(b.countdown)
				b.state = StateSafeMode
				return NewError(StatusWrongState, "countdown: OTA redirect to safe mode")
			}
			if sig.BootNow {
				break
			}
		}
		<-ticker.C
		remaining--
		if remaining > 0 {
			b.countdown <- remaining
		}
	}
	close(b.countdown)
	return b.doJump()
}

func (b *Bootloader) doJump() error {
	b.state = StateJumping
	if b.jump == nil {
		b.state = StateSafeMode
		return NewError(StatusWrongState, "jump: no entry point wired")
	}
	if err := b.jump(); err != nil {
		b.state = StateSafeMode
		return NewErrorWithCause(StatusWrongState, "jump", err)
	}
	return nil
}

// SafeModeStep pumps the broker once, services one incoming frame if any
// is ready, and blinks the red LED at 1Hz. The caller loops this (spec
// §4.4: "a tight loop that pumps the broker").
func (b *Bootloader) SafeModeStep(l *link.Link, br *broker.Broker, lastBlink *time.Time) error {
	if _, err := br.Tick(l); err != nil {
		return err
	}
	f, err := l.TryReceiveFrame()
	if err != nil {
		return err
	}
	if f != nil {
		b.server.Handle(f)
	}
	now := time.Now()
	if now.Sub(*lastBlink) >= safeModeBlinkPeriod {
		_ = b.led.SetRed(!b.led.State().Red)
		*lastBlink = now
	}
	return nil
}
