// Package simbus is the one production-shaped implementation of the
// Matrix backplane available in this environment: an in-memory, multi-node
// bus that enforces the same single-driver and carrier-sense discipline a
// physical backplane would, the way the teacher's testutil.FakeDevice and
// google-periph's gpiotest fakes stand in for hardware their packages
// would otherwise need real silicon to exercise.
//
// The busy/carrier-sense line is wired through periph.io's gpio.PinIO
// (internal/link/hal), since that single line is a genuine shared boolean
// signal; the sixteen-line word-parallel data path and its DMA capture are
// abstracted as a channel per port, standing in for the DMA engine that
// would otherwise continuously shift bits off real wires.
package simbus

import (
	"errors"
	"sync"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/neurofab/z1onyx/internal/link/hal"
)

// ErrPortClosed is returned by operations on a port removed from its backplane.
var ErrPortClosed = errors.New("simbus: port closed")

// Backplane is the shared bus. Every attached Port sees every beat
// transmitted by any port, including its own (physical loopback); the
// destination-filtering and loopback-rejection rules live one layer up, in
// internal/link.
type Backplane struct {
	mu    sync.Mutex
	busy  *gpiotest.Pin
	ports map[uint8]*Port
}

// NewBackplane creates an empty backplane with its shared busy line idle low.
func NewBackplane() *Backplane {
	return &Backplane{
		busy:  &gpiotest.Pin{N: "busy", Num: -1, L: gpio.Low},
		ports: make(map[uint8]*Port),
	}
}

// Attach creates a Port for nodeID, wired to the shared busy line. rxDepth
// bounds the port's inbound beat channel (beats are delivered as whole
// transmissions to approximate a DMA burst; the channel depth limits how
// far a slow receiver can lag before further transmissions to it are
// dropped, standing in for overrun of a full hardware ring).
func (bp *Backplane) Attach(nodeID uint8, rxDepth int) *Port {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	var data [hal.DataWidth]gpio.PinIO
	for i := range data {
		data[i] = &gpiotest.Pin{N: "data", Num: i, L: gpio.Low}
	}
	clk := &gpiotest.Pin{N: "clk", Num: -1, L: gpio.Low}

	p := &Port{
		nodeID: nodeID,
		bus:    hal.NewBus(data, clk, bp.busy),
		rx:     make(chan []uint16, rxDepth),
		bp:     bp,
	}
	bp.ports[nodeID] = p
	return p
}

// Detach removes a port from the backplane.
func (bp *Backplane) Detach(nodeID uint8) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if p, ok := bp.ports[nodeID]; ok {
		close(p.rx)
		delete(bp.ports, nodeID)
	}
}

func (bp *Backplane) fanOut(beats []uint16) {
	bp.mu.Lock()
	targets := make([]*Port, 0, len(bp.ports))
	for _, p := range bp.ports {
		targets = append(targets, p)
	}
	bp.mu.Unlock()

	cp := make([]uint16, len(beats))
	copy(cp, beats)
	for _, p := range targets {
		select {
		case p.rx <- cp:
		default:
			// A full receive channel models a DMA ring overrun; the
			// link layer's rate-limited RX reset is what's supposed to
			// prevent this in practice (spec §4.1 failure modes). We
			// drop silently here, same as the hardware would lose the
			// beats that never made it into the ring.
		}
	}
}

// Port is one node's attachment point on the backplane.
type Port struct {
	nodeID uint8
	bus    *hal.Bus
	rx     chan []uint16
	bp     *Backplane
}

// CarrierSense reports whether the bus is currently busy.
func (p *Port) CarrierSense() bool {
	return p.bus.CarrierSense()
}

// AssertBusy claims the bus.
func (p *Port) AssertBusy() error {
	return p.bus.AssertBusy()
}

// ReleaseBusy releases the bus. controllerPulldown should be true only for
// the controller node, which alone drives the shared idle pulldown.
func (p *Port) ReleaseBusy(controllerPulldown bool) error {
	return p.bus.ReleaseBusy(controllerPulldown)
}

// Transmit puts a sequence of beats on the wire. It does not itself manage
// busy/carrier-sense arbitration; callers (internal/link) do that with
// AssertBusy/ReleaseBusy around the call, exactly as spec §4.1 describes.
func (p *Port) Transmit(beats []uint16) {
	p.bp.fanOut(beats)
}

// Receive returns the channel of incoming beat bursts for this port,
// standing in for the DMA engine that continuously fills a node's RX ring
// buffer in hardware.
func (p *Port) Receive() <-chan []uint16 {
	return p.rx
}
