// Package link implements the Matrix bus link layer (spec §4.1): frame
// transmission and carrier-sense arbitration, the continuous-capture
// receive state machine, auto-ACK, and the ping/topology primitives the
// rest of the stack is built on. It is deliberately thin — retries,
// priority, and backoff belong to internal/broker, one layer up.
package link

import (
	"sync"
	"time"

	"github.com/neurofab/z1onyx/internal/frame"
	"github.com/neurofab/z1onyx/internal/proto"
)

// busDischargeGap is the quiet period observed between releasing the data
// lines and releasing busy, giving the bus time to settle before the next
// device may drive it (spec §4.1 transmit algorithm).
const busDischargeGap = 5 * time.Microsecond

// rxResetMinInterval rate-limits the RX ring reset triggered by an overrun
// so a persistently flooded node doesn't spend all its time resetting
// (spec §4.1 failure modes: "at most once per 100ms").
const rxResetMinInterval = 100 * time.Millisecond

// Transport is what Link needs from the physical layer: carrier sense,
// busy-line arbitration, and beat transmission/reception. internal/simbus's
// Port satisfies this; tests can substitute a fake.
type Transport interface {
	CarrierSense() bool
	AssertBusy() error
	ReleaseBusy(controllerPulldown bool) error
	Transmit(beats []uint16)
	Receive() <-chan []uint16
}

// Stats accumulates link-layer counters, mirroring the kind of plain
// counter struct the teacher's stream layer keeps for transfer bookkeeping.
type Stats struct {
	FramesSent       uint64
	FramesReceived   uint64
	FramesDiscarded  uint64 // not addressed to this node
	CRCErrors        uint64
	Collisions       uint64
	AcksSent         uint64
	PingsSent        uint64
	PingRepliesSent  uint64
	RXResets         uint64
}

// Link is one node's attachment to the Matrix bus.
type Link struct {
	mu           sync.Mutex
	nodeID       uint8
	isController bool
	busSpeedHz   uint32

	transport Transport
	rx        *ringBuffer

	lastRXReset time.Time
	stats       Stats
}

// NewNode creates a Link for a worker node with the given identifier.
func NewNode(nodeID uint8, transport Transport) *Link {
	return &Link{nodeID: nodeID, isController: false, transport: transport, rx: newRingBuffer()}
}

// NewController creates a Link for the controller, fixed at node 16.
func NewController(transport Transport) *Link {
	return &Link{nodeID: frame.ControllerNode, isController: true, transport: transport, rx: newRingBuffer()}
}

// NodeID returns this link's current node identifier.
func (l *Link) NodeID() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nodeID
}

// SetNodeID changes this link's node identifier, e.g. after the identifier
// persistence layer (internal/topology) assigns one at first boot.
func (l *Link) SetNodeID(id uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodeID = id
}

// SetBusSpeed records the configured bus clock rate. It is informational
// only in this software stack; a hardware implementation would reprogram
// the DMA engine's clock divider here.
func (l *Link) SetBusSpeed(hz uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.busSpeedHz = hz
}

// BusSpeed returns the configured bus clock rate.
func (l *Link) BusSpeed() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busSpeedHz
}

// CarrierSense reports whether the bus is currently driven.
func (l *Link) CarrierSense() bool {
	return l.transport.CarrierSense()
}

// Stats returns a snapshot of the link's counters.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// SendFrame transmits f, stamping its source with this link's node
// identifier. It makes exactly one attempt: if the bus is already driven
// it returns ErrBusBusy immediately rather than blocking or retrying —
// retry policy is the broker's job.
func (l *Link) SendFrame(f *frame.Frame) error {
	return l.sendFrameBytes(f, len(f.Payload)*2)
}

func (l *Link) sendFrameBytes(f *frame.Frame, byteLen int) error {
	l.mu.Lock()
	f.Src = l.nodeID
	isController := l.isController
	l.mu.Unlock()

	beats, err := frame.Encode(f, byteLen)
	if err != nil {
		return NewErrorWithCause(StatusInvalidFrame, "encode", err)
	}

	if l.transport.CarrierSense() {
		l.mu.Lock()
		l.stats.Collisions++
		l.mu.Unlock()
		return ErrBusBusy
	}
	if err := l.transport.AssertBusy(); err != nil {
		return NewErrorWithCause(StatusIOError, "assert busy", err)
	}
	l.transport.Transmit(beats)
	time.Sleep(busDischargeGap)
	if err := l.transport.ReleaseBusy(isController); err != nil {
		return NewErrorWithCause(StatusIOError, "release busy", err)
	}

	l.mu.Lock()
	l.stats.FramesSent++
	l.mu.Unlock()
	return nil
}

// SendPing transmits a CTRL ping carrying nonce to dest, on the reserved
// link-control stream (spec §4.1 "Ping / topology").
func (l *Link) SendPing(dest uint8, nonce uint16) error {
	f := &frame.Frame{
		Type:   frame.Ctrl,
		Dest:   dest,
		Stream: uint8(proto.StreamLinkControl),
		NoAck:  true,
		Payload: []uint16{proto.OpcodePing, nonce},
	}
	if err := l.SendFrame(f); err != nil {
		return err
	}
	l.mu.Lock()
	l.stats.PingsSent++
	l.mu.Unlock()
	return nil
}

// SendTopology broadcasts a topology update. entries are raw payload words
// already laid out by internal/topology; link only knows how to frame and
// transmit them.
func (l *Link) SendTopology(entries []uint16) error {
	f := &frame.Frame{
		Type:    frame.Broadcast,
		Dest:    frame.BroadcastNode,
		Stream:  uint8(proto.StreamLinkControl),
		NoAck:   true,
		Payload: append([]uint16{proto.OpcodeTopology}, entries...),
	}
	return l.SendFrame(f)
}

// TryReceiveFrame drains any beats the transport has delivered since the
// last call into the RX ring, then walks the ring's receive state machine:
// WAIT_HEADER/WAIT_LENGTH decide whether a complete frame is buffered yet;
// once one is, a frame not addressed to this node is discarded by skipping
// its length (DISCARD_WAIT_LENGTH) and its payload+CRC (DISCARD_SKIP)
// without ever materializing a Frame for it. It returns (nil, nil) when no
// deliverable frame is ready yet — this is not an error, just "nothing to
// do this tick", matching the teacher's non-blocking poll style
// (pkg/stream's TryRead).
func (l *Link) TryReceiveFrame() (*frame.Frame, error) {
	l.drainTransport()

	for {
		if l.rx.available() < 2 {
			return nil, nil // WAIT_HEADER / WAIT_LENGTH: not enough yet
		}
		header, _ := l.rx.peek(0)
		lengthBeat, _ := l.rx.peek(1)
		_, src, dest, _, _ := frame.DecodeHeader(header)
		byteLen := int(lengthBeat)
		wordLen := (byteLen + 1) / 2
		total := 2 + wordLen + 1

		if wordLen > frame.MaxPayloadWords {
			// Garbage length field; drop one word and resync rather than
			// wedging on a span that can never complete.
			l.rx.advance(1)
			continue
		}
		if l.rx.available() < total {
			return nil, nil // WAIT_PAYLOAD / WAIT_CRC
		}

		l.mu.Lock()
		nodeID := l.nodeID
		l.mu.Unlock()

		if !frame.DeliverableTo(nodeID, src, dest) {
			// DISCARD_WAIT_LENGTH -> DISCARD_SKIP: the header and length
			// are already known; skip the remaining payload and CRC
			// beats without ever decoding or surfacing this frame.
			l.rx.advance(total)
			l.mu.Lock()
			l.stats.FramesDiscarded++
			l.mu.Unlock()
			continue
		}

		beats := l.rx.extract(total)
		l.rx.advance(total)

		f, _, err := frame.Decode(beats)
		if err != nil {
			continue
		}

		l.mu.Lock()
		l.stats.FramesReceived++
		if !f.CRCValid {
			l.stats.CRCErrors++
		}
		l.mu.Unlock()

		if f.CRCValid {
			l.autoRespond(f)
		}
		return f, nil
	}
}

// drainTransport pulls whatever beat bursts the transport has queued into
// the RX ring, then services a pending overrun with a rate-limited reset.
func (l *Link) drainTransport() {
drain:
	for {
		select {
		case beats, ok := <-l.transport.Receive():
			if !ok {
				break drain
			}
			l.rx.push(beats)
		default:
			break drain
		}
	}
	if l.rx.takeOverrun() {
		now := time.Now()
		l.mu.Lock()
		due := now.Sub(l.lastRXReset) > rxResetMinInterval
		if due {
			l.lastRXReset = now
		}
		l.mu.Unlock()
		if due {
			l.rx.reset()
			l.mu.Lock()
			l.stats.RXResets++
			l.mu.Unlock()
		}
	}
}

// autoRespond implements the link layer's two unconditional auto-replies:
// ACK for an acknowledged unicast, and PING_REPLY for a link-control ping.
// Both fire within the same tick the frame was received on, matching
// spec §4.1's "within tens of microseconds" ACK latency in a software
// stack with no interrupt jitter to account for.
func (l *Link) autoRespond(f *frame.Frame) {
	if f.Type == frame.Unicast && !f.NoAck {
		ack := &frame.Frame{
			Type:    frame.Ctrl,
			Dest:    f.Src,
			Stream:  f.Stream,
			NoAck:   true,
			Payload: []uint16{proto.OpcodeAck},
		}
		if err := l.SendFrame(ack); err == nil {
			l.mu.Lock()
			l.stats.AcksSent++
			l.mu.Unlock()
		}
		return
	}
	if f.Type == frame.Ctrl && f.Stream == uint8(proto.StreamLinkControl) && len(f.Payload) > 0 && f.Payload[0] == proto.OpcodePing {
		reply := &frame.Frame{
			Type:    frame.Ctrl,
			Dest:    f.Src,
			Stream:  f.Stream,
			NoAck:   true,
			Payload: append([]uint16{proto.OpcodePingReply}, f.Payload[1:]...),
		}
		if err := l.SendFrame(reply); err == nil {
			l.mu.Lock()
			l.stats.PingRepliesSent++
			l.mu.Unlock()
		}
	}
}
