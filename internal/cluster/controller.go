package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/neurofab/z1onyx/internal/broker"
	"github.com/neurofab/z1onyx/internal/frame"
	"github.com/neurofab/z1onyx/internal/link"
	"github.com/neurofab/z1onyx/internal/ota"
	"github.com/neurofab/z1onyx/internal/proto"
	"github.com/neurofab/z1onyx/internal/topology"
)

// spikeInjectionInterval rate-limits one async spike-injection job (spec
// HTTP surface: "spike injection (async job queue)") to one spike every
// 10ms, the same order of magnitude as a timestep, so a runaway HTTP
// client can't flood the bus faster than the cluster can possibly
// consume it.
const spikeInjectionInterval = 10 * time.Millisecond

// pingTimeout/commandTimeout/discoverWindow bound how long the controller
// waits for a worker to answer before giving up (spec §4.3's OTA table
// gives the pattern: every request has a deadline).
const (
	pingTimeout     = 200 * time.Millisecond
	commandTimeout  = 1 * time.Second
	discoverWindow  = 300 * time.Millisecond
)

// ErrTimeout is returned when a worker doesn't answer within the relevant
// deadline.
var ErrTimeout = fmt.Errorf("cluster: timeout waiting for response")

// Controller is the cluster controller's core (spec §4.4's "core-0
// cooperative loop"): it owns the controller's link/broker pair, the
// cluster-wide topology table, and routes response frames received by
// ServiceStep back to whichever call is waiting for them.
type Controller struct {
	l    *link.Link
	br   *broker.Broker
	topo *topology.Table

	mu        sync.Mutex
	inbox     map[uint8]chan *frame.Frame // keyed by source node id
	discoverCh chan *frame.Frame          // DISCOVER_ACK fan-in, read by Discover
	otaSes    map[uint8]*ota.Controller   // one in-flight OTA session per node

	lastSpikeInjection time.Time
}

// NewController builds a Controller over an already-initialised link and
// broker (node id 16, spec §4.1). The link's receive path must only ever
// be driven by this Controller's ServiceStep — internal/link.Link's
// receive state machine assumes a single caller, so every other method
// here reads responses from ServiceStep's routed inbox rather than
// receiving from the link directly (Ping still sends through it).
func NewController(l *link.Link, br *broker.Broker) *Controller {
	return &Controller{
		l:          l,
		br:         br,
		topo:       topology.NewTable(),
		inbox:      make(map[uint8]chan *frame.Frame),
		discoverCh: make(chan *frame.Frame, 32),
		otaSes:     make(map[uint8]*ota.Controller),
	}
}

// Topology returns the controller's topology table, for the HTTP façade's
// cluster-status endpoint.
func (c *Controller) Topology() *topology.Table { return c.topo }

func (c *Controller) inboxFor(nodeID uint8) chan *frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.inbox[nodeID]
	if !ok {
		ch = make(chan *frame.Frame, 8)
		c.inbox[nodeID] = ch
	}
	return ch
}

// ServiceStep pumps the broker once and routes at most one received frame
// to whichever call is awaiting a response from its source node. The
// caller (cmd/controllerd's main loop) invokes this repeatedly.
func (c *Controller) ServiceStep() error {
	if _, err := c.br.Tick(c.l); err != nil {
		return err
	}
	f, err := c.l.TryReceiveFrame()
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	if proto.Stream(f.Stream) == proto.StreamNodeMgmt && len(f.Payload) > 0 && f.Payload[0] == proto.OpcodeDiscoverAck {
		select {
		case c.discoverCh <- f:
		default:
		}
	}
	ch := c.inboxFor(f.Src)
	select {
	case ch <- f:
	default:
		// A full inbox means nothing is currently waiting; drop rather
		// than block the receive loop.
	}
	return nil
}

func (c *Controller) awaitOpcode(nodeID uint8, wantStream proto.Stream, wantOpcode uint16, timeout time.Duration) (*frame.Frame, error) {
	ch := c.inboxFor(nodeID)
	deadline := time.After(timeout)
	for {
		select {
		case f := <-ch:
			if proto.Stream(f.Stream) == wantStream && len(f.Payload) > 0 && f.Payload[0] == wantOpcode {
				return f, nil
			}
		case <-deadline:
			return nil, ErrTimeout
		}
	}
}

func (c *Controller) sendCommand(dest uint8, stream proto.Stream, payload []uint16) error {
	return c.br.EnqueueCommand(&frame.Frame{
		Type:    frame.Unicast,
		Dest:    dest,
		Stream:  uint8(stream),
		Payload: payload,
	})
}

// Ping measures round-trip time to dest by sending a link-layer PING and
// waiting for its PING_REPLY (spec §4.1).
func (c *Controller) Ping(dest uint8) (time.Duration, error) {
	start := time.Now()
	nonce := uint16(start.UnixNano())
	if err := c.l.SendPing(dest, nonce); err != nil {
		return 0, err
	}
	f, err := c.awaitOpcode(dest, proto.StreamLinkControl, proto.OpcodePingReply, pingTimeout)
	if err != nil {
		return 0, err
	}
	_ = f
	rtt := time.Since(start)
	c.topo.Observe(dest, rtt)
	return rtt, nil
}

// Status is the parsed form of a READ_STATUS response.
type Status struct {
	NodeID      uint8
	UptimeMs    uint32
	FreeMemory  uint32
	LED         uint16
	SNNRunning  bool
	NeuronCount uint16
}

// ReadStatus queries dest's READ_STATUS.
func (c *Controller) ReadStatus(dest uint8) (Status, error) {
	if err := c.sendCommand(dest, proto.StreamNodeMgmt, []uint16{proto.OpcodeReadStatus}); err != nil {
		return Status{}, err
	}
	f, err := c.awaitOpcode(dest, proto.StreamNodeMgmt, proto.OpcodeReadStatusResp, commandTimeout)
	if err != nil {
		return Status{}, err
	}
	if len(f.Payload) < 9 {
		return Status{}, fmt.Errorf("cluster: short READ_STATUS response")
	}
	return Status{
		NodeID:      uint8(f.Payload[1]),
		UptimeMs:    uint32(f.Payload[2]) | uint32(f.Payload[3])<<16,
		FreeMemory:  uint32(f.Payload[4]) | uint32(f.Payload[5])<<16,
		LED:         f.Payload[6],
		SNNRunning:  f.Payload[7] != 0,
		NeuronCount: f.Payload[8],
	}, nil
}

// SetLED sets dest's RGB LED state.
func (c *Controller) SetLED(dest uint8, state uint16) error {
	if err := c.sendCommand(dest, proto.StreamNodeMgmt, []uint16{proto.OpcodeSetLED, state}); err != nil {
		return err
	}
	_, err := c.awaitOpcode(dest, proto.StreamNodeMgmt, proto.OpcodeSetLEDAck, commandTimeout)
	return err
}

// Discover broadcasts DISCOVER and collects DISCOVER_ACKs for
// discoverWindow, updating the topology table with every node seen.
func (c *Controller) Discover() ([]uint8, error) {
	if err := c.br.EnqueueCommand(&frame.Frame{
		Type:    frame.Broadcast,
		Dest:    frame.BroadcastNode,
		Stream:  uint8(proto.StreamNodeMgmt),
		NoAck:   true,
		Payload: []uint16{proto.OpcodeDiscover},
	}); err != nil {
		return nil, err
	}
	deadline := time.After(discoverWindow)
	var found []uint8
	for {
		select {
		case f := <-c.discoverCh:
			found = append(found, f.Src)
			c.topo.Observe(f.Src, 0)
		case <-deadline:
			return found, nil
		}
	}
}

// WriteMemory writes data to dest's PSRAM at addr.
func (c *Controller) WriteMemory(dest uint8, addr uint32, data []byte) error {
	payload := []uint16{proto.OpcodeWriteMemory, uint16(len(data)), uint16(addr), uint16(addr >> 16), 0, 0}
	for i := 0; i < len(data); i += 2 {
		if i+1 < len(data) {
			payload = append(payload, uint16(data[i])|uint16(data[i+1])<<8)
		} else {
			payload = append(payload, uint16(data[i]))
		}
	}
	if err := c.sendCommand(dest, proto.StreamMemory, payload); err != nil {
		return err
	}
	_, err := c.awaitOpcode(dest, proto.StreamMemory, proto.OpcodeWriteAck, commandTimeout)
	return err
}

// ReadMemory reads length bytes from dest's PSRAM at addr.
func (c *Controller) ReadMemory(dest uint8, addr uint32, length int) ([]byte, error) {
	payload := []uint16{proto.OpcodeReadMemory, uint16(length), uint16(addr), uint16(addr >> 16), 0, 0}
	if err := c.sendCommand(dest, proto.StreamMemory, payload); err != nil {
		return nil, err
	}
	f, err := c.awaitOpcode(dest, proto.StreamMemory, proto.OpcodeReadMemoryResp, commandTimeout)
	if err != nil {
		return nil, err
	}
	words := f.Payload[1:]
	out := make([]byte, 0, len(words)*2)
	for _, w := range words {
		out = append(out, byte(w), byte(w>>8))
	}
	if len(out) > length {
		out = out[:length]
	}
	return out, nil
}

// InjectSpike enqueues one spike frame addressed to dest (or broadcast),
// blocking for at most spikeInjectionInterval since the last injection to
// rate-limit the HTTP spike-injection job queue (spec HTTP surface).
func (c *Controller) InjectSpike(dest uint8, sourceGlobalID uint32) error {
	c.mu.Lock()
	wait := spikeInjectionInterval - time.Since(c.lastSpikeInjection)
	c.lastSpikeInjection = time.Now()
	c.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
	return c.br.EnqueueSpike(&frame.Frame{
		Type:    frame.Unicast,
		Dest:    dest,
		Stream:  uint8(proto.StreamSpike),
		NoAck:   true,
		Payload: []uint16{uint16(sourceGlobalID), uint16(sourceGlobalID >> 16)},
	})
}
