// Package cluster wires the lower layers (link, broker, proto, snn, ota,
// topology) into the two cooperative loops spec §4.4 describes: a worker
// Node's application service loop (command server plus the SNN step loop)
// and the Controller's core-0 loop (HTTP pump, spike injection, OTA
// sessions, topology).
package cluster

import (
	"math"
	"time"

	"github.com/neurofab/z1onyx/internal/boot"
	"github.com/neurofab/z1onyx/internal/broker"
	"github.com/neurofab/z1onyx/internal/frame"
	"github.com/neurofab/z1onyx/internal/link"
	"github.com/neurofab/z1onyx/internal/ota"
	"github.com/neurofab/z1onyx/internal/proto"
	"github.com/neurofab/z1onyx/internal/psram"
	"github.com/neurofab/z1onyx/internal/snn"
	"github.com/neurofab/z1onyx/internal/topology"
)

// snnStatusProvider reports the application variant's real SNN state for
// READ_STATUS, where the bootloader's CommandServer always reports zero.
type snnStatusProvider struct {
	start  time.Time
	led    *boot.LED
	mem    *psram.PSRAM
	engine *snn.Engine
}

func (p *snnStatusProvider) NodeStatus() boot.NodeStatus {
	return boot.NodeStatus{
		UptimeNanos: time.Since(p.start).Nanoseconds(),
		FreeMemory:  uint32(len(p.mem.OTAStaging())),
		LED:         p.led.State(),
		SNNRunning:  p.engine.Running(),
		NeuronCount: uint16(p.engine.NeuronCount()),
	}
}

// Node is the application's side of a worker: the same link/broker pair
// the bootloader used (reinitialised against the application's own link
// state per spec §4.4 "application reinit"), the command server the
// bootloader already defined extended with SNN opcodes, and the SNN engine
// itself.
type Node struct {
	l       *link.Link
	br      *broker.Broker
	server  *boot.CommandServer
	engine  *snn.Engine
	otaCtrl *ota.Worker
	scratch topology.Scratch
	nodeID  uint8
}

// NewNode wires one worker's application-side components together. led,
// mem, and otaWorker are the same instances the bootloader used to service
// safe mode — spec §4.4 "reinitialise the broker... mark PSRAM as already
// initialised at the known size" means the application reuses state, not
// that it starts over.
func NewNode(nodeID uint8, l *link.Link, br *broker.Broker, mem *psram.PSRAM, otaWorker *ota.Worker, scratch topology.Scratch, led *boot.LED, watchdogReset func(), engine *snn.Engine) *Node {
	server := boot.NewCommandServer(nodeID, br, mem, otaWorker, scratch, led, watchdogReset, time.Now())
	n := &Node{l: l, br: br, server: server, engine: engine, otaCtrl: otaWorker, scratch: scratch, nodeID: nodeID}
	server.SetStatusProvider(&snnStatusProvider{start: time.Now(), led: led, mem: mem, engine: engine})
	server.OnUnhandled = n.handleSNNOrSpike
	return n
}

// handleSNNOrSpike services the two streams boot.CommandServer doesn't own:
// SNN configuration/control, and incoming spikes.
func (n *Node) handleSNNOrSpike(f *frame.Frame) {
	switch proto.Stream(f.Stream) {
	case proto.StreamSNNConfig:
		n.handleSNNConfig(f)
	case proto.StreamSNNControl:
		n.handleSNNControl(f)
	case proto.StreamSpike:
		n.handleSpike(f)
	}
}

// handleSpike injects an incoming spike frame's source neuron into the
// engine, except when it is this node's own broadcast looping back — the
// link layer accepts broadcast loopback (spec §4.1, "needed for intra-node
// synaptic delivery"), so without this filter a neuron's own firing would
// be double-counted: once when it originally fired locally (the engine
// queues its own firings for the next Step itself) and again when its own
// broadcast arrives back over the bus.
func (n *Node) handleSpike(f *frame.Frame) {
	if f.Src == n.nodeID {
		return
	}
	if len(f.Payload) < 2 {
		return
	}
	gid := uint32(f.Payload[0]) | uint32(f.Payload[1])<<16
	n.engine.InjectSpike(gid)
}

func (n *Node) handleSNNConfig(f *frame.Frame) {
	if len(f.Payload) == 0 {
		return
	}
	if f.Payload[0] != proto.OpcodeDeployTopology {
		return
	}
	neurons := decodeTopologyPayload(f.Payload[1:])
	count, err := n.engine.DeployTopology(neurons)
	if err != nil {
		n.reply(f, []uint16{proto.OpcodeDeployAck, 0})
		return
	}
	n.reply(f, []uint16{proto.OpcodeDeployAck, uint16(count)})
}

func (n *Node) handleSNNControl(f *frame.Frame) {
	if len(f.Payload) == 0 {
		return
	}
	switch f.Payload[0] {
	case proto.OpcodeStartSNN:
		n.engine.SetRunning(true)
		n.reply(f, []uint16{proto.OpcodeSNNControlAck})
	case proto.OpcodeStopSNN:
		n.engine.SetRunning(false)
		n.reply(f, []uint16{proto.OpcodeSNNControlAck})
	case proto.OpcodePauseSNN:
		n.engine.SetRunning(false)
		n.reply(f, []uint16{proto.OpcodeSNNControlAck})
	case proto.OpcodeResumeSNN:
		n.engine.SetRunning(true)
		n.reply(f, []uint16{proto.OpcodeSNNControlAck})
	case proto.OpcodeGetSNNStatus:
		stats := n.engine.Stats()
		running := uint16(0)
		if n.engine.Running() {
			running = 1
		}
		active := n.engine.NeuronCount()
		n.reply(f, []uint16{
			proto.OpcodeSNNStatus,
			running,
			uint16(active),
			uint16(active),
			uint16(stats.SpikesFired),
			uint16(stats.SpikesFired >> 16),
			0, 0, // spike-rate halves; rate tracking lives in the caller's loop timing, not the engine
		})
	}
}

func (n *Node) reply(f *frame.Frame, payload []uint16) {
	resp := &frame.Frame{Type: frame.Ctrl, Dest: f.Src, Stream: f.Stream, Payload: payload}
	_ = n.br.EnqueueCommand(resp)
}

// decodeTopologyPayload turns a DEPLOY_TOPOLOGY payload into NeuronSpecs.
// Layout: per neuron, [threshold_bits(2 words), leak_bits(2 words),
// refractory, flags, synapse_count, synapse words...] — the same packed
// shape internal/snn.PackedNeuron stores, carried over the wire so the
// controller's deploy tool and the worker's table agree on one encoding.
func decodeTopologyPayload(words []uint16) []snn.NeuronSpec {
	var specs []snn.NeuronSpec
	i := 0
	for i+7 <= len(words) {
		threshold := wordsToFloat32(words[i], words[i+1])
		leak := wordsToFloat32(words[i+2], words[i+3])
		refractory := words[i+4]
		flags := words[i+5]
		synCount := int(words[i+6])
		i += 7
		synapses := make([]snn.Synapse, 0, synCount)
		for s := 0; s < synCount && i+2 <= len(words); s++ {
			v := uint32(words[i]) | uint32(words[i+1])<<16
			synapses = append(synapses, snn.DecodeSynapse(v))
			i += 2
		}
		specs = append(specs, snn.NeuronSpec{
			Threshold:        threshold,
			Leak:             leak,
			RefractoryPeriod: refractory,
			IsInput:          flags&1 != 0,
			Synapses:         synapses,
		})
	}
	return specs
}

func wordsToFloat32(lo, hi uint16) float32 {
	bits := uint32(lo) | uint32(hi)<<16
	return math.Float32frombits(bits)
}

// Step runs the service loop's one SNN timestep: stepping the engine and
// enqueueing any resulting firings as broadcast spike frames. The caller
// (an application's main loop) invokes this on its own timer; the engine
// itself has no notion of wall-clock timing.
func (n *Node) Step() {
	for _, out := range n.engine.Step() {
		f := &frame.Frame{
			Type:    frame.Broadcast,
			Dest:    frame.BroadcastNode,
			Stream:  uint8(proto.StreamSpike),
			NoAck:   true,
			Payload: []uint16{uint16(out.SourceGlobalID), uint16(out.SourceGlobalID >> 16)},
		}
		_ = n.br.EnqueueSpike(f)
	}
}

// ServiceStep pumps the broker once and services at most one incoming
// frame, the application's equivalent of the bootloader's safe-mode step
// plus the SNN step loop layered on top by the caller.
func (n *Node) ServiceStep() error {
	if _, err := n.br.Tick(n.l); err != nil {
		return err
	}
	f, err := n.l.TryReceiveFrame()
	if err != nil {
		return err
	}
	if f != nil {
		n.server.Handle(f)
	}
	return nil
}

// Engine returns the node's SNN engine, for a caller wiring StimulateInput
// calls from an external sensor source.
func (n *Node) Engine() *snn.Engine { return n.engine }
