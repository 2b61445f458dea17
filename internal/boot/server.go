// Package boot implements the worker's boot partition (spec §4.4): hardware
// bring-up, application header validation, the debug countdown, the jump
// to the application, and the safe-mode command server both the
// bootloader and — wrapped by internal/cluster — the application share.
package boot

import (
	"encoding/binary"
	"time"

	"github.com/neurofab/z1onyx/internal/frame"
	"github.com/neurofab/z1onyx/internal/broker"
	"github.com/neurofab/z1onyx/internal/link"
	"github.com/neurofab/z1onyx/internal/ota"
	"github.com/neurofab/z1onyx/internal/proto"
	"github.com/neurofab/z1onyx/internal/psram"
	"github.com/neurofab/z1onyx/internal/topology"
)

// NodeStatus is what READ_STATUS reports (spec §4.3's 11-word response).
// The SNN fields are always zero/false on a bootloader's CommandServer;
// internal/cluster.Node supplies the real values for the application
// variant.
type NodeStatus struct {
	UptimeNanos int64
	FreeMemory  uint32
	LED         LEDState
	SNNRunning  bool
	NeuronCount uint16
}

// StatusProvider supplies the variable parts of a READ_STATUS response.
type StatusProvider interface {
	NodeStatus() NodeStatus
}

// staticStatus is the bootloader's trivial StatusProvider: no SNN, no
// memory accounting finer than "whatever's left in PSRAM".
type staticStatus struct {
	start      time.Time
	led        *LED
	freeMemory uint32
}

func (s *staticStatus) NodeStatus() NodeStatus {
	return NodeStatus{
		UptimeNanos: time.Since(s.start).Nanoseconds(),
		FreeMemory:  s.freeMemory,
		LED:         s.led.State(),
	}
}

// CommandServer dispatches CTRL frames addressed to this node: node
// management, memory access against PSRAM, and the full OTA opcode set
// (spec §4.4's "safe mode... accepts READ_STATUS, PING, and the full OTA
// opcode set"). PING is answered by internal/link itself; the ping frame
// that TryReceiveFrame still returns falls through to OnUnhandled, which
// ignores it. internal/cluster.Node embeds a CommandServer and additionally
// handles the SNN configuration/control and spike streams this server
// leaves to OnUnhandled.
type CommandServer struct {
	nodeID         uint8
	br             *broker.Broker
	mem            *psram.PSRAM
	otaWorker      *ota.Worker
	scratch        topology.Scratch
	led            *LED
	watchdogReset  func()
	statusProvider StatusProvider

	// OnUnhandled is called for any CTRL frame on a stream this server
	// doesn't own (SNN config/control, spike). internal/cluster.Node sets
	// this to its own dispatch so the two layers compose without
	// CommandServer needing to know about the SNN engine.
	OnUnhandled func(f *frame.Frame)
}

// NewCommandServer builds a CommandServer for the bootloader variant,
// using a trivial always-false StatusProvider. The application variant
// (internal/cluster.Node) overrides statusProvider with one that reports
// real SNN state.
func NewCommandServer(nodeID uint8, br *broker.Broker, mem *psram.PSRAM, otaWorker *ota.Worker, scratch topology.Scratch, led *LED, watchdogReset func(), bootedAt time.Time) *CommandServer {
	return &CommandServer{
		nodeID:        nodeID,
		br:            br,
		mem:           mem,
		otaWorker:     otaWorker,
		scratch:       scratch,
		led:           led,
		watchdogReset: watchdogReset,
		statusProvider: &staticStatus{
			start:      bootedAt,
			led:        led,
			freeMemory: uint32(len(mem.OTAStaging())),
		},
	}
}

// SetStatusProvider overrides how READ_STATUS's variable fields are
// computed, used by internal/cluster.Node to report real SNN state.
func (s *CommandServer) SetStatusProvider(p StatusProvider) { s.statusProvider = p }

// Handle dispatches one received command frame (CTRL, UNICAST or
// BROADCAST; ACK frames are ignored). It never panics and never returns an
// error to the caller: an unrecognised opcode or malformed payload is
// silently dropped, matching spec §8's "service loop is infallible by
// design".
func (s *CommandServer) Handle(f *frame.Frame) {
	if f.Type != frame.Ctrl && f.Type != frame.Unicast && f.Type != frame.Broadcast {
		return
	}
	switch proto.Stream(f.Stream) {
	case proto.StreamNodeMgmt:
		s.handleNodeMgmt(f)
	case proto.StreamMemory:
		s.handleMemory(f)
	case proto.StreamOTA:
		s.handleOTA(f)
	default:
		if s.OnUnhandled != nil {
			s.OnUnhandled(f)
		}
	}
}

func (s *CommandServer) reply(f *frame.Frame, payload []uint16) {
	resp := &frame.Frame{
		Type:    frame.Ctrl,
		Dest:    f.Src,
		Stream:  f.Stream,
		Payload: payload,
	}
	_ = s.br.EnqueueCommand(resp)
}

func (s *CommandServer) handleNodeMgmt(f *frame.Frame) {
	if len(f.Payload) == 0 {
		return
	}
	switch f.Payload[0] {
	case proto.OpcodeReadStatus:
		st := s.statusProvider.NodeStatus()
		uptime := uint32(st.UptimeNanos / int64(time.Millisecond))
		payload := []uint16{
			proto.OpcodeReadStatusResp,
			uint16(s.nodeID),
			uint16(uptime),       // uptime low half
			uint16(uptime >> 16), // uptime high half
			uint16(st.FreeMemory),
			uint16(st.FreeMemory >> 16),
			st.LED.Encode(),
			boolWord(st.SNNRunning),
			st.NeuronCount,
			0, 0, // reserved, rounding the response out to 11 words
		}
		s.reply(f, payload)

	case proto.OpcodeSetLED:
		if len(f.Payload) < 2 {
			return
		}
		_ = s.led.Set(DecodeLEDState(f.Payload[1]))
		s.reply(f, []uint16{proto.OpcodeSetLEDAck})

	case proto.OpcodeDiscover:
		s.reply(f, []uint16{proto.OpcodeDiscoverAck, uint16(s.nodeID)})

	case proto.OpcodeResetToBootloader:
		if s.scratch != nil {
			topology.PersistNodeID(s.scratch, s.nodeID)
		}
		s.reply(f, []uint16{proto.OpcodeResetToBootloaderAck})
		if s.watchdogReset != nil {
			s.watchdogReset()
		}
	}
}

func (s *CommandServer) handleMemory(f *frame.Frame) {
	if len(f.Payload) < 6 {
		return
	}
	opcode := f.Payload[0]
	lengthBytes := int(f.Payload[1])
	addr := uint32(f.Payload[2]) | uint32(f.Payload[3])<<16

	switch opcode {
	case proto.OpcodeWriteMemory:
		data := f.Payload[6:]
		dst := s.mem.Uncached()
		words := (lengthBytes + 1) / 2
		if int(addr)+words*2 > len(dst) || words > len(data) {
			return
		}
		for i := 0; i*2 < lengthBytes; i++ {
			binary.LittleEndian.PutUint16(dst[int(addr)+i*2:], data[i])
		}
		s.reply(f, []uint16{proto.OpcodeWriteAck})

	case proto.OpcodeReadMemory:
		src := s.mem.Cached()
		if int(addr)+(lengthBytes+1)/2*2 > len(src) {
			return
		}
		words := make([]uint16, 0, (lengthBytes+1)/2+1)
		words = append(words, proto.OpcodeReadMemoryResp)
		for i := 0; i*2 < lengthBytes; i++ {
			words = append(words, binary.LittleEndian.Uint16(src[int(addr)+i*2:]))
		}
		s.reply(f, words)
	}
}

func (s *CommandServer) handleOTA(f *frame.Frame) {
	if len(f.Payload) == 0 || s.otaWorker == nil {
		return
	}
	switch f.Payload[0] {
	case proto.OpcodeUpdateModeEnter:
		err := s.otaWorker.HandleModeEnter()
		s.replyOTAAck(f, proto.OpcodeUpdateReady, err)

	case proto.OpcodeUpdateModeExit:
		_ = s.otaWorker.HandleModeExit()

	case proto.OpcodeUpdateStart:
		// Payload: [opcode, total_size_lo, total_size_hi, chunk_size,
		// crc32_lo, crc32_hi].
		if len(f.Payload) < 6 {
			return
		}
		totalSize := int(f.Payload[1]) | int(f.Payload[2])<<16
		chunkSize := int(f.Payload[3])
		wantCRC := uint32(f.Payload[4]) | uint32(f.Payload[5])<<16
		err := s.otaWorker.HandleStart(totalSize, chunkSize, wantCRC)
		s.replyOTAAck(f, proto.OpcodeUpdateReady, err)

	case proto.OpcodeUpdateDataChunk:
		if len(f.Payload) < 2 {
			return
		}
		index := int(f.Payload[1])
		data := wordsToBytes(f.Payload[2:])
		if err := s.otaWorker.HandleDataChunk(index, data); err == nil {
			s.reply(f, []uint16{proto.OpcodeUpdateAckChunk, uint16(index)})
		}

	case proto.OpcodeUpdatePoll:
		ready, missing, verifyOK := s.otaWorker.HandlePoll()
		if ready {
			payload := []uint16{proto.OpcodeUpdateReady}
			for _, m := range missing {
				payload = append(payload, uint16(m))
			}
			s.reply(f, payload)
			return
		}
		s.reply(f, []uint16{proto.OpcodeUpdateVerifyResp, boolWord(verifyOK)})

	case proto.OpcodeUpdateCommit:
		err := s.otaWorker.HandleCommit()
		s.replyOTAAck(f, proto.OpcodeUpdateCommitResp, err)

	case proto.OpcodeUpdateRestart:
		if s.watchdogReset != nil {
			s.watchdogReset()
		}
	}
}

// replyOTAAck always replies on okOpcode carrying a success flag, rather
// than switching to a distinct error opcode on failure, so the controller
// side's single awaitOpcode(okOpcode) catches both outcomes instead of
// needing to race two possible response opcodes.
func (s *CommandServer) replyOTAAck(f *frame.Frame, okOpcode uint16, err error) {
	s.reply(f, []uint16{okOpcode, boolWord(err == nil)})
}

func boolWord(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

func wordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.LittleEndian.PutUint16(out[i*2:], w)
	}
	return out
}
