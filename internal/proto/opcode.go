// Package proto is the command and OTA protocol schema (spec §4.3, §6):
// opcode values and CTRL-frame payload layouts for node management, memory
// operations, SNN configuration/control, and firmware updates. Opcode
// values are fixed 16-bit constants partitioned by stream, mirroring the
// way the teacher's pkg/control/protocol.go fixes CONTROL_PROTOCOL__OPCODE
// values and packs/parses their payloads.
package proto

// Stream is the bus frame's 3-bit logical channel, used to separate traffic
// classes so that opcode values only need to be unique within their own
// stream (spec GLOSSARY "Stream").
type Stream uint8

const (
	StreamLinkControl Stream = iota // ACK / PING / PING_REPLY / TOPOLOGY, owned by internal/link
	StreamNodeMgmt
	StreamMemory
	StreamSNNConfig
	StreamSNNControl
	StreamOTA
	StreamSpike
)

// Node management opcodes (spec §6: node management 0x01-0x05 / 0x81-0x85).
// PING/PONG are deliberately absent here: spec §4.1 and §4.3 describe the
// same mechanism once, and this repo implements it once, inside
// internal/link, on StreamLinkControl (opcodes 0x0002/0x0003 below) — the
// node-management HTTP "ping a node" endpoint calls straight into the
// link layer rather than round-tripping through a second opcode. This is
// documented as an open-question resolution in DESIGN.md.
const (
	OpcodeResetToBootloader uint16 = 0x01
	// 0x02 reserved (mirrors StreamLinkControl's PING, not duplicated here)
	OpcodeReadStatus uint16 = 0x03
	OpcodeSetLED     uint16 = 0x04
	OpcodeDiscover   uint16 = 0x05

	OpcodeResetToBootloaderAck uint16 = OpcodeResetToBootloader + 0x80
	OpcodeReadStatusResp       uint16 = OpcodeReadStatus + 0x80 // 0x83, literal per spec §8 scenario 2
	OpcodeSetLEDAck            uint16 = OpcodeSetLED + 0x80
	OpcodeDiscoverAck          uint16 = OpcodeDiscover + 0x80
)

// Link-control opcodes (spec §4.1), normative per original_source/z1_bus.h.
// Handled entirely inside internal/link; never reach the command dispatcher.
const (
	OpcodeAck        uint16 = 0x0001
	OpcodePing       uint16 = 0x0002
	OpcodePingReply  uint16 = 0x0003
	OpcodeTopology   uint16 = 0x0004
)

// Memory opcodes (spec §6: 0x10-0x12 / 0x90-0x91). 0x12/0x92 are reserved
// for a future memory operation; nothing in spec.md names a third one.
const (
	OpcodeWriteMemory uint16 = 0x10
	OpcodeReadMemory  uint16 = 0x11

	OpcodeWriteAck       uint16 = 0x90
	OpcodeReadMemoryResp uint16 = 0x91
)

// SNN configuration opcodes (spec §6: 0x20-0x24 / 0xA0-0xA2). Only
// DEPLOY_TOPOLOGY is named by spec.md; 0x21-0x24/0xA1-0xA2 are reserved for
// configuration operations this spec does not define (e.g. per-neuron
// patch, topology clear) and are not implemented.
const (
	OpcodeDeployTopology uint16 = 0x20
	OpcodeDeployAck      uint16 = 0xA0
)

// SNN control opcodes (spec §6: 0x30-0x34 / 0xB0-0xB1). START/STOP/PAUSE/
// RESUME share one generic acknowledgement opcode (they carry no response
// payload beyond "done"); GET_SNN_STATUS gets its own status-payload
// response, matching the range's width of two response slots for five
// request slots.
const (
	OpcodeStartSNN     uint16 = 0x30
	OpcodeStopSNN      uint16 = 0x31
	OpcodePauseSNN     uint16 = 0x32
	OpcodeResumeSNN    uint16 = 0x33
	OpcodeGetSNNStatus uint16 = 0x34

	OpcodeSNNControlAck uint16 = 0xB0
	OpcodeSNNStatus     uint16 = 0xB1
)

// OTA opcodes (spec §4.3). spec.md names these opcodes but does not fix
// their numeric values; this repo assigns them once, consistently, on
// StreamOTA.
const (
	OpcodeUpdateModeEnter  uint16 = 0x40
	OpcodeUpdateModeExit   uint16 = 0x41
	OpcodeUpdateStart      uint16 = 0x42
	OpcodeUpdateDataChunk  uint16 = 0x43
	OpcodeUpdatePoll       uint16 = 0x44
	OpcodeUpdateCommit     uint16 = 0x45
	OpcodeUpdateRestart    uint16 = 0x46
	OpcodeBootNow          uint16 = 0x47 // bootloader debug-countdown short-circuit

	OpcodeUpdateReady      uint16 = 0xC0
	OpcodeUpdateAckChunk   uint16 = 0xC1
	OpcodeUpdateVerifyResp uint16 = 0xC2
	OpcodeUpdateCommitResp uint16 = 0xC3
	OpcodeUpdateError      uint16 = 0xCF
)

// AckOf returns the conventional acknowledgement opcode for a request
// opcode: request | 0x80, the pattern node_main.c applies repeatedly
// (OPCODE_X | ack-bit) and spec §6 fixes literally for node management
// (0x03 -> 0x83). Opcodes with a dedicated, differently-shaped response
// (GET_SNN_STATUS, READ_MEMORY, the OTA state machine) don't use this
// helper — they have named response constants above instead.
func AckOf(opcode uint16) uint16 {
	return opcode + 0x80
}
