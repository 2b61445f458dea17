// Package snn implements the leaky-integrate-and-fire neuron table and
// timestep engine that runs on each worker (spec §4.4, §6): a packed
// neuron table laid directly over PSRAM, packed synapse encoding, and the
// per-tick simulation loop.
package snn

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// EntrySize is the fixed size of a neuron's packed record in the table,
// 256 bytes (spec §6).
const EntrySize = 256

// MaxSynapsesPerNeuron is how many packed synapse words fit in the
// remainder of a 256-byte entry after its scalar fields.
const MaxSynapsesPerNeuron = (EntrySize - synapsesOffset) / 4

const synapsesOffset = 20

// Flag bits in a neuron's flags byte.
const (
	FlagInput uint8 = 1 << 0
	FlagFired uint8 = 1 << 1
)

// PackedNeuron is one neuron's 256-byte record:
//
//	offset  size  field
//	0       4     potential (float32)
//	4       4     threshold (float32)
//	8       4     leak (float32, multiplicative decay applied each tick)
//	12      2     refractory_remaining
//	14      2     refractory_period
//	16      1     flags
//	17      1     reserved
//	18      2     synapse_count
//	20      236   up to 59 packed synapses, 4 bytes each
type PackedNeuron [EntrySize]byte

func (n *PackedNeuron) Potential() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(n[0:4]))
}
func (n *PackedNeuron) SetPotential(v float32) {
	binary.LittleEndian.PutUint32(n[0:4], math.Float32bits(v))
}
func (n *PackedNeuron) Threshold() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(n[4:8]))
}
func (n *PackedNeuron) SetThreshold(v float32) {
	binary.LittleEndian.PutUint32(n[4:8], math.Float32bits(v))
}
func (n *PackedNeuron) Leak() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(n[8:12]))
}
func (n *PackedNeuron) SetLeak(v float32) {
	binary.LittleEndian.PutUint32(n[8:12], math.Float32bits(v))
}
func (n *PackedNeuron) RefractoryRemaining() uint16 {
	return binary.LittleEndian.Uint16(n[12:14])
}
func (n *PackedNeuron) SetRefractoryRemaining(v uint16) {
	binary.LittleEndian.PutUint16(n[12:14], v)
}
func (n *PackedNeuron) RefractoryPeriod() uint16 {
	return binary.LittleEndian.Uint16(n[14:16])
}
func (n *PackedNeuron) SetRefractoryPeriod(v uint16) {
	binary.LittleEndian.PutUint16(n[14:16], v)
}
func (n *PackedNeuron) Flags() uint8     { return n[16] }
func (n *PackedNeuron) SetFlags(f uint8) { n[16] = f }
func (n *PackedNeuron) IsInput() bool    { return n.Flags()&FlagInput != 0 }

func (n *PackedNeuron) SynapseCount() uint16 {
	return binary.LittleEndian.Uint16(n[18:20])
}
func (n *PackedNeuron) SetSynapseCount(v uint16) {
	if int(v) > MaxSynapsesPerNeuron {
		v = uint16(MaxSynapsesPerNeuron)
	}
	binary.LittleEndian.PutUint16(n[18:20], v)
}

func (n *PackedNeuron) Synapse(i int) Synapse {
	off := synapsesOffset + i*4
	return DecodeSynapse(binary.LittleEndian.Uint32(n[off : off+4]))
}

func (n *PackedNeuron) SetSynapse(i int, s Synapse) {
	off := synapsesOffset + i*4
	binary.LittleEndian.PutUint32(n[off:off+4], s.Encode())
}

// Table aliases a PSRAM region as an array of PackedNeuron entries,
// zero-copy, the way firmware indexes a hardware memory window directly as
// an array of structs.
type Table struct {
	buf []byte
}

// NewTable wraps buf, which must be at least count*EntrySize bytes.
func NewTable(buf []byte) *Table {
	return &Table{buf: buf}
}

// Count returns how many whole neuron entries fit in the table's backing
// buffer.
func (t *Table) Count() int {
	return len(t.buf) / EntrySize
}

// At returns a pointer aliasing entry i's bytes in the backing buffer; a
// write through it is a write into PSRAM.
func (t *Table) At(i int) *PackedNeuron {
	off := i * EntrySize
	return (*PackedNeuron)(unsafe.Pointer(&t.buf[off]))
}

// Clear zeroes every entry, used before a fresh DEPLOY_TOPOLOGY.
func (t *Table) Clear() {
	for i := range t.buf {
		t.buf[i] = 0
	}
}
