// Package psram models the worker node's external PSRAM: a page-aligned
// backing buffer carrying the neuron table and the OTA staging region, and
// the cached/uncached alias distinction spec §9 requires writers respect
// (writes must go through the uncached alias so a stale cache line can
// never shadow a write DMA or another core just made).
//
// There is no real cache in this software stack, so "cached" and
// "uncached" are two views over the same backing mmap rather than two
// physically distinct address ranges — but the type keeps them as
// separate accessors so calling code still has to say which one it means,
// the same discipline the hardware enforces by construction.
package psram

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize matches the teacher's pkg/stream.PageSize convention.
const PageSize = 4096

// Region layout (spec §4.4, §6): the neuron table occupies a fixed
// low region sized for the maximum neuron count this firmware supports,
// and OTA staging occupies a fixed region immediately after it. Neither
// size is pinned by a literal byte count in spec.md beyond "a neuron
// table of NeuronEntry structs" and "PSRAM staging" for the application
// OTA variant; this repo fixes both at sizes generous enough for the
// structures they hold and documents the choice in DESIGN.md.
const (
	MaxNeurons       = 4096
	NeuronEntrySize  = 256
	NeuronTableBytes = MaxNeurons * NeuronEntrySize // 1 MiB

	OTAStagingBytes = 2 * 1024 * 1024 // 2 MiB, application-side OTA staging (spec §4.3)

	NeuronTableOffset = 0
	OTAStagingOffset  = NeuronTableOffset + NeuronTableBytes

	TotalSize = OTAStagingOffset + OTAStagingBytes
)

// PSRAM is the mmap-backed buffer standing in for the worker's external RAM.
type PSRAM struct {
	data []byte
}

// New allocates a page-aligned anonymous mapping of TotalSize bytes via
// unix.Mmap, the same allocation path the teacher uses for DMA buffers
// (pkg/stream/buffer.go's AllocateBuffer).
func New() (*PSRAM, error) {
	aligned := ((TotalSize + PageSize - 1) / PageSize) * PageSize
	data, err := unix.Mmap(-1, 0, aligned, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("psram: mmap: %w", err)
	}
	return &PSRAM{data: data[:TotalSize]}, nil
}

// Close releases the backing mapping.
func (p *PSRAM) Close() error {
	if p.data == nil {
		return nil
	}
	err := unix.Munmap(p.data)
	p.data = nil
	return err
}

// Uncached returns the byte-addressable region callers must write through;
// spec §9's cache-coherency invariant.
func (p *PSRAM) Uncached() []byte {
	return p.data
}

// Cached returns the same region for read access where the caller does not
// need the uncached guarantee (e.g. a diagnostic dump).
func (p *PSRAM) Cached() []byte {
	return p.data
}

// NeuronTable returns the uncached slice backing the neuron table region.
func (p *PSRAM) NeuronTable() []byte {
	return p.data[NeuronTableOffset : NeuronTableOffset+NeuronTableBytes]
}

// OTAStaging returns the uncached slice backing the OTA staging region.
func (p *PSRAM) OTAStaging() []byte {
	return p.data[OTAStagingOffset : OTAStagingOffset+OTAStagingBytes]
}
