// Package ota implements both ends of the firmware update protocol (spec
// §4.3): the controller-side session that pushes an image to a worker in
// chunks, and the worker-side session that receives, verifies, and commits
// it. The two state machines are deliberately separate types even though
// they mirror each other, because their staging targets and failure modes
// differ (SRAM vs PSRAM staging, an application's ability to suspend SNN
// stepping first).
package ota

import (
	"hash/crc32"
	"io"
)

// ControllerState is the controller-side OTA session state (spec §4.3).
type ControllerState int

const (
	ControllerIdle ControllerState = iota
	ControllerSendingChunks
	ControllerAwaitingVerify
	ControllerAwaitingCommit
	ControllerDone
	ControllerFailed
)

// DefaultChunkSize is used for an HTTP-sourced update; the SD-card
// streaming variant (spec §4.3, SUPPLEMENTED FEATURES) always uses
// SDChunkSize regardless of what the caller requests.
const DefaultChunkSize = 256

// SDChunkSize and SDMaxRetriesPerChunk are fixed for the SD-card streaming
// variant (original_source/controller_main.c).
const (
	SDChunkSize          = 512
	SDMaxRetriesPerChunk = 3
)

const defaultMaxRetriesPerChunk = 5

// Controller drives one worker through an update.
type Controller struct {
	dest               uint8
	chunkSize          int
	maxRetriesPerChunk int

	state ControllerState

	image []byte
	crc   uint32
	acked *Bitmap
	retry []int

	cursor int // next never-yet-sent chunk index, for the common case
}

// NewController creates a Controller for a chunked update to dest over
// HTTP, using chunkSize and the default retry budget.
func NewController(dest uint8, chunkSize int) *Controller {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Controller{dest: dest, chunkSize: chunkSize, maxRetriesPerChunk: defaultMaxRetriesPerChunk, state: ControllerIdle}
}

// NewSDController creates a Controller for the SD-card streaming variant:
// fixed 512-byte chunks, three retries per chunk.
func NewSDController(dest uint8) *Controller {
	return &Controller{dest: dest, chunkSize: SDChunkSize, maxRetriesPerChunk: SDMaxRetriesPerChunk, state: ControllerIdle}
}

// Start reads the entire firmware image (HTTP body or SD file) into
// memory, computes its CRC32, and moves to ControllerSendingChunks. The
// image needs to be held in full because any chunk may need to be resent
// out of order.
func (c *Controller) Start(source io.Reader) error {
	if c.state != ControllerIdle {
		return NewError(StatusWrongState, "Start")
	}
	data, err := io.ReadAll(source)
	if err != nil {
		return NewErrorWithCause(StatusWrongState, "Start: read firmware", err)
	}
	c.image = data
	c.crc = crc32.ChecksumIEEE(data)
	c.acked = NewBitmap(c.ChunkCount())
	c.retry = make([]int, c.ChunkCount())
	c.cursor = 0
	c.state = ControllerSendingChunks
	return nil
}

// ChunkCount returns how many chunks the image splits into.
func (c *Controller) ChunkCount() int {
	if len(c.image) == 0 {
		return 0
	}
	return (len(c.image) + c.chunkSize - 1) / c.chunkSize
}

// TotalSize returns the image's total byte length.
func (c *Controller) TotalSize() int { return len(c.image) }

// ChunkSize returns the configured chunk size in bytes.
func (c *Controller) ChunkSize() int { return c.chunkSize }

// CRC32 returns the image's CRC32.
func (c *Controller) CRC32() uint32 { return c.crc }

// State returns the controller's current session state.
func (c *Controller) State() ControllerState { return c.state }

// ChunkBytes returns chunk i's payload.
func (c *Controller) ChunkBytes(i int) []byte {
	start := i * c.chunkSize
	end := start + c.chunkSize
	if end > len(c.image) {
		end = len(c.image)
	}
	return c.image[start:end]
}

// NextChunk returns the next chunk to (re)send: the lowest-indexed
// unacknowledged chunk, so a chunk that timed out is resent before any
// later chunk is sent. done is true
// once every chunk has been acknowledged, at which point the controller
// has already moved to ControllerAwaitingVerify.
func (c *Controller) NextChunk() (index int, data []byte, done bool, err error) {
	if c.state != ControllerSendingChunks {
		return 0, nil, false, NewError(StatusWrongState, "NextChunk")
	}
	idx := c.acked.FirstUnset()
	if idx == -1 {
		c.state = ControllerAwaitingVerify
		return 0, nil, true, nil
	}
	if c.retry[idx] > c.maxRetriesPerChunk {
		c.state = ControllerFailed
		return 0, nil, false, NewError(StatusRetriesExhausted, "NextChunk")
	}
	return idx, c.ChunkBytes(idx), false, nil
}

// HandleAckChunk records an UPDATE_ACK_CHUNK for index.
func (c *Controller) HandleAckChunk(index int) {
	if c.acked != nil {
		c.acked.Set(index)
	}
}

// HandleChunkTimeout records a retry for index after no ack arrived.
func (c *Controller) HandleChunkTimeout(index int) {
	if index >= 0 && index < len(c.retry) {
		c.retry[index]++
	}
}

// HandleVerifyResp processes the worker's UPDATE_VERIFY_RESP.
func (c *Controller) HandleVerifyResp(ok bool) error {
	if c.state != ControllerAwaitingVerify {
		return NewError(StatusWrongState, "HandleVerifyResp")
	}
	if !ok {
		c.state = ControllerFailed
		return NewError(StatusCRCMismatch, "HandleVerifyResp")
	}
	c.state = ControllerAwaitingCommit
	return nil
}

// HandleCommitResp processes the worker's UPDATE_COMMIT_RESP.
func (c *Controller) HandleCommitResp(ok bool) error {
	if c.state != ControllerAwaitingCommit {
		return NewError(StatusWrongState, "HandleCommitResp")
	}
	if !ok {
		c.state = ControllerFailed
		return NewError(StatusWrongState, "HandleCommitResp")
	}
	c.state = ControllerDone
	return nil
}

// Abandon marks the session abandoned, e.g. the operator cancelled it or
// the HTTP client disconnected mid-transfer.
func (c *Controller) Abandon() {
	c.state = ControllerFailed
}
