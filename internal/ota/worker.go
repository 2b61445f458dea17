package ota

import "hash/crc32"

// WorkerState is the worker-side OTA session state. Suspended exists only
// for the application variant (spec SUPPLEMENTED FEATURES item 4): a
// bootloader has no SNN to suspend, so its worker is constructed with
// hasSuspend false and HandleModeEnter/Exit simply refuse.
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerSuspended
	WorkerReceiving
	WorkerAwaitingCommit
	WorkerDone
)

// Worker receives a chunked update into a staging buffer — 48KB of SRAM
// for the bootloader variant, a PSRAM-backed region for the application
// variant (spec §4.3) — and verifies and commits it.
type Worker struct {
	staging    []byte
	hasSuspend bool

	state     WorkerState
	chunkSize int
	totalSize int
	wantCRC   uint32
	received  *Bitmap
}

// NewWorker creates a Worker writing into staging. hasSuspend is true for
// the application variant (it accepts UPDATE_MODE_ENTER/EXIT) and false for
// the bootloader variant. The Suspended state is bookkeeping only: nothing
// stops the SNN engine from stepping while the worker is in it.
func NewWorker(staging []byte, hasSuspend bool) *Worker {
	return &Worker{staging: staging, hasSuspend: hasSuspend, state: WorkerIdle}
}

// State returns the worker's current session state.
func (w *Worker) State() WorkerState { return w.state }

// HandleModeEnter suspends normal operation ahead of an update session
// (application variant only).
func (w *Worker) HandleModeEnter() error {
	if !w.hasSuspend {
		return NewError(StatusWrongState, "HandleModeEnter: no suspendable mode")
	}
	if w.state != WorkerIdle {
		return NewError(StatusWrongState, "HandleModeEnter")
	}
	w.state = WorkerSuspended
	return nil
}

// HandleModeExit releases the suspension if the controller abandons the
// session before UPDATE_START.
func (w *Worker) HandleModeExit() error {
	if !w.hasSuspend {
		return NewError(StatusWrongState, "HandleModeExit: no suspendable mode")
	}
	if w.state != WorkerSuspended {
		return NewError(StatusWrongState, "HandleModeExit")
	}
	w.state = WorkerIdle
	return nil
}

// HandleStart begins receiving an image of totalSize bytes split into
// chunkSize-byte chunks, expected to match wantCRC once complete.
func (w *Worker) HandleStart(totalSize, chunkSize int, wantCRC uint32) error {
	okStates := w.state == WorkerIdle || (w.hasSuspend && w.state == WorkerSuspended)
	if !okStates {
		return NewError(StatusWrongState, "HandleStart")
	}
	if totalSize > len(w.staging) {
		return NewError(StatusWrongState, "HandleStart: image exceeds staging capacity")
	}
	if chunkSize <= 0 {
		return NewError(StatusWrongState, "HandleStart: chunk size must be positive")
	}
	w.totalSize = totalSize
	w.chunkSize = chunkSize
	w.wantCRC = wantCRC
	count := (totalSize + chunkSize - 1) / chunkSize
	w.received = NewBitmap(count)
	w.state = WorkerReceiving
	return nil
}

// HandleDataChunk writes one UPDATE_DATA_CHUNK into the staging buffer.
func (w *Worker) HandleDataChunk(index int, data []byte) error {
	if w.state != WorkerReceiving {
		return NewError(StatusWrongState, "HandleDataChunk")
	}
	start := index * w.chunkSize
	if start < 0 || start+len(data) > len(w.staging) || start+len(data) > w.totalSize {
		return NewError(StatusChunkOutOfOrder, "HandleDataChunk")
	}
	copy(w.staging[start:start+len(data)], data)
	w.received.Set(index)
	return nil
}

// MissingChunks returns every chunk index not yet received, for an
// UPDATE_READY reply.
func (w *Worker) MissingChunks() []int {
	var missing []int
	if w.received == nil {
		return missing
	}
	for i := 0; i < w.received.count; i++ {
		if !w.received.IsSet(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// HandlePoll implements UPDATE_POLL's dual response (spec SUPPLEMENTED
// FEATURES item 6): while chunks are still outstanding it reports readiness
// plus what's missing; once every chunk has arrived it verifies the image's
// CRC32 and reports the verify outcome, transitioning to WorkerAwaitingCommit
// on success.
func (w *Worker) HandlePoll() (ready bool, missing []int, verifyOK bool) {
	if w.state != WorkerReceiving {
		return false, nil, false
	}
	if w.received == nil || !w.received.AllSet() {
		return true, w.MissingChunks(), false
	}
	ok := crc32.ChecksumIEEE(w.staging[:w.totalSize]) == w.wantCRC
	if ok {
		w.state = WorkerAwaitingCommit
	}
	return false, nil, ok
}

// HandleCommit finalizes the update. It only advances the session state
// machine: neither internal/boot nor internal/cluster writes the staged
// image to an application partition on commit, and no reset follows
// unless the controller sends UPDATE_RESTART.
func (w *Worker) HandleCommit() error {
	if w.state != WorkerAwaitingCommit {
		return NewError(StatusWrongState, "HandleCommit")
	}
	w.state = WorkerDone
	return nil
}

// Reset returns the worker to WorkerIdle, e.g. on UPDATE_RESTART or a
// session abandoned mid-transfer.
func (w *Worker) Reset() {
	w.state = WorkerIdle
	w.received = nil
}

// StagedImage returns the staged bytes once fully received, for the
// caller to validate against firmware.Validate and write to flash.
func (w *Worker) StagedImage() []byte {
	return w.staging[:w.totalSize]
}
