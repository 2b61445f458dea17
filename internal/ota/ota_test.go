package ota

import (
	"bytes"
	"hash/crc32"
	"testing"
)

func TestControllerWorkerHappyPath(t *testing.T) {
	image := bytes.Repeat([]byte{0xAB}, 1000)
	wantCRC := crc32.ChecksumIEEE(image)

	ctrl := NewController(3, 64)
	if err := ctrl.Start(bytes.NewReader(image)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	worker := NewWorker(make([]byte, 4096), true)
	if err := worker.HandleModeEnter(); err != nil {
		t.Fatalf("HandleModeEnter: %v", err)
	}
	if err := worker.HandleStart(ctrl.TotalSize(), 64, ctrl.CRC32()); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}

	for {
		idx, data, done, err := ctrl.NextChunk()
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
		if done {
			break
		}
		if err := worker.HandleDataChunk(idx, data); err != nil {
			t.Fatalf("HandleDataChunk(%d): %v", idx, err)
		}
		ctrl.HandleAckChunk(idx)
	}

	ready, missing, verifyOK := worker.HandlePoll()
	if ready || len(missing) != 0 || !verifyOK {
		t.Fatalf("expected clean verify, got ready=%v missing=%v ok=%v", ready, missing, verifyOK)
	}
	if err := ctrl.HandleVerifyResp(true); err != nil {
		t.Fatalf("HandleVerifyResp: %v", err)
	}

	if err := worker.HandleCommit(); err != nil {
		t.Fatalf("worker HandleCommit: %v", err)
	}
	if err := ctrl.HandleCommitResp(true); err != nil {
		t.Fatalf("controller HandleCommitResp: %v", err)
	}

	if ctrl.State() != ControllerDone {
		t.Fatalf("controller state = %v, want Done", ctrl.State())
	}
	if worker.State() != WorkerDone {
		t.Fatalf("worker state = %v, want Done", worker.State())
	}
	if !bytes.Equal(worker.StagedImage(), image) {
		t.Fatal("staged image does not match source")
	}
	if crc32.ChecksumIEEE(worker.StagedImage()) != wantCRC {
		t.Fatal("staged image CRC mismatch")
	}
}

func TestWorkerPollReportsMissingChunks(t *testing.T) {
	image := bytes.Repeat([]byte{1, 2, 3, 4}, 100)
	worker := NewWorker(make([]byte, 4096), false)
	if err := worker.HandleStart(len(image), 64, crc32.ChecksumIEEE(image)); err != nil {
		t.Fatal(err)
	}
	if err := worker.HandleDataChunk(0, image[:64]); err != nil {
		t.Fatal(err)
	}
	ready, missing, _ := worker.HandlePoll()
	if !ready || len(missing) == 0 {
		t.Fatalf("expected ready=true with missing chunks, got ready=%v missing=%v", ready, missing)
	}
}

func TestControllerRetriesExhaustedFailsSession(t *testing.T) {
	ctrl := NewController(3, 64)
	if err := ctrl.Start(bytes.NewReader(bytes.Repeat([]byte{1}, 64))); err != nil {
		t.Fatal(err)
	}
	for i := 0; i <= defaultMaxRetriesPerChunk; i++ {
		ctrl.HandleChunkTimeout(0)
	}
	_, _, _, err := ctrl.NextChunk()
	if err == nil {
		t.Fatal("expected retries-exhausted error")
	}
	if ctrl.State() != ControllerFailed {
		t.Fatalf("state = %v, want Failed", ctrl.State())
	}
}

func TestBootloaderWorkerCannotSuspend(t *testing.T) {
	w := NewWorker(make([]byte, 1024), false)
	if err := w.HandleModeEnter(); err == nil {
		t.Fatal("bootloader variant should not support UPDATE_MODE_ENTER")
	}
}

func TestBitmapTracksAcknowledgement(t *testing.T) {
	b := NewBitmap(4)
	if b.AllSet() {
		t.Fatal("fresh bitmap should not be all set")
	}
	b.Set(0)
	b.Set(1)
	b.Set(2)
	if b.AllSet() {
		t.Fatal("bitmap should not be all set yet")
	}
	if b.FirstUnset() != 3 {
		t.Fatalf("FirstUnset = %d, want 3", b.FirstUnset())
	}
	b.Set(3)
	if !b.AllSet() {
		t.Fatal("expected all set")
	}
}
