package broker

import (
	"testing"
	"time"

	"github.com/neurofab/z1onyx/internal/frame"
	"github.com/neurofab/z1onyx/internal/link"
	"github.com/neurofab/z1onyx/internal/simbus"
)

func newLinkPair(t *testing.T) (*link.Link, *link.Link) {
	t.Helper()
	bp := simbus.NewBackplane()
	a := link.NewNode(1, bp.Attach(1, 128))
	b := link.NewNode(2, bp.Attach(2, 128))
	return a, b
}

func TestEnqueueRejectsOverCapacity(t *testing.T) {
	b := New(1, CommandQueueDepthApp)
	for i := 0; i < SpikeQueueDepth; i++ {
		if err := b.EnqueueSpike(&frame.Frame{Type: frame.Broadcast, Dest: frame.BroadcastNode}); err != nil {
			t.Fatalf("unexpected error filling spike queue: %v", err)
		}
	}
	if err := b.EnqueueSpike(&frame.Frame{}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestCommandsDrainBeforeSpikes(t *testing.T) {
	a, b := newLinkPair(t)
	br := New(1, CommandQueueDepthApp)

	if err := br.EnqueueSpike(&frame.Frame{Type: frame.Unicast, Dest: 2, NoAck: true, Payload: []uint16{0xAAAA}}); err != nil {
		t.Fatal(err)
	}
	if err := br.EnqueueCommand(&frame.Frame{Type: frame.Ctrl, Dest: 2, NoAck: true, Payload: []uint16{0xBBBB}}); err != nil {
		t.Fatal(err)
	}

	sent, err := br.Tick(a)
	if err != nil || !sent {
		t.Fatalf("Tick: sent=%v err=%v", sent, err)
	}

	deadline := time.Now().Add(time.Second)
	var got *frame.Frame
	for time.Now().Before(deadline) {
		f, err := b.TryReceiveFrame()
		if err != nil {
			t.Fatal(err)
		}
		if f != nil {
			got = f
			break
		}
		time.Sleep(100 * time.Microsecond)
	}
	if got == nil {
		t.Fatal("expected a frame to arrive")
	}
	if got.Payload[0] != 0xBBBB {
		t.Fatalf("expected the command to be sent first, got payload %v", got.Payload)
	}

	spikes, commands := br.QueueDepths()
	if commands != 0 || spikes != 1 {
		t.Fatalf("expected command queue drained and spike still pending, got spikes=%d commands=%d", spikes, commands)
	}
}

func TestStaleSpikeIsDropped(t *testing.T) {
	br := New(1, CommandQueueDepthApp)
	if err := br.EnqueueSpike(&frame.Frame{Type: frame.Broadcast, Dest: frame.BroadcastNode}); err != nil {
		t.Fatal(err)
	}
	br.mu.Lock()
	br.spikes.Front().Value.(*request).enqueuedAt = time.Now().Add(-6 * time.Second)
	br.mu.Unlock()

	br.mu.Lock()
	br.dropStaleSpikes()
	n := br.spikes.Len()
	br.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected stale spike to be dropped, queue len = %d", n)
	}
	if br.Stats().StaleDropped != 1 {
		t.Fatalf("expected StaleDropped=1, got %d", br.Stats().StaleDropped)
	}
}

func TestBackoffOrdering(t *testing.T) {
	br := New(0, CommandQueueDepthApp)
	spikeBackoff := br.backoffFor(PrioritySpike, 0)
	cmdBackoff := br.backoffFor(PriorityCommand, 0)
	if spikeBackoff != spikeCSMABackoff {
		t.Fatalf("spike backoff = %v, want %v", spikeBackoff, spikeCSMABackoff)
	}
	if cmdBackoff != commandBaseBackoff {
		t.Fatalf("command backoff (0 retries) = %v, want %v", cmdBackoff, commandBaseBackoff)
	}
	capped := br.backoffFor(PriorityCommand, 100)
	if capped != commandMaxBackoff {
		t.Fatalf("command backoff should cap at %v, got %v", commandMaxBackoff, capped)
	}
}

func TestPrioritySlotScalesWithNodeID(t *testing.T) {
	low := New(1, CommandQueueDepthApp)
	high := New(10, CommandQueueDepthApp)
	if low.backoffFor(PrioritySpike, 0) >= high.backoffFor(PrioritySpike, 0) {
		t.Fatal("higher node id should see a larger priority-slot backoff")
	}
}
