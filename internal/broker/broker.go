// Package broker implements the Matrix bus arbitration policy that sits on
// top of internal/link (spec §4.1/§4.2): two priority queues, strict
// command-over-spike ordering, CSMA backoff, per-node priority-slot
// spacing, burst fairness, and staleness dropping. Where internal/link
// makes one best-effort transmit attempt and reports bus-busy immediately,
// Broker is what retries, waits, and decides what goes next.
package broker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/neurofab/z1onyx/internal/frame"
	"github.com/neurofab/z1onyx/internal/link"
)

// Priority orders the two queues; Command always wins over Spike.
type Priority int

const (
	PrioritySpike Priority = iota
	PriorityCommand
)

// Queue depths (spec §4.2). A bootloader node never runs the SNN, so it
// never needs a spike queue at all, and its command queue is half the
// depth of the application's.
const (
	SpikeQueueDepth            = 64
	CommandQueueDepthApp       = 16
	CommandQueueDepthBootloader = 8
)

// Backoff timing constants (spec §4.2).
const (
	spikeCSMABackoff    = 50 * time.Microsecond
	commandBaseBackoff  = 50 * time.Microsecond
	commandStepBackoff  = 50 * time.Microsecond
	commandMaxBackoff   = 1000 * time.Microsecond
	prioritySlotStep    = 30 * time.Microsecond
	burstFairnessLimit  = 10
	burstFairnessBackoff = 500 * time.Microsecond
	spikeStaleAfter     = 5 * time.Second
	maxCommandRetries   = 5
)

// ErrQueueFull is returned by Enqueue when the target queue is at capacity.
var ErrQueueFull = errors.New("broker: queue full")

// ErrCommandRetriesExhausted is returned (via Tick's error, and counted in
// Stats.Dropped) when a command could not be sent after maxCommandRetries
// retries (maxCommandRetries+1 attempts) at an always-busy bus.
var ErrCommandRetriesExhausted = errors.New("broker: command retries exhausted")

// request is one queued transmission attempt.
type request struct {
	frame      *frame.Frame
	enqueuedAt time.Time
	retries    int
}

// Stats accumulates broker-level counters, separate from the link layer's
// own frame counters.
type Stats struct {
	Sent            uint64
	Dropped         uint64
	StaleDropped    uint64
	Collisions      uint64
	Retries         uint64
	IdleTicks       uint64
	BusyTicks       uint64
	LatencySumNanos uint64
	LatencyCount    uint64
}

// Broker arbitrates access to a single Link on behalf of one node.
type Broker struct {
	mu sync.Mutex

	nodeID            uint8
	commandQueueDepth int

	spikes   *list.List
	commands *list.List

	consecutiveSpikes int
	stats             Stats
}

// New creates a Broker for nodeID. commandQueueDepth should be
// CommandQueueDepthBootloader or CommandQueueDepthApp depending on which
// firmware variant is running.
func New(nodeID uint8, commandQueueDepth int) *Broker {
	return &Broker{
		nodeID:            nodeID,
		commandQueueDepth: commandQueueDepth,
		spikes:            list.New(),
		commands:          list.New(),
	}
}

// EnqueueSpike queues a spike frame. Spikes are application-only; a
// bootloader broker still accepts the call (it simply never gets drained
// by anything that generates spikes) rather than special-casing itself.
func (b *Broker) EnqueueSpike(f *frame.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spikes.Len() >= SpikeQueueDepth {
		b.stats.Dropped++
		return ErrQueueFull
	}
	b.spikes.PushBack(&request{frame: f, enqueuedAt: time.Now()})
	return nil
}

// EnqueueCommand queues a command/control frame.
func (b *Broker) EnqueueCommand(f *frame.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.commands.Len() >= b.commandQueueDepth {
		b.stats.Dropped++
		return ErrQueueFull
	}
	b.commands.PushBack(&request{frame: f, enqueuedAt: time.Now()})
	return nil
}

// Stats returns a snapshot of the broker's counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// QueueDepths returns the current length of the spike and command queues.
func (b *Broker) QueueDepths() (spikes, commands int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spikes.Len(), b.commands.Len()
}

func (b *Broker) dropStaleSpikes() {
	now := time.Now()
	for e := b.spikes.Front(); e != nil; {
		next := e.Next()
		req := e.Value.(*request)
		if now.Sub(req.enqueuedAt) > spikeStaleAfter {
			b.spikes.Remove(e)
			b.stats.StaleDropped++
		}
		e = next
	}
}

// Tick performs one unit of arbitration work against l: it picks the
// highest-priority pending request (commands strictly before spikes),
// waits out the appropriate CSMA and priority-slot backoff, and attempts
// one send. It returns (false, nil) when both queues are empty (nothing to
// do), and (true, nil) once a frame has been successfully handed to the
// link layer. A request that keeps losing carrier sense is requeued at the
// front with its retry count incremented, except a command that has
// exhausted maxCommandRetries, which is dropped and reported as an error.
func (b *Broker) Tick(l *link.Link) (bool, error) {
	b.mu.Lock()
	b.dropStaleSpikes()

	var priority Priority
	var queue *list.List
	switch {
	case b.commands.Len() > 0:
		priority, queue = PriorityCommand, b.commands
	case b.spikes.Len() > 0:
		priority, queue = PrioritySpike, b.spikes
	default:
		b.stats.IdleTicks++
		b.mu.Unlock()
		return false, nil
	}
	front := queue.Front()
	req := front.Value.(*request)
	b.mu.Unlock()

	backoff := b.backoffFor(priority, req.retries)
	time.Sleep(backoff)

	if l.CarrierSense() {
		return b.handleCollision(queue, front, priority)
	}

	err := l.SendFrame(req.frame)
	if err != nil {
		if errors.Is(err, link.ErrBusBusy) {
			return b.handleCollision(queue, front, priority)
		}
		return false, err
	}

	b.mu.Lock()
	queue.Remove(front)
	b.stats.Sent++
	b.stats.BusyTicks++
	latency := time.Since(req.enqueuedAt)
	b.stats.LatencySumNanos += uint64(latency.Nanoseconds())
	b.stats.LatencyCount++
	if priority == PrioritySpike {
		b.consecutiveSpikes++
	} else {
		b.consecutiveSpikes = 0
	}
	b.mu.Unlock()
	return true, nil
}

func (b *Broker) handleCollision(queue *list.List, front *list.Element, priority Priority) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Collisions++
	req := front.Value.(*request)
	if priority == PriorityCommand && req.retries >= maxCommandRetries {
		queue.Remove(front)
		b.stats.Dropped++
		return false, ErrCommandRetriesExhausted
	}
	req.retries++
	b.stats.Retries++
	return false, nil
}

// backoffFor computes the delay before this Tick's send attempt: CSMA
// backoff for the item's priority, plus a per-node priority-slot offset so
// nodes contending for the bus at the same instant don't collide in
// lockstep, plus a burst-fairness penalty once this broker has sent ten
// spikes in a row uninterrupted by a command.
func (b *Broker) backoffFor(priority Priority, retries int) time.Duration {
	var base time.Duration
	switch priority {
	case PriorityCommand:
		base = commandBaseBackoff + time.Duration(retries)*commandStepBackoff
		if base > commandMaxBackoff {
			base = commandMaxBackoff
		}
	default:
		base = spikeCSMABackoff
	}

	slot := time.Duration(b.nodeID) * prioritySlotStep

	b.mu.Lock()
	burst := b.consecutiveSpikes >= burstFairnessLimit && priority == PrioritySpike
	b.mu.Unlock()
	if burst {
		base += burstFairnessBackoff
	}

	return base + slot
}
