package snn

import (
	"sync"
)

// MaxSpikesDrainedPerTick bounds how many queued firing events a single
// Step call consumes, so a flooded input queue can't make one timestep run
// unboundedly long (spec §4.4).
const MaxSpikesDrainedPerTick = 100

// MaxBroadcastsPerTimestep caps how many of this tick's local firings are
// turned into outgoing spike frames, so a synchronized mass-firing event
// can't saturate the bus in one timestep (spec §4.4).
const MaxBroadcastsPerTimestep = 5

// OutgoingSpike is a neuron firing that needs to go out over the bus as a
// broadcast frame.
type OutgoingSpike struct {
	SourceGlobalID uint32
}

// Stats accumulates timestep-engine counters.
type Stats struct {
	Ticks            uint64
	SpikesFired      uint64
	SpikesDropped    uint64 // incoming queue full; spikes beyond the per-tick drain cap stay queued
	BroadcastsDropped uint64 // more firings than MaxBroadcastsPerTimestep this tick
}

// Engine runs the per-tick LIF simulation over a neuron Table.
type Engine struct {
	mu      sync.Mutex
	table   *Table
	nodeID  uint8
	running bool

	// deployedCount is how many of the table's capacity entries the last
	// DeployTopology actually populated; Step only walks this many, since
	// the remainder of the table is the zeroed-out aftermath of Clear and
	// has a threshold of 0 that would otherwise fire every single tick.
	deployedCount int

	incoming chan uint32 // global ids of neurons that fired, local or remote
	stats    Stats
}

// NewEngine creates an Engine over table for node nodeID. queueDepth bounds
// the incoming-spike queue; spec's "drain up to 100 queued spikes per tick"
// implies a queue deeper than the per-tick drain cap so bursts can
// accumulate across a few ticks rather than being dropped immediately.
func NewEngine(table *Table, nodeID uint8, queueDepth int) *Engine {
	return &Engine{table: table, nodeID: nodeID, incoming: make(chan uint32, queueDepth)}
}

// DeployTopology clears the table and writes neurons, returning the number
// of neurons written. It is the handler for DEPLOY_TOPOLOGY (spec §4.3).
func (e *Engine) DeployTopology(neurons []NeuronSpec) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(neurons) > e.table.Count() {
		return 0, ErrTooManyNeurons
	}
	e.table.Clear()
	for i, spec := range neurons {
		n := e.table.At(i)
		n.SetPotential(0)
		n.SetThreshold(spec.Threshold)
		n.SetLeak(spec.Leak)
		n.SetRefractoryPeriod(spec.RefractoryPeriod)
		flags := uint8(0)
		if spec.IsInput {
			flags |= FlagInput
		}
		n.SetFlags(flags)
		n.SetSynapseCount(uint16(len(spec.Synapses)))
		for si, syn := range spec.Synapses {
			if si >= MaxSynapsesPerNeuron {
				break
			}
			n.SetSynapse(si, syn)
		}
	}
	e.deployedCount = len(neurons)
	return len(neurons), nil
}

// NeuronCount returns how many neurons the last DeployTopology populated,
// the value READ_STATUS and GET_SNN_STATUS report — not the table's raw
// capacity.
func (e *Engine) NeuronCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deployedCount
}

// NeuronSpec is the deploy-time description of one neuron, decoded from a
// DEPLOY_TOPOLOGY payload.
type NeuronSpec struct {
	Threshold        float32
	Leak             float32
	RefractoryPeriod uint16
	IsInput          bool
	Synapses         []Synapse
}

// SetRunning starts or pauses the timestep loop (START_SNN/STOP_SNN/
// PAUSE_SNN/RESUME_SNN).
func (e *Engine) SetRunning(running bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = running
}

// Running reports whether Step currently advances the simulation.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// InjectSpike enqueues a firing event (from another neuron, local or
// remote) for the next Step to consider. It never blocks: a full queue
// drops the event and counts it, modelling the same loss a hardware spike
// FIFO would suffer under sustained overload.
func (e *Engine) InjectSpike(sourceGlobalID uint32) {
	select {
	case e.incoming <- sourceGlobalID:
	default:
		e.mu.Lock()
		e.stats.SpikesDropped++
		e.mu.Unlock()
	}
}

// StimulateInput directly sets an input neuron's membrane potential,
// bypassing synapse matching entirely (spec §4.4's "input-neuron direct
// stimulation path") — input neurons have no pre-synaptic sources, they
// are driven by whatever external stimulus the deployment wires them to.
func (e *Engine) StimulateInput(localIndex uint32, delta float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(localIndex) >= e.deployedCount {
		return
	}
	n := e.table.At(int(localIndex))
	if !n.IsInput() {
		return
	}
	n.SetPotential(n.Potential() + delta)
}

// Step advances the simulation by one timestep: it drains up to
// MaxSpikesDrainedPerTick queued firing events, then for every neuron not
// in its refractory period, scans synapses looking for a match against
// this tick's fired sources, accumulating weighted input and breaking out
// of the scan as soon as the neuron's potential crosses threshold (no
// value in examining the remaining synapses once the outcome is decided).
// Firing neurons reset to zero potential, enter their refractory period,
// and — up to MaxBroadcastsPerTimestep — are returned for the caller to
// broadcast onto the bus.
func (e *Engine) Step() []OutgoingSpike {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return nil
	}

	fired := e.drainFired()

	var outgoing []OutgoingSpike
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.deployedCount
	for i := 0; i < n; i++ {
		neuron := e.table.At(i)
		if neuron.RefractoryRemaining() > 0 {
			neuron.SetRefractoryRemaining(neuron.RefractoryRemaining() - 1)
			continue
		}
		if neuron.IsInput() {
			// Input neurons are driven by StimulateInput, not synapses;
			// they still leak and can still fire below.
			if e.checkFire(neuron, i, &outgoing) {
				continue
			}
			continue
		}

		potential := neuron.Potential()
		didFire := false
		count := int(neuron.SynapseCount())
		for si := 0; si < count; si++ {
			syn := neuron.Synapse(si)
			if _, ok := fired[syn.SourceGlobalID]; !ok {
				continue
			}
			potential += DecodeWeight(syn.Weight)
			if potential >= neuron.Threshold() {
				didFire = true
				break
			}
		}
		neuron.SetPotential(potential)
		if didFire {
			e.fireNeuron(neuron, i, &outgoing)
		} else {
			e.leak(neuron)
		}
	}

	e.stats.Ticks++
	return outgoing
}

func (e *Engine) checkFire(neuron *PackedNeuron, localIndex int, outgoing *[]OutgoingSpike) bool {
	if neuron.Potential() < neuron.Threshold() {
		e.leak(neuron)
		return false
	}
	e.fireNeuron(neuron, localIndex, outgoing)
	return true
}

func (e *Engine) fireNeuron(neuron *PackedNeuron, localIndex int, outgoing *[]OutgoingSpike) {
	neuron.SetPotential(0)
	neuron.SetRefractoryRemaining(neuron.RefractoryPeriod())
	e.stats.SpikesFired++
	// Queue the firing for this node's own synapse matching on the next
	// Step; the bus loopback of its broadcast is filtered out by the caller.
	select {
	case e.incoming <- GlobalID(e.nodeID, uint32(localIndex)):
	default:
		e.stats.SpikesDropped++
	}
	if len(*outgoing) < MaxBroadcastsPerTimestep {
		*outgoing = append(*outgoing, OutgoingSpike{SourceGlobalID: GlobalID(e.nodeID, uint32(localIndex))})
	} else {
		e.stats.BroadcastsDropped++
	}
}

func (e *Engine) leak(neuron *PackedNeuron) {
	neuron.SetPotential(neuron.Potential() * neuron.Leak())
}

func (e *Engine) drainFired() map[uint32]struct{} {
	fired := make(map[uint32]struct{})
	for i := 0; i < MaxSpikesDrainedPerTick; i++ {
		select {
		case gid := <-e.incoming:
			fired[gid] = struct{}{}
		default:
			return fired
		}
	}
	return fired
}

// Table returns the engine's backing neuron table. Its Count is the
// table's capacity; the deployed neuron count is NeuronCount.
func (e *Engine) Table() *Table { return e.table }

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
