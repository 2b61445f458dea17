package snn

import "testing"

func TestWeightEncodeDecodeRoundTrip(t *testing.T) {
	for w := 0; w < 256; w++ {
		v := DecodeWeight(uint8(w))
		got := EncodeWeight(v)
		back := DecodeWeight(got)
		diff := back - v
		if diff < 0 {
			diff = -diff
		}
		if diff > 0.02 {
			t.Fatalf("weight %d: decode=%v re-encode-decode=%v diverge too much", w, v, back)
		}
	}
	if v := DecodeWeight(0); v != 0 {
		t.Fatalf("weight 0 should decode to 0, got %v", v)
	}
	if v := DecodeWeight(127); v < 1.9 || v > 2.0 {
		t.Fatalf("weight 127 should decode near +2.0, got %v", v)
	}
	if v := DecodeWeight(128); v > -0.005 || v < -0.02 {
		t.Fatalf("weight 128 should decode near -0.01, got %v", v)
	}
	if v := DecodeWeight(255); v > -1.9 {
		t.Fatalf("weight 255 should decode near -2.0, got %v", v)
	}
}

func TestGlobalIDRoundTrip(t *testing.T) {
	for _, node := range []uint8{0, 1, 15, 31} {
		for _, idx := range []uint32{0, 1, 1000, 0x7FFFF} {
			gid := GlobalID(node, idx)
			gotNode, gotIdx := SplitGlobalID(gid)
			if gotNode != node || gotIdx != idx {
				t.Fatalf("GlobalID(%d,%d) -> split (%d,%d)", node, idx, gotNode, gotIdx)
			}
		}
	}
}

func TestSynapsePackUnpack(t *testing.T) {
	s := Synapse{SourceGlobalID: 0x00ABCDEF & 0x00FFFFFF, Weight: 200}
	got := DecodeSynapse(s.Encode())
	if got != s {
		t.Fatalf("synapse round trip: got %+v, want %+v", got, s)
	}
}

func newTestEngine(t *testing.T, nodeID uint8, neuronCount int) *Engine {
	t.Helper()
	buf := make([]byte, neuronCount*EntrySize)
	return NewEngine(NewTable(buf), nodeID, 256)
}

func TestDeployTopologyAndDirectFire(t *testing.T) {
	e := newTestEngine(t, 1, 2)
	n, err := e.DeployTopology([]NeuronSpec{
		{Threshold: 1.0, Leak: 1.0, IsInput: true},
		{Threshold: 1.0, Leak: 1.0, Synapses: []Synapse{{SourceGlobalID: GlobalID(1, 0), Weight: EncodeWeight(2.0)}}},
	})
	if err != nil || n != 2 {
		t.Fatalf("DeployTopology: n=%d err=%v", n, err)
	}
	e.SetRunning(true)

	e.StimulateInput(0, 1.5)
	out := e.Step()
	if len(out) != 1 || out[0].SourceGlobalID != GlobalID(1, 0) {
		t.Fatalf("expected input neuron to fire this tick, got %+v", out)
	}

	e.InjectSpike(GlobalID(1, 0))
	out = e.Step()
	if len(out) != 1 || out[0].SourceGlobalID != GlobalID(1, 1) {
		t.Fatalf("expected downstream neuron to fire from synapse match, got %+v", out)
	}
}

func TestBroadcastCapPerTimestep(t *testing.T) {
	e := newTestEngine(t, 0, MaxBroadcastsPerTimestep+3)
	specs := make([]NeuronSpec, MaxBroadcastsPerTimestep+3)
	for i := range specs {
		specs[i] = NeuronSpec{Threshold: 0, Leak: 1.0, IsInput: true}
	}
	if _, err := e.DeployTopology(specs); err != nil {
		t.Fatal(err)
	}
	e.SetRunning(true)
	for i := range specs {
		e.StimulateInput(uint32(i), 10)
	}
	out := e.Step()
	if len(out) != MaxBroadcastsPerTimestep {
		t.Fatalf("expected exactly %d broadcasts, got %d", MaxBroadcastsPerTimestep, len(out))
	}
	if e.Stats().BroadcastsDropped == 0 {
		t.Fatal("expected BroadcastsDropped to be nonzero")
	}
}

func TestRefractoryPeriodSuppressesRefire(t *testing.T) {
	e := newTestEngine(t, 0, 1)
	if _, err := e.DeployTopology([]NeuronSpec{{Threshold: 1.0, Leak: 1.0, RefractoryPeriod: 2, IsInput: true}}); err != nil {
		t.Fatal(err)
	}
	e.SetRunning(true)
	e.StimulateInput(0, 5)
	out := e.Step()
	if len(out) != 1 {
		t.Fatalf("expected immediate fire, got %+v", out)
	}
	e.StimulateInput(0, 5)
	out = e.Step()
	if len(out) != 0 {
		t.Fatal("neuron should be refractory and not fire")
	}
}
