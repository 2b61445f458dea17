package cluster

import (
	"testing"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/neurofab/z1onyx/internal/boot"
	"github.com/neurofab/z1onyx/internal/broker"
	"github.com/neurofab/z1onyx/internal/frame"
	"github.com/neurofab/z1onyx/internal/link"
	"github.com/neurofab/z1onyx/internal/ota"
	"github.com/neurofab/z1onyx/internal/proto"
	"github.com/neurofab/z1onyx/internal/psram"
	"github.com/neurofab/z1onyx/internal/simbus"
	"github.com/neurofab/z1onyx/internal/snn"
	"github.com/neurofab/z1onyx/internal/topology"
)

type harness struct {
	bp         *simbus.Backplane
	controller *Controller
	node       *Node
	stop       chan struct{}
}

func newHarness(t *testing.T, nodeID uint8) *harness {
	t.Helper()
	bp := simbus.NewBackplane()

	ctrlPort := bp.Attach(16, 32)
	ctrlLink := link.NewController(ctrlPort)
	ctrlBroker := broker.New(16, broker.CommandQueueDepthApp)
	controller := NewController(ctrlLink, ctrlBroker)

	workerPort := bp.Attach(nodeID, 32)
	workerLink := link.NewNode(nodeID, workerPort)
	workerBroker := broker.New(nodeID, broker.CommandQueueDepthApp)
	mem, err := psram.New()
	if err != nil {
		t.Fatalf("psram.New: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })
	otaWorker := ota.NewWorker(mem.OTAStaging(), true)
	led := boot.NewLED(
		&gpiotest.Pin{N: "r", Num: -1, L: gpio.Low},
		&gpiotest.Pin{N: "g", Num: -1, L: gpio.Low},
		&gpiotest.Pin{N: "b", Num: -1, L: gpio.Low},
	)
	scratch := &topology.MemScratch{}
	engine := snn.NewEngine(snn.NewTable(mem.NeuronTable()), nodeID, 256)
	node := NewNode(nodeID, workerLink, workerBroker, mem, otaWorker, scratch, led, nil, engine)

	h := &harness{bp: bp, controller: controller, node: node, stop: make(chan struct{})}
	go h.pump()
	t.Cleanup(func() { close(h.stop) })
	return h
}

func (h *harness) pump() {
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			_ = h.controller.ServiceStep()
			_ = h.node.ServiceStep()
		}
	}
}

func TestControllerReadStatusAgainstNode(t *testing.T) {
	h := newHarness(t, 4)
	st, err := h.controller.ReadStatus(4)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if st.NodeID != 4 {
		t.Fatalf("NodeID = %d, want 4", st.NodeID)
	}
	if st.SNNRunning {
		t.Fatal("expected SNN not running before DEPLOY/START")
	}
}

func TestControllerSetLEDAgainstNode(t *testing.T) {
	h := newHarness(t, 6)
	if err := h.controller.SetLED(6, boot.LEDState{Green: true}.Encode()); err != nil {
		t.Fatalf("SetLED: %v", err)
	}
}

func TestDeployAndStartSNN(t *testing.T) {
	h := newHarness(t, 7)
	neurons := []snn.NeuronSpec{
		{Threshold: 1.0, Leak: 0.9, RefractoryPeriod: 2},
		{Threshold: 1.0, Leak: 0.9, RefractoryPeriod: 2, IsInput: true},
	}
	count, err := h.controller.DeployTopology(7, neurons)
	if err != nil {
		t.Fatalf("DeployTopology: %v", err)
	}
	if count != len(neurons) {
		t.Fatalf("deployed %d neurons, want %d", count, len(neurons))
	}
	if err := h.controller.StartSNN(7); err != nil {
		t.Fatalf("StartSNN: %v", err)
	}

	st, err := h.controller.GetSNNStatus(7)
	if err != nil {
		t.Fatalf("GetSNNStatus: %v", err)
	}
	if !st.Running {
		t.Fatal("expected SNN running after StartSNN")
	}
	if st.NeuronCount != uint16(len(neurons)) {
		t.Fatalf("NeuronCount = %d, want %d", st.NeuronCount, len(neurons))
	}
}

func TestSelfBroadcastSpikeIsFiltered(t *testing.T) {
	h := newHarness(t, 8)
	before := h.node.Engine().Stats()
	self := &frame.Frame{
		Type:    frame.Broadcast,
		Src:     8,
		Dest:    frame.BroadcastNode,
		Stream:  uint8(proto.StreamSpike),
		NoAck:   true,
		Payload: []uint16{0x1234, 0},
	}
	h.node.handleSpike(self)
	after := h.node.Engine().Stats()
	if after.SpikesDropped != before.SpikesDropped {
		t.Fatal("a self-sourced spike frame should be silently ignored, not counted as dropped")
	}
}
