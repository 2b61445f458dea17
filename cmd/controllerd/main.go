// Command controllerd runs the cluster controller: it attaches to the
// Matrix backplane (internal/simbus, the one production-shaped
// implementation available without real bus hardware — spec §1 scopes
// on-chip I/O bring-up out), optionally simulates a number of worker nodes
// on the same backplane for a self-contained demo, and serves the REST/JSON
// management surface described in spec §6.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/neurofab/z1onyx/internal/boot"
	"github.com/neurofab/z1onyx/internal/broker"
	"github.com/neurofab/z1onyx/internal/cluster"
	"github.com/neurofab/z1onyx/internal/httpapi"
	"github.com/neurofab/z1onyx/internal/link"
	"github.com/neurofab/z1onyx/internal/ota"
	"github.com/neurofab/z1onyx/internal/psram"
	"github.com/neurofab/z1onyx/internal/sdcard"
	"github.com/neurofab/z1onyx/internal/simbus"
	"github.com/neurofab/z1onyx/internal/snn"
	"github.com/neurofab/z1onyx/internal/topology"
)

const controllerNodeID uint8 = 16

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	workers := flag.Int("workers", 4, "number of simulated worker nodes to attach for this demo cluster")
	sdDir := flag.String("sdcard", "", "directory standing in for the SD card (file endpoints disabled if empty)")
	flag.Parse()

	bp := simbus.NewBackplane()

	ctrlPort := bp.Attach(controllerNodeID, 64)
	ctrlLink := link.NewController(ctrlPort)
	ctrlBroker := broker.New(controllerNodeID, broker.CommandQueueDepthApp)
	ctrl := cluster.NewController(ctrlLink, ctrlBroker)

	var nodes []*cluster.Node
	for i := 0; i < *workers; i++ {
		id := uint8(i)
		node, err := newSimulatedWorker(bp, id)
		if err != nil {
			log.Fatalf("controllerd: attach worker %d: %v", id, err)
		}
		nodes = append(nodes, node)
	}

	var sd *sdcard.Card
	if *sdDir != "" {
		var err error
		sd, err = sdcard.New(*sdDir)
		if err != nil {
			log.Fatalf("controllerd: sdcard: %v", err)
		}
	}

	go pumpCluster(ctrl, nodes)

	srv := httpapi.NewServer(ctrl, sd)
	log.Printf("[controllerd] listening on %s with %d simulated worker(s)", *addr, *workers)
	if err := http.ListenAndServe(*addr, srv); err != nil {
		log.Fatalf("controllerd: %v", err)
	}
}

// newSimulatedWorker attaches a worker node directly as a running
// cluster.Node, with no bootloader or countdown — this binary demonstrates the
// controller's management surface against a live cluster, not boot
// sequencing (cmd/z1boot exercises that in isolation).
func newSimulatedWorker(bp *simbus.Backplane, nodeID uint8) (*cluster.Node, error) {
	workerPort := bp.Attach(nodeID, 32)
	workerLink := link.NewNode(nodeID, workerPort)
	workerBroker := broker.New(nodeID, broker.CommandQueueDepthApp)

	mem, err := psram.New()
	if err != nil {
		return nil, fmt.Errorf("psram: %w", err)
	}
	otaWorker := ota.NewWorker(mem.OTAStaging(), true)
	led := boot.NewLED(
		&gpiotest.Pin{N: fmt.Sprintf("node%d-red", nodeID), Num: -1, L: gpio.Low},
		&gpiotest.Pin{N: fmt.Sprintf("node%d-green", nodeID), Num: -1, L: gpio.Low},
		&gpiotest.Pin{N: fmt.Sprintf("node%d-blue", nodeID), Num: -1, L: gpio.Low},
	)
	scratch := &topology.MemScratch{}
	engine := snn.NewEngine(snn.NewTable(mem.NeuronTable()), nodeID, 256)

	return cluster.NewNode(nodeID, workerLink, workerBroker, mem, otaWorker, scratch, led, nil, engine), nil
}

// pumpCluster runs the controller's core-0 loop and every simulated
// worker's application loop on one ticker, standing in for the real
// per-device cooperative schedulers spec §4.6 and §5 describe running on
// separate hardware.
func pumpCluster(ctrl *cluster.Controller, nodes []*cluster.Node) {
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for range ticker.C {
		if err := ctrl.ServiceStep(); err != nil {
			log.Printf("[controllerd] controller ServiceStep: %v", err)
		}
		for _, n := range nodes {
			if err := n.ServiceStep(); err != nil {
				log.Printf("[controllerd] node ServiceStep: %v", err)
				continue
			}
			n.Step()
		}
	}
}
