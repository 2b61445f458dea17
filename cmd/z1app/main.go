// Command z1app runs the worker application directly, skipping the boot
// partition entirely (spec §4.4's bring-up is bootloader-only; this is a
// direct-flash debug entry point for exercising the application loop without
// a firmware image or a countdown). cmd/z1boot models the real dual-partition
// jump; this binary is for driving the application on its own, e.g. under a
// debugger or against a bench backplane.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/neurofab/z1onyx/internal/boot"
	"github.com/neurofab/z1onyx/internal/broker"
	"github.com/neurofab/z1onyx/internal/cluster"
	"github.com/neurofab/z1onyx/internal/link"
	"github.com/neurofab/z1onyx/internal/ota"
	"github.com/neurofab/z1onyx/internal/psram"
	"github.com/neurofab/z1onyx/internal/simbus"
	"github.com/neurofab/z1onyx/internal/snn"
	"github.com/neurofab/z1onyx/internal/topology"
)

func main() {
	nodeID := flag.Int("node", 0, "this worker's node identifier (0-15)")
	portDepth := flag.Int("portdepth", 32, "backplane port queue depth")
	flag.Parse()

	id := uint8(*nodeID)
	bp := simbus.NewBackplane()
	port := bp.Attach(id, *portDepth)
	l := link.NewNode(id, port)
	br := broker.New(id, broker.CommandQueueDepthApp)

	mem, err := psram.New()
	if err != nil {
		log.Fatalf("z1app: psram: %v", err)
	}
	defer mem.Close()

	otaWorker := ota.NewWorker(mem.OTAStaging(), true)
	led := boot.NewLED(
		&gpiotest.Pin{N: fmt.Sprintf("node%d-red", id), Num: -1, L: gpio.Low},
		&gpiotest.Pin{N: fmt.Sprintf("node%d-green", id), Num: -1, L: gpio.Low},
		&gpiotest.Pin{N: fmt.Sprintf("node%d-blue", id), Num: -1, L: gpio.Low},
	)
	scratch := &topology.MemScratch{}
	engine := snn.NewEngine(snn.NewTable(mem.NeuronTable()), id, 256)

	var watchdogResets int
	watchdogReset := func() {
		watchdogResets++
		log.Printf("[z1app] watchdog reset requested (#%d)", watchdogResets)
	}

	node := cluster.NewNode(id, l, br, mem, otaWorker, scratch, led, watchdogReset, engine)

	log.Printf("[z1app] node %d running standalone, no bootloader in this process", id)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if err := node.ServiceStep(); err != nil {
			log.Printf("[z1app] ServiceStep: %v", err)
			continue
		}
		node.Step()
	}
}
