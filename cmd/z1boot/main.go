// Command z1boot is the worker's boot partition (spec §4.4): it validates
// the application image, runs the debug-build countdown, and on a
// successful jump continues running as the application in the same
// process — modelling a real bootloader's branch into flash rather than a
// process handoff, since both partitions run on the one chip.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/neurofab/z1onyx/internal/boot"
	"github.com/neurofab/z1onyx/internal/broker"
	"github.com/neurofab/z1onyx/internal/cluster"
	"github.com/neurofab/z1onyx/internal/firmware"
	"github.com/neurofab/z1onyx/internal/link"
	"github.com/neurofab/z1onyx/internal/ota"
	"github.com/neurofab/z1onyx/internal/proto"
	"github.com/neurofab/z1onyx/internal/psram"
	"github.com/neurofab/z1onyx/internal/simbus"
	"github.com/neurofab/z1onyx/internal/snn"
	"github.com/neurofab/z1onyx/internal/topology"
)

func main() {
	nodeID := flag.Int("node", 0, "this worker's node identifier (0-15)")
	debugBuild := flag.Bool("debug", true, "run the 5-second debug countdown before jumping")
	firmwarePath := flag.String("firmware", "", "path to the application image (header+body); required")
	flag.Parse()

	if *firmwarePath == "" {
		fmt.Fprintln(os.Stderr, "z1boot: -firmware is required")
		os.Exit(2)
	}
	header, body, err := loadFirmwareImage(*firmwarePath)
	if err != nil {
		log.Fatalf("z1boot: %v", err)
	}

	id := uint8(*nodeID)
	bp := simbus.NewBackplane()
	port := bp.Attach(id, 32)
	l := link.NewNode(id, port)
	br := broker.New(id, broker.CommandQueueDepthBootloader)

	mem, err := psram.New()
	if err != nil {
		log.Fatalf("z1boot: psram: %v", err)
	}
	defer mem.Close()
	// The bootloader's OTA worker stages into a 48KB SRAM buffer and cannot
	// suspend mid-transfer (spec §4.4); only the application variant, which
	// stages into PSRAM, can.
	otaWorker := ota.NewWorker(make([]byte, 48*1024), false)
	led := boot.NewLED(
		&gpiotest.Pin{N: "red", Num: -1, L: gpio.Low},
		&gpiotest.Pin{N: "green", Num: -1, L: gpio.Low},
		&gpiotest.Pin{N: "blue", Num: -1, L: gpio.Low},
	)
	scratch := &topology.MemScratch{}

	var watchdogResets int
	watchdogReset := func() {
		watchdogResets++
		log.Printf("[z1boot] watchdog reset requested (#%d)", watchdogResets)
	}

	server := boot.NewCommandServer(id, br, mem, otaWorker, scratch, led, watchdogReset, time.Now())
	bl := boot.NewBootloader(server, led, *debugBuild, header, body, func() error {
		return runApplication(id, l, br, mem, scratch, led, watchdogReset)
	})

	go logCountdown(bl)

	if err := bl.Run(pollFunc(l, br, server)); err != nil {
		log.Printf("[z1boot] entering safe mode: %v", err)
		runSafeMode(bl, l, br)
	}
}

func loadFirmwareImage(path string) (*firmware.PackedHeader, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) < firmware.HeaderSize {
		return nil, nil, fmt.Errorf("image too short for a header (%d bytes)", len(data))
	}
	var header firmware.PackedHeader
	copy(header[:], data[:firmware.HeaderSize])
	return &header, data[firmware.HeaderSize:], nil
}

func logCountdown(bl *boot.Bootloader) {
	for remaining := range bl.Countdown() {
		log.Printf("[z1boot] jumping in %d...", remaining)
	}
}

// pollFunc lets Bootloader.Run observe incoming frames during the debug
// countdown: a BOOT_NOW opcode short-circuits it, any OTA-stream frame
// redirects straight to safe mode (spec §4.4).
func pollFunc(l *link.Link, br *broker.Broker, server *boot.CommandServer) func() boot.CountdownSignal {
	return func() boot.CountdownSignal {
		_, _ = br.Tick(l)
		f, err := l.TryReceiveFrame()
		if err != nil || f == nil {
			return boot.CountdownSignal{}
		}
		isBootNow := len(f.Payload) > 0 && f.Payload[0] == proto.OpcodeBootNow
		sig := boot.CountdownSignal{
			BootNow: isBootNow,
			OTA:     !isBootNow && proto.Stream(f.Stream) == proto.StreamOTA,
		}
		if !sig.BootNow && !sig.OTA {
			server.Handle(f)
		}
		return sig
	}
}

func runSafeMode(bl *boot.Bootloader, l *link.Link, br *broker.Broker) {
	lastBlink := time.Now()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if err := bl.SafeModeStep(l, br, &lastBlink); err != nil {
			log.Printf("[z1boot] safe mode step: %v", err)
		}
	}
}

// runApplication is the bootloader's Jump target: it reuses the link,
// broker, PSRAM, scratch register, and LED the bootloader already
// initialised (spec §4.4's "application reinit" reuses state rather than
// starting over), builds the application's own PSRAM-staged OTA worker,
// and runs the application's service and SNN step loops indefinitely.
func runApplication(id uint8, l *link.Link, br *broker.Broker, mem *psram.PSRAM, scratch *topology.MemScratch, led *boot.LED, watchdogReset func()) error {
	log.Printf("[z1boot] jump successful, now running as application")
	engine := snn.NewEngine(snn.NewTable(mem.NeuronTable()), id, 256)
	otaWorker := ota.NewWorker(mem.OTAStaging(), true)
	node := cluster.NewNode(id, l, br, mem, otaWorker, scratch, led, watchdogReset, engine)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if err := node.ServiceStep(); err != nil {
			log.Printf("[z1boot] application service step: %v", err)
			continue
		}
		node.Step()
	}
	return nil
}
