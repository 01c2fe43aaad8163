// cmd/tpmemu/main.go
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/xyproto/env/v2"
	"golang.org/x/term"

	core_engine "example.com/tpm-emu/core_engine"
	"example.com/tpm-emu/core_engine/backend"
	"example.com/tpm-emu/core_engine/devices"
)

// TPM2_Startup(SU_CLEAR); the 1.2 variant is TPM_Startup(ST_CLEAR).
var startupCmd2_0 = []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x01, 0x44, 0x00, 0x00}
var startupCmd1_2 = []byte{0x00, 0xC1, 0x00, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x00, 0x99, 0x00, 0x01}

func main() {
	socketPath := flag.String("socket", env.Str("TPMEMU_SOCKET", "/tmp/swtpm-sock"), "control socket of the TPM emulator process")
	irqNum := flag.Int("irq", env.Int("TPMEMU_IRQ", 5), "platform IRQ line for the TIS device")
	tpm12 := flag.Bool("tpm12", env.Bool("TPMEMU_TPM12"), "talk to a TPM 1.2 emulator instead of 2.0")
	verbose := flag.Bool("v", false, "enable verbose logging")
	flag.Parse()

	version := backend.TPMVersion2_0
	if *tpm12 {
		version = backend.TPMVersion1_2
	}

	be, err := backend.NewSocketBackend(*socketPath, version)
	if err != nil {
		log.Fatalf("failed to connect TPM backend: %v", err)
	}

	irqLine := core_engine.NewInterruptLine()
	irqLine.Debug = *verbose

	machine, err := core_engine.NewMachine(irqLine, *verbose)
	if err != nil {
		log.Fatalf("failed to create machine: %v", err)
	}
	defer machine.Close()

	dev, err := machine.AddTPMTISDevice(be, devices.TPM_TIS_ADDR_BASE, uint8(*irqNum))
	if err != nil {
		log.Fatalf("failed to realize TPM device: %v", err)
	}

	bus := machine.MMIOBus()
	base := devices.TPM_TIS_ADDR_BASE

	// Claim locality 0 and run a startup command through the FIFO.
	write8(bus, base+uint64(devices.TPM_TIS_REG_ACCESS), devices.TPM_TIS_ACCESS_REQUEST_USE)
	if dev.ActiveLocality() != 0 {
		log.Fatalf("locality 0 did not become active")
	}

	write32(bus, base+uint64(devices.TPM_TIS_REG_STS), devices.TPM_TIS_STS_COMMAND_READY)

	cmd := startupCmd2_0
	if *tpm12 {
		cmd = startupCmd1_2
	}
	for _, bte := range cmd {
		write8(bus, base+uint64(devices.TPM_TIS_REG_DATA_FIFO), bte)
	}
	write32(bus, base+uint64(devices.TPM_TIS_REG_STS), devices.TPM_TIS_STS_TPM_GO)

	// Poll for the response the way firmware without interrupts would.
	deadline := time.Now().Add(5 * time.Second)
	for {
		sts := read32(bus, base+uint64(devices.TPM_TIS_REG_STS))
		if sts&devices.TPM_TIS_STS_DATA_AVAILABLE != 0 {
			break
		}
		if time.Now().After(deadline) {
			log.Fatalf("timed out waiting for the TPM response")
		}
		time.Sleep(time.Millisecond)
	}

	var resp []byte
	for {
		sts := read32(bus, base+uint64(devices.TPM_TIS_REG_STS))
		burst := (sts >> devices.TPM_TIS_STS_BURST_COUNT_SHIFT) & 0xFFFF
		if burst == 0 {
			break
		}
		resp = append(resp, read8(bus, base+uint64(devices.TPM_TIS_REG_DATA_FIFO)))
	}

	fmt.Printf("TPM %s responded with %d bytes: % x\n", version, len(resp), resp)

	if term.IsTerminal(int(os.Stdout.Fd())) {
		dumpLocalities(bus, base)
	}
}

// dumpLocalities prints the per-locality register view.
func dumpLocalities(bus *devices.MMIOBus, base uint64) {
	fmt.Println("locality  access  sts       int_enable  interface_id")
	for locty := uint64(0); locty < uint64(devices.TPM_TIS_NUM_LOCALITIES); locty++ {
		page := base + locty<<devices.TPM_TIS_LOCALITY_SHIFT
		fmt.Printf("%8d  0x%02x    0x%08x  0x%08x  0x%08x\n",
			locty,
			read8(bus, page+uint64(devices.TPM_TIS_REG_ACCESS)),
			read32(bus, page+uint64(devices.TPM_TIS_REG_STS)),
			read32(bus, page+uint64(devices.TPM_TIS_REG_INT_ENABLE)),
			read32(bus, page+uint64(devices.TPM_TIS_REG_INTERFACE_ID)))
	}
}

func write8(bus *devices.MMIOBus, addr uint64, val byte) {
	if err := bus.HandleMMIO(addr, devices.IODirectionOut, 1, []byte{val}); err != nil {
		log.Fatalf("MMIO write to 0x%x failed: %v", addr, err)
	}
}

func write32(bus *devices.MMIOBus, addr uint64, val uint32) {
	data := []byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
	if err := bus.HandleMMIO(addr, devices.IODirectionOut, 4, data); err != nil {
		log.Fatalf("MMIO write to 0x%x failed: %v", addr, err)
	}
}

func read8(bus *devices.MMIOBus, addr uint64) byte {
	data := make([]byte, 1)
	if err := bus.HandleMMIO(addr, devices.IODirectionIn, 1, data); err != nil {
		log.Fatalf("MMIO read from 0x%x failed: %v", addr, err)
	}
	return data[0]
}

func read32(bus *devices.MMIOBus, addr uint64) uint32 {
	data := make([]byte, 4)
	if err := bus.HandleMMIO(addr, devices.IODirectionIn, 4, data); err != nil {
		log.Fatalf("MMIO read from 0x%x failed: %v", addr, err)
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
}
