// core_engine/machine.go
package core_engine

import (
	"fmt"
	"log"
	"sync"

	"example.com/tpm-emu/core_engine/backend"
	"example.com/tpm-emu/core_engine/devices"
)

// Machine wires the MMIO bus, the TIS device and its backend together the
// way a platform would at device realize time.
type Machine struct {
	mmioBus   *devices.MMIOBus
	tpmDevice *devices.TPMTISDevice
	be        backend.TPMBackend
	irqRaiser devices.InterruptRaiser
	Debug     bool
}

// NewMachine creates a machine with an empty MMIO bus. Devices are added
// afterwards; construction errors surface from the Add* calls.
func NewMachine(irqRaiser devices.InterruptRaiser, enableDebug bool) (*Machine, error) {
	if irqRaiser == nil {
		return nil, fmt.Errorf("machine requires an interrupt controller")
	}
	return &Machine{
		mmioBus:   devices.NewMMIOBus(),
		irqRaiser: irqRaiser,
		Debug:     enableDebug,
	}, nil
}

// AddTPMTISDevice realizes a TIS device at baseAddr, backed by be and
// wired to irqNum. A machine carries at most one TPM device.
func (m *Machine) AddTPMTISDevice(be backend.TPMBackend, baseAddr uint64, irqNum uint8) (*devices.TPMTISDevice, error) {
	if m.tpmDevice != nil {
		return nil, fmt.Errorf("machine already has a TPM device")
	}
	if be == nil {
		return nil, fmt.Errorf("TPM device requires a backend")
	}
	if irqNum > 15 {
		return nil, fmt.Errorf("IRQ %d out of range for the platform interrupt controller", irqNum)
	}

	dev := devices.NewTPMTISDevice(baseAddr, be, m.irqRaiser, irqNum)
	dev.Debug = m.Debug
	if err := dev.Reset(); err != nil {
		// The device stays unrealized; the backend keeps its startup
		// error latched for diagnosis.
		return nil, fmt.Errorf("failed to realize TPM device: %w", err)
	}

	m.mmioBus.RegisterDevice(baseAddr, devices.TPM_TIS_ADDR_SIZE, dev)
	m.tpmDevice = dev
	m.be = be
	log.Printf("Machine: TPM %s TIS device realized at 0x%x, IRQ %d",
		be.Version(), baseAddr, irqNum)
	return dev, nil
}

// MMIOBus exposes the bus for guest-side accessors.
func (m *Machine) MMIOBus() *devices.MMIOBus {
	return m.mmioBus
}

// Reset performs a platform reset of all devices.
func (m *Machine) Reset() error {
	if m.tpmDevice != nil {
		if err := m.tpmDevice.Reset(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases backend resources.
func (m *Machine) Close() error {
	if m.be != nil {
		return m.be.Close()
	}
	return nil
}

// InterruptLine is a minimal level-tracking interrupt controller for
// platforms (and harnesses) that only need to observe the line.
type InterruptLine struct {
	lock  sync.Mutex
	level map[uint8]bool
	Debug bool
}

// NewInterruptLine creates an InterruptLine with all lines deasserted.
func NewInterruptLine() *InterruptLine {
	return &InterruptLine{level: make(map[uint8]bool)}
}

// RaiseIRQ asserts the given line.
func (il *InterruptLine) RaiseIRQ(irqLine uint8) {
	il.lock.Lock()
	defer il.lock.Unlock()
	if il.Debug && !il.level[irqLine] {
		fmt.Printf("InterruptLine: IRQ %d asserted\n", irqLine)
	}
	il.level[irqLine] = true
}

// LowerIRQ deasserts the given line.
func (il *InterruptLine) LowerIRQ(irqLine uint8) {
	il.lock.Lock()
	defer il.lock.Unlock()
	if il.Debug && il.level[irqLine] {
		fmt.Printf("InterruptLine: IRQ %d deasserted\n", irqLine)
	}
	il.level[irqLine] = false
}

// Level reports the current state of the given line.
func (il *InterruptLine) Level(irqLine uint8) bool {
	il.lock.Lock()
	defer il.lock.Unlock()
	return il.level[irqLine]
}
