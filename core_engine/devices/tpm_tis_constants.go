// core_engine/devices/tpm_tis_constants.go
package devices

// TIS memory layout. Each locality owns a 4 KiB page of the register
// window; bits [14:12] of an address select the locality.
const (
	TPM_TIS_NUM_LOCALITIES uint8  = 5
	TPM_TIS_NO_LOCALITY    uint8  = 0xFF
	TPM_TIS_LOCALITY_SHIFT        = 12
	TPM_TIS_ADDR_BASE      uint64 = 0xFED40000
	TPM_TIS_ADDR_SIZE      uint64 = uint64(TPM_TIS_NUM_LOCALITIES) << TPM_TIS_LOCALITY_SHIFT

	// Largest command/response buffer ever negotiated with a backend.
	TPM_TIS_BUFFER_MAX uint32 = 4096
)

// Register offsets within a locality page.
const (
	TPM_TIS_REG_ACCESS          uint16 = 0x000
	TPM_TIS_REG_INT_ENABLE      uint16 = 0x008
	TPM_TIS_REG_INT_VECTOR      uint16 = 0x00C
	TPM_TIS_REG_INT_STATUS      uint16 = 0x010
	TPM_TIS_REG_INTF_CAPABILITY uint16 = 0x014
	TPM_TIS_REG_STS             uint16 = 0x018
	TPM_TIS_REG_DATA_FIFO       uint16 = 0x024
	TPM_TIS_REG_INTERFACE_ID    uint16 = 0x030
	TPM_TIS_REG_DATA_XFIFO      uint16 = 0x080
	TPM_TIS_REG_DATA_XFIFO_END  uint16 = 0x0BC
	TPM_TIS_REG_DID_VID         uint16 = 0xF00
	TPM_TIS_REG_RID             uint16 = 0xF04
)

// ACCESS register bits (8-bit register).
const (
	TPM_TIS_ACCESS_TPM_ESTABLISHMENT byte = 0x01
	TPM_TIS_ACCESS_REQUEST_USE       byte = 0x02
	TPM_TIS_ACCESS_PENDING_REQUEST   byte = 0x04
	TPM_TIS_ACCESS_SEIZE             byte = 0x08
	TPM_TIS_ACCESS_BEEN_SEIZED       byte = 0x10
	TPM_TIS_ACCESS_ACTIVE_LOCALITY   byte = 0x20
	TPM_TIS_ACCESS_TPM_REG_VALID_STS byte = 0x80
)

// STS register bits.
const (
	TPM_TIS_STS_RESPONSE_RETRY uint32 = 1 << 1
	TPM_TIS_STS_SELFTEST_DONE  uint32 = 1 << 2
	TPM_TIS_STS_EXPECT         uint32 = 1 << 3
	TPM_TIS_STS_DATA_AVAILABLE uint32 = 1 << 4
	TPM_TIS_STS_TPM_GO         uint32 = 1 << 5
	TPM_TIS_STS_COMMAND_READY  uint32 = 1 << 6
	TPM_TIS_STS_VALID          uint32 = 1 << 7

	TPM_TIS_STS_BURST_COUNT_SHIFT = 8

	// TPM 2.0 only.
	TPM_TIS_STS_COMMAND_CANCEL          uint32 = 1 << 24
	TPM_TIS_STS_RESET_ESTABLISHMENT_BIT uint32 = 1 << 25

	TPM_TIS_STS_TPM_FAMILY_MASK uint32 = 0x3 << 26
	TPM_TIS_STS_TPM_FAMILY1_2   uint32 = 0 << 26
	TPM_TIS_STS_TPM_FAMILY2_0   uint32 = 1 << 26
)

// Interrupt enable / status bits.
const (
	TPM_TIS_INT_DATA_AVAILABLE   uint32 = 1 << 0
	TPM_TIS_INT_STS_VALID        uint32 = 1 << 1
	TPM_TIS_INT_LOCALITY_CHANGED uint32 = 1 << 2
	TPM_TIS_INT_COMMAND_READY    uint32 = 1 << 7

	TPM_TIS_INT_POLARITY_MASK      uint32 = 0x3 << 3
	TPM_TIS_INT_POLARITY_LOW_LEVEL uint32 = 1 << 3

	TPM_TIS_INT_ENABLED uint32 = 1 << 31

	TPM_TIS_INTERRUPTS_SUPPORTED = TPM_TIS_INT_DATA_AVAILABLE |
		TPM_TIS_INT_STS_VALID |
		TPM_TIS_INT_LOCALITY_CHANGED |
		TPM_TIS_INT_COMMAND_READY
)

// INTF_CAPABILITY fields.
const (
	TPM_TIS_CAP_INTERRUPT_LOW_LEVEL             uint32 = 1 << 4
	TPM_TIS_CAP_BURST_COUNT_DYNAMIC             uint32 = 0 << 8
	TPM_TIS_CAP_DATA_TRANSFER_64B               uint32 = 3 << 9
	TPM_TIS_CAP_INTERFACE_VERSION1_3            uint32 = 2 << 28
	TPM_TIS_CAP_INTERFACE_VERSION1_3_FOR_TPM2_0 uint32 = 3 << 28

	TPM_TIS_CAPABILITIES_SUPPORTED1_3 = TPM_TIS_CAP_INTERFACE_VERSION1_3 |
		TPM_TIS_CAP_INTERRUPT_LOW_LEVEL |
		TPM_TIS_CAP_BURST_COUNT_DYNAMIC |
		TPM_TIS_CAP_DATA_TRANSFER_64B |
		TPM_TIS_INTERRUPTS_SUPPORTED

	TPM_TIS_CAPABILITIES_SUPPORTED2_0 = TPM_TIS_CAP_INTERFACE_VERSION1_3_FOR_TPM2_0 |
		TPM_TIS_CAP_INTERRUPT_LOW_LEVEL |
		TPM_TIS_CAP_BURST_COUNT_DYNAMIC |
		TPM_TIS_CAP_DATA_TRANSFER_64B |
		TPM_TIS_INTERRUPTS_SUPPORTED
)

// INTERFACE_ID fields.
const (
	TPM_TIS_IFACE_ID_INTERFACE_TIS1_3   uint32 = 0xF
	TPM_TIS_IFACE_ID_INTERFACE_FIFO     uint32 = 0x0
	TPM_TIS_IFACE_ID_INTERFACE_VER_FIFO uint32 = 0 << 4
	TPM_TIS_IFACE_ID_CAP_5_LOCALITIES   uint32 = 1 << 8
	TPM_TIS_IFACE_ID_CAP_TIS_SUPPORTED  uint32 = 1 << 13
	TPM_TIS_IFACE_ID_INT_SEL_LOCK       uint32 = 1 << 19

	// For TPM 1.2 the interface descriptor carries the TIS value in the
	// low nibble and everything above it is don't-care.
	TPM_TIS_IFACE_ID_SUPPORTED_FLAGS1_3 = TPM_TIS_IFACE_ID_INTERFACE_TIS1_3 | 0xFFFFFFF0

	TPM_TIS_IFACE_ID_SUPPORTED_FLAGS2_0 = TPM_TIS_IFACE_ID_INTERFACE_FIFO |
		TPM_TIS_IFACE_ID_INTERFACE_VER_FIFO |
		TPM_TIS_IFACE_ID_CAP_5_LOCALITIES |
		TPM_TIS_IFACE_ID_CAP_TIS_SUPPORTED
)

// Device/vendor identification.
const (
	TPM_TIS_TPM_DID uint32 = 0x0001
	TPM_TIS_TPM_VID uint32 = 0x1014
	TPM_TIS_TPM_RID uint32 = 0x0001
)

// Byte returned for FIFO reads that cannot be serviced.
const TPM_TIS_NO_DATA_BYTE byte = 0xFF

// TISState is the per-locality command pipeline state.
type TISState uint8

const (
	TPM_TIS_STATE_IDLE TISState = iota
	TPM_TIS_STATE_READY
	TPM_TIS_STATE_RECEPTION
	TPM_TIS_STATE_EXECUTION
	TPM_TIS_STATE_COMPLETION
)

func (st TISState) String() string {
	switch st {
	case TPM_TIS_STATE_IDLE:
		return "idle"
	case TPM_TIS_STATE_READY:
		return "ready"
	case TPM_TIS_STATE_RECEPTION:
		return "reception"
	case TPM_TIS_STATE_EXECUTION:
		return "execution"
	case TPM_TIS_STATE_COMPLETION:
		return "completion"
	}
	return "unknown"
}

// IODirection indicates the direction of an MMIO operation.
const (
	IODirectionIn  uint8 = 0 // Reading from the device
	IODirectionOut uint8 = 1 // Writing to the device
)

// InterruptRaiser defines an interface for raising hardware interrupts.
// This is typically implemented by the platform's interrupt controller.
type InterruptRaiser interface {
	RaiseIRQ(irqLine uint8)
	LowerIRQ(irqLine uint8)
}
