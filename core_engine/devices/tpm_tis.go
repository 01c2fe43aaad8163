// core_engine/devices/tpm_tis.go
package devices

import (
	"encoding/binary"
	"fmt"
	"sync"

	"example.com/tpm-emu/core_engine/backend"
)

// tisLocality holds the per-locality register file and pipeline state.
type tisLocality struct {
	state   TISState
	access  byte
	sts     uint32
	ifaceID uint32
	inte    uint32
	ints    uint32
}

// TPMTISDevice implements the TIS/FIFO register window of a TPM over a
// 5-locality, 20 KiB MMIO region. Command execution is brokered to an
// out-of-process backend; the backend's completion callback is the only
// asynchronous entry point and is serialized against guest MMIO through
// the device lock.
type TPMTISDevice struct {
	lock sync.Mutex

	baseAddr  uint64
	irqNum    uint8
	irqRaiser InterruptRaiser
	be        backend.TPMBackend

	buffer   [TPM_TIS_BUFFER_MAX]byte
	rwOffset uint16

	beBufferSize uint32
	beTPMVersion backend.TPMVersion

	activeLocty   uint8
	nextLocty     uint8
	abortingLocty uint8

	cmd         backend.Command
	cmdInFlight bool

	loc [TPM_TIS_NUM_LOCALITIES]tisLocality

	Debug bool
}

// NewTPMTISDevice creates a TIS device at the given MMIO base address.
// The device is not usable until Reset has run (the machine does this at
// realize time).
func NewTPMTISDevice(baseAddr uint64, be backend.TPMBackend, irqRaiser InterruptRaiser, irqNum uint8) *TPMTISDevice {
	s := &TPMTISDevice{
		baseAddr:      baseAddr,
		irqNum:        irqNum,
		irqRaiser:     irqRaiser,
		be:            be,
		activeLocty:   TPM_TIS_NO_LOCALITY,
		nextLocty:     TPM_TIS_NO_LOCALITY,
		abortingLocty: TPM_TIS_NO_LOCALITY,
	}
	be.SetRequestCompleted(s.requestCompleted)
	return s
}

// Reset reinitializes the register window from the backend's version and
// buffer size and restarts the backend. It implements both cold reset and
// platform-initiated resets.
func (s *TPMTISDevice) Reset() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.beTPMVersion = s.be.Version()
	s.beBufferSize = s.be.BufferSize()
	if s.beBufferSize > TPM_TIS_BUFFER_MAX {
		s.beBufferSize = TPM_TIS_BUFFER_MAX
	}
	s.be.Reset()

	s.activeLocty = TPM_TIS_NO_LOCALITY
	s.nextLocty = TPM_TIS_NO_LOCALITY
	s.abortingLocty = TPM_TIS_NO_LOCALITY
	s.rwOffset = 0
	s.cmdInFlight = false

	for c := range s.loc {
		l := &s.loc[c]
		l.access = TPM_TIS_ACCESS_TPM_REG_VALID_STS
		switch s.beTPMVersion {
		case backend.TPMVersion1_2:
			l.sts = TPM_TIS_STS_TPM_FAMILY1_2
			l.ifaceID = TPM_TIS_IFACE_ID_SUPPORTED_FLAGS1_3
		case backend.TPMVersion2_0:
			l.sts = TPM_TIS_STS_TPM_FAMILY2_0
			l.ifaceID = TPM_TIS_IFACE_ID_SUPPORTED_FLAGS2_0
		default:
			l.sts = 0
			l.ifaceID = 0
		}
		l.inte = TPM_TIS_INT_POLARITY_LOW_LEVEL
		l.ints = 0
		l.state = TPM_TIS_STATE_IDLE
	}

	if err := s.be.Startup(s.beBufferSize); err != nil {
		return fmt.Errorf("TPMTISDevice: backend startup failed: %w", err)
	}
	return nil
}

// ActiveLocality returns the index of the locality currently owning the
// interface, or TPM_TIS_NO_LOCALITY.
func (s *TPMTISDevice) ActiveLocality() uint8 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.activeLocty
}

// LocalityState returns the pipeline state of the given locality.
func (s *TPMTISDevice) LocalityState(locty uint8) TISState {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !isValidLocty(locty) {
		return TPM_TIS_STATE_IDLE
	}
	return s.loc[locty].state
}

// HandleMMIO routes a guest access to the register window. `addr` is the
// absolute guest address, accesses are little-endian and 1, 2 or 4 bytes
// wide. For IN, the result is written to data; for OUT, data carries the
// value.
func (s *TPMTISDevice) HandleMMIO(addr uint64, direction uint8, size uint8, data []byte) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("TPMTISDevice: MMIO size %d not supported for address 0x%x", size, addr)
	}
	if len(data) < int(size) {
		return fmt.Errorf("TPMTISDevice: data slice too short for %d-byte access to 0x%x", size, addr)
	}
	if addr < s.baseAddr || addr+uint64(size) > s.baseAddr+TPM_TIS_ADDR_SIZE {
		return fmt.Errorf("TPMTISDevice: address 0x%x outside register window", addr)
	}
	rel := addr - s.baseAddr

	s.lock.Lock()
	defer s.lock.Unlock()

	switch direction {
	case IODirectionIn:
		val := s.mmioRead(rel, size)
		for i := uint8(0); i < size; i++ {
			data[i] = byte(val >> (8 * i))
		}
	case IODirectionOut:
		var val uint32
		for i := uint8(0); i < size; i++ {
			val |= uint32(data[i]) << (8 * i)
		}
		s.mmioWrite(rel, val, size)
	default:
		return fmt.Errorf("TPMTISDevice: invalid I/O direction %d for address 0x%x", direction, addr)
	}
	return nil
}

// mmioRead decodes and services a read. rel is the offset into the
// register window. The returned value is already shifted down for
// sub-dword accesses.
func (s *TPMTISDevice) mmioRead(rel uint64, size uint8) uint32 {
	locty := uint8(rel >> TPM_TIS_LOCALITY_SHIFT)
	off := uint16(rel & 0xFFC)
	shift := uint32(rel&0x3) * 8
	val := uint32(0xFFFFFFFF)

	if s.be.HadStartupError() {
		return 0
	}
	if locty >= TPM_TIS_NUM_LOCALITIES {
		return maskToSize(val>>shift, size)
	}

	switch off {
	case TPM_TIS_REG_ACCESS:
		// Never show the SEIZE flag even though it is used internally.
		val = uint32(s.loc[locty].access &^ TPM_TIS_ACCESS_SEIZE)
		if s.requestUsePendingExcept(locty) {
			val |= uint32(TPM_TIS_ACCESS_PENDING_REQUEST)
		}
		if !s.be.EstablishedFlag() {
			val |= uint32(TPM_TIS_ACCESS_TPM_ESTABLISHMENT)
		}
	case TPM_TIS_REG_INT_ENABLE:
		val = s.loc[locty].inte
	case TPM_TIS_REG_INT_VECTOR:
		val = uint32(s.irqNum)
	case TPM_TIS_REG_INT_STATUS:
		val = s.loc[locty].ints
	case TPM_TIS_REG_INTF_CAPABILITY:
		switch s.beTPMVersion {
		case backend.TPMVersion1_2:
			val = TPM_TIS_CAPABILITIES_SUPPORTED1_3
		case backend.TPMVersion2_0:
			val = TPM_TIS_CAPABILITIES_SUPPORTED2_0
		default:
			val = 0
		}
	case TPM_TIS_REG_STS:
		// Non-active localities read the STS register as zero.
		val = 0
		if s.activeLocty == locty {
			var burst uint32
			// In completion the burst count is what is left of the
			// response; a fully read response reports 0.
			if s.loc[locty].sts&TPM_TIS_STS_DATA_AVAILABLE != 0 ||
				s.loc[locty].state == TPM_TIS_STATE_COMPLETION {
				length := minu32(s.cmdSizeFromBuffer(), s.beBufferSize)
				if length > uint32(s.rwOffset) {
					burst = length - uint32(s.rwOffset)
				}
			} else {
				burst = s.beBufferSize - uint32(s.rwOffset)
				// Byte-sized reads must not return 0x00 for 0x100
				// available bytes.
				if size == 1 && burst > 0xFF {
					burst = 0xFF
				}
			}
			val = burst<<TPM_TIS_STS_BURST_COUNT_SHIFT | s.loc[locty].sts
		}
	case TPM_TIS_REG_DATA_FIFO:
		val = s.fifoRead(locty, rel, size)
		shift = 0 // bytes were assembled in access order already
	case TPM_TIS_REG_INTERFACE_ID:
		val = s.loc[locty].ifaceID
	case TPM_TIS_REG_DID_VID:
		val = TPM_TIS_TPM_DID<<16 | TPM_TIS_TPM_VID
	case TPM_TIS_REG_RID:
		val = TPM_TIS_TPM_RID
	default:
		if off >= TPM_TIS_REG_DATA_XFIFO && off <= TPM_TIS_REG_DATA_XFIFO_END {
			val = s.fifoRead(locty, rel, size)
			shift = 0
		}
	}

	val >>= shift
	return maskToSize(val, size)
}

// fifoRead assembles up to size bytes from the response FIFO. Accesses are
// clamped so they never cross a 4-byte boundary; bytes outside COMPLETION
// read as 0xFF.
func (s *TPMTISDevice) fifoRead(locty uint8, rel uint64, size uint8) uint32 {
	if s.activeLocty != locty {
		return 0xFFFFFFFF
	}
	sz := uint32(size)
	if max := 4 - uint32(rel&0x3); sz > max {
		sz = max
	}
	val := uint32(0)
	shift := uint32(0)
	for ; sz > 0; sz-- {
		v := TPM_TIS_NO_DATA_BYTE
		if s.loc[locty].state == TPM_TIS_STATE_COMPLETION {
			v = s.dataRead(locty)
		}
		val |= uint32(v) << shift
		shift += 8
	}
	return val
}

// dataRead consumes one response byte. The last byte of the response
// re-asserts STS_VALID and raises the STS_VALID interrupt.
func (s *TPMTISDevice) dataRead(locty uint8) byte {
	ret := TPM_TIS_NO_DATA_BYTE
	if s.loc[locty].sts&TPM_TIS_STS_DATA_AVAILABLE == 0 {
		return ret
	}
	length := minu32(s.cmdSizeFromBuffer(), s.beBufferSize)
	if uint32(s.rwOffset) < length {
		ret = s.buffer[s.rwOffset]
		s.rwOffset++
		if uint32(s.rwOffset) >= length {
			s.stsSet(locty, TPM_TIS_STS_VALID)
			s.raiseIRQ(locty, TPM_TIS_INT_STS_VALID)
		}
	}
	return ret
}

// mmioWrite decodes and services a write. rel is the offset into the
// register window and val the raw little-endian access value.
func (s *TPMTISDevice) mmioWrite(rel uint64, val uint32, size uint8) {
	locty := uint8(rel >> TPM_TIS_LOCALITY_SHIFT)
	off := uint16(rel & 0xFFC)
	shift := uint32(rel&0x3) * 8

	if locty >= TPM_TIS_NUM_LOCALITIES {
		return
	}
	if locty == 4 {
		// Locality 4 is reserved for hardware; guest writes are dropped.
		s.debugf("TPMTISDevice: dropping guest write to locality 4 (offset 0x%03x)\n", off)
		return
	}
	if s.be.HadStartupError() {
		return
	}

	mask := maskForSize(size)
	val &= mask
	if shift != 0 {
		val <<= shift
		mask <<= shift
	}
	preserve := ^mask

	switch off {
	case TPM_TIS_REG_ACCESS:
		s.accessWrite(locty, val)
	case TPM_TIS_REG_INT_ENABLE:
		if s.activeLocty != locty {
			break
		}
		s.loc[locty].inte &= preserve
		s.loc[locty].inte |= val & (TPM_TIS_INT_ENABLED |
			TPM_TIS_INT_POLARITY_MASK |
			TPM_TIS_INTERRUPTS_SUPPORTED)
	case TPM_TIS_REG_INT_VECTOR:
		// Hard wired.
	case TPM_TIS_REG_INT_STATUS:
		if s.activeLocty != locty {
			break
		}
		// Write-one-to-clear of the asserted interrupt flags.
		if val&TPM_TIS_INTERRUPTS_SUPPORTED != 0 &&
			s.loc[locty].ints&TPM_TIS_INTERRUPTS_SUPPORTED != 0 {
			s.loc[locty].ints &^= val
			if s.loc[locty].ints == 0 {
				s.irqRaiser.LowerIRQ(s.irqNum)
			}
		}
		s.loc[locty].ints &^= val & TPM_TIS_INTERRUPTS_SUPPORTED
	case TPM_TIS_REG_INTF_CAPABILITY:
		// Read only.
	case TPM_TIS_REG_STS:
		s.stsWrite(locty, val)
	case TPM_TIS_REG_DATA_FIFO:
		s.fifoWrite(locty, rel, val, size)
	case TPM_TIS_REG_INTERFACE_ID:
		if val&TPM_TIS_IFACE_ID_INT_SEL_LOCK != 0 {
			// The lock is irrevocable and applies to every locality.
			for l := range s.loc {
				s.loc[l].ifaceID |= TPM_TIS_IFACE_ID_INT_SEL_LOCK
			}
		}
	default:
		if off >= TPM_TIS_REG_DATA_XFIFO && off <= TPM_TIS_REG_DATA_XFIFO_END {
			s.fifoWrite(locty, rel, val, size)
		}
	}
}

// accessWrite applies the locality arbitration protocol. A single write
// can carry several request bits; they are evaluated in a fixed order.
func (s *TPMTISDevice) accessWrite(locty uint8, val uint32) {
	setNewLocty := true
	activeLocty := s.activeLocty

	// ACTIVE_LOCALITY and REQUEST_USE take no effect when combined with a
	// seize request.
	if val&uint32(TPM_TIS_ACCESS_SEIZE) != 0 {
		val &^= uint32(TPM_TIS_ACCESS_REQUEST_USE | TPM_TIS_ACCESS_ACTIVE_LOCALITY)
	}

	if val&uint32(TPM_TIS_ACCESS_ACTIVE_LOCALITY) != 0 {
		if s.activeLocty == locty {
			// Owner gives up the locality; hand it to the highest
			// locality with a pending request, if any.
			newLocty := TPM_TIS_NO_LOCALITY
			for c := int(TPM_TIS_NUM_LOCALITIES) - 1; c >= 0; c-- {
				if s.loc[c].access&TPM_TIS_ACCESS_REQUEST_USE != 0 {
					newLocty = uint8(c)
					break
				}
			}
			if isValidLocty(newLocty) {
				setNewLocty = false
				s.prepAbort(locty, newLocty)
			} else {
				activeLocty = TPM_TIS_NO_LOCALITY
			}
		} else {
			// Not the owner; just withdraw a pending request.
			s.loc[locty].access &^= TPM_TIS_ACCESS_REQUEST_USE
		}
	}

	if val&uint32(TPM_TIS_ACCESS_BEEN_SEIZED) != 0 {
		s.loc[locty].access &^= TPM_TIS_ACCESS_BEEN_SEIZED
	}

	if val&uint32(TPM_TIS_ACCESS_SEIZE) != 0 && s.seizeAllowed(locty) {
		for l := uint8(0); l < locty; l++ {
			s.loc[l].access &^= TPM_TIS_ACCESS_SEIZE
		}
		s.loc[locty].access |= TPM_TIS_ACCESS_SEIZE
		setNewLocty = false
		s.prepAbort(s.activeLocty, locty)
	}

	if val&uint32(TPM_TIS_ACCESS_REQUEST_USE) != 0 && s.activeLocty != locty {
		if isValidLocty(s.activeLocty) {
			s.loc[locty].access |= TPM_TIS_ACCESS_REQUEST_USE
		} else {
			// No locality active; this one becomes active now.
			activeLocty = locty
		}
	}

	if setNewLocty {
		s.newActiveLocality(activeLocty)
	}
}

// seizeAllowed reports whether a seize by locty may proceed: seizing is
// permitted only from a strictly higher locality than the current owner
// (or when nobody owns the interface) and only while no equal-or-higher
// seize is already pending.
func (s *TPMTISDevice) seizeAllowed(locty uint8) bool {
	if isValidLocty(s.activeLocty) && locty <= s.activeLocty {
		return false
	}
	if s.loc[locty].access&TPM_TIS_ACCESS_SEIZE != 0 {
		return false
	}
	for l := locty + 1; l < TPM_TIS_NUM_LOCALITIES; l++ {
		if s.loc[l].access&TPM_TIS_ACCESS_SEIZE != 0 {
			return false
		}
	}
	return true
}

// stsWrite handles writes to the STS register from the active locality.
func (s *TPMTISDevice) stsWrite(locty uint8, val uint32) {
	if s.activeLocty != locty {
		return
	}

	if s.beTPMVersion == backend.TPMVersion2_0 {
		if val&TPM_TIS_STS_COMMAND_CANCEL != 0 {
			if s.loc[locty].state == TPM_TIS_STATE_EXECUTION {
				// Ask the backend to cancel; some backends may not
				// support it.
				s.be.CancelCommand()
			}
		}
		if val&TPM_TIS_STS_RESET_ESTABLISHMENT_BIT != 0 {
			if locty == 3 || locty == 4 {
				s.be.ResetEstablishedFlag(locty)
			}
		}
	}

	val &= TPM_TIS_STS_COMMAND_READY | TPM_TIS_STS_TPM_GO | TPM_TIS_STS_RESPONSE_RETRY

	switch val {
	case TPM_TIS_STS_COMMAND_READY:
		switch s.loc[locty].state {
		case TPM_TIS_STATE_READY:
			s.rwOffset = 0
		case TPM_TIS_STATE_IDLE:
			s.stsSet(locty, TPM_TIS_STS_COMMAND_READY)
			s.loc[locty].state = TPM_TIS_STATE_READY
			s.raiseIRQ(locty, TPM_TIS_INT_COMMAND_READY)
		case TPM_TIS_STATE_EXECUTION, TPM_TIS_STATE_RECEPTION:
			// Abort the command currently being received or executed.
			s.prepAbort(locty, locty)
		case TPM_TIS_STATE_COMPLETION:
			s.rwOffset = 0
			// Shortcut to the ready state with command-ready set.
			s.loc[locty].state = TPM_TIS_STATE_READY
			if s.loc[locty].sts&TPM_TIS_STS_COMMAND_READY == 0 {
				s.stsSet(locty, TPM_TIS_STS_COMMAND_READY)
				s.raiseIRQ(locty, TPM_TIS_INT_COMMAND_READY)
			}
			s.loc[locty].sts &^= TPM_TIS_STS_DATA_AVAILABLE
		}
	case TPM_TIS_STS_TPM_GO:
		if s.loc[locty].state == TPM_TIS_STATE_RECEPTION {
			if s.loc[locty].sts&TPM_TIS_STS_EXPECT == 0 {
				s.tpmSend(locty)
			}
		}
	case TPM_TIS_STS_RESPONSE_RETRY:
		if s.loc[locty].state == TPM_TIS_STATE_COMPLETION {
			s.rwOffset = 0
			s.stsSet(locty, TPM_TIS_STS_VALID|TPM_TIS_STS_DATA_AVAILABLE)
		}
	}
}

// fifoWrite feeds command bytes into the shared buffer. val carries the
// access value shifted up for sub-dword addresses; size is the requested
// width before boundary clamping.
func (s *TPMTISDevice) fifoWrite(locty uint8, rel uint64, val uint32, size uint8) {
	if s.activeLocty != locty {
		return
	}

	switch s.loc[locty].state {
	case TPM_TIS_STATE_IDLE, TPM_TIS_STATE_EXECUTION, TPM_TIS_STATE_COMPLETION:
		// Drop the bytes.
		return
	case TPM_TIS_STATE_READY:
		s.loc[locty].state = TPM_TIS_STATE_RECEPTION
		s.stsSet(locty, TPM_TIS_STS_EXPECT|TPM_TIS_STS_VALID)
	}

	val >>= uint32(rel&0x3) * 8
	sz := uint32(size)
	if max := 4 - uint32(rel&0x3); sz > max {
		// Prevent access beyond the 4-byte FIFO cell.
		sz = max
	}

	for s.loc[locty].sts&TPM_TIS_STS_EXPECT != 0 && sz > 0 {
		if uint32(s.rwOffset) < s.beBufferSize {
			s.buffer[s.rwOffset] = byte(val)
			s.rwOffset++
			val >>= 8
			sz--
		} else {
			// Buffer full mid-transfer; remaining bytes are dropped.
			s.stsSet(locty, TPM_TIS_STS_VALID)
		}
	}

	// Check for a complete packet once the header's size field is in.
	if s.rwOffset > 5 && s.loc[locty].sts&TPM_TIS_STS_EXPECT != 0 {
		needIRQ := s.loc[locty].sts&TPM_TIS_STS_VALID == 0
		if s.cmdSizeFromBuffer() > uint32(s.rwOffset) {
			s.stsSet(locty, TPM_TIS_STS_EXPECT|TPM_TIS_STS_VALID)
		} else {
			// Packet complete.
			s.stsSet(locty, TPM_TIS_STS_VALID)
		}
		if needIRQ {
			s.raiseIRQ(locty, TPM_TIS_INT_STS_VALID)
		}
	}
}

// tpmSend hands the accumulated command to the backend. rwOffset serves
// as the length of the command to send; the response is written into the
// same buffer.
func (s *TPMTISDevice) tpmSend(locty uint8) {
	s.debugf("TPMTISDevice: submitting %d-byte command from locality %d\n", s.rwOffset, locty)
	s.loc[locty].state = TPM_TIS_STATE_EXECUTION
	s.cmd = backend.Command{
		Locty:  locty,
		In:     s.buffer[:],
		InLen:  uint32(s.rwOffset),
		Out:    s.buffer[:],
		OutLen: s.beBufferSize,
	}
	s.cmdInFlight = true
	s.be.DeliverRequest(&s.cmd)
}

// requestCompleted is the backend completion callback. It runs in the
// backend's delivery goroutine and serializes against MMIO through the
// device lock.
func (s *TPMTISDevice) requestCompleted(ret int32, selftestDone bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.cmdInFlight {
		// Completion without a submission; tolerate it.
		s.debugf("TPMTISDevice: spurious completion (ret=%d)\n", ret)
		return
	}
	s.cmdInFlight = false
	locty := s.cmd.Locty
	if !isValidLocty(locty) {
		return
	}

	if selftestDone {
		for l := range s.loc {
			s.loc[l].sts |= TPM_TIS_STS_SELFTEST_DONE
		}
	}

	// The response payload is delivered verbatim even when the backend
	// reported a failure; ret is not surfaced through TIS.
	if ret != 0 {
		s.debugf("TPMTISDevice: backend reported error %d for locality %d\n", ret, locty)
	}

	s.stsSet(locty, TPM_TIS_STS_VALID|TPM_TIS_STS_DATA_AVAILABLE)
	s.loc[locty].state = TPM_TIS_STATE_COMPLETION
	s.rwOffset = 0

	if isValidLocty(s.nextLocty) {
		// An abort was pending behind this command.
		s.abort()
	}

	s.raiseIRQ(locty, TPM_TIS_INT_DATA_AVAILABLE|TPM_TIS_INT_STS_VALID)
}

// prepAbort records the aborting/next locality pair and either runs the
// abort now or defers it behind the in-flight command.
func (s *TPMTISDevice) prepAbort(locty, newLocty uint8) {
	s.abortingLocty = locty
	s.nextLocty = newLocty

	for busy := range s.loc {
		if s.loc[busy].state == TPM_TIS_STATE_EXECUTION {
			// Request cancellation; the abort runs once the completion
			// callback fires.
			s.be.CancelCommand()
			return
		}
	}
	s.abort()
}

// abort finishes a locality transfer begun by prepAbort.
func (s *TPMTISDevice) abort() {
	s.rwOffset = 0

	// A self-abort (COMMAND_READY during reception/execution) lands the
	// locality back in the ready state.
	if s.abortingLocty == s.nextLocty && isValidLocty(s.abortingLocty) {
		s.loc[s.abortingLocty].state = TPM_TIS_STATE_READY
		s.stsSet(s.abortingLocty, TPM_TIS_STS_COMMAND_READY)
		s.raiseIRQ(s.abortingLocty, TPM_TIS_INT_COMMAND_READY)
	}

	s.newActiveLocality(s.nextLocty)
	s.abortingLocty = TPM_TIS_NO_LOCALITY
	s.nextLocty = TPM_TIS_NO_LOCALITY
}

// newActiveLocality reconciles the ACCESS flags around an ownership change
// and raises the locality-changed interrupt on the new owner.
func (s *TPMTISDevice) newActiveLocality(newLocty uint8) {
	change := s.activeLocty != newLocty

	if change && isValidLocty(s.activeLocty) {
		isSeize := isValidLocty(newLocty) &&
			s.loc[newLocty].access&TPM_TIS_ACCESS_SEIZE != 0
		if isSeize {
			s.loc[s.activeLocty].access &^= TPM_TIS_ACCESS_ACTIVE_LOCALITY
			s.loc[s.activeLocty].access |= TPM_TIS_ACCESS_BEEN_SEIZED
		} else {
			s.loc[s.activeLocty].access &^= TPM_TIS_ACCESS_ACTIVE_LOCALITY |
				TPM_TIS_ACCESS_REQUEST_USE
		}
	}

	s.activeLocty = newLocty
	if isValidLocty(newLocty) {
		s.loc[newLocty].access |= TPM_TIS_ACCESS_ACTIVE_LOCALITY
		s.loc[newLocty].access &^= TPM_TIS_ACCESS_REQUEST_USE | TPM_TIS_ACCESS_SEIZE
	}

	if change {
		s.raiseIRQ(s.activeLocty, TPM_TIS_INT_LOCALITY_CHANGED)
	}
}

// raiseIRQ asserts the interrupt line and latches the status bits if the
// locality has the interrupt enabled.
func (s *TPMTISDevice) raiseIRQ(locty uint8, irqMask uint32) {
	if !isValidLocty(locty) {
		return
	}
	if s.loc[locty].inte&TPM_TIS_INT_ENABLED != 0 && s.loc[locty].inte&irqMask != 0 {
		s.irqRaiser.RaiseIRQ(s.irqNum)
		s.loc[locty].ints |= irqMask
	}
}

// stsSet replaces the status flags while preserving the sticky
// selftest-done bit and the TPM family field.
func (s *TPMTISDevice) stsSet(locty uint8, flags uint32) {
	l := &s.loc[locty]
	l.sts &= TPM_TIS_STS_SELFTEST_DONE | TPM_TIS_STS_TPM_FAMILY_MASK
	l.sts |= flags
}

// requestUsePendingExcept reports whether any other locality has a use
// request pending; it backs the synthesized PENDING_REQUEST bit.
func (s *TPMTISDevice) requestUsePendingExcept(locty uint8) bool {
	for l := range s.loc {
		if uint8(l) == locty {
			continue
		}
		if s.loc[l].access&TPM_TIS_ACCESS_REQUEST_USE != 0 {
			return true
		}
	}
	return false
}

// cmdSizeFromBuffer reads the big-endian total-size field of the TPM
// header currently in the buffer.
func (s *TPMTISDevice) cmdSizeFromBuffer() uint32 {
	return binary.BigEndian.Uint32(s.buffer[2:6])
}

func (s *TPMTISDevice) debugf(format string, args ...interface{}) {
	if s.Debug {
		fmt.Printf(format, args...)
	}
}

func isValidLocty(locty uint8) bool {
	return locty < TPM_TIS_NUM_LOCALITIES
}

func maskForSize(size uint8) uint32 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

func maskToSize(val uint32, size uint8) uint32 {
	return val & maskForSize(size)
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
