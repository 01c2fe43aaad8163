// core_engine/backend/socket_backend.go
package backend

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Control channel command codes understood by swtpm-compatible emulators.
const (
	ptmGetCapability        uint32 = 1
	ptmInit                 uint32 = 2
	ptmShutdown             uint32 = 3
	ptmGetTPMEstablished    uint32 = 4
	ptmCancelTPMCmd         uint32 = 9
	ptmResetTPMEstablished  uint32 = 11
	ptmStop                 uint32 = 14
	ptmSetDataFD            uint32 = 16
	ptmSetBufferSize        uint32 = 17
)

// TPM 1.2 ordinal whose successful completion finishes the self test.
const tpmOrdContinueSelfTest uint32 = 0x53

const tpmHeaderSize = 10

// SocketBackend reaches an out-of-process TPM emulator through a UNIX
// control socket; command/response traffic flows over a socketpair whose
// far end is handed to the emulator with SCM_RIGHTS.
type SocketBackend struct {
	lock sync.Mutex

	version TPMVersion
	ctrlFD  int
	dataFD  int

	bufferSize uint32
	startupErr bool

	estFlagCached bool
	estFlag       bool

	completed RequestCompletedFunc
}

// NewSocketBackend connects to the emulator's control socket at path and
// sets up the data channel. The TPM family is fixed per emulator process
// and configured here.
func NewSocketBackend(path string, version TPMVersion) (*SocketBackend, error) {
	ctrlFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create control socket: %w", err)
	}
	if err := unix.Connect(ctrlFD, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(ctrlFD)
		return nil, fmt.Errorf("failed to connect to TPM emulator at %s: %w", path, err)
	}

	b := &SocketBackend{
		version:    version,
		ctrlFD:     ctrlFD,
		dataFD:     -1,
		bufferSize: 4096,
	}

	if err := b.setupDataChannel(); err != nil {
		unix.Close(ctrlFD)
		return nil, err
	}

	// Query the emulator's default buffer size (a zero request means
	// "report only").
	if sz, err := b.negotiateBufferSize(0); err == nil && sz != 0 {
		b.bufferSize = sz
	}

	fmt.Printf("SocketBackend: connected to TPM %s emulator at %s (buffer %d bytes).\n",
		version, path, b.bufferSize)
	return b, nil
}

// setupDataChannel creates the socketpair and passes the far end to the
// emulator over the control channel.
func (b *SocketBackend) setupDataChannel() error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("failed to create data socketpair: %w", err)
	}

	msg := make([]byte, 4)
	binary.BigEndian.PutUint32(msg, ptmSetDataFD)
	rights := unix.UnixRights(fds[1])
	if err := unix.Sendmsg(b.ctrlFD, msg, rights, nil, 0); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return fmt.Errorf("failed to pass data fd to emulator: %w", err)
	}

	resp := make([]byte, 4)
	if err := readFull(b.ctrlFD, resp); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return fmt.Errorf("no response to SET_DATAFD: %w", err)
	}
	if res := binary.BigEndian.Uint32(resp); res != 0 {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return fmt.Errorf("emulator rejected data fd (result %d)", res)
	}

	// The emulator holds its own duplicate now.
	unix.Close(fds[1])
	b.dataFD = fds[0]
	return nil
}

// ctrlCommand sends one control command and returns the response payload
// following the 32-bit result word.
func (b *SocketBackend) ctrlCommand(cmd uint32, payload []byte, respLen int) ([]byte, error) {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], cmd)
	copy(buf[4:], payload)
	if err := writeFull(b.ctrlFD, buf); err != nil {
		return nil, fmt.Errorf("control command %d write failed: %w", cmd, err)
	}

	resp := make([]byte, 4+respLen)
	if err := readFull(b.ctrlFD, resp); err != nil {
		return nil, fmt.Errorf("control command %d read failed: %w", cmd, err)
	}
	if res := binary.BigEndian.Uint32(resp[:4]); res != 0 {
		return nil, fmt.Errorf("control command %d failed with result %d", cmd, res)
	}
	return resp[4:], nil
}

// negotiateBufferSize asks the emulator for its buffer size; a non-zero
// request also changes it.
func (b *SocketBackend) negotiateBufferSize(wanted uint32) (uint32, error) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, wanted)
	resp, err := b.ctrlCommand(ptmSetBufferSize, payload, 12)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(resp[:4]), nil
}

// Version returns the TPM family the backend was configured for.
func (b *SocketBackend) Version() TPMVersion {
	return b.version
}

// BufferSize returns the emulator's command/response buffer size.
func (b *SocketBackend) BufferSize() uint32 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.bufferSize
}

// HadStartupError reports whether the last Startup failed. The device
// consults this on every guest access.
func (b *SocketBackend) HadStartupError() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.startupErr
}

// Reset stops the emulator's current TPM instance ahead of a restart.
func (b *SocketBackend) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.estFlagCached = false
	if _, err := b.ctrlCommand(ptmStop, nil, 0); err != nil {
		fmt.Printf("SocketBackend: STOP failed: %v\n", err)
	}
}

// Startup (re)initializes the emulator with the negotiated buffer size.
func (b *SocketBackend) Startup(bufferSize uint32) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if sz, err := b.negotiateBufferSize(bufferSize); err != nil {
		b.startupErr = true
		return fmt.Errorf("buffer size negotiation failed: %w", err)
	} else if sz != 0 {
		b.bufferSize = sz
	}

	payload := make([]byte, 4) // init flags, none set
	if _, err := b.ctrlCommand(ptmInit, payload, 0); err != nil {
		b.startupErr = true
		return fmt.Errorf("emulator init failed: %w", err)
	}
	b.startupErr = false
	return nil
}

// SetRequestCompleted registers the completion callback; the TIS device
// installs itself here at construction.
func (b *SocketBackend) SetRequestCompleted(fn RequestCompletedFunc) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.completed = fn
}

// DeliverRequest writes the command over the data channel and collects
// the response in a goroutine. Only one request is in flight at a time;
// the device guarantees that.
func (b *SocketBackend) DeliverRequest(cmd *Command) {
	go b.runRequest(cmd)
}

func (b *SocketBackend) runRequest(cmd *Command) {
	ret := int32(0)
	selftestDone := false

	// In and Out may alias; keep the request bytes for selftest detection
	// before the response overwrites them.
	req := *cmd
	req.In = append([]byte(nil), cmd.In[:cmd.InLen]...)

	if err := writeFull(b.dataFD, cmd.In[:cmd.InLen]); err != nil {
		fmt.Printf("SocketBackend: failed to send command: %v\n", err)
		ret = -1
	} else if err := b.readResponse(cmd); err != nil {
		fmt.Printf("SocketBackend: failed to read response: %v\n", err)
		ret = -1
	} else {
		selftestDone = b.isSelftestDone(&req)
	}

	b.lock.Lock()
	fn := b.completed
	b.lock.Unlock()
	if fn != nil {
		fn(ret, selftestDone)
	}
}

// readResponse reads one TPM response frame into cmd.Out: the fixed
// header first, then the remainder announced by the header's size field.
func (b *SocketBackend) readResponse(cmd *Command) error {
	if cmd.OutLen < tpmHeaderSize {
		return fmt.Errorf("response buffer too small (%d bytes)", cmd.OutLen)
	}
	if err := readFull(b.dataFD, cmd.Out[:tpmHeaderSize]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(cmd.Out[2:6])
	if size < tpmHeaderSize {
		return fmt.Errorf("malformed response header (size %d)", size)
	}
	if size > cmd.OutLen {
		size = cmd.OutLen
	}
	if size > tpmHeaderSize {
		if err := readFull(b.dataFD, cmd.Out[tpmHeaderSize:size]); err != nil {
			return err
		}
	}
	return nil
}

// isSelftestDone reports whether the completed command finished the TPM's
// self test. Only TPM 1.2 signals this through the command stream.
func (b *SocketBackend) isSelftestDone(cmd *Command) bool {
	if b.version != TPMVersion1_2 || cmd.InLen < tpmHeaderSize {
		return false
	}
	if binary.BigEndian.Uint32(cmd.In[6:10]) != tpmOrdContinueSelfTest {
		return false
	}
	return binary.BigEndian.Uint32(cmd.Out[6:10]) == 0
}

// CancelCommand asks the emulator to cancel the in-flight command. The
// emulator may refuse; completion arrives through the data channel either
// way.
func (b *SocketBackend) CancelCommand() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, err := b.ctrlCommand(ptmCancelTPMCmd, nil, 0); err != nil {
		fmt.Printf("SocketBackend: CANCEL failed: %v\n", err)
	}
}

// EstablishedFlag queries (and caches) the TPM-established flag.
func (b *SocketBackend) EstablishedFlag() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.estFlagCached {
		return b.estFlag
	}
	resp, err := b.ctrlCommand(ptmGetTPMEstablished, nil, 4)
	if err != nil {
		fmt.Printf("SocketBackend: GET_TPMESTABLISHED failed: %v\n", err)
		return false
	}
	b.estFlag = resp[0] != 0
	b.estFlagCached = true
	return b.estFlag
}

// ResetEstablishedFlag clears the established flag on behalf of the given
// locality.
func (b *SocketBackend) ResetEstablishedFlag(locty uint8) {
	b.lock.Lock()
	defer b.lock.Unlock()
	payload := []byte{locty}
	if _, err := b.ctrlCommand(ptmResetTPMEstablished, payload, 0); err != nil {
		fmt.Printf("SocketBackend: RESET_TPMESTABLISHED failed: %v\n", err)
		return
	}
	b.estFlagCached = false
}

// Close shuts the emulator down and releases both channels.
func (b *SocketBackend) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, err := b.ctrlCommand(ptmShutdown, nil, 0); err != nil {
		fmt.Printf("SocketBackend: SHUTDOWN failed: %v\n", err)
	}
	if b.dataFD >= 0 {
		unix.Close(b.dataFD)
		b.dataFD = -1
	}
	if b.ctrlFD >= 0 {
		unix.Close(b.ctrlFD)
		b.ctrlFD = -1
	}
	return nil
}

func readFull(fd int, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := unix.Read(fd, buf[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("unexpected EOF after %d bytes", off)
		}
		off += n
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := unix.Write(fd, buf[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		off += n
	}
	return nil
}
