package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vesselvm/vessel/internal/guestmem"
	"github.com/vesselvm/vessel/internal/hv"
	"github.com/vesselvm/vessel/internal/netdev"
	"golang.org/x/sys/unix"
)

// ErrGuestExited signals that the guest issued an EXIT hypercall. Use
// ExitCode to recover the guest-supplied code.
var ErrGuestExited = errors.New("guest exited")

type exitError struct {
	code int32
}

func (e *exitError) Error() string { return fmt.Sprintf("guest exited with code %d", e.code) }
func (e *exitError) Unwrap() error { return ErrGuestExited }

// ExitCode extracts the guest exit code from an error chain containing
// ErrGuestExited.
func ExitCode(err error) (int32, bool) {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code, true
	}
	return 0, false
}

// Config carries the host-side resources hypercalls are serviced with.
type Config struct {
	// Args and Env are exposed to the guest through CMDSIZE/CMDVAL.
	Args []string
	Env  []string

	// Stdin, Stdout and Stderr back guest I/O on fds 0, 1 and 2.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Net is the optional network device. Without it the network
	// hypercalls report ENODEV.
	Net *netdev.Device
}

// Dispatcher services hypercalls. It appears to the VM as an I/O-port
// device on x86_64 and as the MMIO trigger page on arm64; both trigger
// paths funnel into the same opcode table.
//
// Hypercalls run synchronously on the vCPU thread that trapped. Host
// syscall failures are reported to the guest as -errno result values and
// never abort the VM; only guest-memory violations and EXIT do.
//
// Forwarded syscalls run with the host process's own privileges. The guest
// inherits host file and network access for everything forwarded; that
// trust boundary is part of the protocol.
type Dispatcher struct {
	mem *guestmem.Region
	cfg Config
}

func NewDispatcher(mem *guestmem.Region, cfg Config) *Dispatcher {
	return &Dispatcher{mem: mem, cfg: cfg}
}

func (d *Dispatcher) Init(vm hv.VirtualMachine) error { return nil }

// IOPorts implements hv.X86IOPortDevice.
func (d *Dispatcher) IOPorts() []uint16 {
	ports := make([]uint16, len(Opcodes))
	for i, op := range Opcodes {
		ports[i] = uint16(op)
	}
	return ports
}

func (d *Dispatcher) ReadIOPort(port uint16, data []byte) error {
	return fmt.Errorf("guest: unexpected read from hypercall port 0x%x", port)
}

// WriteIOPort decodes the x86_64 trigger: the value written to the opcode
// port is the 32-bit guest-physical address of the argument struct.
func (d *Dispatcher) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("guest: hypercall port 0x%x written with %d bytes, want 4", port, len(data))
	}

	argAddr := uint64(binary.LittleEndian.Uint32(data))
	return d.dispatch(Opcode(port), argAddr)
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *Dispatcher) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: TriggerAddr, Size: TriggerSize}}
}

func (d *Dispatcher) ReadMMIO(addr uint64, data []byte) error {
	return fmt.Errorf("guest: unexpected read from hypercall trigger page at 0x%x", addr)
}

// WriteMMIO decodes the arm64 trigger: the offset into the trigger page is
// the opcode and the stored value is the guest-physical address of the
// argument struct.
func (d *Dispatcher) WriteMMIO(addr uint64, data []byte) error {
	var argAddr uint64
	switch len(data) {
	case 4:
		argAddr = uint64(binary.LittleEndian.Uint32(data))
	case 8:
		argAddr = binary.LittleEndian.Uint64(data)
	default:
		return fmt.Errorf("guest: hypercall trigger at 0x%x written with %d bytes, want 4 or 8", addr, len(data))
	}

	return d.dispatch(Opcode(addr-TriggerAddr), argAddr)
}

func (d *Dispatcher) dispatch(op Opcode, argAddr uint64) error {
	slog.Debug("hypercall", "op", op, "args", fmt.Sprintf("0x%x", argAddr))

	switch op {
	case OpWrite:
		return d.handleWrite(argAddr)
	case OpRead:
		return d.handleRead(argAddr)
	case OpOpen:
		return d.handleOpen(argAddr)
	case OpClose:
		return d.handleClose(argAddr)
	case OpLseek:
		return d.handleLseek(argAddr)
	case OpUnlink:
		return d.handleUnlink(argAddr)
	case OpExit:
		return d.handleExit(argAddr)
	case OpCmdsize:
		return d.handleCmdsize(argAddr)
	case OpCmdval:
		return d.handleCmdval(argAddr)
	case OpNetinfo:
		return d.handleNetinfo(argAddr)
	case OpNetwrite:
		return d.handleNetwrite(argAddr)
	case OpNetread:
		return d.handleNetread(argAddr)
	default:
		return fmt.Errorf("guest: unknown hypercall opcode 0x%x", uint16(op))
	}
}

// hostErrno converts a host syscall error into the negative errno value
// written into guest result fields.
func hostErrno(err error) int32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}

func (d *Dispatcher) writeRet32(argAddr, offset uint64, v int32) error {
	return d.mem.WriteUint32(argAddr+offset, uint32(v))
}

func (d *Dispatcher) writeRet64(argAddr, offset uint64, v int64) error {
	return d.mem.WriteUint64(argAddr+offset, uint64(v))
}

func (d *Dispatcher) handleWrite(argAddr uint64) error {
	args, err := readIOArgs(d.mem, argAddr)
	if err != nil {
		return fmt.Errorf("guest: WRITE args: %w", err)
	}
	if err := d.mem.CheckRange(args.buf, args.len); err != nil {
		return fmt.Errorf("guest: WRITE buffer: %w", err)
	}

	buf := make([]byte, args.len)
	if err := d.mem.ReadAt(buf, args.buf); err != nil {
		return fmt.Errorf("guest: WRITE buffer: %w", err)
	}

	var (
		n      int
		werr   error
		target io.Writer
	)
	switch args.fd {
	case 1:
		target = d.cfg.Stdout
	case 2:
		target = d.cfg.Stderr
	}

	if target != nil {
		n, werr = target.Write(buf)
	} else {
		n, werr = unix.Write(int(args.fd), buf)
	}

	ret := int64(n)
	if werr != nil {
		ret = int64(hostErrno(werr))
	}
	return d.writeRet64(argAddr, ioArgsRetOffset, ret)
}

func (d *Dispatcher) handleRead(argAddr uint64) error {
	args, err := readIOArgs(d.mem, argAddr)
	if err != nil {
		return fmt.Errorf("guest: READ args: %w", err)
	}
	if err := d.mem.CheckRange(args.buf, args.len); err != nil {
		return fmt.Errorf("guest: READ buffer: %w", err)
	}

	buf := make([]byte, args.len)

	var (
		n    int
		rerr error
	)
	if args.fd == 0 && d.cfg.Stdin != nil {
		n, rerr = d.cfg.Stdin.Read(buf)
		if rerr == io.EOF {
			n, rerr = 0, nil
		}
	} else {
		n, rerr = unix.Read(int(args.fd), buf)
	}

	if rerr != nil {
		return d.writeRet64(argAddr, ioArgsRetOffset, int64(hostErrno(rerr)))
	}

	if err := d.mem.WriteAt(buf[:n], args.buf); err != nil {
		return fmt.Errorf("guest: READ buffer: %w", err)
	}
	return d.writeRet64(argAddr, ioArgsRetOffset, int64(n))
}

func (d *Dispatcher) handleOpen(argAddr uint64) error {
	if err := d.mem.CheckRange(argAddr, openArgsSize); err != nil {
		return fmt.Errorf("guest: OPEN args: %w", err)
	}

	pathPtr, err := d.mem.ReadUint64(argAddr)
	if err != nil {
		return err
	}
	flags, err := d.mem.ReadUint32(argAddr + 8)
	if err != nil {
		return err
	}
	mode, err := d.mem.ReadUint32(argAddr + 12)
	if err != nil {
		return err
	}

	path, err := d.mem.CString(pathPtr, maxPathLen)
	if err != nil {
		return fmt.Errorf("guest: OPEN path: %w", err)
	}

	fd, oerr := unix.Open(path, int(int32(flags)), mode)
	ret := int32(fd)
	if oerr != nil {
		ret = hostErrno(oerr)
	}
	return d.writeRet32(argAddr, openArgsRetOffset, ret)
}

func (d *Dispatcher) handleClose(argAddr uint64) error {
	if err := d.mem.CheckRange(argAddr, closeArgsSize); err != nil {
		return fmt.Errorf("guest: CLOSE args: %w", err)
	}

	fdVal, err := d.mem.ReadUint32(argAddr)
	if err != nil {
		return err
	}
	fd := int32(fdVal)

	// The guest's stdio fds are the host's. Pretend to close them.
	var ret int32
	if fd > 2 {
		if cerr := unix.Close(int(fd)); cerr != nil {
			ret = hostErrno(cerr)
		}
	}
	return d.writeRet32(argAddr, closeArgsRetOffset, ret)
}

func (d *Dispatcher) handleLseek(argAddr uint64) error {
	if err := d.mem.CheckRange(argAddr, lseekArgsSize); err != nil {
		return fmt.Errorf("guest: LSEEK args: %w", err)
	}

	fdVal, err := d.mem.ReadUint32(argAddr)
	if err != nil {
		return err
	}
	whence, err := d.mem.ReadUint32(argAddr + 4)
	if err != nil {
		return err
	}
	offset, err := d.mem.ReadUint64(argAddr + lseekArgsOffsetOffset)
	if err != nil {
		return err
	}

	pos, serr := unix.Seek(int(int32(fdVal)), int64(offset), int(int32(whence)))
	if serr != nil {
		pos = int64(hostErrno(serr))
	}
	return d.writeRet64(argAddr, lseekArgsOffsetOffset, pos)
}

func (d *Dispatcher) handleUnlink(argAddr uint64) error {
	if err := d.mem.CheckRange(argAddr, unlinkArgsSize); err != nil {
		return fmt.Errorf("guest: UNLINK args: %w", err)
	}

	pathPtr, err := d.mem.ReadUint64(argAddr)
	if err != nil {
		return err
	}
	path, err := d.mem.CString(pathPtr, maxPathLen)
	if err != nil {
		return fmt.Errorf("guest: UNLINK path: %w", err)
	}

	var ret int32
	if uerr := unix.Unlink(path); uerr != nil {
		ret = hostErrno(uerr)
	}
	return d.writeRet32(argAddr, unlinkArgsRetOffset, ret)
}

func (d *Dispatcher) handleExit(argAddr uint64) error {
	if err := d.mem.CheckRange(argAddr, exitArgsSize); err != nil {
		return fmt.Errorf("guest: EXIT args: %w", err)
	}

	code, err := d.mem.ReadUint32(argAddr)
	if err != nil {
		return err
	}

	return &exitError{code: int32(code)}
}

func (d *Dispatcher) handleCmdsize(argAddr uint64) error {
	if err := d.mem.CheckRange(argAddr, cmdsizeArgsSize); err != nil {
		return fmt.Errorf("guest: CMDSIZE args: %w", err)
	}

	argszPtr, err := d.mem.ReadUint64(argAddr + 8)
	if err != nil {
		return err
	}
	envszPtr, err := d.mem.ReadUint64(argAddr + 16)
	if err != nil {
		return err
	}

	if err := d.writeSizes(argszPtr, d.cfg.Args); err != nil {
		return fmt.Errorf("guest: CMDSIZE argv sizes: %w", err)
	}
	if err := d.writeSizes(envszPtr, d.cfg.Env); err != nil {
		return fmt.Errorf("guest: CMDSIZE env sizes: %w", err)
	}

	if err := d.mem.WriteUint32(argAddr, uint32(len(d.cfg.Args))); err != nil {
		return err
	}
	return d.mem.WriteUint32(argAddr+4, uint32(len(d.cfg.Env)))
}

// writeSizes fills a guest u32 array with the size of each string including
// its NUL terminator.
func (d *Dispatcher) writeSizes(ptr uint64, strs []string) error {
	if len(strs) == 0 {
		return nil
	}
	if err := d.mem.CheckRange(ptr, uint64(len(strs))*4); err != nil {
		return err
	}
	for i, s := range strs {
		if err := d.mem.WriteUint32(ptr+uint64(i)*4, uint32(len(s)+1)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleCmdval(argAddr uint64) error {
	if err := d.mem.CheckRange(argAddr, cmdvalArgsSize); err != nil {
		return fmt.Errorf("guest: CMDVAL args: %w", err)
	}

	argvPtr, err := d.mem.ReadUint64(argAddr)
	if err != nil {
		return err
	}
	envpPtr, err := d.mem.ReadUint64(argAddr + 8)
	if err != nil {
		return err
	}

	if err := d.copyStrings(argvPtr, d.cfg.Args); err != nil {
		return fmt.Errorf("guest: CMDVAL argv: %w", err)
	}
	if err := d.copyStrings(envpPtr, d.cfg.Env); err != nil {
		return fmt.Errorf("guest: CMDVAL env: %w", err)
	}
	return nil
}

// copyStrings copies each string NUL-terminated into the guest buffer
// addressed by the corresponding element of a u64 pointer array.
func (d *Dispatcher) copyStrings(arrayPtr uint64, strs []string) error {
	if len(strs) == 0 {
		return nil
	}
	if err := d.mem.CheckRange(arrayPtr, uint64(len(strs))*8); err != nil {
		return err
	}
	for i, s := range strs {
		dst, err := d.mem.ReadUint64(arrayPtr + uint64(i)*8)
		if err != nil {
			return err
		}
		if err := d.mem.WriteAt(append([]byte(s), 0), dst); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleNetinfo(argAddr uint64) error {
	if err := d.mem.CheckRange(argAddr, netinfoArgsSize); err != nil {
		return fmt.Errorf("guest: NETINFO args: %w", err)
	}

	var page [netinfoArgsSize]byte
	if d.cfg.Net != nil {
		info := d.cfg.Net.Info()
		copy(page[0:4], info.Addr[:])
		copy(page[4:8], info.Mask[:])
		copy(page[8:12], info.Gateway[:])
		copy(page[12:18], info.MAC[:])
	}
	return d.mem.WriteAt(page[:], argAddr)
}

func (d *Dispatcher) handleNetwrite(argAddr uint64) error {
	buf, length, err := readNetArgs(d.mem, argAddr)
	if err != nil {
		return fmt.Errorf("guest: NETWRITE args: %w", err)
	}
	if err := d.mem.CheckRange(buf, length); err != nil {
		return fmt.Errorf("guest: NETWRITE buffer: %w", err)
	}

	if d.cfg.Net == nil {
		return d.writeRet32(argAddr, netArgsRetOffset, -int32(unix.ENODEV))
	}

	frame := make([]byte, length)
	if err := d.mem.ReadAt(frame, buf); err != nil {
		return fmt.Errorf("guest: NETWRITE buffer: %w", err)
	}

	n, serr := d.cfg.Net.Send(frame)
	ret := int32(n)
	if serr != nil {
		ret = hostErrno(serr)
	}
	return d.writeRet32(argAddr, netArgsRetOffset, ret)
}

func (d *Dispatcher) handleNetread(argAddr uint64) error {
	buf, length, err := readNetArgs(d.mem, argAddr)
	if err != nil {
		return fmt.Errorf("guest: NETREAD args: %w", err)
	}
	if err := d.mem.CheckRange(buf, length); err != nil {
		return fmt.Errorf("guest: NETREAD buffer: %w", err)
	}

	if d.cfg.Net == nil {
		return d.writeRet32(argAddr, netArgsRetOffset, -int32(unix.ENODEV))
	}

	frame := make([]byte, length)
	n, rerr := d.cfg.Net.Receive(frame)
	switch {
	case errors.Is(rerr, netdev.ErrWouldBlock):
		return d.writeRet32(argAddr, netArgsRetOffset, -int32(unix.EAGAIN))
	case errors.Is(rerr, netdev.ErrFrameTooLarge):
		return d.writeRet32(argAddr, netArgsRetOffset, -int32(unix.EMSGSIZE))
	case rerr != nil:
		return d.writeRet32(argAddr, netArgsRetOffset, hostErrno(rerr))
	}

	if err := d.mem.WriteAt(frame[:n], buf); err != nil {
		return fmt.Errorf("guest: NETREAD buffer: %w", err)
	}
	if err := d.mem.WriteUint64(argAddr+netArgsLenOffset, uint64(n)); err != nil {
		return err
	}
	return d.writeRet32(argAddr, netArgsRetOffset, 0)
}

var (
	_ hv.X86IOPortDevice      = &Dispatcher{}
	_ hv.MemoryMappedIODevice = &Dispatcher{}
)
