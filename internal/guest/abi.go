// Package guest implements the hypercall protocol between a unikernel guest
// and the host process.
//
// The ABI is versioned by the boot info page and is NOT compatible with any
// other hypervisor's protocol. A hypercall is triggered by:
//
//   - x86_64: an OUT instruction to one of the opcode ports below. The
//     32-bit value written is the guest-physical address of the argument
//     struct.
//   - arm64: a 32- or 64-bit store to trigger page offset = opcode. The
//     value stored is the guest-physical address of the argument struct.
//
// All argument struct fields are little-endian fixed-width integers.
// Pointer fields are 64-bit guest-physical addresses. Every struct and
// every buffer it references must lie entirely inside guest memory; a
// violation terminates the guest.
package guest

import (
	"fmt"

	"github.com/vesselvm/vessel/internal/guestmem"
)

// Opcode identifies a hypercall. The numeric value doubles as the x86_64
// I/O port number and the arm64 trigger page offset.
type Opcode uint16

const (
	OpWrite    Opcode = 0x400
	OpOpen     Opcode = 0x440
	OpClose    Opcode = 0x480
	OpRead     Opcode = 0x500
	OpExit     Opcode = 0x540
	OpLseek    Opcode = 0x580
	OpNetinfo  Opcode = 0x600
	OpNetwrite Opcode = 0x640
	OpNetread  Opcode = 0x680
	OpCmdsize  Opcode = 0x740
	OpCmdval   Opcode = 0x780
	OpUnlink   Opcode = 0x840
)

func (op Opcode) String() string {
	switch op {
	case OpWrite:
		return "WRITE"
	case OpOpen:
		return "OPEN"
	case OpClose:
		return "CLOSE"
	case OpRead:
		return "READ"
	case OpExit:
		return "EXIT"
	case OpLseek:
		return "LSEEK"
	case OpNetinfo:
		return "NETINFO"
	case OpNetwrite:
		return "NETWRITE"
	case OpNetread:
		return "NETREAD"
	case OpCmdsize:
		return "CMDSIZE"
	case OpCmdval:
		return "CMDVAL"
	case OpUnlink:
		return "UNLINK"
	default:
		return fmt.Sprintf("Opcode(0x%x)", uint16(op))
	}
}

// Opcodes lists every opcode the dispatcher understands.
var Opcodes = []Opcode{
	OpWrite, OpOpen, OpClose, OpRead, OpExit, OpLseek,
	OpNetinfo, OpNetwrite, OpNetread, OpCmdsize, OpCmdval, OpUnlink,
}

const (
	// TriggerAddr is the guest-physical base of the arm64 hypercall trigger
	// page. It must not be backed by guest memory.
	TriggerAddr uint64 = 0xf000_0000

	// TriggerSize is the size of the trigger page.
	TriggerSize uint64 = 0x1000
)

// maxPathLen bounds NUL-terminated path strings read from the guest.
const maxPathLen = 4096

// ioArgs is the argument struct shared by WRITE and READ:
//
//	+0   i32 fd
//	+4   u32 reserved
//	+8   u64 buffer (guest-physical)
//	+16  u64 length
//	+24  i64 result: bytes transferred, 0 at EOF (READ), or -errno
type ioArgs struct {
	fd  int32
	buf uint64
	len uint64
}

const (
	ioArgsSize      = 32
	ioArgsRetOffset = 24
)

func readIOArgs(mem *guestmem.Region, addr uint64) (ioArgs, error) {
	if err := mem.CheckRange(addr, ioArgsSize); err != nil {
		return ioArgs{}, err
	}

	var args ioArgs
	fd, err := mem.ReadUint32(addr)
	if err != nil {
		return ioArgs{}, err
	}
	args.fd = int32(fd)

	if args.buf, err = mem.ReadUint64(addr + 8); err != nil {
		return ioArgs{}, err
	}
	if args.len, err = mem.ReadUint64(addr + 16); err != nil {
		return ioArgs{}, err
	}

	return args, nil
}

// openArgs:
//
//	+0   u64 path (guest-physical, NUL-terminated)
//	+8   i32 flags (host open flags)
//	+12  u32 mode
//	+16  i32 result: fd or -errno
//	+20  u32 reserved
const (
	openArgsSize      = 24
	openArgsRetOffset = 16
)

// closeArgs:
//
//	+0   i32 fd
//	+4   i32 result: 0 or -errno
const (
	closeArgsSize      = 8
	closeArgsRetOffset = 4
)

// lseekArgs:
//
//	+0   i32 fd
//	+4   i32 whence
//	+8   i64 offset; on return the new file offset or -errno
const (
	lseekArgsSize         = 16
	lseekArgsOffsetOffset = 8
)

// unlinkArgs:
//
//	+0   u64 path (guest-physical, NUL-terminated)
//	+8   i32 result: 0 or -errno
//	+12  u32 reserved
const (
	unlinkArgsSize      = 16
	unlinkArgsRetOffset = 8
)

// exitArgs:
//
//	+0   i32 exit code
const exitArgsSize = 4

// cmdsizeArgs: phase one of the argv/env handoff. The hypervisor fills in
// the counts and the per-string sizes (including the NUL terminator) so the
// guest can allocate buffers before calling CMDVAL.
//
//	+0   i32 argc (written by host)
//	+4   i32 envc (written by host)
//	+8   u64 pointer to u32[argc] of string sizes (written by host)
//	+16  u64 pointer to u32[envc] of string sizes (written by host)
const cmdsizeArgsSize = 24

// cmdvalArgs: phase two. Each pointer array element is a u64 guest-physical
// address of a buffer sized per the CMDSIZE reply; the hypervisor copies
// the NUL-terminated strings into them.
//
//	+0   u64 pointer to u64[argc] of buffer addresses
//	+8   u64 pointer to u64[envc] of buffer addresses
const cmdvalArgsSize = 16

// netinfoArgs, written entirely by the host:
//
//	+0   [4]u8 IPv4 address
//	+4   [4]u8 netmask
//	+8   [4]u8 gateway
//	+12  [6]u8 MAC
//	+18  u16 reserved
const netinfoArgsSize = 20

// netArgs is the argument struct shared by NETWRITE and NETREAD:
//
//	+0   u64 buffer (guest-physical)
//	+8   u64 length; NETREAD updates it to the received frame size
//	+16  i32 result: NETWRITE bytes sent or -errno; NETREAD 0, -EAGAIN
//	     when no frame is pending, or -errno
//	+20  u32 reserved
const (
	netArgsSize      = 24
	netArgsLenOffset = 8
	netArgsRetOffset = 16
)

func readNetArgs(mem *guestmem.Region, addr uint64) (buf, length uint64, err error) {
	if err := mem.CheckRange(addr, netArgsSize); err != nil {
		return 0, 0, err
	}
	if buf, err = mem.ReadUint64(addr); err != nil {
		return 0, 0, err
	}
	if length, err = mem.ReadUint64(addr + netArgsLenOffset); err != nil {
		return 0, 0, err
	}
	return buf, length, nil
}
