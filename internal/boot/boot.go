// Package boot places a guest image into memory and derives the state each
// core needs to start executing: entry point, boot stack and a boot info
// page describing the machine.
//
// Guest-physical layout, offsets relative to the memory base:
//
//	+0x0000  reserved
//	+0x1000  amd64 page tables (PML4, PDPT, one PD per mapped GiB)
//	+0x8000  boot info page
//	+0x9000  image segments upward
//	top      per-core boot stacks, 64 KiB each, core 0 highest
package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/vesselvm/vessel/internal/guestmem"
	"github.com/vesselvm/vessel/internal/hv"
	"github.com/vesselvm/vessel/internal/image"
)

const (
	// PagingOffset is where the amd64 long-mode page tables live.
	PagingOffset = 0x1000

	// InfoOffset is where the boot info page lives.
	InfoOffset = 0x8000

	// ReservedSize is the size of the reserved low area; no image segment
	// may load below it.
	ReservedSize = 0x9000

	// StackSize is the size of each core's boot stack.
	StackSize = 0x10000

	infoMagic   uint32 = 0x314c5356 // "VSL1"
	infoVersion uint32 = 1
)

// Plan programs one vCPU for entry into the guest. Implementations are
// architecture-specific.
type Plan interface {
	ConfigureVCPU(vcpu hv.VirtualCPU, core int) error
}

// Layout describes where everything sits in guest-physical memory.
type Layout struct {
	MemoryBase uint64
	MemorySize uint64
	CoreCount  int

	// TriggerAddr is the guest-physical address of the hypercall MMIO
	// trigger page on arm64, zero on x86_64.
	TriggerAddr uint64
}

// InfoAddr returns the guest-physical address of the boot info page.
func (l Layout) InfoAddr() uint64 { return l.MemoryBase + InfoOffset }

// StackTop returns the initial stack pointer for the given core. Core 0
// gets the highest stack; each further core sits StackSize below.
func (l Layout) StackTop(core int) uint64 {
	return l.MemoryBase + l.MemorySize - uint64(core)*StackSize
}

// StacksBase returns the lowest guest-physical address occupied by the boot
// stacks.
func (l Layout) StacksBase() uint64 {
	return l.MemoryBase + l.MemorySize - uint64(l.CoreCount)*StackSize
}

// LoadableRange returns the guest-physical range image segments may occupy.
func (l Layout) LoadableRange() (lo, hi uint64) {
	return l.MemoryBase + ReservedSize, l.StacksBase()
}

func (l Layout) Validate() error {
	if l.CoreCount < 1 {
		return fmt.Errorf("boot: need at least one core, got %d", l.CoreCount)
	}
	lo, hi := l.LoadableRange()
	if hi <= lo {
		return fmt.Errorf("boot: %d bytes of memory leave no room between the reserved area and %d boot stacks",
			l.MemorySize, l.CoreCount)
	}
	return nil
}

// writeInfo fills in the boot info page. All fields are little-endian:
//
//	+0   u32 magic "VSL1"
//	+4   u32 version
//	+8   u64 memory base
//	+16  u64 memory size
//	+24  u32 core count
//	+28  u32 reserved
//	+32  u64 hypercall trigger address (0 on x86_64)
func (l Layout) writeInfo(region *guestmem.Region) error {
	var page [40]byte
	le := binary.LittleEndian

	le.PutUint32(page[0:], infoMagic)
	le.PutUint32(page[4:], infoVersion)
	le.PutUint64(page[8:], l.MemoryBase)
	le.PutUint64(page[16:], l.MemorySize)
	le.PutUint32(page[24:], uint32(l.CoreCount))
	le.PutUint64(page[32:], l.TriggerAddr)

	return region.WriteAt(page[:], l.InfoAddr())
}

// Loader implements hv.VMLoader: it copies the image segments into guest
// memory and writes the boot info page. Register state is programmed
// separately through the architecture Plan.
type Loader struct {
	Image  *image.Image
	Layout Layout
}

func (l *Loader) Load(vm hv.VirtualMachine) error {
	if err := l.Layout.Validate(); err != nil {
		return err
	}

	region := guestmem.New(vm, l.Layout.MemoryBase, l.Layout.MemorySize)
	lo, hi := l.Layout.LoadableRange()

	for _, seg := range l.Image.Segments {
		end := seg.Addr + seg.MemSize
		if end < seg.Addr || seg.Addr < lo || end > hi {
			return fmt.Errorf("boot: segment [0x%x, 0x%x) outside loadable range [0x%x, 0x%x)",
				seg.Addr, end, lo, hi)
		}

		// Guest memory starts zeroed, so only the file-backed part of the
		// segment needs writing.
		if err := region.WriteAt(seg.Data, seg.Addr); err != nil {
			return fmt.Errorf("boot: load segment at 0x%x: %w", seg.Addr, err)
		}
	}

	if err := l.Layout.writeInfo(region); err != nil {
		return fmt.Errorf("boot: write boot info page: %w", err)
	}

	return nil
}

var _ hv.VMLoader = &Loader{}
