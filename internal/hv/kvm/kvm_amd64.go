//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/vesselvm/vessel/internal/hv"
	"golang.org/x/sys/unix"
)

var (
	regularRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Rax:    true,
		hv.RegisterAMD64Rbx:    true,
		hv.RegisterAMD64Rcx:    true,
		hv.RegisterAMD64Rdx:    true,
		hv.RegisterAMD64Rsi:    true,
		hv.RegisterAMD64Rdi:    true,
		hv.RegisterAMD64Rsp:    true,
		hv.RegisterAMD64Rbp:    true,
		hv.RegisterAMD64R8:     true,
		hv.RegisterAMD64R9:     true,
		hv.RegisterAMD64R10:    true,
		hv.RegisterAMD64R11:    true,
		hv.RegisterAMD64R12:    true,
		hv.RegisterAMD64R13:    true,
		hv.RegisterAMD64R14:    true,
		hv.RegisterAMD64R15:    true,
		hv.RegisterAMD64Rip:    true,
		hv.RegisterAMD64Rflags: true,
	}

	specialRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Cr3: true,
	}
)

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular := false
	hasSpecial := false
	for reg := range regs {
		if regularRegisters[reg] {
			hasRegular = true
		} else if specialRegisters[reg] {
			hasSpecial = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if hasRegular {
		state, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		if val, ok := regs[hv.RegisterAMD64Rax]; ok {
			state.Rax = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rbx]; ok {
			state.Rbx = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rcx]; ok {
			state.Rcx = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rdx]; ok {
			state.Rdx = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rsi]; ok {
			state.Rsi = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rdi]; ok {
			state.Rdi = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rsp]; ok {
			state.Rsp = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rbp]; ok {
			state.Rbp = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64R8]; ok {
			state.R8 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64R9]; ok {
			state.R9 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64R10]; ok {
			state.R10 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64R11]; ok {
			state.R11 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64R12]; ok {
			state.R12 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64R13]; ok {
			state.R13 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64R14]; ok {
			state.R14 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64R15]; ok {
			state.R15 = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rip]; ok {
			state.Rip = uint64(val.(hv.Register64))
		}
		if val, ok := regs[hv.RegisterAMD64Rflags]; ok {
			state.Rflags = uint64(val.(hv.Register64))
		}

		if err := setRegisters(v.fd, &state); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if hasSpecial {
		sregs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		if val, ok := regs[hv.RegisterAMD64Cr3]; ok {
			sregs.Cr3 = uint64(val.(hv.Register64))
		}

		if err := setSRegs(v.fd, &sregs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular := false
	hasSpecial := false
	for reg := range regs {
		if regularRegisters[reg] {
			hasRegular = true
		} else if specialRegisters[reg] {
			hasSpecial = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if hasRegular {
		state, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg := range regs {
			switch reg {
			case hv.RegisterAMD64Rax:
				regs[reg] = hv.Register64(state.Rax)
			case hv.RegisterAMD64Rbx:
				regs[reg] = hv.Register64(state.Rbx)
			case hv.RegisterAMD64Rcx:
				regs[reg] = hv.Register64(state.Rcx)
			case hv.RegisterAMD64Rdx:
				regs[reg] = hv.Register64(state.Rdx)
			case hv.RegisterAMD64Rsi:
				regs[reg] = hv.Register64(state.Rsi)
			case hv.RegisterAMD64Rdi:
				regs[reg] = hv.Register64(state.Rdi)
			case hv.RegisterAMD64Rsp:
				regs[reg] = hv.Register64(state.Rsp)
			case hv.RegisterAMD64Rbp:
				regs[reg] = hv.Register64(state.Rbp)
			case hv.RegisterAMD64R8:
				regs[reg] = hv.Register64(state.R8)
			case hv.RegisterAMD64R9:
				regs[reg] = hv.Register64(state.R9)
			case hv.RegisterAMD64R10:
				regs[reg] = hv.Register64(state.R10)
			case hv.RegisterAMD64R11:
				regs[reg] = hv.Register64(state.R11)
			case hv.RegisterAMD64R12:
				regs[reg] = hv.Register64(state.R12)
			case hv.RegisterAMD64R13:
				regs[reg] = hv.Register64(state.R13)
			case hv.RegisterAMD64R14:
				regs[reg] = hv.Register64(state.R14)
			case hv.RegisterAMD64R15:
				regs[reg] = hv.Register64(state.R15)
			case hv.RegisterAMD64Rip:
				regs[reg] = hv.Register64(state.Rip)
			case hv.RegisterAMD64Rflags:
				regs[reg] = hv.Register64(state.Rflags)
			}
		}
	}

	if hasSpecial {
		sregs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg := range regs {
			if reg == hv.RegisterAMD64Cr3 {
				regs[reg] = hv.Register64(sregs.Cr3)
			}
		}
	}

	return nil
}

func (v *virtualCPU) Run(ctx context.Context) error {
	usingContext := false
	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// clear immediate_exit in case it was set
	run.immediate_exit = 0

	// The AfterFunc may have fired before the clear above, losing the kick.
	if usingContext && ctx.Err() != nil {
		return ctx.Err()
	}

	// keep trying to run the vCPU until it exits or an error occurs
	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if usingContext && (errors.Is(ctx.Err(), context.Canceled) ||
				errors.Is(ctx.Err(), context.DeadlineExceeded)) {
				return ctx.Err()
			}

			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		return fmt.Errorf("kvm: vCPU %d exited with internal error: %s", v.id, ie.Suberror)
	case kvmExitHlt:
		return hv.ErrVMHalted
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		return v.handleIO(ioData)
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))

		return v.handleMMIO(mmioData)
	case kvmExitShutdown:
		// Triple fault or similar unrecoverable guest state.
		return fmt.Errorf("kvm: vCPU %d shut down unexpectedly", v.id)
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		if system.typ == uint32(kvmSystemEventShutdown) {
			return hv.ErrGuestShutdown
		}
		return fmt.Errorf("kvm: vCPU %d exited with system event %d", v.id, system.typ)
	default:
		return fmt.Errorf("kvm: vCPU %d exited with unknown reason %s", v.id, reason)
	}
}

func (v *virtualCPU) handleIO(ioData *kvmExitIoData) error {
	for _, dev := range v.vm.devices {
		portDev, ok := dev.(hv.X86IOPortDevice)
		if !ok {
			continue
		}

		for _, port := range portDev.IOPorts() {
			if port != ioData.port {
				continue
			}

			data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

			if ioData.direction == 0 {
				if err := portDev.ReadIOPort(ioData.port, data); err != nil {
					return fmt.Errorf("I/O port 0x%04x read: %w", ioData.port, err)
				}
			} else {
				if err := portDev.WriteIOPort(ioData.port, data); err != nil {
					return fmt.Errorf("I/O port 0x%04x write: %w", ioData.port, err)
				}
			}

			return nil
		}
	}

	return fmt.Errorf("no device handles I/O port 0x%04x", ioData.port)
}

func (v *virtualCPU) handleMMIO(mmioData *kvmExitMMIOData) error {
	for _, dev := range v.vm.devices {
		mmioDev, ok := dev.(hv.MemoryMappedIODevice)
		if !ok {
			continue
		}

		addr := mmioData.physAddr
		size := mmioData.len
		for _, region := range mmioDev.MMIORegions() {
			if addr < region.Address || addr+uint64(size) > region.Address+region.Size {
				continue
			}

			data := mmioData.data[:size]

			if mmioData.isWrite == 0 {
				if err := mmioDev.ReadMMIO(addr, data); err != nil {
					return fmt.Errorf("MMIO read at 0x%016x: %w", addr, err)
				}
			} else {
				if err := mmioDev.WriteMMIO(addr, data); err != nil {
					return fmt.Errorf("MMIO write at 0x%016x: %w", addr, err)
				}
			}

			return nil
		}
	}

	return fmt.Errorf("no device handles MMIO at 0x%016x", mmioData.physAddr)
}

func (h *hypervisor) archVMInit(vm *virtualMachine, config hv.VMConfig) error {
	if err := setTSSAddr(vm.vmFd, 0xfffbd000); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting supported CPUID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU CPUID: %w", err)
	}

	return nil
}

func (h *hypervisor) archPostVCPUInit(vm *virtualMachine, config hv.VMConfig) error {
	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

// CR0 bits
const (
	cr0_PE = 1
	cr0_MP = 1 << 1
	cr0_ET = 1 << 4
	cr0_NE = 1 << 5
	cr0_WP = 1 << 16
	cr0_AM = 1 << 18
	cr0_PG = 1 << 31
)

// CR4 bits
const (
	cr4_PAE = 1 << 5
)

// EFER bits
const (
	efer_LME = 1 << 8
	efer_LMA = 1 << 10
)

// page table entry bits
const (
	pteP  = 1 << 0 // present
	pteRW = 1 << 1 // writable
	pteUS = 1 << 2 // user
	ptePS = 1 << 7 // page-size (2MiB when set in PDE)
)

const (
	longModeCodeSelector = 1 << 3
	longModeDataSelector = 2 << 3
)

// SetLongMode builds identity-mapped page tables covering mappedGiB gigabytes
// (2MiB pages) starting at pagingBase and switches the vCPU into 64-bit long
// mode with flat segments.
func (v *virtualCPU) SetLongMode(pagingBase uint64, mappedGiB int) error {
	memBase := v.vm.memoryBase
	memData := v.vm.memory

	// Translate a guest-phys address to an index into guest memory.
	host := func(gpa uint64) int {
		if gpa < memBase {
			panic("GPA below memory base")
		}
		off := gpa - memBase
		if off > uint64(len(memData)) {
			panic("GPA outside allocated memory")
		}
		return int(off)
	}

	// All paging structures must be 4KiB aligned GPAs.
	pml4Addr := (memBase + pagingBase + 0x0000) &^ 0xFFF
	pdptAddr := (memBase + pagingBase + 0x1000) &^ 0xFFF
	pdBase := (memBase + pagingBase + 0x2000) &^ 0xFFF // one PD per mapped GiB

	pml4 := (*[512]uint64)(unsafe.Pointer(&memData[host(pml4Addr)]))[:]
	pdpt := (*[512]uint64)(unsafe.Pointer(&memData[host(pdptAddr)]))[:]

	for i := range pml4 {
		pml4[i] = 0
	}
	for i := range pdpt {
		pdpt[i] = 0
	}

	// A single PML4 entry covers the low 512 GiB.
	pml4[0] = (pdptAddr &^ 0xFFF) | pteP | pteRW | pteUS

	for giB := 0; giB < mappedGiB; giB++ {
		pdAddr := pdBase + uint64(giB)*0x1000
		pd := (*[512]uint64)(unsafe.Pointer(&memData[host(pdAddr)]))[:]

		pdpt[giB] = (pdAddr &^ 0xFFF) | pteP | pteRW | pteUS

		// Fill the PD with 2MiB identity mappings for this 1 GiB slice.
		baseGiB := uint64(giB) << 30
		for i := range 512 {
			phys := baseGiB | (uint64(i) << 21)
			pd[i] = (phys &^ 0x1FFFFF) | pteP | pteRW | pteUS | ptePS
		}
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return err
	}

	sregs.Cr3 = pml4Addr
	sregs.Cr4 |= cr4_PAE
	sregs.Cr0 |= cr0_PE | cr0_MP | cr0_ET | cr0_NE | cr0_WP | cr0_AM | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	// 64-bit code segment (CS.L=1, D=0), flat data segments.
	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: longModeCodeSelector,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // must be 0 in 64-bit mode
		S:        1, // code/data
		L:        1, // 64-bit
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Db = 1
	data.Selector = longModeDataSelector
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(v.fd, &sregs); err != nil {
		return err
	}

	return nil
}

var (
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)
