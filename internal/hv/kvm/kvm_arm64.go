//go:build linux && arm64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/vesselvm/vessel/internal/hv"
	"golang.org/x/sys/unix"
)

const (
	kvmRegArm64         uint64 = 0x6000000000000000
	kvmRegSizeU64       uint64 = 0x0030000000000000
	kvmRegArmCoproShift        = 16
	kvmRegArmCore       uint64 = 0x0010 << kvmRegArmCoproShift
)

// arm64CoreRegister builds a KVM_{GET,SET}_ONE_REG id for a core register at
// the given byte offset into struct kvm_regs.
func arm64CoreRegister(offsetBytes uintptr) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArmCore | uint64(offsetBytes/4)
}

// arm64RegisterIDs maps the general-purpose registers, SP, PC and PSTATE to
// their ONE_REG ids. X0..X30 occupy the first 31 slots of kvm_regs, followed
// by SP, PC and PSTATE.
var arm64RegisterIDs = func() map[hv.Register]uint64 {
	regs := make(map[hv.Register]uint64, 34)

	for i := 0; i <= 30; i++ {
		reg := hv.Register(int(hv.RegisterARM64X0) + i)
		regs[reg] = arm64CoreRegister(uintptr(i * 8))
	}

	regs[hv.RegisterARM64Sp] = arm64CoreRegister(uintptr(31 * 8))
	regs[hv.RegisterARM64Pc] = arm64CoreRegister(uintptr(32 * 8))
	regs[hv.RegisterARM64Pstate] = arm64CoreRegister(uintptr(33 * 8))

	return regs
}()

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		kvmReg, ok := arm64RegisterIDs[reg]
		if !ok {
			return fmt.Errorf("kvm: unsupported register %v for architecture arm64", reg)
		}

		raw, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("kvm: invalid register value type %T for %v", value, reg)
		}

		val := uint64(raw)
		if err := setOneReg(v.fd, kvmReg, unsafe.Pointer(&val)); err != nil {
			return fmt.Errorf("kvm: set register %v: %w", reg, err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		kvmReg, ok := arm64RegisterIDs[reg]
		if !ok {
			return fmt.Errorf("kvm: unsupported register %v for architecture arm64", reg)
		}

		var val uint64
		if err := getOneReg(v.fd, kvmReg, unsafe.Pointer(&val)); err != nil {
			return fmt.Errorf("kvm: get register %v: %w", reg, err)
		}

		regs[reg] = hv.Register64(val)
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
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))

		return v.handleMMIO(mmioData)
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		switch system.typ {
		case uint32(kvmSystemEventShutdown):
			return hv.ErrGuestShutdown
		case uint32(kvmSystemEventReset):
			return fmt.Errorf("kvm: vCPU %d requested reset, which is not supported", v.id)
		default:
			return fmt.Errorf("kvm: vCPU %d exited with system event %d", v.id, system.typ)
		}
	default:
		return fmt.Errorf("kvm: vCPU %d exited with unknown reason %s", v.id, reason)
	}
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
	if !config.NeedsInterruptSupport() {
		return nil
	}

	if err := h.initArm64VGIC(vm); err != nil {
		return fmt.Errorf("configure vGIC: %w", err)
	}

	return nil
}

// archPostVCPUInit finalizes the vGIC, which requires the vCPUs to exist.
func (h *hypervisor) archPostVCPUInit(vm *virtualMachine, config hv.VMConfig) error {
	if !config.NeedsInterruptSupport() {
		return nil
	}

	if err := h.finalizeArm64VGIC(vm); err != nil {
		return fmt.Errorf("finalize vGIC: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	init, err := armPreferredTarget(vm.vmFd)
	if err != nil {
		return fmt.Errorf("getting preferred target: %w", err)
	}

	enableArmVcpuFeature(&init, kvmArmVcpuFeaturePsci02)

	if err := armVcpuInit(vcpuFd, &init); err != nil {
		return fmt.Errorf("initializing vCPU: %w", err)
	}

	return nil
}

func enableArmVcpuFeature(init *kvmVcpuInit, feature uint32) {
	word := feature / 32
	bit := feature % 32

	if word >= kvmArmVcpuInitFeatureWords {
		return
	}

	init.Features[word] |= 1 << bit
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureARM64
}
