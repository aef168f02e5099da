//go:build linux && arm64

package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	arm64VGICDistributorBase   = 0x08000000
	arm64VGICRedistributorBase = 0x080a0000
	arm64VGICv2CpuIfBase       = 0x08010000
	arm64VGICNumIRQs           = 256
)

var errArmVGICUnsupported = errors.New("kvm: vGIC device unsupported")

func (h *hypervisor) initArm64VGIC(vm *virtualMachine) error {
	if err := h.initArm64VGICv3(vm); err != nil {
		if errors.Is(err, errArmVGICUnsupported) {
			return h.initArm64VGICv2(vm)
		}
		return err
	}

	return nil
}

// finalizeArm64VGIC completes vGIC initialization. KVM requires at least one
// vCPU to exist before the vGIC can be initialized.
func (h *hypervisor) finalizeArm64VGIC(vm *virtualMachine) error {
	if vm.arm64VGICFd == 0 {
		return fmt.Errorf("kvm: vGIC device fd not set")
	}

	attr := kvmDeviceAttr{Group: kvmDevArmVgicGrpCtrl, Attr: kvmDevArmVgicCtrlInit}
	if err := setDeviceAttr(vm.arm64VGICFd, &attr); err != nil {
		return fmt.Errorf("kvm: finalize vGIC (fd=%d): %w", vm.arm64VGICFd, err)
	}

	return nil
}

func (h *hypervisor) initArm64VGICv3(vm *virtualMachine) error {
	dev := kvmCreateDeviceArgs{
		Type:  kvmDevTypeArmVgicV3,
		Flags: 0,
	}

	if err := createDevice(vm.vmFd, &dev); err != nil {
		if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EOPNOTSUPP) {
			return errArmVGICUnsupported
		}
		return fmt.Errorf("kvm: create vGIC device: %w", err)
	}

	vm.arm64VGICFd = int(dev.Fd)

	if err := setDeviceAttrU32(vm.arm64VGICFd, kvmDevArmVgicGrpNrIrqs, 0, arm64VGICNumIRQs); err != nil {
		return fmt.Errorf("kvm: set vGIC IRQ count: %w", err)
	}

	if err := setDeviceAttrU64(vm.arm64VGICFd, kvmDevArmVgicGrpAddr, kvmVgicV3AddrTypeDist, arm64VGICDistributorBase); err != nil {
		return fmt.Errorf("kvm: set vGIC distributor address: %w", err)
	}

	if err := setDeviceAttrU64(vm.arm64VGICFd, kvmDevArmVgicGrpAddr, kvmVgicV3AddrTypeRedist, arm64VGICRedistributorBase); err != nil {
		return fmt.Errorf("kvm: set vGIC redistributor address: %w", err)
	}

	return nil
}

func (h *hypervisor) initArm64VGICv2(vm *virtualMachine) error {
	dev := kvmCreateDeviceArgs{
		Type:  kvmDevTypeArmVgicV2,
		Flags: 0,
	}

	if err := createDevice(vm.vmFd, &dev); err != nil {
		return fmt.Errorf("kvm: create vGIC device: %w", err)
	}

	vm.arm64VGICFd = int(dev.Fd)

	if err := setDeviceAttrU32(vm.arm64VGICFd, kvmDevArmVgicGrpNrIrqs, 0, arm64VGICNumIRQs); err != nil {
		return fmt.Errorf("kvm: set vGIC IRQ count: %w", err)
	}

	if err := setDeviceAttrU64(vm.arm64VGICFd, kvmDevArmVgicGrpAddr, kvmVgicV2AddrTypeDist, arm64VGICDistributorBase); err != nil {
		return fmt.Errorf("kvm: set vGIC distributor address: %w", err)
	}

	if err := setDeviceAttrU64(vm.arm64VGICFd, kvmDevArmVgicGrpAddr, kvmVgicV2AddrTypeCpu, arm64VGICv2CpuIfBase); err != nil {
		return fmt.Errorf("kvm: set vGIC CPU interface address: %w", err)
	}

	return nil
}

func setDeviceAttrU32(fd int, group uint32, attr uint64, value uint32) error {
	val := value
	devAttr := kvmDeviceAttr{
		Group: group,
		Attr:  attr,
		Addr:  uint64(uintptr(unsafe.Pointer(&val))),
	}
	return setDeviceAttr(fd, &devAttr)
}

func setDeviceAttrU64(fd int, group uint32, attr uint64, value uint64) error {
	val := value
	devAttr := kvmDeviceAttr{
		Group: group,
		Attr:  attr,
		Addr:  uint64(uintptr(unsafe.Pointer(&val))),
	}
	return setDeviceAttr(fd, &devAttr)
}
