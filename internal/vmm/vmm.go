// Package vmm assembles a virtual machine from its parts: guest memory,
// the boot plan, the hypercall dispatcher, and the optional network
// device. It owns the run loop that drives every vCPU until the guest
// exits, shuts down, or faults.
package vmm

import (
	"fmt"

	"github.com/vesselvm/vessel/internal/boot"
	"github.com/vesselvm/vessel/internal/boot/amd64"
	"github.com/vesselvm/vessel/internal/boot/arm64"
	"github.com/vesselvm/vessel/internal/guest"
	"github.com/vesselvm/vessel/internal/guestmem"
	"github.com/vesselvm/vessel/internal/hv"
	"github.com/vesselvm/vessel/internal/image"
)

// Params describes one guest.
type Params struct {
	Image *image.Image

	MemoryBase uint64
	MemorySize uint64
	CoreCount  int

	// Guest carries the hypercall-facing resources: args, env, stdio
	// and the optional network device.
	Guest guest.Config
}

func (p Params) validate(arch hv.CpuArchitecture) error {
	if p.Image == nil {
		return fmt.Errorf("vmm: no guest image")
	}
	if p.Image.Arch != arch {
		return fmt.Errorf("vmm: image is %s but the hypervisor is %s", p.Image.Arch, arch)
	}
	if p.CoreCount < 1 {
		return fmt.Errorf("vmm: core count %d", p.CoreCount)
	}
	if p.MemorySize == 0 {
		return fmt.Errorf("vmm: no guest memory")
	}
	if end := p.MemoryBase + p.MemorySize; end > guest.TriggerAddr && p.MemoryBase < guest.TriggerAddr+guest.TriggerSize {
		return fmt.Errorf("vmm: guest memory [0x%x, 0x%x) overlaps the hypercall trigger page at 0x%x",
			p.MemoryBase, end, guest.TriggerAddr)
	}
	return nil
}

// Machine is a fully assembled guest ready to Run.
type Machine struct {
	vm    hv.VirtualMachine
	plan  boot.Plan
	arch  hv.CpuArchitecture
	cores int
	net   interface{ SetNotify(func()) }
}

// New builds the VM: computes the memory layout, loads the image,
// registers the hypercall dispatcher, and prepares the per-architecture
// boot plan. No vCPU runs until Run is called.
func New(h hv.Hypervisor, p Params) (*Machine, error) {
	arch := h.Architecture()
	if err := p.validate(arch); err != nil {
		return nil, err
	}

	layout := boot.Layout{
		MemoryBase: p.MemoryBase,
		MemorySize: p.MemorySize,
		CoreCount:  p.CoreCount,
	}
	if arch == hv.ArchitectureARM64 {
		layout.TriggerAddr = guest.TriggerAddr
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	var plan boot.Plan
	switch arch {
	case hv.ArchitectureX86_64:
		plan = &amd64.Plan{Entry: p.Image.Entry, Layout: layout}
	case hv.ArchitectureARM64:
		plan = &arm64.Plan{Entry: p.Image.Entry, Layout: layout}
	default:
		return nil, fmt.Errorf("vmm: unsupported architecture %s", arch)
	}

	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:          p.CoreCount,
		MemSize:          p.MemorySize,
		MemBase:          p.MemoryBase,
		InterruptSupport: arch == hv.ArchitectureARM64,
		VMLoader:         &boot.Loader{Image: p.Image, Layout: layout},
	})
	if err != nil {
		return nil, fmt.Errorf("vmm: create virtual machine: %w", err)
	}

	mem := guestmem.New(vm, p.MemoryBase, p.MemorySize)
	if err := vm.AddDevice(guest.NewDispatcher(mem, p.Guest)); err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: register hypercall dispatcher: %w", err)
	}

	m := &Machine{
		vm:    vm,
		plan:  plan,
		arch:  arch,
		cores: p.CoreCount,
	}
	if p.Guest.Net != nil {
		m.net = p.Guest.Net
	}
	return m, nil
}

func (m *Machine) Close() error {
	return m.vm.Close()
}
