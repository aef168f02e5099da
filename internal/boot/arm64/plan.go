// Package arm64 programs aarch64 vCPUs for direct EL1 entry with the boot
// arguments in X0/X1.
package arm64

import (
	"fmt"

	"github.com/vesselvm/vessel/internal/boot"
	"github.com/vesselvm/vessel/internal/hv"
)

const (
	pstateModeEL1h = 0x5
	pstateDF       = 0x200
	pstateAF       = 0x100
	pstateIF       = 0x80
	pstateFF       = 0x40

	// EL1 with SP_EL1, all interrupts masked until the guest unmasks them.
	initialPstate = pstateModeEL1h | pstateDF | pstateAF | pstateIF | pstateFF
)

type Plan struct {
	Entry  uint64
	Layout boot.Layout
}

func (p *Plan) ConfigureVCPU(vcpu hv.VirtualCPU, core int) error {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64Pc:     hv.Register64(p.Entry),
		hv.RegisterARM64Sp:     hv.Register64(p.Layout.StackTop(core)),
		hv.RegisterARM64Pstate: hv.Register64(initialPstate),
		hv.RegisterARM64X0:     hv.Register64(p.Layout.InfoAddr()),
		hv.RegisterARM64X1:     hv.Register64(uint64(core)),
	}
	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("set arm64 registers: %w", err)
	}

	return nil
}

var _ boot.Plan = &Plan{}
