// Package amd64 programs x86_64 vCPUs for direct 64-bit entry: long mode
// with identity-mapped 2 MiB pages, a flat segment model and the boot
// arguments in RDI/RSI.
package amd64

import (
	"errors"
	"fmt"

	"github.com/vesselvm/vessel/internal/boot"
	"github.com/vesselvm/vessel/internal/hv"
)

const initialRflags = 0x2 // reserved bit, always set

type Plan struct {
	Entry  uint64
	Layout boot.Layout
}

// mappedGiB returns how many identity-mapped gigabytes the page tables must
// cover for all of guest memory to be addressable.
func (p *Plan) mappedGiB() int {
	end := p.Layout.MemoryBase + p.Layout.MemorySize
	n := int((end + (1 << 30) - 1) >> 30)
	if n < 1 {
		n = 1
	}
	return n
}

func (p *Plan) ConfigureVCPU(vcpu hv.VirtualCPU, core int) error {
	amd64VCPU, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return errors.New("amd64 boot plan requires an x86_64 vCPU")
	}

	if err := amd64VCPU.SetLongMode(boot.PagingOffset, p.mappedGiB()); err != nil {
		return fmt.Errorf("enter long mode: %w", err)
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(p.Entry),
		hv.RegisterAMD64Rsp:    hv.Register64(p.Layout.StackTop(core)),
		hv.RegisterAMD64Rflags: hv.Register64(initialRflags),
		hv.RegisterAMD64Rdi:    hv.Register64(p.Layout.InfoAddr()),
		hv.RegisterAMD64Rsi:    hv.Register64(uint64(core)),
	}
	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("set amd64 registers: %w", err)
	}

	return nil
}

var _ boot.Plan = &Plan{}
