//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/vesselvm/vessel/internal/hv"
)

// rawCodeLoader copies pre-assembled machine code into guest memory.
type rawCodeLoader struct {
	addr uint64
	code []byte
}

func (l *rawCodeLoader) Load(vm hv.VirtualMachine) error {
	if _, err := vm.WriteAt(l.code, int64(l.addr)); err != nil {
		return fmt.Errorf("load code at 0x%x: %w", l.addr, err)
	}
	return nil
}

const (
	testCodeAddr  = 0x100000
	testStackAddr = 0x180000
	testPageBase  = 0x1000
)

// enterLongMode configures the vCPU to execute 64-bit code at testCodeAddr.
func enterLongMode(t *testing.T, vcpu hv.VirtualCPU) {
	t.Helper()

	amd64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		t.Fatalf("vCPU does not support x86_64 extensions")
	}

	if err := amd64.SetLongMode(testPageBase, 1); err != nil {
		t.Fatalf("SetLongMode: %v", err)
	}

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(testCodeAddr),
		hv.RegisterAMD64Rsp:    hv.Register64(testStackAddr),
		hv.RegisterAMD64Rflags: hv.Register64(2),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
}

func newTestVM(t *testing.T, code []byte) hv.VirtualMachine {
	t.Helper()

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	t.Cleanup(func() { kvm.Close() })

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  0x200000,
		MemBase:  0,
		VMLoader: &rawCodeLoader{addr: testCodeAddr, code: code},
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	return vm
}

func TestRunSimpleHalt(t *testing.T) {
	checkKVMAvailable(t)

	// hlt
	vm := newTestVM(t, []byte{0xf4})

	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		enterLongMode(t, vcpu)
		return vcpu.Run(context.Background())
	})
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run returned %v, want ErrVMHalted", err)
	}
}

type recordingPortDevice struct {
	port   uint16
	writes [][]byte
}

func (d *recordingPortDevice) Init(vm hv.VirtualMachine) error { return nil }
func (d *recordingPortDevice) IOPorts() []uint16               { return []uint16{d.port} }
func (d *recordingPortDevice) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	return nil
}
func (d *recordingPortDevice) WriteIOPort(port uint16, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	d.writes = append(d.writes, buf)
	return nil
}

func TestRunIOPortWrite(t *testing.T) {
	checkKVMAvailable(t)

	// mov al, 0x2a; out 0x10, al; hlt
	vm := newTestVM(t, []byte{0xb0, 0x2a, 0xe6, 0x10, 0xf4})

	dev := &recordingPortDevice{port: 0x10}
	if err := vm.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		enterLongMode(t, vcpu)

		for {
			if err := vcpu.Run(context.Background()); err != nil {
				return err
			}
		}
	})
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run returned %v, want ErrVMHalted", err)
	}

	if len(dev.writes) != 1 {
		t.Fatalf("got %d port writes, want 1", len(dev.writes))
	}
	if len(dev.writes[0]) != 1 || dev.writes[0][0] != 0x2a {
		t.Fatalf("got port write %v, want [0x2a]", dev.writes[0])
	}
}

func TestRunUnhandledIOPort(t *testing.T) {
	checkKVMAvailable(t)

	// out 0x10, al; hlt
	vm := newTestVM(t, []byte{0xe6, 0x10, 0xf4})

	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		enterLongMode(t, vcpu)
		return vcpu.Run(context.Background())
	})
	if err == nil || errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run returned %v, want unhandled port error", err)
	}
}

func TestRunContextCancel(t *testing.T) {
	checkKVMAvailable(t)

	// jmp $
	vm := newTestVM(t, []byte{0xeb, 0xfe})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
			enterLongMode(t, vcpu)
			return vcpu.Run(ctx)
		})
	}()

	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	checkKVMAvailable(t)

	vm := newTestVM(t, []byte{0xf4})

	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		want := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rax: hv.Register64(0x1122334455667788),
			hv.RegisterAMD64Rdi: hv.Register64(0xdeadbeef),
			hv.RegisterAMD64Rsi: hv.Register64(7),
		}
		if err := vcpu.SetRegisters(want); err != nil {
			return err
		}

		got := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rax: hv.Register64(0),
			hv.RegisterAMD64Rdi: hv.Register64(0),
			hv.RegisterAMD64Rsi: hv.Register64(0),
		}
		if err := vcpu.GetRegisters(got); err != nil {
			return err
		}

		for reg, val := range want {
			if got[reg] != val {
				t.Errorf("register %v: got %#x, want %#x", reg, got[reg], val)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}
