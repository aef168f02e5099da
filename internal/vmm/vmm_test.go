package vmm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vesselvm/vessel/internal/guest"
	"github.com/vesselvm/vessel/internal/guestmem"
	"github.com/vesselvm/vessel/internal/hv"
	"github.com/vesselvm/vessel/internal/image"
	"github.com/vesselvm/vessel/internal/netdev"
)

const (
	testMemSize = 32 << 20
	testEntry   = uint64(0x100000)
	testArgGPA  = uint64(0x200000)
)

// runStep is one scripted vCPU execution. A core with no steps left
// blocks until its context is cancelled, like a spinning guest.
type runStep func(ctx context.Context, vm *fakeVM) error

type fakeVM struct {
	*guestmem.Buffer

	mu      sync.Mutex
	cpus    []*fakeVCPU
	devices []hv.Device
	scripts map[int][]runStep
	events  []string
}

func (vm *fakeVM) record(ev string) {
	vm.mu.Lock()
	vm.events = append(vm.events, ev)
	vm.mu.Unlock()
}

func (vm *fakeVM) Close() error              { return nil }
func (vm *fakeVM) Hypervisor() hv.Hypervisor { return nil }
func (vm *fakeVM) MemorySize() uint64        { return testMemSize }
func (vm *fakeVM) MemoryBase() uint64        { return 0 }

func (vm *fakeVM) AddDevice(dev hv.Device) error {
	vm.mu.Lock()
	vm.devices = append(vm.devices, dev)
	vm.mu.Unlock()
	return dev.Init(vm)
}

func (vm *fakeVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id < 0 || id >= len(vm.cpus) {
		return fmt.Errorf("no vCPU %d", id)
	}
	return f(vm.cpus[id])
}

type fakeVCPU struct {
	vm *fakeVM
	id int
}

func (c *fakeVCPU) VirtualMachine() hv.VirtualMachine { return c.vm }
func (c *fakeVCPU) ID() int                           { return c.id }

func (c *fakeVCPU) SetLongMode(pagingBase uint64, mappedGiB int) error {
	return nil
}

func (c *fakeVCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.vm.record(fmt.Sprintf("configure %d", c.id))
	return nil
}

func (c *fakeVCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		regs[reg] = hv.Register64(0)
	}
	return nil
}

func (c *fakeVCPU) Run(ctx context.Context) error {
	c.vm.record(fmt.Sprintf("run %d", c.id))

	c.vm.mu.Lock()
	steps := c.vm.scripts[c.id]
	var step runStep
	if len(steps) > 0 {
		step = steps[0]
		c.vm.scripts[c.id] = steps[1:]
	}
	c.vm.mu.Unlock()

	if step == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return step(ctx, c.vm)
}

var _ hv.VirtualCPUAmd64 = &fakeVCPU{}

type fakeHV struct {
	scripts map[int][]runStep
	lastVM  *fakeVM
}

func (h *fakeHV) Close() error                     { return nil }
func (h *fakeHV) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *fakeHV) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vm := &fakeVM{
		Buffer:  guestmem.NewBuffer(config.MemoryBase(), int(config.MemorySize())),
		scripts: make(map[int][]runStep),
	}
	for id, steps := range h.scripts {
		vm.scripts[id] = append([]runStep(nil), steps...)
	}
	for i := 0; i < config.CPUCount(); i++ {
		vm.cpus = append(vm.cpus, &fakeVCPU{vm: vm, id: i})
	}
	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return nil, err
		}
	}
	h.lastVM = vm
	return vm, nil
}

func testImage() *image.Image {
	return &image.Image{
		Entry: testEntry,
		Arch:  hv.ArchitectureX86_64,
		Segments: []image.Segment{
			{Addr: testEntry, Data: []byte{0xf4}, MemSize: 1},
		},
	}
}

func testParams(cores int) Params {
	return Params{
		Image:      testImage(),
		MemorySize: testMemSize,
		CoreCount:  cores,
	}
}

// hypercallExit issues the EXIT hypercall through the registered
// dispatcher, the way the real trap path would.
func hypercallExit(vm *fakeVM, code uint32) error {
	var arg [4]byte
	binary.LittleEndian.PutUint32(arg[:], code)
	if _, err := vm.WriteAt(arg[:], int64(testArgGPA)); err != nil {
		return err
	}

	vm.mu.Lock()
	devices := vm.devices
	vm.mu.Unlock()

	for _, dev := range devices {
		port, ok := dev.(hv.X86IOPortDevice)
		if !ok {
			continue
		}
		var gpa [4]byte
		binary.LittleEndian.PutUint32(gpa[:], uint32(testArgGPA))
		return port.WriteIOPort(uint16(guest.OpExit), gpa[:])
	}
	return errors.New("no hypercall dispatcher registered")
}

func TestRunGuestExit(t *testing.T) {
	h := &fakeHV{scripts: map[int][]runStep{
		0: {func(ctx context.Context, vm *fakeVM) error { return hypercallExit(vm, 7) }},
		// Core 1 has no script: it blocks until the exit cancels it.
	}}

	m, err := New(h, testParams(2))
	require.NoError(t, err)
	defer m.Close()

	code, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, code)
}

func TestRunGuestShutdown(t *testing.T) {
	h := &fakeHV{scripts: map[int][]runStep{
		0: {func(ctx context.Context, vm *fakeVM) error { return hv.ErrGuestShutdown }},
	}}

	m, err := New(h, testParams(1))
	require.NoError(t, err)
	defer m.Close()

	code, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, code)
}

func TestRunGuestFault(t *testing.T) {
	h := &fakeHV{scripts: map[int][]runStep{
		0: {func(ctx context.Context, vm *fakeVM) error { return errors.New("unhandled MMIO write") }},
	}}

	m, err := New(h, testParams(1))
	require.NoError(t, err)
	defer m.Close()

	code, err := m.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "core 0")
	require.Equal(t, faultExitCode, code)
}

func TestRunServicedExitsContinue(t *testing.T) {
	h := &fakeHV{scripts: map[int][]runStep{
		0: {
			func(ctx context.Context, vm *fakeVM) error { return nil }, // serviced exit
			func(ctx context.Context, vm *fakeVM) error { return nil },
			func(ctx context.Context, vm *fakeVM) error { return hypercallExit(vm, 0) },
		},
	}}

	m, err := New(h, testParams(1))
	require.NoError(t, err)
	defer m.Close()

	code, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, code)

	h.lastVM.mu.Lock()
	remaining := len(h.lastVM.scripts[0])
	h.lastVM.mu.Unlock()
	require.Zero(t, remaining)
}

func TestAllCoresConfiguredBeforeAnyRuns(t *testing.T) {
	h := &fakeHV{scripts: map[int][]runStep{
		0: {func(ctx context.Context, vm *fakeVM) error { return hv.ErrGuestShutdown }},
		1: {func(ctx context.Context, vm *fakeVM) error { return hv.ErrGuestShutdown }},
		2: {func(ctx context.Context, vm *fakeVM) error { return hv.ErrGuestShutdown }},
	}}

	m, err := New(h, testParams(3))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Run(context.Background())
	require.NoError(t, err)

	vm := h.lastVM
	vm.mu.Lock()
	events := append([]string(nil), vm.events...)
	vm.mu.Unlock()

	lastConfigure, firstRun := -1, -1
	for i, ev := range events {
		if strings.HasPrefix(ev, "configure") && i > lastConfigure {
			lastConfigure = i
		}
		if strings.HasPrefix(ev, "run") && firstRun == -1 {
			firstRun = i
		}
	}
	require.NotEqual(t, -1, lastConfigure)
	require.NotEqual(t, -1, firstRun)
	require.Less(t, lastConfigure, firstRun, "events: %v", events)
}

// TestHaltedCoreWokenByNetwork checks the halt/wake path: a core that
// halts after network activity resumes once the device reports a frame.
func TestHaltedCoreWokenByNetwork(t *testing.T) {
	dev, err := netdev.New(netdev.Config{
		Addr:    net.IPv4(10, 0, 2, 15),
		Mask:    net.IPv4(255, 255, 255, 0),
		Gateway: net.IPv4(10, 0, 2, 2),
	}, netdev.NewLoopback())
	require.NoError(t, err)
	defer dev.Close()

	h := &fakeHV{scripts: map[int][]runStep{
		0: {
			func(ctx context.Context, vm *fakeVM) error {
				// Off-cpu traffic arrives, then the guest halts to wait.
				if _, err := dev.Send([]byte{0x01}); err != nil {
					return err
				}
				return hv.ErrVMHalted
			},
			func(ctx context.Context, vm *fakeVM) error { return hypercallExit(vm, 3) },
		},
	}}

	params := testParams(1)
	params.Guest.Net = dev

	m, err := New(h, params)
	require.NoError(t, err)
	defer m.Close()

	done := make(chan struct{})
	var code int
	var runErr error
	go func() {
		code, runErr = m.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("halted core never woke up")
	}
	require.NoError(t, runErr)
	require.Equal(t, 3, code)
}

func TestRunContextCancel(t *testing.T) {
	h := &fakeHV{scripts: map[int][]runStep{}}

	m, err := New(h, testParams(1))
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = m.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidation(t *testing.T) {
	h := &fakeHV{scripts: map[int][]runStep{}}

	p := testParams(1)
	p.Image = nil
	_, err := New(h, p)
	require.Error(t, err)

	p = testParams(1)
	p.Image.Arch = hv.ArchitectureARM64
	_, err = New(h, p)
	require.ErrorContains(t, err, "hypervisor")

	p = testParams(0)
	_, err = New(h, p)
	require.Error(t, err)

	p = testParams(1)
	p.MemorySize = 4 << 30 // reaches into the hypercall trigger page
	_, err = New(h, p)
	require.ErrorContains(t, err, "trigger")
}
