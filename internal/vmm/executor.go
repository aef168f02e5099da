package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/vesselvm/vessel/internal/guest"
	"github.com/vesselvm/vessel/internal/hv"
)

// faultExitCode is reported when the guest faults instead of exiting.
const faultExitCode = 0x7f

type coreState int

const (
	coreCreated coreState = iota
	coreConfigured
	coreRunning
	coreHalted
	coreExited
	coreFaulted
)

func (s coreState) String() string {
	switch s {
	case coreCreated:
		return "created"
	case coreConfigured:
		return "configured"
	case coreRunning:
		return "running"
	case coreHalted:
		return "halted"
	case coreExited:
		return "exited"
	case coreFaulted:
		return "faulted"
	default:
		return "invalid"
	}
}

// outcome is set exactly once, by whichever core stops the machine first.
type outcome struct {
	once sync.Once
	code int32
	err  error
}

func (o *outcome) set(code int32, err error, stop func()) {
	o.once.Do(func() {
		o.code = code
		o.err = err
		stop()
	})
}

// Run boots every core and blocks until the guest stops. It returns the
// guest's exit code: the EXIT hypercall argument, zero for a clean
// shutdown, or 127 with a non-nil error when the guest faulted. The first
// core to stop the machine decides the outcome; the rest are kicked out
// of guest mode and drained.
//
// All cores are configured before any of them runs, so a guest that
// inspects secondary cores at entry sees fully initialized state.
func (m *Machine) Run(ctx context.Context) (int, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	for core := 0; core < m.cores; core++ {
		if err := m.vm.VirtualCPUCall(core, func(vcpu hv.VirtualCPU) error {
			return m.plan.ConfigureVCPU(vcpu, core)
		}); err != nil {
			return faultExitCode, fmt.Errorf("vmm: configure core %d: %w", core, err)
		}
		slog.Debug("core configured", "core", core, "state", coreConfigured)
	}

	var (
		mu      sync.Mutex
		wakeGen uint64
	)
	wake := sync.NewCond(&mu)

	bump := func() {
		mu.Lock()
		wakeGen++
		mu.Unlock()
		wake.Broadcast()
	}
	if m.net != nil {
		m.net.SetNotify(bump)
		defer m.net.SetNotify(nil)
	}
	// Unblock halted cores when the machine stops.
	stopWatch := context.AfterFunc(runCtx, bump)
	defer stopWatch()

	var result outcome

	var wg sync.WaitGroup
	for core := 0; core < m.cores; core++ {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			m.runCore(runCtx, core, &result, stop, wake, &mu, &wakeGen)
		}(core)
	}
	wg.Wait()

	if ctx.Err() != nil {
		result.set(faultExitCode, ctx.Err(), func() {})
	}
	return int(result.code), result.err
}

func (m *Machine) runCore(ctx context.Context, core int, result *outcome, stop func(), wake *sync.Cond, mu *sync.Mutex, wakeGen *uint64) {
	state := coreConfigured

	setState := func(next coreState) {
		if next != state {
			slog.Debug("core state", "core", core, "from", state, "to", next)
			state = next
		}
	}

	for {
		// Capture the wake generation before entering the guest, so a
		// notification raised while it runs still wakes a halt that
		// follows. Spurious wakeups are fine, lost ones are not.
		mu.Lock()
		gen := *wakeGen
		mu.Unlock()

		setState(coreRunning)

		err := m.vm.VirtualCPUCall(core, func(vcpu hv.VirtualCPU) error {
			return vcpu.Run(ctx)
		})

		switch {
		case err == nil:
			// Exit serviced by a device; keep going.

		case errors.Is(err, hv.ErrVMHalted):
			// Halted cores sleep until a device has news for the guest
			// or the machine stops.
			setState(coreHalted)
			mu.Lock()
			for *wakeGen == gen && ctx.Err() == nil {
				wake.Wait()
			}
			mu.Unlock()
			if ctx.Err() != nil {
				setState(coreExited)
				return
			}

		case errors.Is(err, hv.ErrGuestShutdown):
			setState(coreExited)
			result.set(0, nil, stop)
			return

		case errors.Is(err, guest.ErrGuestExited):
			code, _ := guest.ExitCode(err)
			setState(coreExited)
			slog.Debug("guest exited", "core", core, "code", code)
			result.set(code, nil, stop)
			return

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			setState(coreExited)
			return

		default:
			setState(coreFaulted)
			slog.Error("guest fault", "core", core, "error", err, "registers", m.registerDump(core))
			result.set(faultExitCode, fmt.Errorf("vmm: core %d: %w", core, err), stop)
			return
		}
	}
}

// registerDump formats the faulting core's registers for the log. Best
// effort: a vCPU that cannot be read dumps as an error string.
func (m *Machine) registerDump(core int) string {
	var regs map[hv.Register]hv.RegisterValue
	switch m.arch {
	case hv.ArchitectureX86_64:
		regs = map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip:    hv.Register64(0),
			hv.RegisterAMD64Rsp:    hv.Register64(0),
			hv.RegisterAMD64Rflags: hv.Register64(0),
			hv.RegisterAMD64Rax:    hv.Register64(0),
			hv.RegisterAMD64Rdi:    hv.Register64(0),
			hv.RegisterAMD64Rsi:    hv.Register64(0),
		}
	case hv.ArchitectureARM64:
		regs = map[hv.Register]hv.RegisterValue{
			hv.RegisterARM64Pc:     hv.Register64(0),
			hv.RegisterARM64Sp:     hv.Register64(0),
			hv.RegisterARM64Pstate: hv.Register64(0),
			hv.RegisterARM64X0:     hv.Register64(0),
			hv.RegisterARM64X1:     hv.Register64(0),
		}
	default:
		return "unknown architecture"
	}

	err := m.vm.VirtualCPUCall(core, func(vcpu hv.VirtualCPU) error {
		return vcpu.GetRegisters(regs)
	})
	if err != nil {
		return fmt.Sprintf("unavailable: %v", err)
	}

	names := map[hv.Register]string{
		hv.RegisterAMD64Rip: "rip", hv.RegisterAMD64Rsp: "rsp",
		hv.RegisterAMD64Rflags: "rflags", hv.RegisterAMD64Rax: "rax",
		hv.RegisterAMD64Rdi: "rdi", hv.RegisterAMD64Rsi: "rsi",
		hv.RegisterARM64Pc: "pc", hv.RegisterARM64Sp: "sp",
		hv.RegisterARM64Pstate: "pstate", hv.RegisterARM64X0: "x0",
		hv.RegisterARM64X1: "x1",
	}

	parts := make([]string, 0, len(regs))
	for reg, val := range regs {
		if v, ok := val.(hv.Register64); ok {
			parts = append(parts, fmt.Sprintf("%s=0x%x", names[reg], uint64(v)))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
