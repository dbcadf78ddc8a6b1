package linuxwasm

import (
	"context"
	"fmt"
	"runtime"

	"github.com/davecgh/go-spew/spew"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/kyroskoh/linux-wasm/trap"
)

type runnerKey struct{}

func withRunner(ctx context.Context, r *Runner) context.Context {
	return context.WithValue(ctx, runnerKey{}, r)
}

func runnerFrom(ctx context.Context) (*Runner, bool) {
	if v := ctx.Value(runnerKey{}); v != nil {
		return v.(*Runner), true
	}

	return nil, false
}

// Runner drives one execution unit: it instantiates the kernel module
// for its unit, runs exactly one of the three entry modes, and reacts
// to host callbacks and traps. Host callbacks find their Runner
// through the call context.
type Runner struct {
	m *Machine
	L hclog.Logger

	h    *handle
	cpu  *VirtualCPU // nil for task units
	task *Task       // idle task for CPU units once identified

	ctx context.Context

	user *userProgram
}

// userProgram is the currently loaded user image on a task unit.
type userProgram struct {
	compiled  wazero.CompiledModule
	dataBase  uint32
	tableBase uint32

	inst api.Module
}

func (m *Machine) newRunner(h *handle) *Runner {
	ctx, cancel := context.WithCancel(m.baseCtx)
	h.cancel = cancel

	r := &Runner{
		m: m,
		L: m.L.With("unit", h.name),
		h: h,
	}

	r.ctx = withRunner(ctx, r)

	return r
}

func (r *Runner) instantiateKernel() error {
	cfg := wazero.NewModuleConfig().
		WithName(r.h.name).
		WithStartFunctions()

	mod, err := r.m.rt.InstantiateModule(r.ctx, r.m.kernel, cfg)
	if err != nil {
		return errors.Wrapf(err, "instantiating kernel for %s", r.h.name)
	}

	r.h.setKernel(mod)

	return nil
}

// callGuest invokes a guest export, converting an in-flight trap
// signal back into a value. Traps surface either as a recovered panic
// or folded into the call error, depending on how the engine unwound.
func (r *Runner) callGuest(fn api.Function, args ...uint64) (res []uint64, sig *trap.Signal, err error) {
	defer func() {
		if v := recover(); v != nil {
			s, ok := trap.FromRecovered(v)
			if !ok {
				panic(v)
			}

			res, sig, err = nil, s, nil
		}
	}()

	res, err = fn.Call(r.ctx, args...)
	if err != nil {
		var s *trap.Signal
		if errors.As(err, &s) {
			return nil, s, nil
		}
	}

	return res, nil, err
}

// terminated reports whether a call error just means this unit was
// torn down by the coordinator.
func (r *Runner) terminated(err error) bool {
	if r.ctx.Err() != nil {
		return true
	}

	var exit *sys.ExitError
	return errors.As(err, &exit)
}

func (r *Runner) global(name string) (uint32, error) {
	kern := r.h.kernel()
	if kern == nil {
		return 0, errors.Errorf("kernel not instantiated on %s", r.h.name)
	}

	g := kern.ExportedGlobal(name)
	if g == nil {
		return 0, errors.Errorf("kernel does not export global %q", name)
	}

	return uint32(g.Get()), nil
}

func (r *Runner) setGlobal(name string, v uint32) error {
	kern := r.h.kernel()
	if kern == nil {
		return errors.Errorf("kernel not instantiated on %s", r.h.name)
	}

	g, ok := kern.ExportedGlobal(name).(api.MutableGlobal)
	if !ok {
		return errors.Errorf("kernel global %q is missing or immutable", name)
	}

	g.Set(uint64(v))

	return nil
}

// runPrimary boots the machine on CPU 0: write boot parameters into
// the kernel-reserved buffers, then call the primary entry export.
// That export never returns; a return is a fatal bootstrap failure.
func (r *Runner) runPrimary(cmdline string, initrd []byte) {
	if err := r.instantiateKernel(); err != nil {
		r.m.fatal(err)
		return
	}

	if err := writeBootParams(r.m.mem, r, cmdline, initrd); err != nil {
		r.m.fatal(errors.Wrap(err, "writing boot parameters"))
		return
	}

	boot := r.h.kernel().ExportedFunction("boot")
	if boot == nil {
		r.m.fatal(errors.New("kernel does not export boot"))
		return
	}

	_, sig, err := r.callGuest(boot)

	switch {
	case sig != nil:
		r.handleEntryTrap(sig)
	case err != nil:
		if r.terminated(err) {
			return
		}
		r.fault(err)
	default:
		r.m.fatal(errors.Wrap(ErrBootReturned, "cpu0 boot export returned; initial memory too small?"))
	}
}

// runSecondary brings one more CPU into the running kernel.
func (r *Runner) runSecondary(startStack uint32) {
	if err := r.instantiateKernel(); err != nil {
		r.fault(err)
		return
	}

	entry := r.h.kernel().ExportedFunction("secondary")
	if entry == nil {
		r.fault(errors.New("kernel does not export secondary"))
		return
	}

	_, sig, err := r.callGuest(entry, uint64(startStack))

	switch {
	case sig != nil:
		r.handleEntryTrap(sig)
	case err != nil:
		if r.terminated(err) {
			return
		}
		r.fault(err)
	default:
		r.m.fatal(errors.Wrapf(ErrBootReturned, "cpu%d secondary export returned", r.cpu.ID))
	}
}

// runTask resumes a freshly created task inside the kernel, then
// drives its user program. ack is closed once the unit is live so the
// creator can park on its own lock.
func (r *Runner) runTask(prev, next uint32, ack chan struct{}) {
	err := r.instantiateKernel()

	close(ack)

	if err != nil {
		r.fault(err)
		return
	}

	entry := r.h.kernel().ExportedFunction("task_entry")
	if entry == nil {
		r.fault(errors.New("kernel does not export task_entry"))
		return
	}

	res, sig, err := r.callGuest(entry, uint64(prev), uint64(next))

	switch {
	case sig != nil:
		r.handleEntryTrap(sig)
		return
	case err != nil:
		if !r.terminated(err) {
			r.fault(err)
		}
		return
	}

	dupResume := len(res) > 0 && res[0] == 1

	r.runUserLoop(dupResume)
}

// runUserLoop owns the user side of a task: instantiate the loaded
// program, run its entry, and restart on an exec-triggered reload.
// The entry is expected never to return; an explicit return is a
// contract violation.
func (r *Runner) runUserLoop(dupResume bool) {
	t := r.task
	if t == nil {
		r.fault(errors.New("user loop without a task"))
		return
	}

	for gen := 0; ; gen++ {
		if pe := t.takePending(); pe != nil {
			r.user = &userProgram{
				compiled:  pe.Compiled,
				dataBase:  pe.DataBase,
				tableBase: pe.TableBase,
			}
		}

		if r.user == nil {
			r.fault(errors.Errorf("task %#x entered user mode with no loaded program", t.ID))
			return
		}

		sp, err := r.global("user_stack_pointer")
		if err != nil {
			r.fault(err)
			return
		}

		tls, err := r.global("user_tls_base")
		if err != nil {
			r.fault(err)
			return
		}

		if err := r.instantiateUser(gen); err != nil {
			r.fault(err)
			return
		}

		entry := "_start"
		if dupResume {
			entry = "resume_dup"
			dupResume = false
		}

		fn := r.user.inst.ExportedFunction(entry)
		if fn == nil {
			r.fault(errors.Errorf("user program does not export %s", entry))
			return
		}

		r.L.Debug("entering user program", "entry", entry, "sp", sp, "tls", tls, "gen", gen)

		_, sig, err := r.callGuest(fn, uint64(sp), uint64(tls))

		if sig != nil {
			switch sig.Kind {
			case trap.ReloadProgram:
				r.user.inst.Close(r.ctx)
				continue
			case trap.Panic:
				r.guestPanic(sig)
				return
			default:
				r.fault(errors.Errorf("trap %s escaped to user loop", sig.Kind))
				return
			}
		}

		if err != nil {
			if !r.terminated(err) {
				r.fault(err)
			}
			return
		}

		r.fault(errors.Errorf("user entry %s returned", entry))
		return
	}
}

func (r *Runner) instantiateUser(gen int) error {
	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("%s.prog%d", r.h.name, gen)).
		WithStartFunctions()

	inst, err := r.m.rt.InstantiateModule(r.ctx, r.user.compiled, cfg)
	if err != nil {
		return errors.Wrap(err, "instantiating user program")
	}

	r.user.inst = inst

	if ar := inst.ExportedFunction("apply_relocs"); ar != nil {
		if _, _, err := r.callGuest(ar, uint64(r.user.dataBase), uint64(r.user.tableBase)); err != nil {
			return errors.Wrap(err, "applying relocations")
		}
	}

	return nil
}

// serializeMe parks this unit on its own lock word and returns the
// task id the eventual waker switched away from.
func (r *Runner) serializeMe() uint32 {
	r.L.Trace("serialize-wait")
	prev := r.h.lock.Wait()
	r.L.Trace("serialize-resume", "prev", fmt.Sprintf("%#x", prev))

	return prev
}

// handleEntryTrap handles a trap that reached a CPU or task entry
// boundary. Only panic is legitimate there.
func (r *Runner) handleEntryTrap(sig *trap.Signal) {
	if sig.Kind != trap.Panic {
		r.fault(errors.Errorf("trap %s escaped to entry boundary", sig.Kind))
		return
	}

	r.guestPanic(sig)
}

// guestPanic stops scheduling this unit but keeps its state for
// inspection. A CPU 0 panic almost certainly means corrupted machine
// state and is escalated through the operator.
func (r *Runner) guestPanic(sig *trap.Signal) {
	r.L.Error("guest kernel panic", "message", sig.Message)

	if r.task != nil {
		r.task.park()
	}

	if r.cpu != nil && r.cpu.ID == 0 {
		if r.m.confirm("cpu0 panicked: " + sig.Message) {
			r.m.fatal(errors.Errorf("cpu0 panic: %s", sig.Message))
		}
	}
}

// fault handles an error that is not one of the trap kinds: a genuine
// runtime fault. If the kernel instance is live the fault is routed
// into its own exception-reporting export so the guest can attempt
// diagnostics; either way the unit is done.
func (r *Runner) fault(err error) {
	r.L.Error("runtime fault", "error", err)

	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	r.L.Debug("host stack at fault", "stack", string(buf[:n]))

	if r.task != nil {
		r.L.Debug("task state at fault", "dump", spew.Sdump(r.task))
	}

	kern := r.h.kernel()
	if kern == nil {
		return
	}

	if report := kern.ExportedFunction("kernel_report"); report != nil {
		if _, _, rerr := r.callGuest(report, 0); rerr != nil && !r.terminated(rerr) {
			r.L.Error("kernel_report failed", "error", rerr)
		}
	}
}
