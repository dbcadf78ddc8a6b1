package linuxwasm

import (
	"github.com/pkg/errors"

	"github.com/kyroskoh/linux-wasm/abi"
	"github.com/kyroskoh/linux-wasm/trap"
)

// tailProgram is what the post-syscall tail path needs from the
// currently running user program.
type tailProgram interface {
	// savedStack reads the stack pointer and TLS base the kernel
	// recorded for the interrupted execution point.
	savedStack() (sp, tls uint32, err error)

	// invokeSignal runs the pending signal handler inside the user
	// module. A SignalReturn trap raised while the handler runs is
	// returned as a value; other traps are returned for the caller to
	// re-throw.
	invokeSignal() (*trap.Signal, error)

	// restoreStack puts the stack/TLS state back so execution
	// continues at the interrupted point.
	restoreStack(sp, tls uint32) error
}

// runUserTail resolves a post-syscall flow code. Bit 0 (deliver
// signal) is evaluated before bit 1 (signal return), and a pending
// exec image is checked between the two, so a handler that itself
// execs replaces the image instead of sigreturning into dead code.
// Control leaves this function by trap when the image must be
// reloaded or the interrupted point must be resumed.
func runUserTail(t *Task, flow uint32, prog tailProgram) error {
	delivered := false

	if flow&abi.FlowDeliverSignal != 0 {
		sp, tls, err := prog.savedStack()
		if err != nil {
			return err
		}

		sig, err := prog.invokeSignal()
		if err != nil {
			return err
		}

		if sig != nil && sig.Kind != trap.SignalReturn {
			trap.Rethrow(sig)
		}

		// Handler finished, by plain return or by sigreturn; either
		// way the interrupted state comes back.
		if err := prog.restoreStack(sp, tls); err != nil {
			return err
		}

		delivered = true
	}

	if t.hasPending() {
		trap.Throw(trap.ReloadProgram, "")
	}

	if flow&abi.FlowSignalReturn != 0 && !delivered {
		trap.Throw(trap.SignalReturn, "")
	}

	return nil
}

// runnerTailProgram adapts the Runner's live user instance to
// tailProgram.
type runnerTailProgram struct {
	r *Runner
}

func (p runnerTailProgram) savedStack() (uint32, uint32, error) {
	sp, err := p.r.global("user_stack_pointer")
	if err != nil {
		return 0, 0, err
	}

	tls, err := p.r.global("user_tls_base")
	if err != nil {
		return 0, 0, err
	}

	return sp, tls, nil
}

func (p runnerTailProgram) invokeSignal() (*trap.Signal, error) {
	r := p.r

	if r.user == nil || r.user.inst == nil {
		return nil, errors.New("signal delivery with no user program")
	}

	handler, err := r.global("pending_sig_handler")
	if err != nil {
		return nil, err
	}

	signo, err := r.global("pending_sig_no")
	if err != nil {
		return nil, err
	}

	fn := r.user.inst.ExportedFunction("run_signal")
	if fn == nil {
		return nil, errors.New("user program does not export run_signal")
	}

	r.L.Trace("deliver-signal", "handler", handler, "signo", signo)

	_, sig, err := r.callGuest(fn, uint64(handler), uint64(signo))

	return sig, err
}

func (p runnerTailProgram) restoreStack(sp, tls uint32) error {
	r := p.r

	set := r.user.inst.ExportedFunction("set_stack")
	if set == nil {
		return errors.New("user program does not export set_stack")
	}

	_, sig, err := r.callGuest(set, uint64(sp), uint64(tls))
	if sig != nil {
		trap.Rethrow(sig)
	}

	return err
}
