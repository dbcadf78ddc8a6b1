package linuxwasm

// The methods in this file implement boundary.Host: the fixed set of
// functions the guest kernel imports. Each runs on the goroutine of
// the execution unit that made the call; the unit's Runner is carried
// in the call context.

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/kyroskoh/linux-wasm/abi"
	"github.com/kyroskoh/linux-wasm/memory"
	"github.com/kyroskoh/linux-wasm/trap"
)

func (m *Machine) runner(ctx context.Context, op string) (*Runner, bool) {
	r, ok := runnerFrom(ctx)
	if !ok {
		m.L.Error("host call outside an execution unit", "op", op)
	}

	return r, ok
}

// StartCPU handles the kernel's request to bring up a secondary CPU.
func (m *Machine) StartCPU(ctx context.Context, id int32, idleTask, startStack uint32) int32 {
	if err := m.StartSecondaryCPU(id, idleTask, startStack); err != nil {
		m.L.Error("start_cpu failed", "cpu", id, "error", err)
		return -abi.EINVAL
	}

	return 0
}

// StopCPU handles the kernel's request to take a CPU down.
func (m *Machine) StopCPU(ctx context.Context, id int32) int32 {
	if err := m.StopSecondaryCPU(id); err != nil {
		m.L.Error("stop_cpu failed", "cpu", id, "error", err)
		return -abi.EINVAL
	}

	return 0
}

// CPU0Task registers the idle task id the kernel assigned to CPU 0.
func (m *Machine) CPU0Task(ctx context.Context, task uint32) {
	r, ok := m.runner(ctx, "cpu0_task")
	if !ok {
		return
	}

	t, err := m.OnCPU0Identified(task)
	if err != nil {
		m.L.Error("cpu0_task failed", "error", err)
		return
	}

	r.task = t
}

// RunTask creates a fresh execution unit for the task the kernel is
// scheduling, waits for it to come up, then parks the calling unit.
// The return value is the task this unit was resumed from.
func (m *Machine) RunTask(ctx context.Context, prev, next, namePtr, progPtr uint32) uint32 {
	r, ok := m.runner(ctx, "run_task")
	if !ok {
		return prev
	}

	name, err := memory.ReadCString(m.mem, namePtr)
	if err != nil {
		m.L.Error("run_task: unreadable name", "error", err)
		name = fmt.Sprintf("task-%#x", next)
	}

	var prog *PendingExec

	if progPtr != 0 {
		prog, err = m.compileDescriptor(ctx, progPtr)
		if err != nil {
			m.L.Error("run_task: bad program descriptor", "error", err)
			return prev
		}
	}

	if err := m.CreateAndRunTask(prev, next, name, prog); err != nil {
		m.L.Error("run_task failed", "task", fmt.Sprintf("%#x", next), "error", err)
		return prev
	}

	return r.serializeMe()
}

// DropTask drops a dead task's unit. The kernel guarantees the task
// is parked on a lock nobody will signal again.
func (m *Machine) DropTask(ctx context.Context, task uint32) {
	m.ReleaseTask(task)
}

// Serialize hands execution to next and parks the calling unit until
// someone hands execution back. next == 0 is a pure yield.
func (m *Machine) Serialize(ctx context.Context, prev, next uint32) uint32 {
	r, ok := m.runner(ctx, "serialize_tasks")
	if !ok {
		return prev
	}

	if next != 0 {
		m.SerializeTasks(prev, next)
	}

	return r.serializeMe()
}

// GuestPanic reports an unrecoverable guest condition. It never
// returns to the guest: the unit's call stack collapses up to its
// entry boundary.
func (m *Machine) GuestPanic(ctx context.Context, msgPtr uint32) {
	msg, err := memory.ReadCString(m.mem, msgPtr)
	if err != nil {
		msg = fmt.Sprintf("(panic message unreadable: %v)", err)
	}

	trap.Throw(trap.Panic, msg)
}

// DumpStacktrace writes best-effort stack information into the guest
// buffer and returns the byte count.
func (m *Machine) DumpStacktrace(ctx context.Context, buf, max uint32) int32 {
	if max == 0 {
		return 0
	}

	tmp := make([]byte, max)
	n := runtime.Stack(tmp, false)

	if err := memory.Write(m.mem, buf, tmp[:n]); err != nil {
		return -abi.EFAULT
	}

	return int32(n)
}

// LoadExecutable compiles the replacement program image
// speculatively and parks it on the task; the syscall return path
// raises the reload trap instead of returning to the old image.
func (m *Machine) LoadExecutable(ctx context.Context, binStart, binEnd, dataBase, tableBase uint32) int32 {
	r, ok := m.runner(ctx, "load_executable")
	if !ok || r.task == nil {
		return -abi.EINVAL
	}

	pe, err := m.compileRange(ctx, binStart, binEnd, dataBase, tableBase)
	if err != nil {
		m.L.Error("load_executable failed", "error", err)
		return -abi.ENOEXEC
	}

	r.task.setPending(pe)

	return 0
}

// UserSyscall forwards a user program's syscall into this unit's
// kernel instance. Traps raised on the kernel's return path continue
// unwinding through here.
func (m *Machine) UserSyscall(ctx context.Context, nr int32, argsPtr uint32) int32 {
	r, ok := m.runner(ctx, "user_syscall")
	if !ok {
		return -abi.ENOSYS
	}

	kern := r.h.kernel()
	if kern == nil {
		return -abi.ENOSYS
	}

	fn := kern.ExportedFunction("kernel_syscall")
	if fn == nil {
		return -abi.ENOSYS
	}

	res, sig, err := r.callGuest(fn, uint64(uint32(nr)), uint64(argsPtr))
	if sig != nil {
		trap.Rethrow(sig)
	}

	if err != nil {
		if !r.terminated(err) {
			r.L.Error("kernel_syscall failed", "nr", nr, "error", err)
		}
		return -abi.EIO
	}

	if len(res) == 0 {
		return 0
	}

	return int32(uint32(res[0]))
}

// UserModeTail resolves the post-syscall flow code: deliver a pending
// signal, replace the image, or return to the interrupted point.
func (m *Machine) UserModeTail(ctx context.Context, flow uint32) {
	r, ok := m.runner(ctx, "user_mode_tail")
	if !ok || r.task == nil {
		return
	}

	if err := runUserTail(r.task, flow, runnerTailProgram{r}); err != nil {
		r.L.Error("user mode tail fault", "flow", flow, "error", err)
	}
}

// ClockMonotonic returns microseconds since the machine epoch.
func (m *Machine) ClockMonotonic(ctx context.Context) uint64 {
	return uint64(time.Since(m.epoch).Microseconds())
}

// ConsoleWrite sends guest bytes to the operator console.
func (m *Machine) ConsoleWrite(ctx context.Context, buf, count uint32) int32 {
	data, err := memory.View(m.mem, buf, count)
	if err != nil {
		return -abi.EFAULT
	}

	n, err := m.console.Write(data)
	if err != nil {
		return -abi.EIO
	}

	return int32(n)
}

// ConsoleRead blocks until console input is available, then copies up
// to max bytes into the guest buffer.
func (m *Machine) ConsoleRead(ctx context.Context, buf, max uint32) int32 {
	data, err := m.console.Read(ctx, int(max))
	if err != nil {
		return -abi.EINTR
	}

	// The blocked wait may have spanned a grow; Write derives a fresh
	// view.
	if err := memory.Write(m.mem, buf, data); err != nil {
		return -abi.EFAULT
	}

	return int32(len(data))
}

// ForwardCall relays a collaborator call: name, packed u64 arguments,
// optional result slot. The payload is not interpreted here.
func (m *Machine) ForwardCall(ctx context.Context, namePtr, nameLen, argsPtr, argc, retPtr uint32) int32 {
	nameBytes, err := memory.View(m.mem, namePtr, nameLen)
	if err != nil {
		return -abi.EFAULT
	}

	name := string(nameBytes)

	args := make([]uint64, argc)
	for i := uint32(0); i < argc; i++ {
		v, ok := m.mem.ReadUint64Le(argsPtr + 8*i)
		if !ok {
			return -abi.EFAULT
		}
		args[i] = v
	}

	ret := m.bridge.Forward(name, args)

	if retPtr != 0 {
		if ok := m.mem.WriteUint64Le(retPtr, ret); !ok {
			return -abi.EFAULT
		}
	}

	return 0
}

// compileDescriptor reads a program descriptor out of guest memory
// and compiles the image it points at.
func (m *Machine) compileDescriptor(ctx context.Context, ptr uint32) (*PendingExec, error) {
	view, err := memory.View(m.mem, ptr, abi.ProgramDescriptorSize)
	if err != nil {
		return nil, err
	}

	le := binary.LittleEndian

	var desc abi.ProgramDescriptor
	desc.BinStart = le.Uint32(view[0:])
	desc.BinEnd = le.Uint32(view[4:])
	desc.DataBase = le.Uint32(view[8:])
	desc.TableBase = le.Uint32(view[12:])

	return m.compileRange(ctx, desc.BinStart, desc.BinEnd, desc.DataBase, desc.TableBase)
}

func (m *Machine) compileRange(ctx context.Context, binStart, binEnd, dataBase, tableBase uint32) (*PendingExec, error) {
	if binEnd < binStart {
		return nil, errors.Errorf("inverted binary range [%#x, %#x)", binStart, binEnd)
	}

	view, err := memory.View(m.mem, binStart, binEnd-binStart)
	if err != nil {
		return nil, err
	}

	// The view dies on the next grow and compilation may retain the
	// bytes, so compile from a copy.
	source := make([]byte, len(view))
	copy(source, view)

	compiled, err := m.loader.Compile(ctx, source)
	if err != nil {
		return nil, err
	}

	return &PendingExec{
		Compiled:  compiled,
		DataBase:  dataBase,
		TableBase: tableBase,
	}, nil
}
