// Package linuxwasm boots an off-the-shelf kernel image compiled to
// WebAssembly by emulating a multiprocessor machine in goroutines.
// Every virtual CPU and every schedulable task is one goroutine
// driving one instance of the kernel module against a single shared
// linear memory; hand-off between them goes through an explicit
// lock-word protocol owned by the Machine.
package linuxwasm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/kyroskoh/linux-wasm/boundary"
	"github.com/kyroskoh/linux-wasm/bridge"
	"github.com/kyroskoh/linux-wasm/console"
	"github.com/kyroskoh/linux-wasm/loader"
	"github.com/kyroskoh/linux-wasm/log"
	"github.com/kyroskoh/linux-wasm/memory"
)

var (
	// ErrInvariant reports a request that breaks the host/guest
	// contract, like starting a secondary CPU with a non-positive id.
	// These are surfaced loudly because the contract was already
	// broken somewhere else.
	ErrInvariant = errors.New("host/guest invariant violated")

	// ErrBootReturned means a primary or secondary CPU entry export
	// returned instead of running forever. Typically insufficient
	// initial memory.
	ErrBootReturned = errors.New("cpu entry export returned")

	ErrUnknownTask = errors.New("unknown task")
	ErrUnknownCPU  = errors.New("unknown cpu")
)

// Options configures a Machine. Zero values pick the operator
// defaults: stdout console, stdin confirmation prompt.
type Options struct {
	Logger hclog.Logger

	// ConsoleOut receives guest console output.
	ConsoleOut io.Writer

	// Confirm gates fatal operator decisions (stopping CPU 0,
	// CPU 0 panic). Returning false keeps the machine limping along
	// for inspection.
	Confirm func(reason string) bool
}

// Machine is the coordinator: the single owner of the CPU and task
// registries and the shared memory handle. It translates host
// callbacks from task runners into registry mutations and relays
// cross-unit synchronization data. It never executes guest code.
type Machine struct {
	L hclog.Logger

	rt     wazero.Runtime
	loader *loader.Loader
	kernel wazero.CompiledModule

	memMod api.Module
	mem    api.Memory

	console *console.Console
	bridge  *bridge.Forwarder

	confirm func(string) bool
	epoch   time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu    sync.Mutex
	cpus  map[int32]*VirtualCPU
	tasks map[uint32]*Task

	fatalOnce sync.Once
	fatalCh   chan error
}

// NewMachine compiles the kernel image and prepares the shared memory
// and host callback surface. Nothing runs until Start.
func NewMachine(ctx context.Context, kernelSource []byte, opts Options) (*Machine, error) {
	l := opts.Logger
	if l == nil {
		l = log.Named("machine")
	}

	out := opts.ConsoleOut
	if out == nil {
		out = os.Stdout
	}

	confirm := opts.Confirm
	if confirm == nil {
		confirm = stdinConfirm
	}

	rcfg := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads).
		WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, rcfg)

	m := &Machine{
		L:       l,
		rt:      rt,
		loader:  loader.New(rt, loader.NewCache()),
		console: console.New(out),
		bridge:  bridge.NewForwarder(),
		confirm: confirm,
		epoch:   time.Now(),
		cpus:    make(map[int32]*VirtualCPU),
		tasks:   make(map[uint32]*Task),
		fatalCh: make(chan error, 1),
	}

	memMod, err := memory.Instantiate(ctx, rt)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	m.memMod = memMod
	m.mem = memMod.Memory()

	kernel, err := m.loader.Compile(ctx, kernelSource)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	m.kernel = kernel

	if _, err := boundary.Instantiate(ctx, rt, kernel, m); err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(err, "building host callback surface")
	}

	return m, nil
}

// Console is the machine's operator console. Feed guest input there.
func (m *Machine) Console() *console.Console {
	return m.console
}

// Bridge is the forward-call channel collaborator subsystems attach
// to.
func (m *Machine) Bridge() *bridge.Forwarder {
	return m.bridge
}

// Memory exposes the shared region. Views derived from it are
// invalidated by any growth.
func (m *Machine) Memory() api.Memory {
	return m.mem
}

// Start creates CPU 0 with the boot parameters and returns once its
// runner goroutine is launched. Boot failure surfaces through Wait.
func (m *Machine) Start(ctx context.Context, cmdline string, initrd []byte) error {
	m.baseCtx, m.stop = context.WithCancel(ctx)

	_, r, err := m.newCPU(0)
	if err != nil {
		return err
	}

	m.L.Info("starting machine", "cmdline", cmdline, "initrd-bytes", len(initrd))

	go r.runPrimary(cmdline, initrd)

	return nil
}

// Wait blocks until the machine dies or ctx is done. A machine that
// boots successfully runs until a fatal condition; there is no clean
// shutdown initiated by the guest.
func (m *Machine) Wait(ctx context.Context) error {
	select {
	case err := <-m.fatalCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down every execution unit and the wasm runtime.
func (m *Machine) Close(ctx context.Context) error {
	if m.stop != nil {
		m.stop()
	}

	return m.rt.Close(ctx)
}

func (m *Machine) fatal(err error) {
	m.fatalOnce.Do(func() {
		m.L.Error("fatal machine condition", "error", err)
		m.fatalCh <- err
		if m.stop != nil {
			m.stop()
		}
	})
}

// newCPU registers a VirtualCPU and builds its runner. The caller
// starts the goroutine.
func (m *Machine) newCPU(id int32) (*VirtualCPU, *Runner, error) {
	h := &handle{name: fmt.Sprintf("cpu%d", id)}

	cpu := &VirtualCPU{ID: id, h: h}

	m.mu.Lock()
	if _, ok := m.cpus[id]; ok {
		m.mu.Unlock()
		return nil, nil, errors.Wrapf(ErrInvariant, "cpu %d already exists", id)
	}
	m.cpus[id] = cpu
	m.mu.Unlock()

	r := m.newRunner(h)
	r.cpu = cpu

	return cpu, r, nil
}

// OnCPU0Identified registers CPU 0's idle task under the id the
// kernel reports for it. This is the only case where a task id
// arrives after its execution unit already exists.
func (m *Machine) OnCPU0Identified(taskID uint32) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cpu, ok := m.cpus[0]
	if !ok {
		return nil, errors.Wrap(ErrUnknownCPU, "cpu0 not registered")
	}

	cpu.IdleTask = taskID
	t := &Task{
		ID:   taskID,
		Name: "cpu0-idle",
		h:    cpu.h,
	}
	m.tasks[taskID] = t

	m.L.Debug("cpu0 idle task identified", "task", fmt.Sprintf("%#x", taskID))

	return t, nil
}

// StartSecondaryCPU brings up another virtual CPU and registers its
// idle task. CPU ids at or below zero are an invariant violation.
func (m *Machine) StartSecondaryCPU(id int32, idleTask uint32, startStack uint32) error {
	if id <= 0 {
		return errors.Wrapf(ErrInvariant, "secondary cpu id %d", id)
	}

	cpu, r, err := m.newCPU(id)
	if err != nil {
		return err
	}

	cpu.IdleTask = idleTask

	m.mu.Lock()
	m.tasks[idleTask] = &Task{
		ID:   idleTask,
		Name: fmt.Sprintf("cpu%d-idle", id),
		h:    cpu.h,
	}
	m.mu.Unlock()

	m.L.Info("starting secondary cpu", "cpu", id, "idle-task", fmt.Sprintf("%#x", idleTask))

	go r.runSecondary(startStack)

	return nil
}

// StopSecondaryCPU terminates a CPU's execution unit and removes it
// from the registry. Stopping CPU 0 signals a fatal host condition
// (almost always a corrupted-stack panic) and is gated on operator
// confirmation, because CPU 0 is the only unit that can keep the
// machine alive.
func (m *Machine) StopSecondaryCPU(id int32) error {
	if id < 0 {
		return errors.Wrapf(ErrInvariant, "cpu id %d", id)
	}

	if id == 0 {
		if !m.confirm("request to stop cpu0; machine state is very likely corrupted") {
			return errors.Wrap(ErrInvariant, "operator declined cpu0 stop")
		}

		m.fatal(errors.Wrap(ErrInvariant, "cpu0 stopped by guest request"))
		return nil
	}

	m.mu.Lock()
	cpu, ok := m.cpus[id]
	if ok {
		delete(m.cpus, id)
		delete(m.tasks, cpu.IdleTask)
	}
	m.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrUnknownCPU, "cpu %d", id)
	}

	m.L.Info("stopping secondary cpu", "cpu", id)

	if cpu.h.cancel != nil {
		cpu.h.cancel()
	}

	return nil
}

// CreateAndRunTask binds a new task to a fresh execution unit and
// starts it. It returns only after the new unit acknowledges; the
// caller is expected to park on its serialization lock next.
func (m *Machine) CreateAndRunTask(prev, next uint32, name string, prog *PendingExec) error {
	h := &handle{name: fmt.Sprintf("task-%#x", next)}

	t := &Task{
		ID:      next,
		Name:    name,
		h:       h,
		pending: prog,
	}

	m.mu.Lock()
	if _, ok := m.tasks[next]; ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrInvariant, "task %#x already exists", next)
	}
	m.tasks[next] = t
	m.mu.Unlock()

	r := m.newRunner(h)
	r.task = t

	m.L.Debug("creating task", "task", fmt.Sprintf("%#x", next), "name", name,
		"prev", fmt.Sprintf("%#x", prev))

	ack := make(chan struct{})

	go r.runTask(prev, next, ack)

	<-ack

	return nil
}

// ReleaseTask terminates the task's unit and removes the registry
// entry. Idempotent: releasing an unknown id is a no-op, and a later
// SerializeTasks naming the id does not resurrect it. The caller must
// ensure the task is parked on a lock that will never be signaled
// again; violating that only wastes the parked goroutine.
func (m *Machine) ReleaseTask(id uint32) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	if !ok {
		m.L.Trace("release of unknown task", "task", fmt.Sprintf("%#x", id))
		return
	}

	m.L.Debug("releasing task", "task", fmt.Sprintf("%#x", id), "name", t.Name)

	if t.h.cancel != nil {
		t.h.cancel()
	}
}

// SerializeTasks writes prev into next's last_switched_from slot and
// signals next's lock. This is the sole cross-task data hand-off
// path. Targeting a released task is a no-op.
func (m *Machine) SerializeTasks(prev, next uint32) {
	m.mu.Lock()
	t, ok := m.tasks[next]
	m.mu.Unlock()

	if !ok {
		m.L.Trace("serialize to unknown task", "next", fmt.Sprintf("%#x", next))
		return
	}

	t.h.lock.Signal(prev)
}

// lookupTask returns the live registry entry for id.
func (m *Machine) lookupTask(id uint32) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	return t, ok
}

// CPUCount reports the number of live virtual CPUs.
func (m *Machine) CPUCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.cpus)
}

func stdinConfirm(reason string) bool {
	fmt.Fprintf(os.Stderr, "\n%s\nproceed? [y/N] ", reason)

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}

	return len(line) > 0 && (line[0] == 'y' || line[0] == 'Y')
}
