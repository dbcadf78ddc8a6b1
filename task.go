package linuxwasm

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// handle is the execution-unit half shared by a VirtualCPU and the
// tasks riding on it: the goroutine's cancel, its serialization lock,
// and the kernel instance it drives. A CPU's idle task shares the
// CPU's handle; every other task owns one.
type handle struct {
	name   string
	lock   LockWord
	cancel context.CancelFunc

	mu   sync.Mutex
	kern api.Module
}

func (h *handle) setKernel(mod api.Module) {
	h.mu.Lock()
	h.kern = mod
	h.mu.Unlock()
}

func (h *handle) kernel() api.Module {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.kern
}

// VirtualCPU is one emulated processor. CPU 0 is privileged: it boots
// the machine and brings the others up; stopping it is a fatal host
// condition.
type VirtualCPU struct {
	ID       int32
	IdleTask uint32

	h *handle
}

// PendingExec is a prepared-but-not-yet-instantiated replacement
// program image. Set by load_executable, consumed exactly once by the
// reload path.
type PendingExec struct {
	Compiled  wazero.CompiledModule
	DataBase  uint32
	TableBase uint32
}

// Task is one schedulable guest context. Its id is a kernel-space
// address assigned by the guest; the host only maps ids to units.
type Task struct {
	ID   uint32
	Name string

	h *handle

	mu      sync.Mutex
	pending *PendingExec
	parked  bool
}

func (t *Task) setPending(p *PendingExec) {
	t.mu.Lock()
	t.pending = p
	t.mu.Unlock()
}

func (t *Task) hasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.pending != nil
}

// takePending consumes the prepared image.
func (t *Task) takePending() *PendingExec {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pending
	t.pending = nil

	return p
}

// park marks the task no longer schedulable after a guest panic. The
// task stays in the registry for inspection.
func (t *Task) park() {
	t.mu.Lock()
	t.parked = true
	t.mu.Unlock()
}

func (t *Task) Parked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.parked
}
