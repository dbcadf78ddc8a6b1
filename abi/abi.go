// Package abi holds the constants shared between the host runtime and
// the guest kernel image: errno values returned through host calls,
// the post-syscall flow bits, and the layout of the program descriptor
// passed to run_task.
package abi

const (
	EPERM   = 1
	ENOENT  = 2
	EINTR   = 4
	EIO     = 5
	ENOEXEC = 8
	ENOMEM  = 12
	EFAULT  = 14
	EINVAL  = 22
	ENOSYS  = 38
)

// Flow bits reported by the kernel's syscall return path through
// user_mode_tail. Signal delivery is always evaluated before signal
// return so a handler that execs short-circuits the sigreturn.
const (
	FlowDeliverSignal = 1 << 0
	FlowSignalReturn  = 1 << 1
)

// WasmPageSize is the wasm linear memory page size (64 KB).
const WasmPageSize = 65536

// ProgramDescriptor is the guest-memory layout handed to run_task and
// load_executable: four little-endian u32 fields.
type ProgramDescriptor struct {
	BinStart  uint32
	BinEnd    uint32
	DataBase  uint32
	TableBase uint32
}

// ProgramDescriptorSize is the descriptor's size in guest memory.
const ProgramDescriptorSize = 16
