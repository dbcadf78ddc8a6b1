// Package boundary builds the "env" host module: the fixed callback
// surface the guest kernel imports, plus uniform not-implemented
// stubs for any imported symbol matching the syscall naming
// convention that has no concrete implementation. Anything else left
// unresolved fails instantiation loudly.
package boundary

import (
	"context"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/kyroskoh/linux-wasm/abi"
	"github.com/kyroskoh/linux-wasm/log"
)

// Host is the set of operations the callback surface forwards to.
// Every method runs on the goroutine of the execution unit whose
// guest code made the call.
type Host interface {
	StartCPU(ctx context.Context, id int32, idleTask, startStack uint32) int32
	StopCPU(ctx context.Context, id int32) int32
	CPU0Task(ctx context.Context, task uint32)

	RunTask(ctx context.Context, prev, next, namePtr, progPtr uint32) uint32
	DropTask(ctx context.Context, task uint32)
	Serialize(ctx context.Context, prev, next uint32) uint32

	GuestPanic(ctx context.Context, msgPtr uint32)
	DumpStacktrace(ctx context.Context, buf, max uint32) int32

	LoadExecutable(ctx context.Context, binStart, binEnd, dataBase, tableBase uint32) int32
	UserSyscall(ctx context.Context, nr int32, argsPtr uint32) int32
	UserModeTail(ctx context.Context, flow uint32)

	ClockMonotonic(ctx context.Context) uint64

	ConsoleWrite(ctx context.Context, buf, count uint32) int32
	ConsoleRead(ctx context.Context, buf, max uint32) int32

	ForwardCall(ctx context.Context, namePtr, nameLen, argsPtr, argc, retPtr uint32) int32
}

// SyscallStubPrefix is the guest import naming convention satisfied
// by generated ENOSYS stubs.
const SyscallStubPrefix = "__syscall"

// Instantiate registers the callback surface and the synthesized
// stubs for kernel's unimplemented syscall imports, and instantiates
// the module under the name "env".
func Instantiate(ctx context.Context, rt wazero.Runtime, kernel wazero.CompiledModule, host Host) (api.Module, error) {
	l := log.Named("boundary")

	b := rt.NewHostModuleBuilder("env")

	known := map[string]bool{}

	export := func(name string, fn interface{}) {
		b.NewFunctionBuilder().WithFunc(fn).Export(name)
		known[name] = true
	}

	export("start_cpu", func(ctx context.Context, mod api.Module, id int32, idleTask, startStack uint32) int32 {
		return host.StartCPU(ctx, id, idleTask, startStack)
	})
	export("stop_cpu", func(ctx context.Context, mod api.Module, id int32) int32 {
		return host.StopCPU(ctx, id)
	})
	export("cpu0_task", func(ctx context.Context, mod api.Module, task uint32) {
		host.CPU0Task(ctx, task)
	})

	export("run_task", func(ctx context.Context, mod api.Module, prev, next, namePtr, progPtr uint32) uint32 {
		return host.RunTask(ctx, prev, next, namePtr, progPtr)
	})
	export("release_task", func(ctx context.Context, mod api.Module, task uint32) {
		host.DropTask(ctx, task)
	})
	export("serialize_tasks", func(ctx context.Context, mod api.Module, prev, next uint32) uint32 {
		return host.Serialize(ctx, prev, next)
	})

	export("panic", func(ctx context.Context, mod api.Module, msgPtr uint32) {
		host.GuestPanic(ctx, msgPtr)
	})
	export("dump_stacktrace", func(ctx context.Context, mod api.Module, buf, max uint32) int32 {
		return host.DumpStacktrace(ctx, buf, max)
	})

	export("load_executable", func(ctx context.Context, mod api.Module, binStart, binEnd, dataBase, tableBase uint32) int32 {
		return host.LoadExecutable(ctx, binStart, binEnd, dataBase, tableBase)
	})
	export("__user_syscall", func(ctx context.Context, mod api.Module, nr int32, argsPtr uint32) int32 {
		return host.UserSyscall(ctx, nr, argsPtr)
	})
	export("user_mode_tail", func(ctx context.Context, mod api.Module, flow uint32) {
		host.UserModeTail(ctx, flow)
	})

	export("clock_get_monotonic", func(ctx context.Context, mod api.Module) uint64 {
		return host.ClockMonotonic(ctx)
	})

	export("console_write", func(ctx context.Context, mod api.Module, buf, count uint32) int32 {
		return host.ConsoleWrite(ctx, buf, count)
	})
	export("console_read", func(ctx context.Context, mod api.Module, buf, max uint32) int32 {
		return host.ConsoleRead(ctx, buf, max)
	})

	export("forward_call", func(ctx context.Context, mod api.Module, namePtr, nameLen, argsPtr, argc, retPtr uint32) int32 {
		return host.ForwardCall(ctx, namePtr, nameLen, argsPtr, argc, retPtr)
	})

	for _, imp := range scanStubs(kernelImports(kernel), known) {
		l.Debug("stubbing unimplemented syscall", "name", imp.name)
		b.NewFunctionBuilder().
			WithGoModuleFunction(stub(l, imp.name, imp.results), imp.params, imp.results).
			Export(imp.name)
	}

	return b.Instantiate(ctx)
}

// importSig is one function import of the guest image, reduced to the
// pieces stub generation needs.
type importSig struct {
	module  string
	name    string
	params  []api.ValueType
	results []api.ValueType
}

func kernelImports(kernel wazero.CompiledModule) []importSig {
	var imports []importSig

	for _, def := range kernel.ImportedFunctions() {
		modName, name, ok := def.Import()
		if !ok {
			continue
		}

		imports = append(imports, importSig{
			module:  modName,
			name:    name,
			params:  def.ParamTypes(),
			results: def.ResultTypes(),
		})
	}

	return imports
}

// scanStubs finds env imports that follow the syscall naming
// convention and have no concrete implementation.
func scanStubs(imports []importSig, known map[string]bool) []importSig {
	var stubs []importSig

	for _, imp := range imports {
		if imp.module != "env" {
			continue
		}

		if known[imp.name] || !strings.HasPrefix(imp.name, SyscallStubPrefix) {
			continue
		}

		stubs = append(stubs, imp)
	}

	return stubs
}

// stub returns a host function of the imported signature that
// resolves to the well-defined "not implemented" code. Not an error:
// the guest treats ENOSYS like any other syscall result.
func stub(l hclog.Logger, name string, results []api.ValueType) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		l.Trace("unimplemented syscall", "name", name)

		if len(results) == 0 {
			return
		}

		neg64 := int64(-abi.ENOSYS)
		switch results[0] {
		case api.ValueTypeI64:
			stack[0] = uint64(neg64)
		default:
			stack[0] = uint64(uint32(int32(neg64)))
		}
	}
}
