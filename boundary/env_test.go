package boundary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"github.com/vektra/neko"

	"github.com/kyroskoh/linux-wasm/abi"
	"github.com/kyroskoh/linux-wasm/log"
)

func TestScanStubs(t *testing.T) {
	n := neko.Modern(t)

	n.It("stubs env syscall imports with no implementation", func(t *testing.T) {
		imports := []importSig{
			{module: "env", name: "__syscall_pipe2", params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, results: []api.ValueType{api.ValueTypeI32}},
			{module: "env", name: "__syscall_clock_nanosleep", results: []api.ValueType{api.ValueTypeI32}},
		}

		stubs := scanStubs(imports, map[string]bool{})

		require.Len(t, stubs, 2)
		require.Equal(t, "__syscall_pipe2", stubs[0].name)
		require.Equal(t, "__syscall_clock_nanosleep", stubs[1].name)
	})

	n.It("skips implemented names and foreign modules", func(t *testing.T) {
		imports := []importSig{
			{module: "env", name: "__syscall_openat", results: []api.ValueType{api.ValueTypeI32}},
			{module: "env", name: "run_task"},
			{module: "mem", name: "memory"},
			{module: "wasi_snapshot_preview1", name: "__syscall_fake"},
		}

		stubs := scanStubs(imports, map[string]bool{"__syscall_openat": true, "run_task": true})

		require.Empty(t, stubs)
	})

	n.It("ignores imports outside the syscall naming convention", func(t *testing.T) {
		imports := []importSig{
			{module: "env", name: "some_helper"},
		}

		require.Empty(t, scanStubs(imports, map[string]bool{}))
	})

	n.Meow()
}

func TestStub(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()
	l := log.Named("test")

	n.It("resolves an i32 result to negated ENOSYS", func(t *testing.T) {
		fn := stub(l, "__syscall_pipe2", []api.ValueType{api.ValueTypeI32})

		stack := []uint64{7, 8}
		fn(ctx, nil, stack)

		require.Equal(t, int32(-abi.ENOSYS), int32(uint32(stack[0])))
	})

	n.It("sign-extends the code for an i64 result", func(t *testing.T) {
		fn := stub(l, "__syscall_sendfile64", []api.ValueType{api.ValueTypeI64})

		stack := []uint64{0}
		fn(ctx, nil, stack)

		require.Equal(t, int64(-abi.ENOSYS), int64(stack[0]))
	})

	n.It("leaves the stack alone for a void import", func(t *testing.T) {
		fn := stub(l, "__syscall_exit_hint", nil)

		stack := []uint64{0xdead}
		fn(ctx, nil, stack)

		require.Equal(t, uint64(0xdead), stack[0])
	})

	n.Meow()
}
