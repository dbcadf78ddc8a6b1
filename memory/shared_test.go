package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/vektra/neko"

	"github.com/kyroskoh/linux-wasm/internal/wasmtest"
)

func TestProvider(t *testing.T) {
	n := neko.Modern(t)

	n.It("exports a growable shared memory under the agreed name", func(t *testing.T) {
		ctx := context.Background()

		rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
			WithCoreFeatures(api.CoreFeaturesV2|experimental.CoreFeaturesThreads))
		defer rt.Close(ctx)

		mod, err := Instantiate(ctx, rt)
		require.NoError(t, err)

		require.Equal(t, ModuleName, mod.Name())

		mem := mod.Memory()
		require.NotNil(t, mem)

		require.Equal(t, uint32(128*pageSize), mem.Size())

		prev, ok := mem.Grow(1)
		require.True(t, ok)
		require.Equal(t, uint32(128), prev)
	})

	n.Meow()
}

func TestAccessHelpers(t *testing.T) {
	n := neko.Modern(t)

	n.It("round-trips bytes through fresh views", func(t *testing.T) {
		mem := wasmtest.NewMemory(1, 4)

		require.NoError(t, Write(mem, 0x10, []byte("hello")))

		b, err := View(mem, 0x10, 5)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), b)
	})

	n.It("rejects ranges outside the region", func(t *testing.T) {
		mem := wasmtest.NewMemory(1, 4)

		_, err := View(mem, wasmtest.PageSize-2, 4)
		require.ErrorIs(t, err, ErrOutOfRange)

		err = Write(mem, wasmtest.PageSize-2, []byte("abcd"))
		require.ErrorIs(t, err, ErrOutOfRange)
	})

	n.It("reads NUL-terminated strings", func(t *testing.T) {
		mem := wasmtest.NewMemory(1, 4)

		require.NoError(t, Write(mem, 0x20, []byte("init\x00garbage")))

		s, err := ReadCString(mem, 0x20)
		require.NoError(t, err)
		require.Equal(t, "init", s)
	})

	n.It("refuses an unterminated string running off the region", func(t *testing.T) {
		mem := wasmtest.NewMemory(1, 4)

		// Last byte non-zero, so the scan hits the region edge.
		require.True(t, mem.WriteByte(wasmtest.PageSize-1, 'x'))

		_, err := ReadCString(mem, wasmtest.PageSize-1)
		require.ErrorIs(t, err, ErrOutOfRange)
	})

	n.It("pushes data onto a fresh page past the old end", func(t *testing.T) {
		mem := wasmtest.NewMemory(2, 8)

		payload := []byte("ramdisk image")

		start, end, err := Push(mem, payload)
		require.NoError(t, err)

		require.Equal(t, uint32(2*wasmtest.PageSize), start)
		require.Equal(t, start+uint32(len(payload)), end)

		b, ok := mem.Read(start, uint32(len(payload)))
		require.True(t, ok)
		require.Equal(t, payload, b)
	})

	n.It("invalidates earlier views when a push grows the region", func(t *testing.T) {
		mem := wasmtest.NewMemory(1, 4)

		require.NoError(t, Write(mem, 0, []byte{1, 2, 3}))

		stale, err := View(mem, 0, 3)
		require.NoError(t, err)

		_, _, err = Push(mem, []byte("x"))
		require.NoError(t, err)

		// Writes through the live region no longer reach the stale
		// view's backing array.
		require.NoError(t, Write(mem, 0, []byte{9, 9, 9}))
		require.Equal(t, []byte{1, 2, 3}, stale)
	})

	n.It("fails a push the maximum cannot accommodate", func(t *testing.T) {
		mem := wasmtest.NewMemory(1, 2)

		_, _, err := Push(mem, make([]byte, 2*wasmtest.PageSize))
		require.ErrorIs(t, err, ErrOutOfRange)
	})

	n.Meow()
}
