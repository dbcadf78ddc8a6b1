package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestRegistry(t *testing.T) {
	n := neko.Modern(t)

	n.It("assigns ids starting above the guest's nil id", func(t *testing.T) {
		r := NewRegistry()

		a := r.Register("window-a")
		b := r.Register("window-b")

		require.Equal(t, uint32(1), a)
		require.Equal(t, uint32(2), b)
	})

	n.It("resolves ids back to their objects", func(t *testing.T) {
		r := NewRegistry()

		id := r.Register("surface")

		obj, ok := r.Get(id)
		require.True(t, ok)
		require.Equal(t, "surface", obj)
	})

	n.It("forgets released ids without reusing them", func(t *testing.T) {
		r := NewRegistry()

		id := r.Register("surface")
		r.Release(id)
		r.Release(id)

		_, ok := r.Get(id)
		require.False(t, ok)

		require.NotEqual(t, id, r.Register("another"))
	})

	n.Meow()
}

func TestForwarder(t *testing.T) {
	n := neko.Modern(t)

	n.It("delivers calls to the installed handler", func(t *testing.T) {
		f := NewForwarder()

		var (
			gotName string
			gotArgs []uint64
		)

		f.SetHandler(func(name string, args []uint64) uint64 {
			gotName = name
			gotArgs = args
			return 42
		})

		res := f.Forward("create_window", []uint64{640, 480})

		require.Equal(t, uint64(42), res)
		require.Equal(t, "create_window", gotName)
		require.Equal(t, []uint64{640, 480}, gotArgs)
	})

	n.It("resolves unhandled calls to zero", func(t *testing.T) {
		f := NewForwarder()

		require.Zero(t, f.Forward("create_window", nil))
	})

	n.Meow()
}
