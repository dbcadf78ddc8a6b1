package trap

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestSignal(t *testing.T) {
	n := neko.Modern(t)

	n.It("recognizes its own panics", func(t *testing.T) {
		defer func() {
			sig, ok := FromRecovered(recover())
			require.True(t, ok)
			require.Equal(t, ReloadProgram, sig.Kind)
		}()

		Throw(ReloadProgram, "")
	})

	n.It("rejects foreign panic values", func(t *testing.T) {
		_, ok := FromRecovered("index out of range")
		require.False(t, ok)

		_, ok = FromRecovered(nil)
		require.False(t, ok)
	})

	n.It("survives being folded into an error chain", func(t *testing.T) {
		sig := &Signal{Kind: Panic, Message: "kernel BUG at mm/slub.c"}

		wrapped := errors.Wrap(sig, "module closed")

		var got *Signal
		require.True(t, errors.As(wrapped, &got))
		require.Same(t, sig, got)
	})

	n.It("names its kind in the error text", func(t *testing.T) {
		require.Equal(t, "trap: signal-return", (&Signal{Kind: SignalReturn}).Error())
		require.Equal(t, "trap: panic: oops", (&Signal{Kind: Panic, Message: "oops"}).Error())
	})

	n.Meow()
}
