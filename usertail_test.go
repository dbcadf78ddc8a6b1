package linuxwasm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/kyroskoh/linux-wasm/abi"
	"github.com/kyroskoh/linux-wasm/trap"
)

type fakeTail struct {
	sp, tls uint32

	handlerRan  bool
	handlerTrap *trap.Signal
	handlerHook func(p *fakeTail)

	restoredSP  uint32
	restoredTLS uint32
	restored    bool
}

func (p *fakeTail) savedStack() (uint32, uint32, error) {
	return p.sp, p.tls, nil
}

func (p *fakeTail) invokeSignal() (*trap.Signal, error) {
	p.handlerRan = true
	if p.handlerHook != nil {
		p.handlerHook(p)
	}

	return p.handlerTrap, nil
}

func (p *fakeTail) restoreStack(sp, tls uint32) error {
	p.restored = true
	p.restoredSP = sp
	p.restoredTLS = tls

	return nil
}

// catchTrap runs fn and returns the trap.Signal it throws, or nil if
// it returns normally.
func catchTrap(t *testing.T, fn func() error) (sig *trap.Signal) {
	t.Helper()

	defer func() {
		if r := recover(); r != nil {
			var ok bool
			sig, ok = trap.FromRecovered(r)
			if !ok {
				panic(r)
			}
		}
	}()

	require.NoError(t, fn())

	return nil
}

func TestRunUserTail(t *testing.T) {
	n := neko.Modern(t)

	n.It("delivers a pending signal and restores the saved stack", func(t *testing.T) {
		task := &Task{ID: 1, Name: "sh"}
		prog := &fakeTail{sp: 0x8000, tls: 0x9000}

		sig := catchTrap(t, func() error {
			return runUserTail(task, abi.FlowDeliverSignal, prog)
		})

		require.Nil(t, sig)
		require.True(t, prog.handlerRan)
		require.True(t, prog.restored)
		require.Equal(t, uint32(0x8000), prog.restoredSP)
		require.Equal(t, uint32(0x9000), prog.restoredTLS)
	})

	n.It("treats a handler that sigreturns as a plain return", func(t *testing.T) {
		task := &Task{ID: 1, Name: "sh"}
		prog := &fakeTail{
			sp:          0x8000,
			tls:         0x9000,
			handlerTrap: &trap.Signal{Kind: trap.SignalReturn},
		}

		sig := catchTrap(t, func() error {
			return runUserTail(task, abi.FlowDeliverSignal|abi.FlowSignalReturn, prog)
		})

		require.Nil(t, sig)
		require.True(t, prog.restored)
	})

	n.It("raises a signal-return trap when only bit 1 is set", func(t *testing.T) {
		task := &Task{ID: 1, Name: "sh"}
		prog := &fakeTail{}

		sig := catchTrap(t, func() error {
			return runUserTail(task, abi.FlowSignalReturn, prog)
		})

		require.NotNil(t, sig)
		require.Equal(t, trap.SignalReturn, sig.Kind)
		require.False(t, prog.handlerRan)
	})

	n.It("reloads instead of sigreturning when the handler execs", func(t *testing.T) {
		task := &Task{ID: 1, Name: "sh"}
		prog := &fakeTail{
			handlerHook: func(p *fakeTail) {
				task.setPending(&PendingExec{})
			},
		}

		sig := catchTrap(t, func() error {
			return runUserTail(task, abi.FlowDeliverSignal|abi.FlowSignalReturn, prog)
		})

		require.NotNil(t, sig)
		require.Equal(t, trap.ReloadProgram, sig.Kind)

		// The prepared image is still there for the reload path.
		require.True(t, task.hasPending())
	})

	n.It("re-raises non-sigreturn traps out of the handler", func(t *testing.T) {
		task := &Task{ID: 1, Name: "sh"}
		prog := &fakeTail{
			handlerTrap: &trap.Signal{Kind: trap.Panic, Message: "oops"},
		}

		sig := catchTrap(t, func() error {
			return runUserTail(task, abi.FlowDeliverSignal, prog)
		})

		require.NotNil(t, sig)
		require.Equal(t, trap.Panic, sig.Kind)
		require.False(t, prog.restored)
	})

	n.It("does nothing for a zero flow code", func(t *testing.T) {
		task := &Task{ID: 1, Name: "sh"}
		prog := &fakeTail{}

		require.NoError(t, runUserTail(task, 0, prog))
		require.False(t, prog.handlerRan)
	})

	n.Meow()
}
