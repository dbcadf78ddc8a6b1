package linuxwasm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestLockWord(t *testing.T) {
	n := neko.Modern(t)

	n.It("returns the payload written before the signal", func(t *testing.T) {
		var w LockWord

		w.Signal(0x40)

		require.Equal(t, uint32(0x40), w.Wait())
	})

	n.It("consumes each signal exactly once", func(t *testing.T) {
		var w LockWord

		w.Signal(7)
		require.Equal(t, uint32(7), w.Wait())

		got := make(chan uint32, 1)

		go func() {
			got <- w.Wait()
		}()

		select {
		case v := <-got:
			t.Fatalf("wait proceeded without a second signal, payload %d", v)
		case <-time.After(100 * time.Millisecond):
			// still parked, as it should be
		}

		w.Signal(9)

		select {
		case v := <-got:
			require.Equal(t, uint32(9), v)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never woke")
		}
	})

	n.It("wakes a parked waiter with the payload", func(t *testing.T) {
		var w LockWord

		got := make(chan uint32, 1)

		go func() {
			got <- w.Wait()
		}()

		time.Sleep(10 * time.Millisecond)

		w.Signal(0xdead)

		select {
		case v := <-got:
			require.Equal(t, uint32(0xdead), v)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never woke")
		}
	})

	n.Meow()
}
