package console

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestConsole(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()

	n.It("drains queued input up to the requested size", func(t *testing.T) {
		c := New(&bytes.Buffer{})

		c.Feed([]byte("ls\n"))

		out, err := c.Read(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, []byte("ls\n"), out)

		require.Zero(t, c.Buffered())
	})

	n.It("leaves the remainder queued for the next read", func(t *testing.T) {
		c := New(&bytes.Buffer{})

		c.Feed([]byte("cat /proc/cpuinfo\n"))

		out, err := c.Read(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, []byte("cat"), out)

		out, err = c.Read(ctx, 100)
		require.NoError(t, err)
		require.Equal(t, []byte(" /proc/cpuinfo\n"), out)
	})

	n.It("blocks on an empty queue until input arrives", func(t *testing.T) {
		c := New(&bytes.Buffer{})

		got := make(chan []byte, 1)

		go func() {
			out, err := c.Read(ctx, 10)
			if err == nil {
				got <- out
			}
		}()

		select {
		case out := <-got:
			t.Fatalf("read returned %q from an empty queue", out)
		case <-time.After(50 * time.Millisecond):
		}

		c.Feed([]byte("y\n"))

		select {
		case out := <-got:
			require.Equal(t, []byte("y\n"), out)
		case <-time.After(2 * time.Second):
			t.Fatal("blocked read never woke")
		}
	})

	n.It("returns the context error when a blocked read is canceled", func(t *testing.T) {
		c := New(&bytes.Buffer{})

		rctx, cancel := context.WithCancel(ctx)

		errs := make(chan error, 1)

		go func() {
			_, err := c.Read(rctx, 10)
			errs <- err
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()

		select {
		case err := <-errs:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("canceled read never returned")
		}
	})

	n.It("passes guest output through to the operator writer", func(t *testing.T) {
		var buf bytes.Buffer
		c := New(&buf)

		nw, err := c.Write([]byte("Linux version 6.1\n"))
		require.NoError(t, err)
		require.Equal(t, 18, nw)

		require.Equal(t, "Linux version 6.1\n", buf.String())
	})

	n.Meow()
}
