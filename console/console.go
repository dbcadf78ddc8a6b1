// Package console is the machine's operator console: an unbounded
// process-wide input byte queue drained FIFO by blocking reads, and a
// write path to the configured output.
package console

import (
	"context"
	"io"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/kyroskoh/linux-wasm/log"
	"github.com/kyroskoh/linux-wasm/pkg/waiter"
)

const (
	_ waiter.EventType = iota
	InputReady
)

type Console struct {
	L hclog.Logger

	mu    sync.Mutex
	input []byte

	events waiter.Waiter

	out io.Writer
}

func New(out io.Writer) *Console {
	return &Console{
		L:   log.Named("console"),
		out: out,
	}
}

// Feed appends raw input bytes to the queue and wakes blocked readers.
// The payload is in place before the notify fires.
func (c *Console) Feed(p []byte) {
	if len(p) == 0 {
		return
	}

	c.mu.Lock()
	c.input = append(c.input, p...)
	c.mu.Unlock()

	c.events.Notify(InputReady)
}

func (c *Console) takeLocked(max int) []byte {
	n := len(c.input)
	if n > max {
		n = max
	}

	out := make([]byte, n)
	copy(out, c.input)
	c.input = c.input[n:]

	return out
}

// Read blocks until at least one byte is queued, then drains up to max
// bytes. An empty queue never yields an empty read; the waiter must
// re-check the queue after every wake.
func (c *Console) Read(ctx context.Context, max int) ([]byte, error) {
	if max <= 0 {
		return nil, nil
	}

	ch := make(chan struct{}, 1)
	ev := c.events.RegisterChannel(InputReady, ch)
	defer c.events.Unregister(ev)

	for {
		c.mu.Lock()
		if len(c.input) > 0 {
			out := c.takeLocked(max)
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()

		c.L.Trace("console-read-wait", "max", max)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
			// re-check the queue
		}
	}
}

// Write sends guest output to the operator.
func (c *Console) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

// Buffered reports the current queue depth.
func (c *Console) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.input)
}
