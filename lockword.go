package linuxwasm

import "sync"

// LockWord is the binary serialization signal used to hand off
// execution between units. The payload is the id of the task the
// waker switched away from.
//
// Ordering: Signal stores the payload, then sets the flag, then wakes,
// all under one mutex; Wait re-checks the flag after every wake,
// clears it, and reads the payload under the same mutex. The mutex is
// the fence, so a waiter can never observe the flag without the
// payload that was written before it.
type LockWord struct {
	mu       sync.Mutex
	cond     *sync.Cond
	signaled bool
	payload  uint32
}

func (w *LockWord) init() {
	if w.cond == nil {
		w.cond = sync.NewCond(&w.mu)
	}
}

// Signal publishes payload and wakes the waiter. Payload is in place
// strictly before the flag is visible.
func (w *LockWord) Signal(payload uint32) {
	w.mu.Lock()
	w.init()

	w.payload = payload
	w.signaled = true

	w.cond.Signal()
	w.mu.Unlock()
}

// Wait parks until signaled, consumes the signal, and returns the
// payload. Spurious wakeups re-check the flag. There is no timeout;
// a unit parked on a word that is never signaled again stays parked.
func (w *LockWord) Wait() uint32 {
	w.mu.Lock()
	w.init()

	for !w.signaled {
		w.cond.Wait()
	}

	w.signaled = false
	p := w.payload

	w.mu.Unlock()

	return p
}
