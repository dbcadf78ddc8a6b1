// Package bridge carries remote calls for collaborator subsystems
// (the graphics layer, primarily). The runtime guarantees delivery of
// a named call with packed arguments and an optional result slot; it
// never interprets the payload. Opaque host objects are handed to the
// guest as small integer ids through the Registry.
package bridge

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/kyroskoh/linux-wasm/log"
)

// Handler receives a forwarded call. The returned value is written to
// the guest's result slot when one was supplied.
type Handler func(name string, args []uint64) uint64

type Registry struct {
	mu      sync.Mutex
	next    uint32
	objects map[uint32]interface{}
}

func NewRegistry() *Registry {
	return &Registry{
		next:    1,
		objects: make(map[uint32]interface{}),
	}
}

// Register assigns a fresh small id to an opaque host object. Id 0 is
// never assigned; guests use it as "no object".
func (r *Registry) Register(obj interface{}) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	r.objects[id] = obj

	return id
}

func (r *Registry) Get(id uint32) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, ok := r.objects[id]
	return obj, ok
}

// Release drops the id. Releasing an unknown id is a no-op.
func (r *Registry) Release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.objects, id)
}

type Forwarder struct {
	L hclog.Logger

	Objects *Registry

	mu      sync.Mutex
	handler Handler
}

func NewForwarder() *Forwarder {
	return &Forwarder{
		L:       log.Named("bridge"),
		Objects: NewRegistry(),
	}
}

// SetHandler installs the collaborator's call sink.
func (f *Forwarder) SetHandler(h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handler = h
}

// Forward delivers one call. Without a handler the call is logged and
// resolves to 0.
func (f *Forwarder) Forward(name string, args []uint64) uint64 {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()

	if h == nil {
		f.L.Trace("forward-call-unhandled", "name", name, "args", len(args))
		return 0
	}

	return h(name, args)
}
