// Package memory owns the machine's one shared linear memory: a tiny
// embedded wasm module exporting a shared growable memory that every
// kernel and user instance imports, plus the access helpers the rest
// of the runtime goes through.
//
// Views returned by the wasm runtime are raw slices of the backing
// array. Any growth of the region, by any execution unit, invalidates
// every previously derived view; callers must re-derive after any
// operation that could have grown memory. The helpers here derive a
// fresh view per call for exactly that reason.
package memory

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ModuleName is the import module name guest images use for the
// shared memory ("mem"."memory").
const ModuleName = "mem"

const pageSize = 65536

// providerWasm is a hand-assembled module:
//
//	(module (memory (export "memory") 128 32768 shared))
//
// 128 initial pages (8 MB), 2 GB max. Shared memories require the
// threads feature and an explicit maximum.
var providerWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // \0asm, version 1

	// memory section: one memory, flags 0x03 (max present | shared),
	// min 128, max 32768
	0x05, 0x07, 0x01, 0x03, 0x80, 0x01, 0x80, 0x80, 0x02,

	// export section: "memory" -> memory 0
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
}

// Instantiate compiles and instantiates the provider under the name
// guest imports resolve against.
func Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	mod, err := rt.InstantiateWithConfig(ctx, providerWasm,
		wazero.NewModuleConfig().WithName(ModuleName))
	if err != nil {
		return nil, errors.Wrap(err, "instantiating shared memory provider")
	}

	return mod, nil
}

var (
	ErrOutOfRange = errors.New("address range outside shared memory")
	ErrNoNul      = errors.New("unterminated string in shared memory")
)

// Region is the subset of a wasm memory the access helpers need.
// api.Memory satisfies it.
type Region interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
	Read(off, count uint32) ([]byte, bool)
	ReadByte(off uint32) (byte, bool)
	Write(off uint32, p []byte) bool
}

var _ Region = (api.Memory)(nil)

// View derives a fresh byte view of [off, off+count). The slice is
// valid only until the next growth of the region.
func View(mem Region, off, count uint32) ([]byte, error) {
	b, ok := mem.Read(off, count)
	if !ok {
		return nil, errors.Wrapf(ErrOutOfRange, "off=%d count=%d size=%d", off, count, mem.Size())
	}

	return b, nil
}

// Write copies p into the region at off through a freshly derived
// view.
func Write(mem Region, off uint32, p []byte) error {
	if ok := mem.Write(off, p); !ok {
		return errors.Wrapf(ErrOutOfRange, "off=%d count=%d size=%d", off, len(p), mem.Size())
	}

	return nil
}

// maxCString bounds the scan so a missing NUL cannot walk the whole
// region.
const maxCString = 1 << 16

// ReadCString reads a NUL-terminated string starting at off.
func ReadCString(mem Region, off uint32) (string, error) {
	for n := uint32(0); n < maxCString; n++ {
		c, ok := mem.ReadByte(off + n)
		if !ok {
			return "", errors.Wrapf(ErrOutOfRange, "off=%d", off+n)
		}

		if c == 0 {
			b, err := View(mem, off, n)
			if err != nil {
				return "", err
			}

			return string(b), nil
		}
	}

	return "", ErrNoNul
}

// Push grows the region far enough to hold p on a fresh page boundary
// past the current end, copies p there, and returns the byte range it
// now occupies. The grow invalidates every earlier view, so the copy
// derives its own.
func Push(mem Region, p []byte) (start, end uint32, err error) {
	pages := uint32((len(p) + pageSize - 1) / pageSize)

	prev, ok := mem.Grow(pages)
	if !ok {
		return 0, 0, errors.Wrapf(ErrOutOfRange, "growing %d pages", pages)
	}

	start = prev * pageSize
	end = start + uint32(len(p))

	if err := Write(mem, start, p); err != nil {
		return 0, 0, err
	}

	return start, end, nil
}
