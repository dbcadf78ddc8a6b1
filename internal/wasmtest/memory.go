// Package wasmtest provides an in-process linear memory for tests
// that exercise shared-memory access paths without a wasm runtime.
// Grow reallocates the backing array, so views derived before a grow
// keep pointing at the abandoned array, just like a real instance.
package wasmtest

import "encoding/binary"

const PageSize = 65536

type Memory struct {
	buf []byte

	maxPages uint32

	// Grows counts successful grow operations.
	Grows int
}

func NewMemory(pages, maxPages uint32) *Memory {
	return &Memory{
		buf:      make([]byte, pages*PageSize),
		maxPages: maxPages,
	}
}

func (m *Memory) Size() uint32 { return uint32(len(m.buf)) }

func (m *Memory) Grow(deltaPages uint32) (uint32, bool) {
	prev := uint32(len(m.buf)) / PageSize

	if prev+deltaPages > m.maxPages {
		return 0, false
	}

	grown := make([]byte, (prev+deltaPages)*PageSize)
	copy(grown, m.buf)
	m.buf = grown
	m.Grows++

	return prev, true
}

func (m *Memory) ok(off, count uint32) bool {
	return uint64(off)+uint64(count) <= uint64(len(m.buf))
}

func (m *Memory) Read(off, count uint32) ([]byte, bool) {
	if !m.ok(off, count) {
		return nil, false
	}

	return m.buf[off : off+count : off+count], true
}

func (m *Memory) ReadByte(off uint32) (byte, bool) {
	if !m.ok(off, 1) {
		return 0, false
	}

	return m.buf[off], true
}

func (m *Memory) ReadUint32Le(off uint32) (uint32, bool) {
	if !m.ok(off, 4) {
		return 0, false
	}

	return binary.LittleEndian.Uint32(m.buf[off:]), true
}

func (m *Memory) ReadUint64Le(off uint32) (uint64, bool) {
	if !m.ok(off, 8) {
		return 0, false
	}

	return binary.LittleEndian.Uint64(m.buf[off:]), true
}

func (m *Memory) Write(off uint32, p []byte) bool {
	if !m.ok(off, uint32(len(p))) {
		return false
	}

	copy(m.buf[off:], p)

	return true
}

func (m *Memory) WriteByte(off uint32, v byte) bool {
	return m.Write(off, []byte{v})
}

func (m *Memory) WriteUint32Le(off uint32, v uint32) bool {
	if !m.ok(off, 4) {
		return false
	}

	binary.LittleEndian.PutUint32(m.buf[off:], v)

	return true
}

func (m *Memory) WriteUint64Le(off uint32, v uint64) bool {
	if !m.ok(off, 8) {
		return false
	}

	binary.LittleEndian.PutUint64(m.buf[off:], v)

	return true
}
