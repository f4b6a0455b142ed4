package kernel

import (
	"rvos/config"
	"rvos/elfload"
)

// FlatMemory is a process's address space realized as one flat Go byte
// slice, growable on demand. It satisfies elfload.Memory (and so
// uio.AddressSpace): exec grows it per loadable segment and for the
// stack, and read/write syscalls reach it through the same
// CopyIn/CopyOut pair readi/writei already use for kernel buffers. There
// is no real page table underneath, so permission bits are recorded
// per page but not enforced; a build targeting real hardware would
// replace this with one that actually maps and protects pages.
type FlatMemory struct {
	arena []byte
	perm  map[uint64]elfload.Perm // page number -> permission
}

// NewFlatMemory returns an empty address space.
func NewFlatMemory() *FlatMemory {
	return &FlatMemory{perm: map[uint64]elfload.Perm{}}
}

// Grow extends the address space to newSz, zero-filling the new bytes,
// and records perm for every page in [oldSz, newSz).
func (m *FlatMemory) Grow(oldSz, newSz uint64, perm elfload.Perm) (uint64, error) {
	if newSz <= uint64(len(m.arena)) {
		return newSz, nil
	}
	grown := make([]byte, newSz)
	copy(grown, m.arena)
	m.arena = grown
	for page := oldSz / config.PageSize; page*config.PageSize < newSz; page++ {
		m.perm[page] = perm
	}
	return newSz, nil
}

// Clear zeroes the page starting at addr, used to plant a guard page
// below the user stack.
func (m *FlatMemory) Clear(addr uint64) {
	end := addr + config.PageSize
	if end > uint64(len(m.arena)) {
		end = uint64(len(m.arena))
	}
	for i := addr; i < end; i++ {
		m.arena[i] = 0
	}
}

// Clone returns a deep copy of m, for Fork to give a child process an
// address space independent of its parent's (same bytes and per-page
// permissions at the moment of the call, but backed by a separate
// arena thereafter). Returns any, not *FlatMemory, to satisfy proc's
// Fork-time Clone() any duck-typed interface without proc importing
// this package.
func (m *FlatMemory) Clone() any {
	cp := &FlatMemory{
		arena: make([]byte, len(m.arena)),
		perm:  make(map[uint64]elfload.Perm, len(m.perm)),
	}
	copy(cp.arena, m.arena)
	for page, perm := range m.perm {
		cp.perm[page] = perm
	}
	return cp
}

// Perm reports the permission bits recorded for the page containing
// addr.
func (m *FlatMemory) Perm(addr uint64) elfload.Perm {
	return m.perm[addr/config.PageSize]
}

// Size reports the address space's current extent.
func (m *FlatMemory) Size() uint64 { return uint64(len(m.arena)) }

func (m *FlatMemory) CopyOut(uva uintptr, src []byte) int {
	if uint64(uva)+uint64(len(src)) > uint64(len(m.arena)) {
		return 0
	}
	return copy(m.arena[uva:], src)
}

func (m *FlatMemory) CopyIn(uva uintptr, dst []byte) int {
	if uint64(uva)+uint64(len(dst)) > uint64(len(m.arena)) {
		return 0
	}
	return copy(dst, m.arena[uva:])
}
