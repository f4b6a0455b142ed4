// Package kalloc implements the physical page allocator: alloc() hands
// out an exclusively-owned frame-aligned page, free(p) returns it, and a
// page is on the free list exactly once or not at all.
//
// rvos runs as a hosted process rather than on bare metal, so "physical
// memory" is a fixed-size Go byte arena sliced into PageSize frames
// rather than real RAM; the allocation discipline (LIFO free list, one
// spinlock, debug fill patterns) otherwise matches a bare-metal
// allocator's kinit/kalloc/kfree.
package kalloc

import (
	"rvos/config"
	"rvos/klock"
)

// Frame is a handle to one physical page: an exclusively-owned,
// frame-aligned byte slice of length config.PageSize, tagged with the
// frame index that owns it so Free can locate it in O(1) without
// unsafe pointer comparisons.
type Frame struct {
	data []byte
	idx  int
	from *Allocator
}

// Bytes exposes the page's backing storage. The caller holds exclusive
// access to it until the frame is returned via Free.
func (f Frame) Bytes() []byte { return f.data }

// FreeFill and AllocFill are debug byte patterns used to catch dangling
// references and uninitialized reads respectively. These are not
// security measures: tests rely on being able to observe that a freed
// page was actually returned to the allocator.
const (
	FreeFill  byte = 0x01
	AllocFill byte = 0x05
)

// Allocator is a LIFO free list of physical frames protected by one
// spinlock.
type Allocator struct {
	lock  klock.Spinlock
	arena []byte // backing storage for every managed frame, contiguous
	free  []int  // stack of free frame indices (LIFO)
	total int    // number of frames under management
	owned []bool // idx -> currently allocated (for double-free detection)
}

// New carves nframes*config.PageSize bytes out of the Go heap and seeds
// the free list with all of them, mirroring a bare-metal kinit()'s
// freerange() over the kernel's initial memory region.
func New(nframes int) *Allocator {
	a := &Allocator{
		arena: make([]byte, nframes*config.PageSize),
		free:  make([]int, 0, nframes),
		total: nframes,
		owned: make([]bool, nframes),
	}
	for i := 0; i < nframes; i++ {
		a.fill(i, FreeFill)
		a.free = append(a.free, i)
	}
	return a
}

func (a *Allocator) fill(idx int, b byte) {
	f := a.arena[idx*config.PageSize : (idx+1)*config.PageSize]
	for i := range f {
		f[i] = b
	}
}

// Alloc returns a frame-aligned, exclusively-owned page filled with
// AllocFill, or ok=false if the allocator is exhausted.
func (a *Allocator) Alloc() (Frame, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	n := len(a.free)
	if n == 0 {
		return Frame{}, false
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]
	a.fill(idx, AllocFill)
	a.owned[idx] = true
	return Frame{
		data: a.arena[idx*config.PageSize : (idx+1)*config.PageSize],
		idx:  idx,
		from: a,
	}, true
}

// Free returns p to the allocator. p must have come from Alloc and not
// have been freed since; violating that is a kernel bug and panics.
func (a *Allocator) Free(p Frame) {
	if p.from != a {
		panic("kalloc: free of page not owned by this allocator")
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	if !a.owned[p.idx] {
		panic("kalloc: double free")
	}
	a.owned[p.idx] = false
	a.fill(p.idx, FreeFill)
	a.free = append(a.free, p.idx)
}

// FreeCount returns the number of frames currently on the free list, used
// by tests asserting the allocator's invariant (a frame is free exactly
// once, or not at all) holds across alloc/free cycles.
func (a *Allocator) FreeCount() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.free)
}

// Total reports the number of frames under management.
func (a *Allocator) Total() int { return a.total }
