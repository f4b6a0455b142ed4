// Package virtio implements a virtio-mmio block driver: a
// three-descriptor-chain request protocol over a descriptor table, an
// available ring, and a used ring, with the caller blocking on the
// buffer until the device's completion interrupt fires.
//
// rvos has no real MMIO device to talk to, so BackingStore stands in for
// the virtualized disk: the "device side" of the protocol (the goroutine
// that would otherwise be hardware) performs the actual sector I/O
// against BackingStore and then calls Intr(), exactly as real hardware
// would raise the completion interrupt. Each in-flight request gets its
// own completion channel, the same "submit, then block for completion"
// shape a real driver gives each descriptor chain.
package virtio

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"rvos/config"
)

// SectorSize is virtio-blk's fixed sector size.
const SectorSize = 512

// sectorsPerBlock is how many 512-byte sectors make up one BlockSize
// filesystem block.
const sectorsPerBlock = config.BlockSize / SectorSize

// numDesc is the size of the descriptor table: a power of two, at least
// 8 in practice (at least 3 to hand out one three-descriptor chain).
const numDesc = 8

const (
	reqTypeIn  uint32 = 0 // read
	reqTypeOut uint32 = 1 // write
)

// blkReqHeader is the 16-byte request header descriptor #1 of every
// chain.
type blkReqHeader struct {
	typ      uint32
	reserved uint32
	sector   uint64
}

// BackingStore is the virtualized disk behind the driver: a sector
// addressable byte store. A real implementation backs this with a file
// or an mmapped region; rvtest supplies both a temp-file-backed and an
// in-memory version.
type BackingStore interface {
	ReadSectors(sector uint64, dst []byte) error
	WriteSectors(sector uint64, src []byte) error
}

// Block is the minimal view of a buffer-cache entry the driver needs:
// its block number and its BlockSize-sized data area. bcache.Buffer
// implements this.
type Block interface {
	BlockNo() int
	Data() []byte
}

// chain is the three descriptor indices allocated for one request, plus
// the bookkeeping needed to resolve its completion back to a waiter.
type chain struct {
	head, data, status int
	done               chan error
}

// Driver is one virtio-blk device queue: descriptor table, available
// ring, used ring, and the bookkeeping needed to submit and retire
// requests. One Driver serves one device id.
type Driver struct {
	mu sync.Mutex // protects the fields below

	freeStack []int // LIFO of free descriptor indices (numDesc total)
	freeSem   *semaphore.Weighted

	availIdx uint16 // next avail-ring slot to publish (driver-private)
	usedIdx  uint16 // next used-ring slot to consume (driver-private cursor)

	// completed is appended to by the simulated device side whenever it
	// finishes a chain; Intr drains it, mirroring "walk the used ring
	// from its private cursor until it catches up with used.idx".
	completed []int // descriptor heads, in completion order

	inflight map[int]*chain // descriptor head -> in-flight request
	store    BackingStore
}

// New constructs a driver over the given backing store. Real hardware
// requires a feature-negotiation and ring-publication handshake; there
// are no MMIO registers here to negotiate with, so New's only job is to
// seed the free-descriptor pool.
func New(store BackingStore) *Driver {
	d := &Driver{
		freeStack: make([]int, 0, numDesc),
		freeSem:   semaphore.NewWeighted(int64(numDesc)),
		inflight:  make(map[int]*chain),
		store:     store,
	}
	for i := numDesc - 1; i >= 0; i-- {
		d.freeStack = append(d.freeStack, i)
	}
	return d
}

// allocChain blocks on the free-descriptor semaphore until three
// descriptors are available, then pops three indices off the LIFO free
// list.
func (d *Driver) allocChain() (head, data, status int) {
	if err := d.freeSem.Acquire(context.Background(), 3); err != nil {
		panic("virtio: descriptor semaphore acquire failed: " + err.Error())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pop := func() int {
		n := len(d.freeStack)
		v := d.freeStack[n-1]
		d.freeStack = d.freeStack[:n-1]
		return v
	}
	return pop(), pop(), pop()
}

func (d *Driver) freeChain(c *chain) {
	d.mu.Lock()
	d.freeStack = append(d.freeStack, c.head, c.data, c.status)
	d.mu.Unlock()
	d.freeSem.Release(3)
}

// RW starts a read (write=false) or write (write=true) of block's
// BlockSize bytes and blocks the caller on the request's completion
// channel until the device completes it (the buffer cache sets and
// clears its own disk-owns bit around this call). A failure reported by
// the simulated device is treated as fatal.
func (d *Driver) RW(block Block, write bool) {
	head, dataDesc, statusDesc := d.allocChain()
	c := &chain{head: head, data: dataDesc, status: statusDesc, done: make(chan error, 1)}

	d.mu.Lock()
	d.inflight[head] = c
	// Publish the chain's head in the available ring and advance
	// avail.idx; real hardware requires a full memory fence here so the
	// device observes consistent descriptor memory before observing the
	// new index. Go's mutex release below is the fence.
	d.availIdx++
	d.mu.Unlock()

	d.submitToDevice(c, block, write)

	err := <-c.done
	d.freeChain(c)
	if err != nil {
		panic("virtio: device reported request failure: " + err.Error())
	}
}

// submitToDevice stands in for real MMIO hardware servicing the
// descriptor chain. A real driver would write the notify register here
// and return immediately; since there is no hardware, the "device" work
// runs on its own goroutine so RW's caller still blocks purely on the
// completion channel, preserving the sleep-until-interrupt contract.
func (d *Driver) submitToDevice(c *chain, block Block, write bool) {
	hdr := blkReqHeader{sector: uint64(block.BlockNo()) * sectorsPerBlock}
	if write {
		hdr.typ = reqTypeOut
	} else {
		hdr.typ = reqTypeIn
	}
	go func() {
		var err error
		if write {
			err = d.store.WriteSectors(hdr.sector, block.Data())
		} else {
			err = d.store.ReadSectors(hdr.sector, block.Data())
		}
		d.mu.Lock()
		d.completed = append(d.completed, c.head)
		d.mu.Unlock()
		d.Intr(c.head, err)
	}()
}

// Intr is the completion-interrupt handler: it retires the one posted
// entry for headHint, advances the used-ring cursor, and wakes that
// chain's waiter; other posted entries are left for their own Intr
// calls. headHint identifies the chain this particular simulated
// interrupt is reporting on; a real handler instead discovers it by
// reading the used-ring entry.
func (d *Driver) Intr(headHint int, completionErr error) {
	d.mu.Lock()
	var woken []*chain
	var wokenErr []error
	for i, h := range d.completed {
		if h != headHint {
			continue
		}
		d.completed = append(d.completed[:i], d.completed[i+1:]...)
		d.usedIdx++
		c, ok := d.inflight[h]
		if !ok {
			d.mu.Unlock()
			panic("virtio: completion for unknown descriptor chain")
		}
		delete(d.inflight, h)
		woken = append(woken, c)
		wokenErr = append(wokenErr, completionErr)
		break
	}
	d.mu.Unlock()

	for i, c := range woken {
		c.done <- wokenErr[i]
	}
}
