// Package bcache implements the buffer cache: a fixed pool of disk-block
// buffers organized as an LRU list, with at most one in-flight read per
// block enforced by each buffer's own sleeplock.
package bcache

import (
	"container/list"

	"rvos/config"
	"rvos/klock"
	"rvos/virtio"
)

// Buffer is a cached copy of one disk block.
type Buffer struct {
	dev      int
	block    int
	valid    bool
	diskOwns bool
	refcnt   int
	data     [config.BlockSize]byte

	lock *klock.Sleeplock
	elem *list.Element // this buffer's node in the cache's LRU list
}

// BlockNo satisfies virtio.Block.
func (b *Buffer) BlockNo() int { return b.block }

// Data satisfies virtio.Block and exposes the buffer's data area. It is
// modified only while the buffer's sleep-lock is held.
func (b *Buffer) Data() []byte { return b.data[:] }

// Dev returns the device this buffer is cached for.
func (b *Buffer) Dev() int { return b.dev }

// Cache is a fixed pool of buffers protected by one spinlock (for
// list/refcount bookkeeping) plus each buffer's own sleeplock (for data).
type Cache struct {
	lock   klock.Spinlock
	lru    *list.List // Front() = most recently released, Back() = eviction candidate
	driver *virtio.Driver
	dev    int
}

// New allocates nbuf buffers and seeds the LRU list with them, all
// initially free (refcnt==0) and unassigned to any block.
func New(driver *virtio.Driver, dev int, nbuf int) *Cache {
	c := &Cache{lru: list.New(), driver: driver, dev: dev}
	for i := 0; i < nbuf; i++ {
		b := &Buffer{dev: -1, block: -1, lock: klock.NewSleeplock("buf")}
		b.elem = c.lru.PushBack(b)
	}
	return c
}

// Bread returns a sleep-locked buffer containing block bno's data,
// reading it from disk first if it was not already cached. Concurrent
// Breads of the same block serialize on the buffer's sleeplock, which is
// what gives the cache its at-most-one-in-flight guarantee per block.
func (c *Cache) Bread(bno int) *Buffer {
	c.lock.Lock()
	for e := c.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buffer)
		if b.dev == c.dev && b.block == bno {
			b.refcnt++
			c.lock.Unlock()
			return c.finishBread(b)
		}
	}
	// No match: evict the least-recently-used buffer with refcnt==0,
	// scanning from the true LRU end (Back()) toward Front().
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Buffer)
		if b.refcnt == 0 {
			b.dev = c.dev
			b.block = bno
			b.valid = false
			b.refcnt = 1
			c.lock.Unlock()
			return c.finishBread(b)
		}
	}
	c.lock.Unlock()
	panic("bcache: no buffers to evict")
}

func (c *Cache) finishBread(b *Buffer) *Buffer {
	b.lock.Acquire()
	if !b.valid {
		b.diskOwns = true
		c.driver.RW(b, false)
		b.diskOwns = false
		b.valid = true
	}
	return b
}

// Bwrite synchronously writes a dirty buffer to the device. The caller
// must hold b's sleeplock.
func (c *Cache) Bwrite(b *Buffer) {
	if !b.lock.Holding() {
		panic("bcache: bwrite without buffer locked")
	}
	b.diskOwns = true
	c.driver.RW(b, true)
	b.diskOwns = false
}

// Brelse releases the sleep-lock and decrements refcnt; when refcnt
// reaches zero the buffer moves to the most-recently-used position,
// making it the last candidate for eviction.
func (c *Cache) Brelse(b *Buffer) {
	b.lock.Release()
	c.lock.Lock()
	defer c.lock.Unlock()
	b.refcnt--
	if b.refcnt < 0 {
		panic("bcache: refcount underflow")
	}
	if b.refcnt == 0 {
		c.lru.MoveToFront(b.elem)
	}
}

// Bpin and Bunpin adjust refcnt without affecting LRU position, used by
// the log so buffers logged for a transaction cannot be evicted until
// the transaction installs them.
func (c *Cache) Bpin(b *Buffer) {
	c.lock.Lock()
	b.refcnt++
	c.lock.Unlock()
}

func (c *Cache) Bunpin(b *Buffer) {
	c.lock.Lock()
	defer c.lock.Unlock()
	b.refcnt--
	if b.refcnt < 0 {
		panic("bcache: unpin underflow")
	}
}
