// Package wal implements the write-ahead redo log that makes multi-block
// filesystem updates atomic across a crash: callers bracket a group of
// writes with Begin/End, and every block touched inside that group goes
// through Write instead of bcache.Cache.Bwrite. The log only commits
// those writes to their home locations once every concurrently open
// group has closed, so the disk never holds a transaction that is only
// partially applied (readers going through the buffer cache see the
// modified buffers before the commit).
//
// On-disk layout: one header block (block count + destination block
// numbers) immediately followed by that many logged data blocks, all
// within a fixed-size log region reserved by the superblock. A commit
// writes the data blocks, then the header (the single point at which a
// transaction becomes durable), then copies each logged block to its
// home location, then clears the header.
package wal

import (
	"encoding/binary"
	"sync"

	"rvos/bcache"
	"rvos/config"
)

// header is both the on-disk header block's layout and the in-memory
// record of which blocks are logged before commit.
type header struct {
	n     int
	block [config.LogSize]int
}

func (h *header) decode(buf []byte) {
	h.n = int(binary.LittleEndian.Uint32(buf[0:4]))
	for i := 0; i < h.n; i++ {
		h.block[i] = int(binary.LittleEndian.Uint32(buf[4+4*i:]))
	}
}

func (h *header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.n))
	for i := 0; i < h.n; i++ {
		binary.LittleEndian.PutUint32(buf[4+4*i:], uint32(h.block[i]))
	}
}

// Log is one write-ahead log for one device, with at most one active
// commit at a time.
type Log struct {
	mu          sync.Mutex
	cond        *sync.Cond
	cache       *bcache.Cache
	dev         int
	start       int // first block of the log region (the header block)
	size        int // number of blocks in the log region, header included
	outstanding int // number of FS operations currently between Begin/End
	committing  bool
	lh          header
}

// Open attaches a log to the blocks [start, start+size) of dev and
// replays any committed-but-not-installed transaction left over from an
// unclean shutdown.
func Open(cache *bcache.Cache, dev, start, size int) *Log {
	l := &Log{cache: cache, dev: dev, start: start, size: size}
	l.cond = sync.NewCond(&l.mu)
	l.recover()
	return l
}

func (l *Log) readHead() {
	b := l.cache.Bread(l.start)
	l.lh.decode(b.Data())
	l.cache.Brelse(b)
}

// writeHead is the durability point: once this returns, the transaction
// is committed even if the system crashes before install finishes.
func (l *Log) writeHead() {
	b := l.cache.Bread(l.start)
	l.lh.encode(b.Data())
	l.cache.Bwrite(b)
	l.cache.Brelse(b)
}

// installTrans copies every logged block to its home location.
// recovering is true only when called from recover, in which case the
// destination buffers were never pinned by Write and must not be
// unpinned.
func (l *Log) installTrans(recovering bool) {
	for tail := 0; tail < l.lh.n; tail++ {
		lbuf := l.cache.Bread(l.start + tail + 1)
		dbuf := l.cache.Bread(l.lh.block[tail])
		copy(dbuf.Data(), lbuf.Data())
		l.cache.Bwrite(dbuf)
		if !recovering {
			l.cache.Bunpin(dbuf)
		}
		l.cache.Brelse(lbuf)
		l.cache.Brelse(dbuf)
	}
}

func (l *Log) recover() {
	l.readHead()
	l.installTrans(true)
	l.lh.n = 0
	l.writeHead()
}

// Begin marks the start of a filesystem operation that may call Write.
// It blocks while a commit is in progress or while there is not enough
// log space for MaxOpBlocks more writes on top of every other
// already-begun operation's worst-case reservation.
func (l *Log) Begin() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.committing {
			l.cond.Wait()
			continue
		}
		if l.lh.n+(l.outstanding+1)*config.MaxOpBlocks > config.LogSize {
			l.cond.Wait()
			continue
		}
		l.outstanding++
		return
	}
}

// End marks the end of a filesystem operation. If it was the last
// outstanding operation, this commits the accumulated transaction.
func (l *Log) End() {
	l.mu.Lock()
	l.outstanding--
	if l.committing {
		panic("wal: end called while a commit is in progress")
	}
	doCommit := false
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		// Begin may be waiting for space that this End just freed up.
		l.cond.Broadcast()
	}
	l.mu.Unlock()

	if doCommit {
		l.commit()
		l.mu.Lock()
		l.committing = false
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

func (l *Log) writeLog() {
	for tail := 0; tail < l.lh.n; tail++ {
		to := l.cache.Bread(l.start + tail + 1)
		from := l.cache.Bread(l.lh.block[tail])
		copy(to.Data(), from.Data())
		l.cache.Bwrite(to)
		l.cache.Brelse(from)
		l.cache.Brelse(to)
	}
}

func (l *Log) commit() {
	if l.lh.n == 0 {
		return
	}
	l.writeLog()
	l.writeHead()
	l.installTrans(false)
	l.lh.n = 0
	l.writeHead()
}

// Write records b as dirty within the current transaction: the caller
// has already modified b.Data() and must release b as usual, but the
// actual disk write happens at commit time rather than now. Write
// absorbs repeat writes to the same block within one transaction into a
// single log slot.
func (l *Log) Write(b *bcache.Buffer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lh.n >= config.LogSize || l.lh.n >= l.size-1 {
		panic("wal: transaction too big for the log")
	}
	if l.outstanding < 1 {
		panic("wal: write called outside of begin/end")
	}
	i := 0
	for ; i < l.lh.n; i++ {
		if l.lh.block[i] == b.BlockNo() {
			break
		}
	}
	l.lh.block[i] = b.BlockNo()
	if i == l.lh.n {
		l.cache.Bpin(b)
		l.lh.n++
	}
}
