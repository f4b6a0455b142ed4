// Package fs implements the on-disk inode filesystem: superblock parsing,
// block allocation via the free bitmap, the in-memory inode table,
// direct/indirect block mapping, file content read/write, directory
// entries, and path resolution. Every mutation goes through a wal.Log
// transaction so a crash mid-update never leaves the bitmap, an inode,
// and a directory entry inconsistent with each other.
package fs

import (
	"encoding/binary"
	"fmt"

	"rvos/bcache"
	"rvos/config"
	"rvos/kerr"
	"rvos/klock"
	"rvos/uio"
	"rvos/wal"
)

// Inode types, stored in dinode.Type. Zero means a free slot.
const (
	TypeFree   = 0
	TypeFile   = 1
	TypeDir    = 2
	TypeDevice = 3
)

// Superblock describes the on-disk layout. It is read once at Open and
// never changes for the lifetime of the filesystem.
type Superblock struct {
	Magic      uint32
	Size       uint32 // total blocks, including boot/super/log/inode/bitmap/data
	NBlocks    uint32 // data blocks
	NInodes    uint32
	InodeStart uint32
	NLog       uint32
	LogStart   uint32
	BmapStart  uint32
}

const superblockSize = 8 * 4

func (sb *Superblock) decode(buf []byte) {
	sb.Magic = binary.LittleEndian.Uint32(buf[0:4])
	sb.Size = binary.LittleEndian.Uint32(buf[4:8])
	sb.NBlocks = binary.LittleEndian.Uint32(buf[8:12])
	sb.NInodes = binary.LittleEndian.Uint32(buf[12:16])
	sb.InodeStart = binary.LittleEndian.Uint32(buf[16:20])
	sb.NLog = binary.LittleEndian.Uint32(buf[20:24])
	sb.LogStart = binary.LittleEndian.Uint32(buf[24:28])
	sb.BmapStart = binary.LittleEndian.Uint32(buf[28:32])
}

func (sb *Superblock) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.Size)
	binary.LittleEndian.PutUint32(buf[8:12], sb.NBlocks)
	binary.LittleEndian.PutUint32(buf[12:16], sb.NInodes)
	binary.LittleEndian.PutUint32(buf[16:20], sb.InodeStart)
	binary.LittleEndian.PutUint32(buf[20:24], sb.NLog)
	binary.LittleEndian.PutUint32(buf[24:28], sb.LogStart)
	binary.LittleEndian.PutUint32(buf[28:32], sb.BmapStart)
}

// iblock returns the block number holding inode inum's dinode.
func (sb *Superblock) iblock(inum uint32) int {
	return int(inum/inodesPerBlock(sb) + sb.InodeStart)
}

func inodesPerBlock(sb *Superblock) uint32 { return config.BlockSize / dinodeSize }

// bblock returns the bitmap block number covering data block b.
func (sb *Superblock) bblock(b uint32) int {
	return int(b/bitsPerBlock) + int(sb.BmapStart)
}

const bitsPerBlock = config.BlockSize * 8

// dinode is the on-disk inode layout.
type dinode struct {
	typ   int16
	major int16
	minor int16
	nlink int16
	size  uint32
	addrs [config.NDirect + 1]uint32
}

const dinodeSize = 2 + 2 + 2 + 2 + 4 + 4*(config.NDirect+1)

func (d *dinode) decode(buf []byte) {
	d.typ = int16(binary.LittleEndian.Uint16(buf[0:2]))
	d.major = int16(binary.LittleEndian.Uint16(buf[2:4]))
	d.minor = int16(binary.LittleEndian.Uint16(buf[4:6]))
	d.nlink = int16(binary.LittleEndian.Uint16(buf[6:8]))
	d.size = binary.LittleEndian.Uint32(buf[8:12])
	for i := range d.addrs {
		d.addrs[i] = binary.LittleEndian.Uint32(buf[12+4*i:])
	}
}

func (d *dinode) encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(d.typ))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(d.major))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(d.minor))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(d.nlink))
	binary.LittleEndian.PutUint32(buf[8:12], d.size)
	for i, a := range d.addrs {
		binary.LittleEndian.PutUint32(buf[12+4*i:], a)
	}
}

// dirEntSize matches config.DirSize: a 2-byte inode number plus
// config.DirSiz bytes of name.
const dirEntSize = config.DirSize

type dirent struct {
	inum uint16
	name [config.DirSiz]byte
}

func (de *dirent) decode(buf []byte) {
	de.inum = binary.LittleEndian.Uint16(buf[0:2])
	copy(de.name[:], buf[2:2+config.DirSiz])
}

func (de *dirent) encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], de.inum)
	copy(buf[2:2+config.DirSiz], de.name[:])
}

func (de *dirent) nameString() string {
	n := 0
	for n < len(de.name) && de.name[n] != 0 {
		n++
	}
	return string(de.name[:n])
}

// Inode is the in-memory copy of one on-disk inode, plus the reference
// count and lock the inode table needs to multiplex it across openers.
type Inode struct {
	dev   int
	Inum  uint32
	ref   int // guarded by FS.itLock
	valid bool
	lock  *klock.Sleeplock

	Type         int16
	Major, Minor int16
	Nlink        int16
	Size         uint32
	addrs        [config.NDirect + 1]uint32
}

func (ip *Inode) Dev() int { return ip.dev }

// FS is one mounted inode filesystem over a device's buffer cache.
type FS struct {
	cache *bcache.Cache
	log   *wal.Log
	dev   int
	sb    Superblock

	itLock klock.Spinlock
	itable []*Inode
}

// Open reads the superblock from block 1, validates its magic, attaches
// a write-ahead log over the blocks it describes, and prepares an
// nInode-entry in-memory inode table.
func Open(cache *bcache.Cache, dev int, nInode int) (*FS, error) {
	b := cache.Bread(1)
	var sb Superblock
	sb.decode(b.Data())
	cache.Brelse(b)

	if sb.Magic != config.FSMagic {
		return nil, fmt.Errorf("fs: invalid superblock magic %#x", sb.Magic)
	}

	f := &FS{
		cache:  cache,
		dev:    dev,
		sb:     sb,
		itable: make([]*Inode, nInode),
	}
	for i := range f.itable {
		f.itable[i] = &Inode{lock: klock.NewSleeplock("inode")}
	}
	f.log = wal.Open(cache, dev, int(sb.LogStart), int(sb.NLog))
	return f, nil
}

// Superblock returns a copy of the mounted filesystem's superblock.
func (f *FS) Superblock() Superblock { return f.sb }

// MkRoot allocates the root directory inode (expected to land on
// config.RootIno, since it is the first inode ever allocated on a freshly
// formatted device) and populates it with "." and ".." entries pointing
// at itself. Called once, right after formatting a new image.
func (f *FS) MkRoot() {
	f.BeginOp()
	defer f.EndOp()

	root := f.Ialloc(TypeDir)
	if root.Inum != config.RootIno {
		panic("fs: root directory did not land on the root inode number")
	}
	f.Ilock(root)
	root.Nlink = 1
	f.Iupdate(root)
	if errno := f.Dirlink(root, ".", root.Inum); errno != kerr.OK {
		panic("fs: mkroot: " + errno.Error())
	}
	if errno := f.Dirlink(root, "..", root.Inum); errno != kerr.OK {
		panic("fs: mkroot: " + errno.Error())
	}
	f.IunlockPut(root)
}

// Layout computes an on-disk layout for a filesystem of the given total
// size, carving out a log region and an inode region before the
// remaining blocks become the bitmap-tracked data area.
func Layout(totalBlocks, nInodes, nLog uint32) Superblock {
	inodeBlocks := (nInodes + inodesPerBlockConst - 1) / inodesPerBlockConst
	sb := Superblock{
		Magic:      config.FSMagic,
		Size:       totalBlocks,
		NInodes:    nInodes,
		LogStart:   2,
		NLog:       nLog,
		InodeStart: 2 + nLog,
	}
	bmapStart := sb.InodeStart + inodeBlocks
	nbmap := (totalBlocks + bitsPerBlock - 1) / bitsPerBlock
	sb.BmapStart = bmapStart
	sb.NBlocks = totalBlocks - (2 + nLog + inodeBlocks + nbmap)
	return sb
}

const inodesPerBlockConst = config.BlockSize / dinodeSize

// Format writes a fresh superblock, zeroes the log header, the bitmap,
// and the inode blocks, and marks every metadata block used in the
// bitmap, directly against the cache, bypassing the log since there is no prior
// state to recover. It is used by the filesystem image builder and by
// tests that need a ready-to-mount device.
func Format(cache *bcache.Cache, sb Superblock) {
	b := cache.Bread(1)
	sb.Encode(b.Data())
	cache.Bwrite(b)
	cache.Brelse(b)

	logHdr := cache.Bread(int(sb.LogStart))
	for i := range logHdr.Data() {
		logHdr.Data()[i] = 0
	}
	cache.Bwrite(logHdr)
	cache.Brelse(logHdr)

	nbmapBlocks := (sb.Size + bitsPerBlock - 1) / bitsPerBlock
	for i := uint32(0); i < nbmapBlocks; i++ {
		bm := cache.Bread(int(sb.BmapStart) + int(i))
		for j := range bm.Data() {
			bm.Data()[j] = 0
		}
		cache.Bwrite(bm)
		cache.Brelse(bm)
	}

	inodeBlocks := (sb.NInodes + inodesPerBlockConst - 1) / inodesPerBlockConst
	for i := uint32(0); i < inodeBlocks; i++ {
		ib := cache.Bread(int(sb.InodeStart) + int(i))
		for j := range ib.Data() {
			ib.Data()[j] = 0
		}
		cache.Bwrite(ib)
		cache.Brelse(ib)
	}

	// Mark every block before the data region (boot, super, log, inode,
	// and bitmap blocks) used, so balloc never hands one out as a data
	// block.
	dataStart := sb.BmapStart + nbmapBlocks
	for b := uint32(0); b < dataStart; b++ {
		bm := cache.Bread(sb.bblock(b))
		bi := b % bitsPerBlock
		bm.Data()[bi/8] |= 1 << (bi % 8)
		cache.Bwrite(bm)
		cache.Brelse(bm)
	}
}

// BeginOp and EndOp bracket one filesystem operation for the write-ahead
// log; every call below that mutates on-disk state must run between a
// matching BeginOp/EndOp pair.
func (f *FS) BeginOp() { f.log.Begin() }
func (f *FS) EndOp()   { f.log.End() }

func (f *FS) bzero(bno int) {
	b := f.cache.Bread(bno)
	for i := range b.Data() {
		b.Data()[i] = 0
	}
	f.log.Write(b)
	f.cache.Brelse(b)
}

// balloc finds a free data block, marks it used in the bitmap, and
// zeroes it. Returns 0 if the device is full.
func (f *FS) balloc() uint32 {
	for base := uint32(0); base < f.sb.Size; base += bitsPerBlock {
		b := f.cache.Bread(f.sb.bblock(base))
		data := b.Data()
		for bi := uint32(0); bi < bitsPerBlock && base+bi < f.sb.Size; bi++ {
			mask := byte(1 << (bi % 8))
			if data[bi/8]&mask == 0 {
				data[bi/8] |= mask
				f.log.Write(b)
				f.cache.Brelse(b)
				f.bzero(int(base + bi))
				return base + bi
			}
		}
		f.cache.Brelse(b)
	}
	return 0
}

// bfree marks data block bn free in the bitmap.
func (f *FS) bfree(bn uint32) {
	b := f.cache.Bread(f.sb.bblock(bn))
	data := b.Data()
	bi := bn % bitsPerBlock
	mask := byte(1 << (bi % 8))
	if data[bi/8]&mask == 0 {
		panic("fs: freeing an already-free block")
	}
	data[bi/8] &^= mask
	f.log.Write(b)
	f.cache.Brelse(b)
}

// Ialloc allocates a free inode of the given type and returns its
// in-memory handle, unlocked.
func (f *FS) Ialloc(typ int16) *Inode {
	for inum := uint32(1); inum < f.sb.NInodes; inum++ {
		b := f.cache.Bread(f.sb.iblock(inum))
		off := (inum % inodesPerBlock(&f.sb)) * dinodeSize
		var d dinode
		d.decode(b.Data()[off:])
		if d.typ == TypeFree {
			d = dinode{typ: typ}
			d.encode(b.Data()[off:])
			f.log.Write(b)
			f.cache.Brelse(b)
			return f.Iget(inum)
		}
		f.cache.Brelse(b)
	}
	panic("fs: no free inodes")
}

// Iupdate writes ip's in-memory fields back to its on-disk dinode. The
// caller must hold ip's lock and must call this after every change to a
// field that is also stored on disk.
func (f *FS) Iupdate(ip *Inode) {
	b := f.cache.Bread(f.sb.iblock(ip.Inum))
	off := (ip.Inum % inodesPerBlock(&f.sb)) * dinodeSize
	d := dinode{typ: ip.Type, major: ip.Major, minor: ip.Minor, nlink: ip.Nlink, size: ip.Size, addrs: ip.addrs}
	d.encode(b.Data()[off:])
	f.log.Write(b)
	f.cache.Brelse(b)
}

// Iget returns the in-memory inode for (f.dev, inum), bumping its
// refcount, without locking it or reading it from disk.
func (f *FS) Iget(inum uint32) *Inode {
	f.itLock.Lock()
	defer f.itLock.Unlock()

	var empty *Inode
	for _, ip := range f.itable {
		if ip.ref > 0 && ip.dev == f.dev && ip.Inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("fs: inode table exhausted")
	}
	empty.dev = f.dev
	empty.Inum = inum
	empty.ref = 1
	empty.valid = false
	return empty
}

// Idup bumps ip's refcount and returns it, for the idiom ip = Idup(ip1).
func (f *FS) Idup(ip *Inode) *Inode {
	f.itLock.Lock()
	defer f.itLock.Unlock()
	ip.ref++
	return ip
}

// Ilock locks ip, reading its dinode from disk on first use.
func (f *FS) Ilock(ip *Inode) {
	if ip.ref < 1 {
		panic("fs: ilock of an unreferenced inode")
	}
	ip.lock.Acquire()
	if !ip.valid {
		b := f.cache.Bread(f.sb.iblock(ip.Inum))
		off := (ip.Inum % inodesPerBlock(&f.sb)) * dinodeSize
		var d dinode
		d.decode(b.Data()[off:])
		f.cache.Brelse(b)
		if d.typ == TypeFree {
			panic("fs: ilock of a free inode")
		}
		ip.Type, ip.Major, ip.Minor, ip.Nlink, ip.Size, ip.addrs = d.typ, d.major, d.minor, d.nlink, d.size, d.addrs
		ip.valid = true
	}
}

// Iunlock unlocks ip.
func (f *FS) Iunlock(ip *Inode) {
	if !ip.lock.Holding() || ip.ref < 1 {
		panic("fs: iunlock of an unlocked or unreferenced inode")
	}
	ip.lock.Release()
}

// Iput drops a reference to ip. If it was the last reference and the
// inode has no links, it truncates and frees the inode on disk. Must be
// called within a BeginOp/EndOp transaction.
func (f *FS) Iput(ip *Inode) {
	f.itLock.Lock()
	if ip.ref == 1 && ip.valid && ip.Nlink == 0 {
		ip.lock.Acquire()
		f.itLock.Unlock()

		f.Itrunc(ip)
		ip.Type = TypeFree
		f.Iupdate(ip)
		ip.valid = false

		ip.lock.Release()
		f.itLock.Lock()
	}
	ip.ref--
	f.itLock.Unlock()
}

// IunlockPut is the common unlock-then-put idiom.
func (f *FS) IunlockPut(ip *Inode) {
	f.Iunlock(ip)
	f.Iput(ip)
}

// bmap returns the disk block address of inode ip's bn'th logical block,
// allocating one if it does not exist yet. Returns 0 if the device is
// out of space.
func (f *FS) bmap(ip *Inode, bn uint32) uint32 {
	if bn < config.NDirect {
		if ip.addrs[bn] == 0 {
			addr := f.balloc()
			if addr == 0 {
				return 0
			}
			ip.addrs[bn] = addr
		}
		return ip.addrs[bn]
	}
	bn -= config.NDirect
	if bn >= config.NIndirect {
		panic("fs: block offset out of range")
	}
	if ip.addrs[config.NDirect] == 0 {
		addr := f.balloc()
		if addr == 0 {
			return 0
		}
		ip.addrs[config.NDirect] = addr
	}
	b := f.cache.Bread(int(ip.addrs[config.NDirect]))
	addr := binary.LittleEndian.Uint32(b.Data()[4*bn:])
	if addr == 0 {
		addr = f.balloc()
		if addr != 0 {
			binary.LittleEndian.PutUint32(b.Data()[4*bn:], addr)
			f.log.Write(b)
		}
	}
	f.cache.Brelse(b)
	return addr
}

// Itrunc discards ip's content, freeing every data and indirect block.
// The caller must hold ip's lock.
func (f *FS) Itrunc(ip *Inode) {
	for i := 0; i < config.NDirect; i++ {
		if ip.addrs[i] != 0 {
			f.bfree(ip.addrs[i])
			ip.addrs[i] = 0
		}
	}
	if ip.addrs[config.NDirect] != 0 {
		b := f.cache.Bread(int(ip.addrs[config.NDirect]))
		for j := 0; j < config.NIndirect; j++ {
			addr := binary.LittleEndian.Uint32(b.Data()[4*j:])
			if addr != 0 {
				f.bfree(addr)
			}
		}
		f.cache.Brelse(b)
		f.bfree(ip.addrs[config.NDirect])
		ip.addrs[config.NDirect] = 0
	}
	ip.Size = 0
	f.Iupdate(ip)
}

// Stat is the metadata readers of the filesystem get back for an inode.
type Stat struct {
	Dev   int
	Ino   uint32
	Type  int16
	Nlink int16
	Size  uint32
}

// Stati copies ip's metadata into a Stat. The caller must hold ip's lock.
func (f *FS) Stati(ip *Inode) Stat {
	return Stat{Dev: ip.dev, Ino: ip.Inum, Type: ip.Type, Nlink: ip.Nlink, Size: ip.Size}
}

// Readi copies up to n bytes starting at off from ip's content into dst.
// The caller must hold ip's lock. Returns the number of bytes copied.
func (f *FS) Readi(ip *Inode, dst uio.Target, off, n uint32) (int, kerr.Errno) {
	if off > ip.Size || off+n < off {
		return 0, kerr.OK
	}
	if off+n > ip.Size {
		n = ip.Size - off
	}
	var tot uint32
	for tot < n {
		addr := f.bmap(ip, off/config.BlockSize)
		if addr == 0 {
			break
		}
		b := f.cache.Bread(int(addr))
		m := n - tot
		if rem := config.BlockSize - off%config.BlockSize; m > rem {
			m = rem
		}
		written, errno := dst.CopyOut(b.Data()[off%config.BlockSize : off%config.BlockSize+m])
		f.cache.Brelse(b)
		if errno != kerr.OK {
			return int(tot), errno
		}
		tot += uint32(written)
		off += uint32(written)
		if uint32(written) < m {
			break
		}
	}
	return int(tot), kerr.OK
}

// Writei copies up to n bytes from src into ip's content starting at
// off. The caller must hold ip's lock and a BeginOp/EndOp transaction.
// A fault copying from src stops the write and is returned along with
// the number of bytes written so far.
func (f *FS) Writei(ip *Inode, src uio.Target, off, n uint32) (int, kerr.Errno) {
	if off > ip.Size || off+n < off {
		return 0, kerr.EINVAL
	}
	if off+n > config.MaxFileBlks*config.BlockSize {
		return 0, kerr.EFBIG
	}
	var cerr kerr.Errno
	var tot uint32
	for tot < n {
		addr := f.bmap(ip, off/config.BlockSize)
		if addr == 0 {
			break
		}
		b := f.cache.Bread(int(addr))
		m := n - tot
		if rem := config.BlockSize - off%config.BlockSize; m > rem {
			m = rem
		}
		read, errno := src.CopyIn(b.Data()[off%config.BlockSize : off%config.BlockSize+m])
		if errno != kerr.OK {
			f.cache.Brelse(b)
			cerr = errno
			break
		}
		f.log.Write(b)
		f.cache.Brelse(b)
		tot += uint32(read)
		off += uint32(read)
		if uint32(read) < m {
			break
		}
	}
	if off > ip.Size {
		ip.Size = off
	}
	f.Iupdate(ip)
	return int(tot), cerr
}

// Dirlookup searches directory dp for name, returning the matching
// inode (unlocked, ref bumped) and its byte offset within dp, or nil if
// not found. The caller must hold dp's lock.
func (f *FS) Dirlookup(dp *Inode, name string) (*Inode, uint32, bool) {
	if dp.Type != TypeDir {
		panic("fs: dirlookup on a non-directory")
	}
	var de dirent
	buf := make([]byte, dirEntSize)
	for off := uint32(0); off < dp.Size; off += dirEntSize {
		n, errno := f.Readi(dp, uio.NewKernelBuf(buf), off, dirEntSize)
		if errno != kerr.OK || n != dirEntSize {
			panic("fs: short directory read")
		}
		de.decode(buf)
		if de.inum == 0 {
			continue
		}
		if de.nameString() == name {
			return f.Iget(uint32(de.inum)), off, true
		}
	}
	return nil, 0, false
}

// Dirlink creates a directory entry for name -> inum in directory dp,
// reusing the first free slot if one exists. The caller must hold dp's
// lock. Fails with EEXIST if name is already present.
func (f *FS) Dirlink(dp *Inode, name string, inum uint32) kerr.Errno {
	if existing, _, ok := f.Dirlookup(dp, name); ok {
		f.Iput(existing)
		return kerr.EEXIST
	}

	var de dirent
	buf := make([]byte, dirEntSize)
	off := uint32(0)
	for ; off < dp.Size; off += dirEntSize {
		n, errno := f.Readi(dp, uio.NewKernelBuf(buf), off, dirEntSize)
		if errno != kerr.OK || n != dirEntSize {
			panic("fs: short directory read")
		}
		de.decode(buf)
		if de.inum == 0 {
			break
		}
	}

	de = dirent{inum: uint16(inum)}
	copy(de.name[:], name)
	de.encode(buf)
	n, errno := f.Writei(dp, uio.NewKernelBuf(buf), off, dirEntSize)
	if errno != kerr.OK || n != dirEntSize {
		return kerr.ENOSPC
	}
	return kerr.OK
}

// skipElem copies the next '/'-delimited path element of path into name
// (truncated to config.DirSiz bytes) and returns the remainder. It
// returns ok=false if path has no more elements.
func skipElem(path string) (name, rest string, ok bool) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	if i == len(path) {
		return "", "", false
	}
	start := i
	for i < len(path) && path[i] != '/' {
		i++
	}
	name = path[start:i]
	if len(name) > config.DirSiz {
		name = name[:config.DirSiz]
	}
	for i < len(path) && path[i] == '/' {
		i++
	}
	return name, path[i:], true
}

// namex is the shared engine behind Namei and NameiParent: it resolves
// path relative to cwd (root, if path is absolute), stopping one element
// early when nameiparent is set.
func (f *FS) namex(path string, cwd *Inode, nameiparent bool) (*Inode, string) {
	var ip *Inode
	if len(path) > 0 && path[0] == '/' {
		ip = f.Iget(config.RootIno)
	} else {
		ip = f.Idup(cwd)
	}

	name, rest, ok := skipElem(path)
	for ok {
		f.Ilock(ip)
		if ip.Type != TypeDir {
			f.IunlockPut(ip)
			return nil, ""
		}
		if nameiparent && rest == "" {
			f.Iunlock(ip)
			return ip, name
		}
		next, _, found := f.Dirlookup(ip, name)
		if !found {
			f.IunlockPut(ip)
			return nil, ""
		}
		f.IunlockPut(ip)
		ip = next
		name, rest, ok = skipElem(rest)
	}
	if nameiparent {
		f.Iput(ip)
		return nil, ""
	}
	return ip, name
}

// Namei resolves path to its inode (unlocked, ref bumped), or nil if any
// component is missing.
func (f *FS) Namei(path string, cwd *Inode) *Inode {
	ip, _ := f.namex(path, cwd, false)
	return ip
}

// NameiParent resolves path's parent directory (unlocked, ref bumped)
// and returns the final path element's name, or nil if the parent does
// not exist.
func (f *FS) NameiParent(path string, cwd *Inode) (*Inode, string) {
	return f.namex(path, cwd, true)
}
