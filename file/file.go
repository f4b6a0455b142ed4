// Package file implements the open-file abstraction shared by inodes,
// pipes, and devices: a refcounted handle with read/write/close/stat
// operations that dispatch on the handle's underlying kind, sitting
// between a process's descriptor table and the inode layer.
package file

import (
	"rvos/config"
	"rvos/fs"
	"rvos/kerr"
	"rvos/klock"
	"rvos/uio"
)

// maxWriteChunk bounds how many bytes an inode-backed write commits in
// one log transaction, leaving headroom in config.MaxOpBlocks for the
// inode block, its indirect block, and the two bitmap blocks a new data
// block allocation can touch on top of the data blocks themselves.
const maxWriteChunk = ((config.MaxOpBlocks - 1 - 1 - 2) / 2) * config.BlockSize

// Kind identifies what a File is backed by.
type Kind int

const (
	KindNone Kind = iota
	KindPipe
	KindInode
	KindDevice
)

// Device is a minor-device read/write pair, analogous to devsw entries.
type Device interface {
	Read(dst uio.Target, n int) (int, kerr.Errno)
	Write(src uio.Target, n int) (int, kerr.Errno)
}

// File is one open-file-table entry. Multiple file descriptors across
// multiple processes may share one File (after fork or dup); Ref/Close
// track how many.
type File struct {
	mu       klock.Spinlock
	kind     Kind
	ref      int
	readable bool
	writable bool

	pipe   *Pipe
	inode  *fs.Inode
	fsys   *fs.FS
	off    uint32
	device Device
	major  int
}

// NewInode wraps an already-locked-then-unlocked inode as an open file.
func NewInode(fsys *fs.FS, ip *fs.Inode, readable, writable bool) *File {
	return &File{kind: KindInode, ref: 1, readable: readable, writable: writable, fsys: fsys, inode: ip}
}

// NewPipe wraps a pipe end as an open file.
func NewPipe(p *Pipe, readable, writable bool) *File {
	return &File{kind: KindPipe, ref: 1, readable: readable, writable: writable, pipe: p}
}

// NewDevice wraps a device's read/write pair as an open file.
func NewDevice(major int, dev Device) *File {
	return &File{kind: KindDevice, ref: 1, readable: true, writable: true, device: dev, major: major}
}

// Dup bumps the file's refcount and returns it, for the fork/dup idiom.
func (f *File) Dup() *File {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ref < 1 {
		panic("file: dup of a closed file")
	}
	f.ref++
	return f
}

// Close drops a reference; on the last reference it releases whatever
// the file is backed by.
func (f *File) Close() {
	f.mu.Lock()
	f.ref--
	ref := f.ref
	f.mu.Unlock()
	if ref > 0 {
		return
	}
	switch f.kind {
	case KindPipe:
		f.pipe.Close(f.writable)
	case KindInode:
		f.fsys.BeginOp()
		f.fsys.Iput(f.inode)
		f.fsys.EndOp()
	}
}

// Stat returns metadata for an inode-backed file; other kinds are not
// stattable.
func (f *File) Stat() (fs.Stat, kerr.Errno) {
	if f.kind != KindInode {
		return fs.Stat{}, kerr.EINVAL
	}
	f.fsys.Ilock(f.inode)
	st := f.fsys.Stati(f.inode)
	f.fsys.Iunlock(f.inode)
	return st, kerr.OK
}

// Read dispatches to the pipe, inode, or device read path, per the
// kind stored at open time.
func (f *File) Read(dst uio.Target, n int) (int, kerr.Errno) {
	if !f.readable {
		return 0, kerr.EINVAL
	}
	switch f.kind {
	case KindPipe:
		return f.pipe.Read(dst, n)
	case KindDevice:
		return f.device.Read(dst, n)
	case KindInode:
		f.fsys.Ilock(f.inode)
		got, errno := f.fsys.Readi(f.inode, dst, f.off, uint32(n))
		if errno == kerr.OK {
			f.off += uint32(got)
		}
		f.fsys.Iunlock(f.inode)
		return got, errno
	default:
		panic("file: read of an unopened file")
	}
}

// Write dispatches to the pipe, inode, or device write path.
func (f *File) Write(src uio.Target, n int) (int, kerr.Errno) {
	if !f.writable {
		return 0, kerr.EINVAL
	}
	switch f.kind {
	case KindPipe:
		return f.pipe.Write(src, n)
	case KindDevice:
		return f.device.Write(src, n)
	case KindInode:
		// Large writes are chunked into several transactions rather than
		// one, so a write that touches more blocks than fit in a single
		// reservation doesn't overrun the log (mirroring filewrite's loop
		// in sysfile.c, and cmd/mkfs's copyFile doing the same thing).
		var tot int
		for tot < n {
			chunk := n - tot
			if chunk > maxWriteChunk {
				chunk = maxWriteChunk
			}
			f.fsys.BeginOp()
			f.fsys.Ilock(f.inode)
			got, errno := f.fsys.Writei(f.inode, src, f.off, uint32(chunk))
			if errno == kerr.OK {
				f.off += uint32(got)
			}
			f.fsys.Iunlock(f.inode)
			f.fsys.EndOp()
			if errno != kerr.OK {
				return tot, errno
			}
			tot += got
			if got < chunk {
				break
			}
		}
		return tot, kerr.OK
	default:
		panic("file: write of an unopened file")
	}
}
