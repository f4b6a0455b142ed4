// Package uio implements "either kernel or user" copy dispatch: readi,
// writei, and the pipe read/write paths all need to move bytes to or
// from either a plain kernel-owned slice or a user virtual address
// behind the page-table's copy_in/copy_out contract; Target is the seam
// between them.
package uio

import "rvos/kerr"

// Target is anything readi/writei/pipe I/O can copy into or out of.
// Implementations wrap either a kernel byte slice or a user virtual
// address reached through the paging subsystem's copy_in/copy_out
// contract (out of scope here; see AddressSpace below).
type Target interface {
	// CopyOut writes src into the target, advancing its internal
	// cursor, and returns the number of bytes actually written.
	CopyOut(src []byte) (int, kerr.Errno)
	// CopyIn reads from the target into dst, advancing its internal
	// cursor, and returns the number of bytes actually read.
	CopyIn(dst []byte) (int, kerr.Errno)
	// Remain reports how many bytes are left before the target is
	// exhausted.
	Remain() int
}

// KernelBuf adapts a plain Go byte slice to Target, used whenever a
// syscall-shaped operation is invoked with kernel-owned memory (e.g. the
// image-builder tools in cmd/mkfs, or tests) rather than a user address.
type KernelBuf struct {
	Buf []byte
	off int
}

func NewKernelBuf(b []byte) *KernelBuf { return &KernelBuf{Buf: b} }

func (k *KernelBuf) Remain() int { return len(k.Buf) - k.off }

func (k *KernelBuf) CopyOut(src []byte) (int, kerr.Errno) {
	n := copy(k.Buf[k.off:], src)
	k.off += n
	return n, kerr.OK
}

func (k *KernelBuf) CopyIn(dst []byte) (int, kerr.Errno) {
	n := copy(dst, k.Buf[k.off:])
	k.off += n
	return n, kerr.OK
}

// UserSpace adapts a virtual address reachable through an AddressSpace
// to Target. Copy is satisfied by the paging subsystem in a full boot
// image; it is an explicit collaborator here, not re-implemented, since
// page-table manipulation is out of this package's scope.
type AddressSpace interface {
	CopyOut(uva uintptr, src []byte) int // returns bytes copied, 0 on fault
	CopyIn(uva uintptr, dst []byte) int  // returns bytes copied, 0 on fault
}

type UserSpace struct {
	AS   AddressSpace
	UVA  uintptr
	Len  int
	off  int
}

func NewUserSpace(as AddressSpace, uva uintptr, n int) *UserSpace {
	return &UserSpace{AS: as, UVA: uva, Len: n}
}

func (u *UserSpace) Remain() int { return u.Len - u.off }

func (u *UserSpace) CopyOut(src []byte) (int, kerr.Errno) {
	if u.off >= u.Len {
		return 0, kerr.OK
	}
	if len(src) > u.Len-u.off {
		src = src[:u.Len-u.off]
	}
	n := u.AS.CopyOut(u.UVA+uintptr(u.off), src)
	if n == 0 && len(src) != 0 {
		return 0, kerr.EFAULT
	}
	u.off += n
	return n, kerr.OK
}

func (u *UserSpace) CopyIn(dst []byte) (int, kerr.Errno) {
	if u.off >= u.Len {
		return 0, kerr.OK
	}
	if len(dst) > u.Len-u.off {
		dst = dst[:u.Len-u.off]
	}
	n := u.AS.CopyIn(u.UVA+uintptr(u.off), dst)
	if n == 0 && len(dst) != 0 {
		return 0, kerr.EFAULT
	}
	u.off += n
	return n, kerr.OK
}
