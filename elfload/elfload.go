// Package elfload implements the exec path: parse an ELF64 executable
// out of an inode, map its loadable segments into a fresh address
// space, and build the initial user stack holding argv.
//
// Page table construction itself (allocating frames, installing PTEs)
// is the Memory interface's job, not this package's: elfload drives the
// sequence exec() follows in order (validate header, grow the address
// space per segment, copy segment bytes in, build the argv stack) and
// leaves "how a virtual page becomes present" to whatever implements
// Memory.
package elfload

import (
	"encoding/binary"
	"fmt"

	"rvos/config"
	"rvos/fs"
	"rvos/kerr"
	"rvos/uio"
)

const magic = 0x464C457F // "\x7FELF" read as a little-endian uint32

const (
	progTypeLoad = 1

	progFlagExec  = 1
	progFlagWrite = 2
	progFlagRead  = 4
)

// Perm is the subset of segment permission bits a Memory implementation
// needs to know when mapping a page: whether it must be executable,
// writable, or (always true in practice) readable.
type Perm int

const (
	PermExec Perm = 1 << iota
	PermWrite
	PermRead
)

func permFromFlags(flags uint32) Perm {
	var p Perm
	if flags&progFlagExec != 0 {
		p |= PermExec
	}
	if flags&progFlagWrite != 0 {
		p |= PermWrite
	}
	if flags&progFlagRead != 0 {
		p |= PermRead
	}
	return p
}

const ehdrSize = 4 + 12 + 2 + 2 + 4 + 8 + 8 + 8 + 4 + 2 + 2 + 2 + 2 + 2 + 2
const phdrSize = 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8

type elfHeader struct {
	magic   uint32
	ident   [12]byte
	typ     uint16
	machine uint16
	version uint32
	entry   uint64
	phoff   uint64
	shoff   uint64
	flags   uint32
	ehsize  uint16
	phentsz uint16
	phnum   uint16
	shentsz uint16
	shnum   uint16
	shstrnx uint16
}

func decodeHeader(b []byte) elfHeader {
	var h elfHeader
	h.magic = binary.LittleEndian.Uint32(b[0:4])
	copy(h.ident[:], b[4:16])
	h.typ = binary.LittleEndian.Uint16(b[16:18])
	h.machine = binary.LittleEndian.Uint16(b[18:20])
	h.version = binary.LittleEndian.Uint32(b[20:24])
	h.entry = binary.LittleEndian.Uint64(b[24:32])
	h.phoff = binary.LittleEndian.Uint64(b[32:40])
	h.shoff = binary.LittleEndian.Uint64(b[40:48])
	h.flags = binary.LittleEndian.Uint32(b[48:52])
	h.ehsize = binary.LittleEndian.Uint16(b[52:54])
	h.phentsz = binary.LittleEndian.Uint16(b[54:56])
	h.phnum = binary.LittleEndian.Uint16(b[56:58])
	h.shentsz = binary.LittleEndian.Uint16(b[58:60])
	h.shnum = binary.LittleEndian.Uint16(b[60:62])
	h.shstrnx = binary.LittleEndian.Uint16(b[62:64])
	return h
}

type progHeader struct {
	typ    uint32
	flags  uint32
	off    uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

func decodeProgHeader(b []byte) progHeader {
	var ph progHeader
	ph.typ = binary.LittleEndian.Uint32(b[0:4])
	ph.flags = binary.LittleEndian.Uint32(b[4:8])
	ph.off = binary.LittleEndian.Uint64(b[8:16])
	ph.vaddr = binary.LittleEndian.Uint64(b[16:24])
	ph.paddr = binary.LittleEndian.Uint64(b[24:32])
	ph.filesz = binary.LittleEndian.Uint64(b[32:40])
	ph.memsz = binary.LittleEndian.Uint64(b[40:48])
	ph.align = binary.LittleEndian.Uint64(b[48:56])
	return ph
}

// MaxArg bounds the number of argv entries exec will push onto the
// user stack, matching the original kernel's fixed-size stack word
// array.
const MaxArg = 32

// Memory is the address space an exec image is loaded into: growing it
// to fit loadable segments and the stack, clearing a guard page below
// the stack, and copying bytes to a virtual address once they are
// mapped.
type Memory interface {
	uio.AddressSpace
	// Grow extends the address space from oldSz to newSz, mapping
	// fresh pages with the given permission, and returns the new size.
	// Returns an error if no memory is available.
	Grow(oldSz, newSz uint64, perm Perm) (uint64, error)
	// Clear marks the page starting at addr as inaccessible, used to
	// plant a guard page just below the user stack.
	Clear(addr uint64)
}

// Image describes a successfully loaded program, ready to hand to a
// process: where execution begins, the stack pointer argv was pushed
// below, and the address space's new total size.
type Image struct {
	Entry uint64
	SP    uint64
	Size  uint64
	Argc  int
}

// Load parses the ELF file behind ip, maps its PT_LOAD segments into
// mem, and builds a user stack holding argv. The caller is responsible
// for having ip locked (and inside a filesystem transaction) for the
// duration of the call, same as the rest of the inode API.
func Load(fsys *fs.FS, ip *fs.Inode, mem Memory, argv []string) (Image, error) {
	if len(argv) > MaxArg {
		return Image{}, fmt.Errorf("elfload: too many arguments (%d > %d)", len(argv), MaxArg)
	}

	hdrBuf := make([]byte, ehdrSize)
	n, errno := fsys.Readi(ip, uio.NewKernelBuf(hdrBuf), 0, uint32(ehdrSize))
	if errno != kerr.OK || n != ehdrSize {
		return Image{}, fmt.Errorf("elfload: short read of ELF header: %w", errno)
	}
	hdr := decodeHeader(hdrBuf)
	if hdr.magic != magic {
		return Image{}, fmt.Errorf("elfload: not an ELF file")
	}

	var sz uint64
	phBuf := make([]byte, phdrSize)
	for i := 0; i < int(hdr.phnum); i++ {
		off := uint32(hdr.phoff) + uint32(i)*phdrSize
		n, errno := fsys.Readi(ip, uio.NewKernelBuf(phBuf), off, uint32(phdrSize))
		if errno != kerr.OK || n != phdrSize {
			return Image{}, fmt.Errorf("elfload: short read of program header %d: %w", i, errno)
		}
		ph := decodeProgHeader(phBuf)
		if ph.typ != progTypeLoad {
			continue
		}
		if ph.memsz < ph.filesz {
			return Image{}, fmt.Errorf("elfload: segment %d memsz smaller than filesz", i)
		}
		if ph.vaddr+ph.memsz < ph.vaddr {
			return Image{}, fmt.Errorf("elfload: segment %d overflows address space", i)
		}
		if ph.vaddr%config.PageSize != 0 {
			return Image{}, fmt.Errorf("elfload: segment %d is not page-aligned", i)
		}

		newSz, err := mem.Grow(sz, ph.vaddr+ph.memsz, permFromFlags(ph.flags))
		if err != nil {
			return Image{}, fmt.Errorf("elfload: growing address space for segment %d: %w", i, err)
		}
		sz = newSz

		if err := loadSegment(fsys, ip, mem, ph.vaddr, ph.off, ph.filesz); err != nil {
			return Image{}, err
		}
	}

	sp, stackBase, newSz, err := buildStack(mem, sz)
	if err != nil {
		return Image{}, err
	}
	sz = newSz

	sp, argc, err := pushArgv(mem, sp, stackBase, argv)
	if err != nil {
		return Image{}, err
	}

	return Image{Entry: hdr.entry, SP: sp, Size: sz, Argc: argc}, nil
}

// loadSegment streams filesz bytes from the inode at offset into the
// virtual address vaddr, one page at a time (mem.CopyOut only promises
// to move bytes into already-mapped pages, so reads are chunked to page
// boundaries for a realistic hosted stand-in for the per-frame copy
// exec() does after walking the page table).
func loadSegment(fsys *fs.FS, ip *fs.Inode, mem Memory, vaddr, off, filesz uint64) error {
	buf := make([]byte, config.PageSize)
	for i := uint64(0); i < filesz; i += config.PageSize {
		n := uint64(config.PageSize)
		if filesz-i < n {
			n = filesz - i
		}
		got, errno := fsys.Readi(ip, uio.NewKernelBuf(buf[:n]), uint32(off+i), uint32(n))
		if errno != kerr.OK || uint64(got) != n {
			return fmt.Errorf("elfload: short read loading segment at file offset %d: %w", off+i, errno)
		}
		if written := mem.CopyOut(uintptr(vaddr+i), buf[:n]); uint64(written) != n {
			return fmt.Errorf("elfload: fault copying segment into address space at 0x%x", vaddr+i)
		}
	}
	return nil
}

// buildStack grows the address space by two pages for a guard page plus
// a usable stack page, and returns the initial stack pointer and the
// lowest usable stack address.
func buildStack(mem Memory, sz uint64) (sp, stackBase, newSz uint64, err error) {
	sz = pageRoundUp(sz)
	newSz, err = mem.Grow(sz, sz+2*config.PageSize, PermRead|PermWrite)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("elfload: allocating user stack: %w", err)
	}
	mem.Clear(newSz - 2*config.PageSize)
	sp = newSz
	stackBase = sp - config.PageSize
	return sp, stackBase, newSz, nil
}

// pushArgv copies each argv string onto the stack above stackBase, then
// pushes the pointer array itself, 16-byte aligned throughout to match
// the calling convention the original kernel's stack layout assumed.
func pushArgv(mem Memory, sp, stackBase uint64, argv []string) (uint64, int, error) {
	var ptrs [MaxArg + 1]uint64
	argc := 0
	for _, arg := range argv {
		b := append([]byte(arg), 0)
		sp -= uint64(len(b))
		sp -= sp % 16
		if sp < stackBase {
			return 0, 0, fmt.Errorf("elfload: argv overflowed the stack")
		}
		if written := mem.CopyOut(uintptr(sp), b); written != len(b) {
			return 0, 0, fmt.Errorf("elfload: fault copying argv[%d] onto the stack", argc)
		}
		ptrs[argc] = sp
		argc++
	}
	ptrs[argc] = 0

	tableBytes := make([]byte, 8*(argc+1))
	for i := 0; i <= argc; i++ {
		binary.LittleEndian.PutUint64(tableBytes[i*8:], ptrs[i])
	}
	sp -= uint64(len(tableBytes))
	sp -= sp % 16
	if sp < stackBase {
		return 0, 0, fmt.Errorf("elfload: argv pointer table overflowed the stack")
	}
	if written := mem.CopyOut(uintptr(sp), tableBytes); written != len(tableBytes) {
		return 0, 0, fmt.Errorf("elfload: fault copying argv pointer table onto the stack")
	}
	return sp, argc, nil
}

func pageRoundUp(sz uint64) uint64 {
	return (sz + config.PageSize - 1) &^ (config.PageSize - 1)
}
