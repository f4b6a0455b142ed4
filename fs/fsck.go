package fs

import (
	"encoding/binary"

	"rvos/config"
)

// Problem describes one consistency violation Check found.
type Problem struct {
	// Inum is the inode the problem concerns, or 0 for a bitmap-only
	// problem with no single owning inode.
	Inum uint32
	Msg  string
}

// Check walks every inode and the free bitmap and reports any
// inconsistency between them: a data block an inode claims that the
// bitmap marks free, a block the bitmap marks used that no inode
// claims, a block claimed by more than one inode, an inode whose link
// count doesn't match the number of directory entries naming it ("."
// and ".." entries are not counted), or an inode with an unrecognized
// type. It does not
// repair anything; it is a read-only audit the way a real fsck's
// "check" pass is, stopping short of "fix," which needs an explicit,
// separate opt-in.
func (f *FS) Check() []Problem {
	var problems []Problem

	owner := make(map[uint32]uint32) // data block -> owning inum, first writer wins
	linkCount := make(map[uint32]int)

	for inum := uint32(1); inum < f.sb.NInodes; inum++ {
		b := f.cache.Bread(f.sb.iblock(inum))
		off := (inum % inodesPerBlock(&f.sb)) * dinodeSize
		var d dinode
		d.decode(b.Data()[off:])
		f.cache.Brelse(b)

		if d.typ == TypeFree {
			continue
		}
		if d.typ != TypeFile && d.typ != TypeDir && d.typ != TypeDevice {
			problems = append(problems, Problem{Inum: inum, Msg: "inode has an unrecognized type"})
			continue
		}

		blocks := f.inodeBlocks(inum, &d)
		for _, bn := range blocks {
			if bn == 0 {
				continue
			}
			if !f.bitmapMarked(bn) {
				problems = append(problems, Problem{Inum: inum, Msg: "references a block the bitmap marks free"})
				continue
			}
			if _, ok := owner[bn]; ok {
				problems = append(problems, Problem{Inum: inum, Msg: "shares a block with another inode"})
				continue
			}
			owner[bn] = inum
		}

		if d.typ == TypeDir {
			f.walkDirLinks(inum, &d, linkCount)
		}
	}

	for inum, want := range linkCount {
		b := f.cache.Bread(f.sb.iblock(inum))
		off := (inum % inodesPerBlock(&f.sb)) * dinodeSize
		var d dinode
		d.decode(b.Data()[off:])
		f.cache.Brelse(b)
		if d.typ != TypeFree && int(d.nlink) != want {
			problems = append(problems, Problem{Inum: inum, Msg: "link count does not match the number of directory entries referencing it"})
		}
	}

	for bn := uint32(0); bn < f.sb.Size; bn++ {
		if f.bitmapMarked(bn) && !f.metadataBlock(bn) {
			if _, ok := owner[bn]; !ok {
				problems = append(problems, Problem{Msg: "block is marked used but no inode references it"})
			}
		}
	}

	return problems
}

func (f *FS) metadataBlock(bn uint32) bool {
	dataStart := f.sb.BmapStart + (f.sb.Size+bitsPerBlock-1)/bitsPerBlock
	return bn < dataStart
}

func (f *FS) bitmapMarked(bn uint32) bool {
	b := f.cache.Bread(f.sb.bblock(bn))
	defer f.cache.Brelse(b)
	bi := bn % bitsPerBlock
	mask := byte(1 << (bi % 8))
	return b.Data()[bi/8]&mask != 0
}

// inodeBlocks returns every data block number a dinode claims,
// following one level of indirection, without touching the in-memory
// inode table (Check runs against raw disk structures so it also
// catches damage the in-memory cache hasn't loaded).
func (f *FS) inodeBlocks(inum uint32, d *dinode) []uint32 {
	var blocks []uint32
	nblocks := (d.size + config.BlockSize - 1) / config.BlockSize
	for i := uint32(0); i < nblocks && i < config.NDirect; i++ {
		blocks = append(blocks, d.addrs[i])
	}
	if nblocks > config.NDirect {
		indirect := d.addrs[config.NDirect]
		blocks = append(blocks, indirect)
		if indirect != 0 {
			b := f.cache.Bread(int(indirect))
			data := b.Data()
			for i := uint32(0); i < nblocks-config.NDirect && i < config.NIndirect; i++ {
				bn := binary.LittleEndian.Uint32(data[4*i:])
				blocks = append(blocks, bn)
			}
			f.cache.Brelse(b)
		}
	}
	return blocks
}

// walkDirLinks scans a directory's entries and bumps linkCount for
// every inode it names, skipping "." and "..", which do not count
// toward a link count in this filesystem (a new directory, root
// included, starts with nlink 1).
func (f *FS) walkDirLinks(dirInum uint32, d *dinode, linkCount map[uint32]int) {
	nblocks := (d.size + config.BlockSize - 1) / config.BlockSize
	for i := uint32(0); i < nblocks && i < config.NDirect; i++ {
		if d.addrs[i] == 0 {
			continue
		}
		b := f.cache.Bread(int(d.addrs[i]))
		data := b.Data()
		for off := 0; off+dirEntSize <= len(data); off += dirEntSize {
			var de dirent
			de.decode(data[off:])
			if de.inum != 0 {
				if name := de.nameString(); name != "." && name != ".." {
					linkCount[uint32(de.inum)]++
				}
			}
		}
		f.cache.Brelse(b)
	}
}
