// Package kernel is the root wiring struct: it owns the virtio driver,
// buffer cache, filesystem, and process table for one running instance,
// and is the one place that knows how to boot a fresh or existing disk
// image and how to turn an inode into a running process (exec).
package kernel

import (
	"fmt"

	"rvos/bcache"
	"rvos/config"
	"rvos/elfload"
	"rvos/file"
	"rvos/fs"
	"rvos/kerr"
	"rvos/proc"
	"rvos/virtio"
)

// Kernel bundles the subsystems one booted instance needs: the block
// driver and cache sit below the filesystem, the filesystem and process
// table sit side by side (exec needs both at once).
type Kernel struct {
	Driver *virtio.Driver
	Cache  *bcache.Cache
	FS     *fs.FS
	Procs  *proc.Table
}

// Boot opens an already-formatted disk image. Opening the filesystem
// replays its write-ahead log if the previous shutdown was unclean,
// the same crash-recovery step a real reboot performs before anything
// else runs.
func Boot(store virtio.BackingStore) (*Kernel, error) {
	driver := virtio.New(store)
	cache := bcache.New(driver, 0, config.NBuf)
	fsys, err := fs.Open(cache, 0, config.NInode)
	if err != nil {
		return nil, fmt.Errorf("kernel: boot: %w", err)
	}
	return &Kernel{
		Driver: driver,
		Cache:  cache,
		FS:     fsys,
		Procs:  proc.NewTable(fsys, config.NProc),
	}, nil
}

// BootFresh lays out and formats a brand new filesystem on store before
// opening it, for first-boot of an empty disk image.
func BootFresh(store virtio.BackingStore, totalBlocks, nInodes uint32) (*Kernel, error) {
	driver := virtio.New(store)
	cache := bcache.New(driver, 0, config.NBuf)
	sb := fs.Layout(totalBlocks, nInodes, config.LogSize)
	fs.Format(cache, sb)

	fsys, err := fs.Open(cache, 0, int(nInodes))
	if err != nil {
		return nil, fmt.Errorf("kernel: bootfresh: %w", err)
	}
	fsys.MkRoot()
	return &Kernel{
		Driver: driver,
		Cache:  cache,
		FS:     fsys,
		Procs:  proc.NewTable(fsys, config.NProc),
	}, nil
}

// Spawn creates the first process, rooted at the filesystem's root
// directory, and immediately execs path into it, blocking until the
// image is fully loaded (or exec fails). Once Exec returns, p.Entry,
// p.SP, and p.Mem describe where execution would resume; actually
// interpreting RISC-V instructions at that address is outside what
// this package does.
func (k *Kernel) Spawn(path string, argv []string) (*proc.Proc, error) {
	root := k.FS.Iget(config.RootIno)
	done := make(chan error, 1)
	p := k.Procs.UserInit(path, root, func(p *proc.Proc) {
		done <- k.Exec(p, path, argv)
	})
	return p, <-done
}

// Exec replaces p's memory image with the program at path, the
// process-table-facing equivalent of exec(2): it loads a fresh ELF
// image and argv stack into a new FlatMemory and only commits it to p
// once loading succeeds in full, so a bad binary leaves the calling
// process's previous image untouched.
func (k *Kernel) Exec(p *proc.Proc, path string, argv []string) error {
	k.FS.BeginOp()
	ip := k.FS.Namei(path, p.Cwd)
	if ip == nil {
		k.FS.EndOp()
		return kerr.ENOENT
	}
	k.FS.Ilock(ip)

	mem := NewFlatMemory()
	img, err := elfload.Load(k.FS, ip, mem, argv)
	if err != nil {
		k.FS.IunlockPut(ip)
		k.FS.EndOp()
		return err
	}

	p.Name = baseName(path)
	p.Entry = img.Entry
	p.SP = img.SP
	p.Size = img.Size
	p.Mem = mem

	k.FS.IunlockPut(ip)
	k.FS.EndOp()
	return nil
}

func baseName(path string) string {
	last := 0
	for i, c := range path {
		if c == '/' {
			last = i + 1
		}
	}
	return path[last:]
}

// OpenStdFiles wires p's first three descriptors to a console device,
// the hosted stand-in for however the original kernel's init process
// gets fd 0/1/2 connected to the terminal.
func OpenStdFiles(p *proc.Proc, console file.Device) {
	p.Ofile[0] = file.NewDevice(1, console)
	p.Ofile[1] = file.NewDevice(1, console)
	p.Ofile[2] = file.NewDevice(1, console)
}
