// Command mkfs builds a bootable disk image: an empty filesystem with
// a root directory, optionally populated with the contents of a host
// directory tree.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"rvos/bcache"
	"rvos/config"
	"rvos/fs"
	"rvos/kerr"
	"rvos/rvtest"
	"rvos/uio"
	"rvos/virtio"
)

var (
	flagBlocks  uint32
	flagNInodes uint32
	flagSkel    string
)

func main() {
	root := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "create a disk image holding a fresh filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	root.Flags().Uint32Var(&flagBlocks, "blocks", 40000, "total filesystem size, in blocks")
	root.Flags().Uint32Var(&flagNInodes, "ninodes", 200, "number of inodes to provision")
	root.Flags().StringVar(&flagSkel, "skel", "", "host directory tree to copy into the image")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(image string) error {
	nbytes := int64(flagBlocks) * config.BlockSize
	store, err := rvtest.CreateFileStore(image, nbytes)
	if err != nil {
		return err
	}
	defer store.Close()

	driver := virtio.New(store)
	cache := bcache.New(driver, 0, config.NBuf)

	sb := fs.Layout(flagBlocks, flagNInodes, config.LogSize)
	fs.Format(cache, sb)

	fsys, err := fs.Open(cache, 0, int(flagNInodes))
	if err != nil {
		return fmt.Errorf("mkfs: reopening freshly formatted image: %w", err)
	}
	fsys.MkRoot()

	if flagSkel != "" {
		if err := addTree(fsys, flagSkel); err != nil {
			return err
		}
	}

	fmt.Printf("mkfs: wrote %s: %d blocks, %d inodes\n", image, flagBlocks, flagNInodes)
	return nil
}

// addTree walks skelDir on the host and replicates its files and
// directories into fsys, rooted at fsys's own root directory.
func addTree(fsys *fs.FS, skelDir string) error {
	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, skelDir), string(filepath.Separator))
		if rel == "" {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			return mkdirp(fsys, rel)
		}
		if err := mkdirp(fsys, filepath.ToSlash(filepath.Dir(rel))); err != nil {
			return err
		}
		return copyFile(fsys, path, rel)
	})
}

func mkdirp(fsys *fs.FS, path string) error {
	if path == "." || path == "" {
		return nil
	}
	cwd := fsys.Iget(config.RootIno)

	fsys.BeginOp()
	dp, name := fsys.NameiParent(path, cwd)
	if dp == nil {
		fsys.EndOp()
		return fmt.Errorf("mkfs: no parent directory for %q", path)
	}
	fsys.Ilock(dp)
	existing, _, ok := fsys.Dirlookup(dp, name)
	if ok {
		fsys.IunlockPut(existing)
		fsys.IunlockPut(dp)
		fsys.EndOp()
		return nil
	}

	ip := fsys.Ialloc(fs.TypeDir)
	fsys.Ilock(ip)
	ip.Nlink = 1
	fsys.Iupdate(ip)
	if errno := fsys.Dirlink(ip, ".", ip.Inum); errno != kerr.OK {
		fsys.IunlockPut(ip)
		fsys.IunlockPut(dp)
		fsys.EndOp()
		return fmt.Errorf("mkfs: linking %q/.: %w", path, errno)
	}
	if errno := fsys.Dirlink(ip, "..", dp.Inum); errno != kerr.OK {
		fsys.IunlockPut(ip)
		fsys.IunlockPut(dp)
		fsys.EndOp()
		return fmt.Errorf("mkfs: linking %q/..: %w", path, errno)
	}
	if errno := fsys.Dirlink(dp, name, ip.Inum); errno != kerr.OK {
		fsys.IunlockPut(ip)
		fsys.IunlockPut(dp)
		fsys.EndOp()
		return fmt.Errorf("mkfs: linking %q: %w", path, errno)
	}
	fsys.IunlockPut(ip)
	fsys.IunlockPut(dp)
	fsys.EndOp()
	return nil
}

func copyFile(fsys *fs.FS, hostPath, imagePath string) error {
	src, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer src.Close()

	cwd := fsys.Iget(config.RootIno)

	fsys.BeginOp()
	dp, name := fsys.NameiParent(imagePath, cwd)
	if dp == nil {
		fsys.EndOp()
		return fmt.Errorf("mkfs: no parent directory for %q", imagePath)
	}
	fsys.Ilock(dp)
	ip := fsys.Ialloc(fs.TypeFile)
	fsys.Ilock(ip)
	ip.Nlink = 1
	fsys.Iupdate(ip)
	errno := fsys.Dirlink(dp, name, ip.Inum)
	fsys.IunlockPut(dp)
	fsys.EndOp()
	if errno != kerr.OK {
		fsys.IunlockPut(ip)
		return fmt.Errorf("mkfs: linking %q: %w", imagePath, errno)
	}

	buf := make([]byte, config.BlockSize)
	off := uint32(0)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			fsys.BeginOp()
			written, werrno := fsys.Writei(ip, uio.NewKernelBuf(buf[:n]), off, uint32(n))
			fsys.EndOp()
			if werrno != kerr.OK || written != n {
				fsys.IunlockPut(ip)
				return fmt.Errorf("mkfs: writing %q: %w", imagePath, werrno)
			}
			off += uint32(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			fsys.IunlockPut(ip)
			return rerr
		}
	}
	fsys.IunlockPut(ip)
	return nil
}
