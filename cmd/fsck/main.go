// Command fsck audits a disk image for bitmap/inode consistency. The
// audit itself changes nothing, but the image is mounted through
// fs.Open first, which replays any committed log transaction and
// rewrites the log header.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rvos/bcache"
	"rvos/config"
	"rvos/fs"
	"rvos/rvtest"
	"rvos/virtio"
)

func main() {
	root := &cobra.Command{
		Use:   "fsck <image>",
		Short: "check a disk image's filesystem for consistency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(image string) error {
	store, err := rvtest.OpenFileStore(image)
	if err != nil {
		return err
	}
	defer store.Close()

	driver := virtio.New(store)
	cache := bcache.New(driver, 0, config.NBuf)

	fsys, err := fs.Open(cache, 0, config.NInode)
	if err != nil {
		return err
	}

	problems := fsys.Check()
	if len(problems) == 0 {
		fmt.Println("fsck: clean")
		return nil
	}

	for _, p := range problems {
		if p.Inum != 0 {
			fmt.Printf("inode %d: %s\n", p.Inum, p.Msg)
		} else {
			fmt.Printf("%s\n", p.Msg)
		}
	}
	return fmt.Errorf("fsck: found %d problem(s)", len(problems))
}
