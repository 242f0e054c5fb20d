// Command mkfs formats a disk image with the kernel's on-disk layout:
// superblock, inode bitmap/area, data bitmap/area.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rvsmp/fs"
)

func main() {
	var blocks, inodes int
	cmd := &cobra.Command{
		Use:   "mkfs image-path",
		Short: "Format a kernel disk image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			disk, err := fs.OpenFileDisk(path, true, blocks)
			if err != nil {
				return err
			}
			defer disk.Close()
			fsys, err := fs.Format(disk, blocks, inodes)
			if err != nil {
				return err
			}
			if err := fsys.SyncAll(); err != nil {
				return err
			}
			freeInodes, freeData := fsys.Stats()
			fmt.Printf("%s: %d blocks, %d free inodes, %d free data blocks\n",
				path, blocks, freeInodes, freeData)
			return nil
		},
	}
	cmd.Flags().IntVar(&blocks, "blocks", 4096, "total blocks in the image")
	cmd.Flags().IntVar(&inodes, "inodes", 128, "inode slots in the image")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
