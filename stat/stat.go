// Package stat holds the fstat(2) result record.
package stat

import "rvsmp/defs"

// Stat_t is the record fstat(fd, *Stat_t) fills in: device
// is always 0 (single flat device), inode id, mode (FILE|DIR), and the
// hard-link count as computed by the inode engine's link-count scan.
type Stat_t struct {
	dev   uint32
	ino   uint32
	mode  uint32
	nlink uint32
}

// Wdev stores the device id. Always 0 in this kernel: there is exactly one
// mounted device.
func (st *Stat_t) Wdev(v uint32) { st.dev = v }

// Wino stores the inode number.
func (st *Stat_t) Wino(v uint32) { st.ino = v }

// Wmode records the file mode (defs.ModeFile or defs.ModeDir).
func (st *Stat_t) Wmode(v uint32) { st.mode = v }

// Wnlink records the hard-link count.
func (st *Stat_t) Wnlink(v uint32) { st.nlink = v }

// Dev returns the stored device id.
func (st *Stat_t) Dev() uint32 { return st.dev }

// Ino returns the stored inode number.
func (st *Stat_t) Ino() uint32 { return st.ino }

// Mode returns the stored mode value.
func (st *Stat_t) Mode() uint32 { return st.mode }

// Nlink returns the stored hard-link count.
func (st *Stat_t) Nlink() uint32 { return st.nlink }

// IsDir reports whether the stat record describes a directory.
func (st *Stat_t) IsDir() bool { return st.mode == defs.ModeDir }
