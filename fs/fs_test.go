package fs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvsmp/defs"
	"rvsmp/limits"
	"rvsmp/stat"
	"rvsmp/ustr"
)

const testBlocks = 2048

func mkfs(t *testing.T) (*FileSystem, *MemDisk) {
	t.Helper()
	disk := NewMemDisk(testBlocks)
	fsys, err := Format(disk, testBlocks, 64)
	require.NoError(t, err)
	return fsys, disk
}

func name(t *testing.T, s string) ustr.Ustr {
	t.Helper()
	u, err := ustr.MkUstr(s)
	require.NoError(t, err)
	return u
}

func TestFormatMountRoundTrip(t *testing.T) {
	fsys, disk := mkfs(t)
	require.NoError(t, fsys.SyncAll())

	remounted, err := Mount(disk, limits.MaxBlocks)
	require.NoError(t, err)
	root := remounted.RootInode()
	assert.True(t, root.IsDir())
	assert.Equal(t, 0, root.ID())

	names, err := root.Ls()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMountRejectsBadMagic(t *testing.T) {
	disk := NewMemDisk(testBlocks)
	_, err := Mount(disk, limits.MaxBlocks)
	assert.Error(t, err)
}

func TestCreateWriteRead(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()

	n, err := root.Create(name(t, "a"), defs.KindFile)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAA}, 1000)
	wrote, err := n.WriteAt(0, payload)
	require.NoError(t, err)
	require.Equal(t, 1000, wrote)
	assert.Equal(t, 1000, n.Size())

	got := make([]byte, 1000)
	read, err := n.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, 1000, read)
	assert.Equal(t, payload, got)

	// read past EOF is short, not an error
	read, err = n.ReadAt(900, make([]byte, 200))
	require.NoError(t, err)
	assert.Equal(t, 100, read)
}

func TestCreateDuplicateFails(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()
	_, err := root.Create(name(t, "a"), defs.KindFile)
	require.NoError(t, err)
	_, err = root.Create(name(t, "a"), defs.KindFile)
	assert.Error(t, err)
}

func TestWriteAtOffsetsRoundTrip(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()
	n, err := root.Create(name(t, "f"), defs.KindFile)
	require.NoError(t, err)

	cases := []struct {
		off int
		len int
	}{
		{0, 1},
		{511, 2},      // crosses a block boundary
		{512 * 3, 17}, // leaves a gap filled by increaseSize allocation
		{10_000, 600},
	}
	for _, c := range cases {
		payload := bytes.Repeat([]byte{byte(c.off)}, c.len)
		wrote, err := n.WriteAt(c.off, payload)
		require.NoError(t, err)
		require.Equal(t, c.len, wrote)

		got := make([]byte, c.len)
		read, err := n.ReadAt(c.off, got)
		require.NoError(t, err)
		require.Equal(t, c.len, read)
		assert.Equal(t, payload, got)
	}
}

func TestWriteAcrossBoundaryAllocatesOneBlockPerCrossing(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()
	n, err := root.Create(name(t, "f"), defs.KindFile)
	require.NoError(t, err)

	_, err = n.WriteAt(0, []byte{1})
	require.NoError(t, err)
	_, freeBefore := fsys.Stats()

	// grow from 1 byte to 512+100: crosses exactly one boundary
	_, err = n.WriteAt(500, make([]byte, 112))
	require.NoError(t, err)
	_, freeAfter := fsys.Stats()
	assert.Equal(t, 1, freeBefore-freeAfter)
}

func TestIndirectRegionWrite(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()
	n, err := root.Create(name(t, "big"), defs.KindFile)
	require.NoError(t, err)

	// land past the direct region: NDirect blocks plus a few more
	off := limits.NDirect*BlockSize + 3*BlockSize + 100
	payload := bytes.Repeat([]byte{0x5C}, 700)
	_, err = n.WriteAt(off, payload)
	require.NoError(t, err)

	got := make([]byte, 700)
	read, err := n.ReadAt(off, got)
	require.NoError(t, err)
	require.Equal(t, 700, read)
	assert.Equal(t, payload, got)
}

func TestLinkUnlinkLeavesStateUnchanged(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()
	n, err := root.Create(name(t, "a"), defs.KindFile)
	require.NoError(t, err)
	_, err = n.WriteAt(0, bytes.Repeat([]byte{1}, 600))
	require.NoError(t, err)

	namesBefore, err := root.Ls()
	require.NoError(t, err)
	freeInodesBefore, freeDataBefore := fsys.Stats()

	require.NoError(t, root.Link(name(t, "a"), name(t, "b")))
	require.NoError(t, root.Unlink(name(t, "b")))

	namesAfter, err := root.Ls()
	require.NoError(t, err)
	freeInodesAfter, freeDataAfter := fsys.Stats()

	assert.Equal(t, namesBefore, namesAfter)
	assert.Equal(t, freeInodesBefore, freeInodesAfter)
	assert.Equal(t, freeDataBefore, freeDataAfter)
}

func TestUnlinkSwapsLastEntryIntoHole(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()
	for _, s := range []string{"a", "b", "c"} {
		_, err := root.Create(name(t, s), defs.KindFile)
		require.NoError(t, err)
	}
	require.NoError(t, root.Unlink(name(t, "a")))

	names, err := root.Ls()
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, "c", names[0].String())
	assert.Equal(t, "b", names[1].String())

	// directory size stays a multiple of the entry size
	assert.Equal(t, 0, root.Size()%limits.DirentSize)
}

func TestLinkCountAndStat(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()
	n, err := root.Create(name(t, "a"), defs.KindFile)
	require.NoError(t, err)
	require.NoError(t, root.Link(name(t, "a"), name(t, "b")))

	count, err := n.LinkCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var st stat.Stat_t
	require.NoError(t, n.Stat(&st))
	assert.EqualValues(t, 0, st.Dev())
	assert.EqualValues(t, n.ID(), st.Ino())
	assert.Equal(t, defs.ModeFile, st.Mode())
	assert.EqualValues(t, 2, st.Nlink())

	require.NoError(t, root.Unlink(name(t, "b")))
	count, err = n.LinkCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClearReturnsDataAndIndexBlocks(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()
	n, err := root.Create(name(t, "big"), defs.KindFile)
	require.NoError(t, err)

	_, freeBefore := fsys.Stats()
	// spill into the indirect1 region so an index block is allocated too
	_, err = n.WriteAt(0, make([]byte, (limits.NDirect+2)*BlockSize))
	require.NoError(t, err)
	require.NoError(t, n.Clear())
	_, freeAfter := fsys.Stats()

	assert.Equal(t, freeBefore, freeAfter)
	assert.Equal(t, 0, n.Size())
}

func TestSyncAllSurvivesRemount(t *testing.T) {
	fsys, disk := mkfs(t)
	root := fsys.RootInode()
	n, err := root.Create(name(t, "keep"), defs.KindFile)
	require.NoError(t, err)
	payload := []byte("written before remount")
	_, err = n.WriteAt(0, payload)
	require.NoError(t, err)
	require.NoError(t, fsys.SyncAll())

	remounted, err := Mount(disk, limits.MaxBlocks)
	require.NoError(t, err)
	n2, err := remounted.RootInode().Find(name(t, "keep"))
	require.NoError(t, err)
	got := make([]byte, len(payload))
	_, err = n2.ReadAt(0, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// The end-to-end hard-link scenario: write through one name, relink,
// drop the original name, read through the survivor.
func TestLinkUnlinkReadEndToEnd(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()

	n, err := root.Create(name(t, "a"), defs.KindFile)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0xAA}, 1000)
	_, err = n.WriteAt(0, payload)
	require.NoError(t, err)

	require.NoError(t, root.Link(name(t, "a"), name(t, "b")))
	require.NoError(t, root.Unlink(name(t, "a")))

	_, err = root.Find(name(t, "a"))
	assert.Error(t, err)

	b, err := root.Find(name(t, "b"))
	require.NoError(t, err)
	got := make([]byte, 1000)
	read, err := b.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, 1000, read)
	assert.Equal(t, payload, got)
}

func TestDirectoryEntriesPointAtAllocatedInodes(t *testing.T) {
	fsys, _ := mkfs(t)
	root := fsys.RootInode()
	for _, s := range []string{"x", "y", "z"} {
		_, err := root.Create(name(t, s), defs.KindFile)
		require.NoError(t, err)
	}
	di := root.disk()
	count := di.Size() / limits.DirentSize
	for i := 0; i < count; i++ {
		de := emptyDirEntry()
		_, err := fsys.readAt(di, i*limits.DirentSize, de.buf)
		require.NoError(t, err)
		id := int(de.InodeID())
		target := fsys.diskInode(id)
		assert.Equal(t, defs.KindFile, target.Kind())
		blk, err := fsys.cache.Get(fsys.inodeBitmap.startBlock + id/bitsPerBlock)
		require.NoError(t, err)
		assert.True(t, fsys.inodeBitmap.bitAt(blk, id%bitsPerBlock), "inode %d not marked allocated", id)
	}
}
