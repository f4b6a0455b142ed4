package fs_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"rvos/bcache"
	"rvos/config"
	"rvos/fs"
	"rvos/uio"
	"rvos/virtio"
)

type memStore struct {
	mu   sync.Mutex
	data []byte
}

func newMemStore(nblocks int) *memStore {
	return &memStore{data: make([]byte, nblocks*config.BlockSize)}
}

func (m *memStore) ReadSectors(sector uint64, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(dst, m.data[sector*virtio.SectorSize:])
	return nil
}

func (m *memStore) WriteSectors(sector uint64, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[sector*virtio.SectorSize:], src)
	return nil
}

const testBlocks = 1024

func newFixture(t *testing.T) *fs.FS {
	store := newMemStore(testBlocks)
	driver := virtio.New(store)
	cache := bcache.New(driver, 0, config.NBuf)

	sb := fs.Layout(testBlocks, config.NInode, config.LogSize)
	fs.Format(cache, sb)

	f, err := fs.Open(cache, 0, config.NInode)
	require.NoError(t, err)
	f.MkRoot()
	return f
}

func rootInode(f *fs.FS) *fs.Inode {
	ip := f.Iget(config.RootIno)
	return ip
}

func TestMkRootCreatesSelfReferencingDirectory(t *testing.T) {
	f := newFixture(t)
	root := rootInode(f)
	f.Ilock(root)
	defer f.IunlockPut(root)

	dot, _, ok := f.Dirlookup(root, ".")
	require.True(t, ok)
	require.EqualValues(t, config.RootIno, dot.Inum)
	f.Iput(dot)

	dotdot, _, ok := f.Dirlookup(root, "..")
	require.True(t, ok)
	require.EqualValues(t, config.RootIno, dotdot.Inum)
	f.Iput(dotdot)
}

func TestCreateFileWriteReadRoundtrips(t *testing.T) {
	f := newFixture(t)
	root := rootInode(f)

	f.BeginOp()
	file := f.Ialloc(fs.TypeFile)
	f.Ilock(file)
	file.Nlink = 1
	f.Iupdate(file)

	f.Ilock(root)
	errno := f.Dirlink(root, "greeting.txt", file.Inum)
	f.Iunlock(root)
	require.Equal(t, 0, errno.Code())

	payload := []byte("hello, filesystem")
	n, errno := f.Writei(file, uio.NewKernelBuf(payload), 0, uint32(len(payload)))
	require.Equal(t, 0, errno.Code())
	require.Equal(t, len(payload), n)
	f.Iunlock(file)
	f.Iput(file)
	f.Iput(root)
	f.EndOp()

	root2 := rootInode(f)
	f.Ilock(root2)
	found, _, ok := f.Dirlookup(root2, "greeting.txt")
	f.IunlockPut(root2)
	require.True(t, ok)

	f.Ilock(found)
	out := make([]byte, len(payload))
	n, errno = f.Readi(found, uio.NewKernelBuf(out), 0, uint32(len(out)))
	f.IunlockPut(found)
	require.Equal(t, 0, errno.Code())
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}

func TestWriteSpanningIndirectBlocks(t *testing.T) {
	f := newFixture(t)
	root := rootInode(f)

	f.BeginOp()
	file := f.Ialloc(fs.TypeFile)
	f.Ilock(file)
	file.Nlink = 1
	f.Iupdate(file)
	f.Ilock(root)
	require.Equal(t, 0, f.Dirlink(root, "big", file.Inum).Code())
	f.Iunlock(root)

	// NDirect blocks plus a few indirect ones.
	size := (config.NDirect + 5) * config.BlockSize
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, errno := f.Writei(file, uio.NewKernelBuf(payload), 0, uint32(size))
	require.Equal(t, 0, errno.Code())
	require.Equal(t, size, n)
	f.Iunlock(file)
	f.Iput(file)
	f.Iput(root)
	f.EndOp()

	root2 := rootInode(f)
	f.Ilock(root2)
	found, _, ok := f.Dirlookup(root2, "big")
	f.IunlockPut(root2)
	require.True(t, ok)

	f.Ilock(found)
	out := make([]byte, size)
	n, errno = f.Readi(found, uio.NewKernelBuf(out), 0, uint32(size))
	f.IunlockPut(found)
	require.Equal(t, 0, errno.Code())
	require.Equal(t, size, n)
	require.Equal(t, payload, out)
}

func TestNameiResolvesNestedPath(t *testing.T) {
	f := newFixture(t)
	root := rootInode(f)

	f.BeginOp()
	sub := f.Ialloc(fs.TypeDir)
	f.Ilock(sub)
	sub.Nlink = 1
	f.Iupdate(sub)
	require.Equal(t, 0, f.Dirlink(sub, ".", sub.Inum).Code())
	require.Equal(t, 0, f.Dirlink(sub, "..", config.RootIno).Code())
	f.Iunlock(sub)

	f.Ilock(root)
	require.Equal(t, 0, f.Dirlink(root, "sub", sub.Inum).Code())
	f.Iunlock(root)

	leaf := f.Ialloc(fs.TypeFile)
	f.Ilock(leaf)
	leaf.Nlink = 1
	f.Iupdate(leaf)
	f.Iunlock(leaf)

	f.Ilock(sub)
	require.Equal(t, 0, f.Dirlink(sub, "leaf.txt", leaf.Inum).Code())
	f.Iunlock(sub)

	f.Iput(sub)
	f.Iput(leaf)
	f.Iput(root)
	f.EndOp()

	cwd := rootInode(f)
	found := f.Namei("/sub/leaf.txt", cwd)
	require.NotNil(t, found)
	require.EqualValues(t, leaf.Inum, found.Inum)
	f.Iput(found)

	parent, name := f.NameiParent("/sub/leaf.txt", cwd)
	require.NotNil(t, parent)
	require.Equal(t, "leaf.txt", name)
	f.Iput(parent)
	f.Iput(cwd)
}

func TestDirlinkRejectsDuplicateName(t *testing.T) {
	f := newFixture(t)
	root := rootInode(f)

	f.BeginOp()
	a := f.Ialloc(fs.TypeFile)
	f.Ilock(a)
	a.Nlink = 1
	f.Iupdate(a)
	f.Iunlock(a)

	f.Ilock(root)
	require.Equal(t, 0, f.Dirlink(root, "dup", a.Inum).Code())
	errno := f.Dirlink(root, "dup", a.Inum)
	f.Iunlock(root)
	require.Equal(t, -2, errno.Code())

	f.Iput(a)
	f.Iput(root)
	f.EndOp()
}
