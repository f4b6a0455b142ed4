package kernel_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"rvos/config"
	"rvos/fs"
	"rvos/kernel"
	"rvos/rvtest"
	"rvos/uio"
)

func TestBootFreshCreatesAnEmptyRootFilesystem(t *testing.T) {
	store := rvtest.NewMemStore(1024 * config.BlockSize)
	k, err := kernel.BootFresh(store, 1024, config.NInode)
	require.NoError(t, err)
	require.Empty(t, k.FS.Check())
}

func TestBootReopensAFormattedImageWithoutReformatting(t *testing.T) {
	store := rvtest.NewMemStore(1024 * config.BlockSize)
	_, err := kernel.BootFresh(store, 1024, config.NInode)
	require.NoError(t, err)

	k2, err := kernel.Boot(store)
	require.NoError(t, err)
	require.Empty(t, k2.FS.Check())
}

// writeELF builds a minimal one-segment ELF64 executable matching the
// layout elfload.Load expects.
func writeELF(entry, vaddr uint64, segment []byte) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	phoff := uint64(ehdrSize)
	dataOff := pageRoundUp(phoff + phdrSize)

	buf := make([]byte, dataOff+uint64(len(segment)))
	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], phoff)
	binary.LittleEndian.PutUint16(buf[54:56], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:58], 1)

	ph := buf[phoff : phoff+phdrSize]
	binary.LittleEndian.PutUint32(ph[0:4], 1)
	binary.LittleEndian.PutUint32(ph[4:8], 5)
	binary.LittleEndian.PutUint64(ph[8:16], dataOff)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(segment)))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(len(segment)))
	binary.LittleEndian.PutUint64(ph[48:56], config.PageSize)

	copy(buf[dataOff:], segment)
	return buf
}

func pageRoundUp(n uint64) uint64 {
	return (n + config.PageSize - 1) &^ (config.PageSize - 1)
}

func writeProgram(t *testing.T, k *kernel.Kernel, name string, contents []byte) {
	t.Helper()
	root := k.FS.Iget(config.RootIno)

	k.FS.BeginOp()
	ip := k.FS.Ialloc(fs.TypeFile)
	k.FS.Ilock(ip)
	ip.Nlink = 1
	k.FS.Iupdate(ip)
	n, errno := k.FS.Writei(ip, uio.NewKernelBuf(contents), 0, uint32(len(contents)))
	require.Equal(t, 0, errno.Code())
	require.Equal(t, len(contents), n)
	k.FS.Iunlock(ip)
	k.FS.Ilock(root)
	require.Equal(t, 0, k.FS.Dirlink(root, name, ip.Inum).Code())
	k.FS.Iunlock(root)
	k.FS.Iput(root)
	k.FS.EndOp()
}

func TestSpawnLoadsAndRunsAnExecutable(t *testing.T) {
	store := rvtest.NewMemStore(1024 * config.BlockSize)
	k, err := kernel.BootFresh(store, 1024, config.NInode)
	require.NoError(t, err)

	segment := make([]byte, config.PageSize)
	copy(segment, []byte("programbytes"))
	writeProgram(t, k, "hello", writeELF(0x1000, 0x1000, segment))

	p, err := k.Spawn("hello", []string{"hello"})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, uint64(0x1000), p.Entry)
	require.Equal(t, "hello", p.Name)
}
