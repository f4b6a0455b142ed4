package file_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rvos/file"
	"rvos/kerr"
	"rvos/uio"
)

func TestPipeWriteThenReadRoundtrips(t *testing.T) {
	r, w := file.NewPipePair(nil)

	n, errno := w.Write(uio.NewKernelBuf([]byte("hello")), 5)
	require.Equal(t, kerr.OK.Code(), errno.Code())
	require.Equal(t, 5, n)

	out := make([]byte, 5)
	n, errno = r.Read(uio.NewKernelBuf(out), 5)
	require.Equal(t, kerr.OK.Code(), errno.Code())
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(out))
}

func TestPipeReadBlocksUntilWriterCloses(t *testing.T) {
	r, w := file.NewPipePair(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var n int
	go func() {
		defer wg.Done()
		out := make([]byte, 10)
		n, _ = r.Read(uio.NewKernelBuf(out), 10)
	}()

	time.Sleep(20 * time.Millisecond)
	w.Close()
	wg.Wait()
	require.Equal(t, 0, n)
}

func TestPipeWriteReturnsEPIPEAfterReaderCloses(t *testing.T) {
	r, w := file.NewPipePair(nil)
	r.Close()

	_, errno := w.Write(uio.NewKernelBuf([]byte("x")), 1)
	require.Equal(t, kerr.EPIPE.Code(), errno.Code())
}

func TestPipeFullWriteBlocksUntilDrained(t *testing.T) {
	r, w := file.NewPipePair(nil)
	big := make([]byte, 600) // larger than the 512-byte pipe buffer
	for i := range big {
		big[i] = byte(i)
	}

	done := make(chan struct{})
	var n int
	var errno kerr.Errno
	go func() {
		n, errno = w.Write(uio.NewKernelBuf(big), len(big))
		close(done)
	}()

	out := make([]byte, len(big))
	got := 0
	for got < len(big) {
		m, rerrno := r.Read(uio.NewKernelBuf(out[got:]), len(big)-got)
		require.Equal(t, kerr.OK.Code(), rerrno.Code())
		if m == 0 {
			break
		}
		got += m
	}
	<-done
	require.Equal(t, kerr.OK.Code(), errno.Code())
	require.Equal(t, len(big), n)
	require.Equal(t, big, out)
}
