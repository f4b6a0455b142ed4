package virtio_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"rvos/virtio"
)

// memStore is an in-memory BackingStore used only by tests in this
// package; rvtest provides the shared fixture used by higher layers.
type memStore struct {
	mu   sync.Mutex
	data []byte
}

func newMemStore(nsectors int) *memStore {
	return &memStore{data: make([]byte, nsectors*virtio.SectorSize)}
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

type fakeBlock struct {
	no   int
	data [1024]byte
}

func (b *fakeBlock) BlockNo() int   { return b.no }
func (b *fakeBlock) Data() []byte   { return b.data[:] }

func TestWriteThenRead(t *testing.T) {
	store := newMemStore(64)
	d := virtio.New(store)

	w := &fakeBlock{no: 3}
	for i := range w.data {
		w.data[i] = 0x42
	}
	d.RW(w, true)

	r := &fakeBlock{no: 3}
	d.RW(r, false)
	require.Equal(t, w.data, r.data)
}

func TestConcurrentRequestsExhaustAndRecoverDescriptors(t *testing.T) {
	store := newMemStore(64)
	d := virtio.New(store)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b := &fakeBlock{no: n % 32}
			for j := range b.data {
				b.data[j] = byte(n)
			}
			d.RW(b, true)
			back := &fakeBlock{no: n % 32}
			d.RW(back, false)
		}(i)
	}
	wg.Wait()
}

func TestDistinctBlocksDoNotCorruptEachOther(t *testing.T) {
	store := newMemStore(8)
	d := virtio.New(store)

	a := &fakeBlock{no: 0}
	for i := range a.data {
		a.data[i] = 0xAA
	}
	b := &fakeBlock{no: 1}
	for i := range b.data {
		b.data[i] = 0xBB
	}
	d.RW(a, true)
	d.RW(b, true)

	ra := &fakeBlock{no: 0}
	d.RW(ra, false)
	rb := &fakeBlock{no: 1}
	d.RW(rb, false)

	require.Equal(t, a.data, ra.data)
	require.Equal(t, b.data, rb.data)
}
