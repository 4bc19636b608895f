// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mempool_test

import (
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/go-shmbus/mempool"
	"github.com/siderolabs/go-shmbus/segment"
)

// offset leaves room in front of the pools, like the area header does.
const offset = 128

func newManager(t testing.TB, cfg mempool.Config) (*mempool.Manager, *segment.Segment) {
	t.Helper()

	seg := segment.NewHeap(int(offset + mempool.RequiredSize(cfg)))

	m, err := mempool.Format(seg.Bytes(), offset, cfg)
	require.NoError(t, err)

	return m, seg
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string

		cfg mempool.Config

		expectedError string
	}{
		{
			name: "default",
			cfg:  mempool.DefaultConfig(),
		},
		{
			name:          "empty",
			expectedError: "at least one mempool should be configured",
		},
		{
			name:          "zero payload",
			cfg:           mempool.Config{{PayloadSize: 0, Count: 1}},
			expectedError: "mempool 0: payload size should be positive",
		},
		{
			name:          "zero count",
			cfg:           mempool.Config{{PayloadSize: 8, Count: 0}},
			expectedError: "mempool 0: invalid chunk count 0",
		},
		{
			name:          "not ascending",
			cfg:           mempool.Config{{PayloadSize: 64, Count: 1}, {PayloadSize: 64, Count: 1}},
			expectedError: "mempool 1: payload sizes should be strictly ascending: 64 <= 64",
		},
		{
			name:          "too many",
			cfg:           make(mempool.Config, mempool.MaxPools+1),
			expectedError: "too many mempools: 17 > 16",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			err := test.cfg.Validate()

			if test.expectedError == "" {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, test.expectedError)
			}
		})
	}
}

func TestChunkSize(t *testing.T) {
	t.Parallel()

	assert.EqualValues(t, 128, mempool.PoolConfig{PayloadSize: 8}.ChunkSize())
	assert.EqualValues(t, 128, mempool.PoolConfig{PayloadSize: 64}.ChunkSize())
	assert.EqualValues(t, 192, mempool.PoolConfig{PayloadSize: 65}.ChunkSize())
}

func TestAllocateRelease(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	m, _ := newManager(t, mempool.Config{
		{PayloadSize: 64, Count: 4},
		{PayloadSize: 1024, Count: 2},
	})

	req.Equal(6, m.FreeChunks())
	req.EqualValues(1024, m.MaxPayloadSize())

	small, err := m.Allocate(8)
	req.NoError(err)
	req.True(small.Valid())
	req.Equal(0, small.Pool())
	req.EqualValues(8, small.PayloadSize())
	req.EqualValues(128, small.ChunkSize())
	req.EqualValues(1, small.RefCount())
	req.Len(small.PayloadBytes(), 8)
	req.Equal(unsafe.Add(unsafe.Pointer(small), mempool.HeaderSize), small.Payload())

	large, err := m.Allocate(65)
	req.NoError(err)
	req.Equal(1, large.Pool())

	req.Equal(m.Header(m.Ref(large)), large)
	req.NotEqual(mempool.NilChunk, m.Ref(small))

	stats := m.Stats()
	req.Len(stats, 2)
	req.Equal(1, stats[0].Used)
	req.Equal(3, stats[0].MinFree)
	req.Equal(1, stats[1].Used)
	req.Equal(4, m.FreeChunks())

	req.True(m.Release(small))
	req.True(m.Release(large))
	req.False(small.Valid())

	req.Equal(6, m.FreeChunks())
	req.Equal(3, m.Stats()[0].MinFree)
}

func TestOutOfChunks(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	m, _ := newManager(t, mempool.Config{
		{PayloadSize: 64, Count: 2},
		{PayloadSize: 256, Count: 2},
	})

	chunks := make([]*mempool.ChunkHeader, 0, 2)

	for range 2 {
		h, err := m.Allocate(32)
		req.NoError(err)

		chunks = append(chunks, h)
	}

	// the fitting class is exhausted, larger classes are not used
	_, err := m.Allocate(32)
	req.ErrorIs(err, mempool.ErrOutOfChunks)
	req.Equal(2, m.FreeChunks())

	_, err = m.Allocate(257)
	req.ErrorIs(err, mempool.ErrNoPoolForSize)

	for _, h := range chunks {
		req.True(m.Release(h))
	}

	h, err := m.Allocate(32)
	req.NoError(err)
	req.True(m.Release(h))
	req.Equal(0, m.Stats()[0].MinFree)
}

func TestReferenceCounting(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	m, _ := newManager(t, mempool.Config{{PayloadSize: 64, Count: 1}})

	h, err := m.Allocate(16)
	req.NoError(err)

	m.Retain(h)
	m.Retain(h)
	req.EqualValues(3, h.RefCount())

	req.False(m.Release(h))
	req.False(m.Release(h))
	req.Equal(0, m.FreeChunks())

	req.True(m.Release(h))
	req.Equal(1, m.FreeChunks())
}

func TestAttach(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	cfg := mempool.Config{
		{PayloadSize: 64, Count: 3},
		{PayloadSize: 448, Count: 2},
	}

	m, seg := newManager(t, cfg)

	h, err := m.Allocate(40)
	req.NoError(err)

	copy(h.PayloadBytes(), "hello")

	attached, err := mempool.Attach(seg.Bytes(), offset)
	req.NoError(err)
	req.Equal(cfg, attached.Config())
	req.Equal(m.Size(), attached.Size())
	req.Equal(m.Stats(), attached.Stats())

	// the same ref resolves to the same payload through the other handle
	other := attached.Header(m.Ref(h))
	req.Equal("hello", string(other.PayloadBytes()[:5]))

	req.True(attached.Release(other))
	req.Equal(5, m.FreeChunks())

	_, err = mempool.Attach(segment.NewHeap(4096).Bytes(), 0)
	req.ErrorIs(err, mempool.ErrNotFormatted)

	_, err = mempool.Attach(seg.Bytes(), 64)
	req.Error(err)
}

func TestFormatErrors(t *testing.T) {
	t.Parallel()

	cfg := mempool.Config{{PayloadSize: 64, Count: 4}}

	_, err := mempool.Format(segment.NewHeap(128).Bytes(), 0, cfg)
	require.Error(t, err)

	_, err = mempool.Format(segment.NewHeap(8192).Bytes(), 8, cfg)
	require.Error(t, err)

	_, err = mempool.Format(segment.NewHeap(8192).Bytes(), 0, nil)
	require.Error(t, err)
}

func TestConcurrentAllocate(t *testing.T) {
	t.Parallel()

	const (
		workers    = 8
		iterations = 2000
	)

	m, _ := newManager(t, mempool.Config{{PayloadSize: 64, Count: 16}})

	var (
		eg    errgroup.Group
		mu    sync.Mutex
		owned = map[mempool.ChunkRef]struct{}{}
	)

	for range workers {
		eg.Go(func() error {
			for i := range iterations {
				h, err := m.Allocate(8)
				if err != nil {
					continue
				}

				ref := m.Ref(h)

				mu.Lock()
				_, dup := owned[ref]
				owned[ref] = struct{}{}
				mu.Unlock()

				if dup {
					t.Errorf("chunk %d handed out twice", ref)
				}

				h.PayloadBytes()[0] = byte(i)

				mu.Lock()
				delete(owned, ref)
				mu.Unlock()

				m.Release(h)
			}

			return nil
		})
	}

	require.NoError(t, eg.Wait())
	require.Equal(t, 16, m.FreeChunks())
	require.Zero(t, m.Stats()[0].Used)
}

func TestDetach(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	m, _ := newManager(t, mempool.Config{{PayloadSize: 64, Count: 1}})
	req.False(m.Detached())

	req.True(m.Pin())

	detached := make(chan struct{})

	go func() {
		m.Detach()
		close(detached)
	}()

	// Detach waits for the pinned user
	select {
	case <-detached:
		req.Fail("detached while pinned")
	case <-time.After(50 * time.Millisecond):
	}

	m.Unpin()
	<-detached

	req.True(m.Detached())
	req.False(m.Pin())
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
