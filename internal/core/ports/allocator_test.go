package ports

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxychain/internal/shared/apperr"
	"proxychain/proxypool/model"
)

func newTestAllocator(t *testing.T, size int) *Allocator {
	t.Helper()
	a, err := NewAllocator(map[model.Protocol]Range{
		model.ProtocolSOCKS5: {Base: 25000, Size: size},
		model.ProtocolHTTP:   {Base: 26000, Size: size},
	})
	require.NoError(t, err)
	return a
}

func TestAcquire_SmallestFreeFirst(t *testing.T) {
	a := newTestAllocator(t, 10)

	p1, _ := a.Acquire(model.ProtocolSOCKS5, "e1")
	p2, _ := a.Acquire(model.ProtocolSOCKS5, "e2")
	p3, _ := a.Acquire(model.ProtocolSOCKS5, "e3")
	assert.Equal(t, []int{25000, 25001, 25002}, []int{p1, p2, p3})

	require.NoError(t, a.Release(p2))
	p4, err := a.Acquire(model.ProtocolSOCKS5, "e4")
	require.NoError(t, err)
	assert.Equal(t, 25001, p4, "released port should be reused first")

	h, err := a.Acquire(model.ProtocolHTTP, "e5")
	require.NoError(t, err)
	assert.Equal(t, 26000, h)

	owner, ok := a.Owner(25001)
	assert.True(t, ok)
	assert.Equal(t, "e4", owner)
}

func TestAcquire_Exhaustion(t *testing.T) {
	a := newTestAllocator(t, 2)
	_, err := a.Acquire(model.ProtocolHTTP, "a")
	require.NoError(t, err)
	_, err = a.Acquire(model.ProtocolHTTP, "b")
	require.NoError(t, err)

	_, err = a.Acquire(model.ProtocolHTTP, "c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrPortExhausted))
	assert.Equal(t, 0, a.Available(model.ProtocolHTTP))
	assert.Equal(t, 2, a.Available(model.ProtocolSOCKS5), "exhaustion is per protocol")
}

func TestAcquirePreferred(t *testing.T) {
	a := newTestAllocator(t, 5)

	p, err := a.AcquirePreferred(model.ProtocolSOCKS5, "e1", 25003)
	require.NoError(t, err)
	assert.Equal(t, 25003, p, "remembered port is free and in range")

	p, err = a.AcquirePreferred(model.ProtocolSOCKS5, "e2", 25003)
	require.NoError(t, err)
	assert.Equal(t, 25000, p, "taken preferred port falls back to smallest free")

	p, err = a.AcquirePreferred(model.ProtocolSOCKS5, "e3", 26001)
	require.NoError(t, err)
	assert.Equal(t, 25001, p, "port from another protocol's range is ignored")

	_, err = a.AcquirePreferred(model.ProtocolSOCKS5, "e4", 0)
	require.NoError(t, err)
	_, err = a.AcquirePreferred(model.ProtocolSOCKS5, "e5", 25004)
	require.NoError(t, err)
	_, err = a.AcquirePreferred(model.ProtocolSOCKS5, "e6", 25004)
	assert.True(t, errors.Is(err, apperr.ErrPortExhausted))
}

func TestRelease_NotLeased(t *testing.T) {
	a := newTestAllocator(t, 2)
	err := a.Release(25000)
	assert.True(t, errors.Is(err, apperr.ErrInvariant))

	p, _ := a.Acquire(model.ProtocolSOCKS5, "x")
	require.NoError(t, a.Release(p))
	assert.True(t, errors.Is(a.Release(p), apperr.ErrInvariant), "double release must be reported")
}

func TestNewAllocator_RejectsOverlap(t *testing.T) {
	_, err := NewAllocator(map[model.Protocol]Range{
		model.ProtocolSOCKS5: {Base: 25000, Size: 100},
		model.ProtocolHTTP:   {Base: 25050, Size: 100},
	})
	assert.Error(t, err)

	_, err = NewAllocator(map[model.Protocol]Range{model.ProtocolSOCKS5: {Base: 65500, Size: 100}})
	assert.Error(t, err)
}

func TestAcquire_ConcurrentUniqueness(t *testing.T) {
	a := newTestAllocator(t, 200)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]bool)
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := a.Acquire(model.ProtocolSOCKS5, fmt.Sprintf("e%d", i))
			if err != nil {
				t.Errorf("Acquire() error: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[p] {
				t.Errorf("port %d leased twice", p)
			}
			seen[p] = true
		}(i)
	}
	wg.Wait()

	leased := a.Leased(model.ProtocolSOCKS5)
	require.Len(t, leased, 150)
	assert.Equal(t, 25000, leased[0])
	assert.Equal(t, 25149, leased[149], "leases stay contiguous from the base")
}
