package hostcall

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorAlloc(t *testing.T) {
	tCases := []struct {
		name         string
		heapSize     int32
		requests     []int32
		expectedPtrs []int32
	}{
		{
			name:         "sequential allocations are aligned and disjoint",
			heapSize:     64,
			requests:     []int32{1, 8, 3},
			expectedPtrs: []int32{0, 8, 16},
		},
		{
			name:         "zero size request fails",
			heapSize:     64,
			requests:     []int32{0},
			expectedPtrs: []int32{-1},
		},
		{
			name:         "exhausted heap fails",
			heapSize:     16,
			requests:     []int32{8, 8, 8},
			expectedPtrs: []int32{0, 8, -1},
		},
		{
			name:         "near-MaxInt32 request fails without corrupting the heap",
			heapSize:     64,
			requests:     []int32{math.MaxInt32 - 2, math.MaxInt32, 8},
			expectedPtrs: []int32{-1, -1, 0},
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			alloc := NewAllocator(0, tCase.heapSize)

			for n, size := range tCase.requests {
				assert.Equal(t, tCase.expectedPtrs[n], alloc.Alloc(size))
			}
		})
	}
}

func TestAllocatorFree(t *testing.T) {
	alloc := NewAllocator(0, 32)

	first := alloc.Alloc(16)
	second := alloc.Alloc(16)
	require.Equal(t, int32(0), first)
	require.Equal(t, int32(16), second)

	// Heap is full now.
	require.Equal(t, int32(-1), alloc.Alloc(8))

	assert.True(t, alloc.Free(first))
	assert.False(t, alloc.Free(first), "double free must be rejected")
	assert.False(t, alloc.Free(123), "unknown pointer must be rejected")

	// The freed block is reusable.
	assert.Equal(t, int32(0), alloc.Alloc(16))
}

func TestAllocatorCoalescing(t *testing.T) {
	alloc := NewAllocator(0, 48)

	first := alloc.Alloc(16)
	second := alloc.Alloc(16)
	third := alloc.Alloc(16)
	require.Equal(t, []int32{0, 16, 32}, []int32{first, second, third})

	// Free out of order: the spans must merge back into one region big
	// enough for a full-heap allocation.
	require.True(t, alloc.Free(first))
	require.True(t, alloc.Free(third))
	require.True(t, alloc.Free(second))

	assert.Equal(t, int32(0), alloc.Alloc(48))
}

func TestAllocatorHeapBase(t *testing.T) {
	alloc := NewAllocator(DefaultHeapBase, 64)

	ptr := alloc.Alloc(8)

	assert.Equal(t, DefaultHeapBase, ptr)
	assert.True(t, alloc.Free(ptr))
}
