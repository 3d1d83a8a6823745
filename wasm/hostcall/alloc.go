package hostcall

import (
	"math"
	"sync"
)

const (
	// DefaultHeapBase is the guest-memory offset where the host-managed
	// heap begins. Guest code linked against dlinkwm_host must keep its
	// own data below this offset.
	DefaultHeapBase int32 = 0x100000

	// DefaultHeapSize is the size of the host-managed heap region.
	DefaultHeapSize int32 = 0x100000

	allocAlignment int32 = 8
)

type freeSpan struct {
	offset int32
	size   int32
}

// Allocator hands out offsets into a reserved region of guest linear
// memory for host_malloc/host_free. It is a first-fit free-list
// allocator with coalescing of adjacent free spans. One allocator is
// created per instance; it is safe for concurrent use.
type Allocator struct {
	lock      sync.Mutex
	free      []freeSpan
	allocated map[int32]int32
}

// NewAllocator creates an allocator over the region [base, base+size).
func NewAllocator(base, size int32) *Allocator {
	return &Allocator{
		free:      []freeSpan{{offset: base, size: size}},
		allocated: map[int32]int32{},
	}
}

// Alloc reserves size bytes and returns the offset of the block, or -1
// if the request cannot be satisfied. Returned offsets are 8-byte
// aligned.
func (a *Allocator) Alloc(size int32) int32 {
	// Guard against overflow in alignUp: a size this close to MaxInt32
	// would align to a negative value and satisfy every span.
	if size <= 0 || size > math.MaxInt32-allocAlignment+1 {
		return -1
	}

	size = alignUp(size)

	a.lock.Lock()
	defer a.lock.Unlock()

	for i, span := range a.free {
		if span.size < size {
			continue
		}

		ptr := span.offset

		if span.size == size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = freeSpan{offset: span.offset + size, size: span.size - size}
		}

		a.allocated[ptr] = size

		return ptr
	}

	return -1
}

// Free releases a block previously returned by Alloc. It returns false
// for offsets that are not currently allocated.
func (a *Allocator) Free(ptr int32) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	size, found := a.allocated[ptr]
	if !found {
		return false
	}

	delete(a.allocated, ptr)

	// Insert the span keeping the free list sorted by offset, then merge
	// with adjacent spans.
	insertAt := len(a.free)

	for i, span := range a.free {
		if span.offset > ptr {
			insertAt = i

			break
		}
	}

	a.free = append(a.free, freeSpan{})
	copy(a.free[insertAt+1:], a.free[insertAt:])
	a.free[insertAt] = freeSpan{offset: ptr, size: size}

	a.coalesce(insertAt)

	return true
}

func (a *Allocator) coalesce(idx int) {
	if idx+1 < len(a.free) && a.free[idx].offset+a.free[idx].size == a.free[idx+1].offset {
		a.free[idx].size += a.free[idx+1].size
		a.free = append(a.free[:idx+1], a.free[idx+2:]...)
	}

	if idx > 0 && a.free[idx-1].offset+a.free[idx-1].size == a.free[idx].offset {
		a.free[idx-1].size += a.free[idx].size
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	}
}

func alignUp(size int32) int32 {
	return (size + allocAlignment - 1) &^ (allocAlignment - 1)
}
