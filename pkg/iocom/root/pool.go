package root

import "fmt"

// Pool is the optional fixed-size memory pool named in §3/§5: a simple
// size-classed free-list over one pre-allocated arena. Allocation from
// it is explicit, through Pool.Alloc or Alloc; the core's frame buffers
// and sbuf/tbuf arrays are allocated with make and never come from it.
type Pool struct {
	arena []byte
	next  int
	free  map[int][][]byte // size class -> free slices available for reuse
}

// NewPool allocates an arena of the given size up front. All Pool.Alloc
// calls are served from this arena; once exhausted, Alloc returns nil
// and the caller must fall back to make().
func NewPool(size int) *Pool {
	return &Pool{
		arena: make([]byte, size),
		free:  make(map[int][][]byte),
	}
}

// Alloc returns a zeroed byte slice of length n, preferring a
// previously freed block of the same size, then carving fresh space out
// of the arena, and finally returning nil if the pool is exhausted.
func (p *Pool) Alloc(n int) []byte {
	if p == nil {
		return nil
	}
	if bucket := p.free[n]; len(bucket) > 0 {
		b := bucket[len(bucket)-1]
		p.free[n] = bucket[:len(bucket)-1]
		for i := range b {
			b[i] = 0
		}
		return b
	}
	if p.next+n > len(p.arena) {
		return nil
	}
	b := p.arena[p.next : p.next+n : p.next+n]
	p.next += n
	return b
}

// Free returns b to the pool's size-classed free list for reuse. b must
// have been obtained from this pool's Alloc.
func (p *Pool) Free(b []byte) {
	if p == nil || b == nil {
		return
	}
	n := len(b)
	p.free[n] = append(p.free[n], b)
}

// Stats reports how much of the arena has been carved out and how many
// blocks are sitting in free lists, for diagnostics.
func (p *Pool) Stats() string {
	if p == nil {
		return "pool: none (host allocator)"
	}
	freeBlocks := 0
	for _, b := range p.free {
		freeBlocks += len(b)
	}
	return fmt.Sprintf("pool: %d/%d bytes used, %d blocks recycled", p.next, len(p.arena), freeBlocks)
}

// Alloc is a package-level convenience that allocates from pool if
// non-nil, otherwise falls back to make([]byte, n), matching the
// fallback rule in §5.
func Alloc(pool *Pool, n int) []byte {
	if pool != nil {
		if b := pool.Alloc(n); b != nil {
			return b
		}
	}
	return make([]byte, n)
}
