package pool

import (
	"sync"
	"sync/atomic"
)

// Pool is a generic wrapper around sync.Pool that additionally tracks how
// often it had to allocate fresh rather than reuse a returned item. Stats
// reports those counts, showing how often pooled items are reused.
type Pool[T any] struct {
	internal sync.Pool
	news     atomic.Uint64
	gets     atomic.Uint64
}

// New creates a new Pool with the given constructor.
func New[T any](newFn func() T) *Pool[T] {
	p := &Pool[T]{}
	p.internal.New = func() any {
		p.news.Add(1)
		return newFn()
	}
	return p
}

// Get retrieves an item from the pool.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.internal.Get().(T)
}

// Put returns an item to the pool.
func (p *Pool[T]) Put(item T) {
	p.internal.Put(item)
}

// Stats reports cumulative pool activity since construction.
type Stats struct {
	Gets uint64 // total calls to Get
	News uint64 // Gets that required allocating a fresh item
}

// Stats returns a snapshot of the pool's allocation behavior. A News
// count that tracks Gets closely means the pool is churning rather than
// reusing, usually because items are held across a Put or the pool is
// under-provisioned for concurrent load.
func (p *Pool[T]) Stats() Stats {
	return Stats{Gets: p.gets.Load(), News: p.news.Load()}
}
