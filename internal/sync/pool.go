package sync

import (
	"github.com/pkg/gridftp/internal/pragma"
)

// Pool is a set of temporary items that may be individually saved and retrieved.
// It is intended to mirror [sync.Pool], except it has been specifically designed to act as a bounded free list.
//
// Any item stored in the Pool will be held onto indefinitely,
// and items are returned for reuse in a round-robin order.
//
// A Pool is safe for use by multiple goroutines simultaneously.
//
// Unlike the standard library Pool, it is suitable to act as a free list of short-lived items,
// since the free list is maintained as a channel, and thus has fairly low overhead.
type Pool[T any] struct {
	noCopy pragma.DoNotCopy

	ch chan *T
}

// NewPool returns a [Pool] set to hold onto depth number of pointers to the given type.
//
// It will panic if given a negative depth, the same as making a negative-buffer channel.
func NewPool[T any](depth int) *Pool[T] {
	return &Pool[T]{
		ch: make(chan *T, depth),
	}
}

// Get retrieves an item from the pool, and then returns it to the caller.
// If the pool is empty, it will return a pointer to a newly allocated item.
//
// A nil Pool is treated as an empty pool,
// that is, it always returns a pointer to a newly allocated item.
func (p *Pool[T]) Get() *T {
	v, _ := p.TryGet()
	return v
}

// TryGet is Get, but it also reports whether the item came from the free list,
// so that callers can feed their own hit and miss counters.
func (p *Pool[T]) TryGet() (v *T, hit bool) {
	if p == nil {
		return new(T), false
	}

	select {
	case v := <-p.ch:
		return v, true

	default:
		return new(T), false
	}
}

// Put adds the given pointer to item to the pool, if there is capacity in the pool.
// The item is zeroed first, so the pool never keeps references alive.
//
// A nil Pool is treated as a pool with no capacity.
func (p *Pool[T]) Put(v *T) {
	if p == nil {
		// functional default: no reuse
		return
	}

	var z T
	*v = z // shallow zero.

	select {
	case p.ch <- v:
	default:
	}
}

// Len returns the number of items currently held for reuse.
func (p *Pool[T]) Len() int {
	if p == nil {
		return 0
	}
	return len(p.ch)
}
