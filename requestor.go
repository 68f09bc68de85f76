package gridftp

import (
	"github.com/google/uuid"

	"github.com/pkg/gridftp/internal/sync"
)

// requestorPoolDepth is the number of requestors a handle keeps for reuse.
const requestorPoolDepth = 8

// requestor carries one framework operation through the driver:
// an open, a read, a vectored write, or a queued close.
type requestor struct {
	op Operation
	id string

	bufs   [][]byte
	offset int64
	length int

	// savedErr is the first error seen across the sub-operations,
	// or the deferred result of a parked partial transfer.
	savedErr error

	// subOutstanding counts registered sub-writes not yet completed.
	subOutstanding int

	// parked is set once a partial transfer's low-level I/O has finished,
	// and the requestor only waits for the transfer itself to report done.
	parked bool

	close bool
}

// requestorPool is the free list a handle borrows requestors from.
// A requestor is in exactly one of: the free list, the pending queue, or loaned to the session.
//
// It is only ever used with the handle lock held.
type requestorPool struct {
	free    *sync.Pool[requestor]
	loaned  map[*requestor]struct{}
	metrics *Metrics
}

func newRequestorPool(depth int, m *Metrics) *requestorPool {
	p := &requestorPool{
		free:    sync.NewPool[requestor](depth),
		loaned:  make(map[*requestor]struct{}),
		metrics: m,
	}

	// Fill the free list up front, so the steady state never allocates.
	for i := 0; i < depth; i++ {
		p.free.Put(new(requestor))
	}

	return p
}

func (p *requestorPool) get(op Operation) *requestor {
	r, hit := p.free.TryGet()
	p.metrics.ObservePool(hit)

	r.op = op
	r.id = uuid.NewString()
	r.offset = -1

	p.loaned[r] = struct{}{}
	return r
}

// put returns r to the free list.
// Returning a requestor that is not on loan is a double release, and panics.
func (p *requestorPool) put(r *requestor) {
	if _, ok := p.loaned[r]; !ok {
		panic("gridftp: requestor returned to the pool twice")
	}
	delete(p.loaned, r)

	p.free.Put(r)
}

func (p *requestorPool) inUse() int {
	return len(p.loaned)
}

// pendingQueue is the FIFO of requestors waiting for the current transfer to quiesce.
type pendingQueue struct {
	items []*requestor
}

func (q *pendingQueue) enqueue(r *requestor) {
	q.items = append(q.items, r)
}

func (q *pendingQueue) peek() *requestor {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *pendingQueue) dequeue() *requestor {
	if len(q.items) == 0 {
		return nil
	}

	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r
}

// remove takes r out of the queue, wherever it is, and reports whether it was queued.
func (q *pendingQueue) remove(r *requestor) bool {
	for i, v := range q.items {
		if v == r {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

func (q *pendingQueue) len() int {
	return len(q.items)
}

func (q *pendingQueue) empty() bool {
	return len(q.items) == 0
}
