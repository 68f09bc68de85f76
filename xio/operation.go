// Package xio is the framework side of the gridftp driver:
// one-shot operations carrying cancellation and completion, and a byte stream built on them.
package xio

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/pkg/gridftp"
)

// Operation is a one-shot gridftp.Operation.
//
// It is completed exactly once; a second completion panics.
// Cancellation callbacks run with the operation's cancellation lock held,
// and DisableCancel waits for a running callback to return.
type Operation struct {
	cancelMu sync.Mutex

	mu       sync.Mutex
	cancelFn gridftp.CancelFunc
	canceled bool
	finished bool
	done     chan struct{}

	waitFor  int
	offset   int64
	observed int64
	eof      *atomic.Bool

	h   *gridftp.Handle
	n   int
	err error
}

// NewOperation returns an operation waiting for one byte, without an explicit offset.
func NewOperation() *Operation {
	return &Operation{
		done:     make(chan struct{}),
		waitFor:  1,
		offset:   -1,
		observed: -1,
	}
}

// At sets the explicit offset a write is to be made at.
func (o *Operation) At(offset int64) *Operation {
	o.offset = offset
	return o
}

// WaitingFor sets the number of bytes a read must return before it may complete.
func (o *Operation) WaitingFor(n int) *Operation {
	o.waitFor = n
	return o
}

// trackingEOF makes the operation report and record end of file through eof.
func (o *Operation) trackingEOF(eof *atomic.Bool) *Operation {
	o.eof = eof
	return o
}

// EnableCancel implements gridftp.Operation.
func (o *Operation) EnableCancel(cb gridftp.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.canceled {
		return true
	}

	o.cancelFn = cb
	return false
}

// DisableCancel implements gridftp.Operation.
func (o *Operation) DisableCancel() {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()

	o.mu.Lock()
	o.cancelFn = nil
	o.mu.Unlock()
}

// IsCanceled implements gridftp.Operation.
func (o *Operation) IsCanceled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.canceled
}

// Cancel requests cancellation. Canceling a completed operation does nothing.
func (o *Operation) Cancel() {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()

	o.mu.Lock()
	if o.finished || o.canceled {
		o.mu.Unlock()
		return
	}
	o.canceled = true
	cb := o.cancelFn
	o.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// WaitFor implements gridftp.Operation.
func (o *Operation) WaitFor() int { return o.waitFor }

// EOFReceived implements gridftp.Operation.
func (o *Operation) EOFReceived() bool {
	return o.eof != nil && o.eof.Load()
}

// Offset implements gridftp.Operation.
func (o *Operation) Offset() int64 { return o.offset }

// SetOffset implements gridftp.Operation.
func (o *Operation) SetOffset(offset int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.observed = offset
	return nil
}

// ObservedOffset returns the offset reported by the driver on completion, or -1 if none was.
func (o *Operation) ObservedOffset() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.observed
}

// FinishedOpen implements gridftp.Operation.
func (o *Operation) FinishedOpen(h *gridftp.Handle, err error) {
	o.finish(h, 0, err)
}

// FinishedRead implements gridftp.Operation.
func (o *Operation) FinishedRead(n int, err error) {
	if o.eof != nil && errors.Is(err, io.EOF) {
		o.eof.Store(true)
	}
	o.finish(nil, n, err)
}

// FinishedWrite implements gridftp.Operation.
func (o *Operation) FinishedWrite(n int, err error) {
	o.finish(nil, n, err)
}

// FinishedClose implements gridftp.Operation.
func (o *Operation) FinishedClose(err error) {
	o.finish(nil, 0, err)
}

func (o *Operation) finish(h *gridftp.Handle, n int, err error) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		panic("xio: operation completed twice")
	}

	o.finished = true
	o.cancelFn = nil
	o.h, o.n, o.err = h, n, err
	o.mu.Unlock()

	close(o.done)
}

// Done returns a channel closed once the operation has completed.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Result returns the outcome of a completed operation.
// It must only be called after Done is closed.
func (o *Operation) Result() (n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.n, o.err
}

// Handle returns the handle a completed open produced.
func (o *Operation) Handle() *gridftp.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.h
}
