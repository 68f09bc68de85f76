// Package xfer serves the registered reads or writes of one GET or PUT, in order,
// on a goroutine of its own, for sessions whose data path blocks.
package xfer

import (
	"github.com/pkg/errors"

	"github.com/pkg/gridftp"
	"github.com/pkg/gridftp/internal/sync"
)

// ErrAborted is reported to everything outstanding on an aborted transfer.
var ErrAborted = errors.New("transfer aborted")

// Backend moves the data of one transfer.
// Read, Write and Finish are only ever called from the transfer's goroutine.
type Backend interface {
	// Read fills buf from the current position of a GET,
	// and reports whether the data is exhausted once it has.
	Read(buf []byte) (n int, eof bool, err error)

	// Write stores buf at offset, for a PUT.
	Write(buf []byte, offset int64) error

	// Finish ends the transfer, committing it unless aborted is set.
	Finish(aborted bool) error

	// Interrupt unblocks a Read or Write in progress. It may be called from any goroutine.
	Interrupt()
}

type request struct {
	buf    []byte
	offset int64
	eof    bool
	done   gridftp.DataFunc
}

// Transfer is one GET or PUT in progress.
type Transfer struct {
	b       Backend
	reading bool
	start   int64
	end     int64
	done    gridftp.TransferFunc
	ended   func(*Transfer)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*request
	aborted bool

	// Only touched by the transfer's goroutine.
	pos     int64
	written int64
	eofSeen bool
	forced  bool
	err     error
}

// Start starts serving a transfer of the range [start, end) through b.
// A negative end means the end of the object.
//
// Once the transfer is over, ended is called, and then done with its outcome.
func Start(b Backend, reading bool, start, end int64, done gridftp.TransferFunc, ended func(*Transfer)) *Transfer {
	t := &Transfer{
		b:       b,
		reading: reading,
		start:   start,
		end:     end,
		done:    done,
		ended:   ended,
		pos:     start,
	}
	t.cond = sync.NewCond(&t.mu)

	go t.run()
	return t
}

// Reading reports whether t is a GET.
func (t *Transfer) Reading() bool {
	return t.reading
}

// RegisterRead queues a read into buf.
func (t *Transfer) RegisterRead(buf []byte, done gridftp.DataFunc) error {
	if !t.reading {
		return errors.New("no get in progress")
	}

	return t.enqueue(&request{buf: buf, done: done})
}

// RegisterWrite queues a write of buf at offset.
// A zero-length write carrying eof ends the PUT once the writes queued before it are done.
func (t *Transfer) RegisterWrite(buf []byte, offset int64, eof bool, done gridftp.DataFunc) error {
	if t.reading {
		return errors.New("no put in progress")
	}

	if offset < 0 {
		return errors.Wrapf(gridftp.ErrParameter, "negative write offset: %d", offset)
	}

	return t.enqueue(&request{buf: buf, offset: offset, eof: eof, done: done})
}

func (t *Transfer) enqueue(r *request) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.aborted {
		return ErrAborted
	}

	t.queue = append(t.queue, r)
	t.cond.Signal()
	return nil
}

// Abort ends t early. Every queued request and the transfer itself complete with ErrAborted.
func (t *Transfer) Abort() {
	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		return
	}
	t.aborted = true
	t.cond.Signal()
	t.mu.Unlock()

	t.b.Interrupt()
}

// complete reports whether nothing is left to transfer.
func (t *Transfer) complete() bool {
	if t.err != nil {
		return true
	}

	if !t.eofSeen {
		return false
	}

	if t.reading || t.forced || t.end < 0 {
		return true
	}

	return t.written >= t.end-t.start
}

func (t *Transfer) run() {
	t.mu.Lock()

	for {
		for !t.aborted && len(t.queue) == 0 && !t.complete() {
			t.cond.Wait()
		}

		if t.aborted || len(t.queue) == 0 {
			aborted := t.aborted
			queue := t.queue
			t.queue = nil
			t.mu.Unlock()

			t.finish(aborted, queue)
			return
		}

		r := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()

		switch {
		case t.err != nil:
			r.done(r.buf, 0, r.offset, r.eof, t.err)
		case t.reading:
			t.serveRead(r)
		default:
			t.serveWrite(r)
		}

		t.mu.Lock()
	}
}

func (t *Transfer) finish(aborted bool, queue []*request) {
	for _, r := range queue {
		r.done(r.buf, 0, r.offset, r.eof, ErrAborted)
	}

	err := t.b.Finish(aborted || t.err != nil)
	switch {
	case aborted:
		err = ErrAborted
	case t.err != nil:
		err = t.err
	}

	t.ended(t)
	t.done(err)
}

func (t *Transfer) serveRead(r *request) {
	off := t.pos

	if t.eofSeen {
		r.done(r.buf, 0, off, true, nil)
		return
	}

	n, eof, err := t.b.Read(r.buf)
	if err != nil {
		t.err = err
		r.done(r.buf, 0, off, false, err)
		return
	}

	t.pos += int64(n)
	if eof {
		t.eofSeen = true
	}

	r.done(r.buf, n, off, eof, nil)
}

func (t *Transfer) serveWrite(r *request) {
	if len(r.buf) > 0 {
		if err := t.b.Write(r.buf, r.offset); err != nil {
			t.err = err
			r.done(r.buf, 0, r.offset, r.eof, err)
			return
		}
		t.written += int64(len(r.buf))
	}

	if r.eof {
		t.eofSeen = true
		if len(r.buf) == 0 {
			t.forced = true
		}
	}

	r.done(r.buf, len(r.buf), r.offset, r.eof, nil)
}
