package gridftp

import (
	"io"

	"github.com/pkg/errors"
)

// Read starts reading into the single buffer in bufs.
//
// If Read returns an error, op has not been and will not be completed by the driver.
// Otherwise op is completed exactly once through FinishedRead.
// The end of the remote object is reported as io.EOF, possibly alongside the last bytes read.
func (h *Handle) Read(bufs [][]byte, op Operation) error {
	if op.WaitFor() != 1 {
		return ioError("wait-for for read must be exactly one byte")
	}

	if len(bufs) != 1 {
		return errors.Wrapf(ErrParameter, "read accepts exactly one buffer, got %d", len(bufs))
	}

	h.mu.Lock()
	r := h.pool.get(op)
	r.bufs = bufs
	r.length = len(bufs[0])
	h.mu.Unlock()

	if op.EnableCancel(h.cancelFunc(r, op)) {
		h.mu.Lock()
		h.release(r)
		h.mu.Unlock()

		return errors.Wrap(ErrCanceled, "read")
	}

	h.mu.Lock()
	err := h.dispatchRead(r)
	h.mu.Unlock()

	if err != nil {
		op.DisableCancel()

		h.mu.Lock()
		h.release(r)
		h.mu.Unlock()

		return err
	}

	return nil
}

// dispatchRead starts, registers or queues r according to the state. It is called locked.
func (h *Handle) dispatchRead(r *requestor) error {
	if r.op.IsCanceled() {
		return errors.Wrap(ErrCanceled, "read")
	}

	if h.attr.partial && h.state != StateOpen {
		return ErrOutstandingPartialXfer
	}

	if r.op.EOFReceived() {
		return io.EOF
	}

	switch h.state {
	case StateOpen:
		if err := h.startGet(r); err != nil {
			return err
		}

		if err := h.registerRead(r); err != nil {
			h.rollback("register read failed")
			return err
		}

		h.addOutstanding(1)
		h.setState(StateIOPending)

	case StateIODone, StateIOPending:
		if err := h.registerRead(r); err != nil {
			return err
		}

		h.addOutstanding(1)
		h.setState(StateIOPending)

	case StateAbortPending:
		h.pendingReading = true
		h.pending.enqueue(r)
		h.setState(StateAbortPendingIOPending)

	case StateAbortPendingIOPending:
		if !h.pendingReading {
			return ErrPendingWrite
		}
		h.pending.enqueue(r)

	default:
		h.invariant("unexpected state in read: %s", h.state)
	}

	return nil
}

// rollback aborts a transfer that was started, but on which nothing could be registered.
// It is called locked.
func (h *Handle) rollback(reason string) {
	h.partial = nil
	h.abortIO(reason)
	h.setState(StateAbortPending)
}

// startGet starts a new GET for r at the cursor. It is called locked.
func (h *Handle) startGet(r *requestor) error {
	h.reading = true
	h.endOffset = -1

	if h.attr.partial {
		h.partial = r
		h.endOffset = h.offset + int64(len(r.bufs[0]))
	}

	h.xferDone = false

	done := h.transferFunc()

	var err error
	if h.offset > 0 || h.attr.partial {
		err = wrapSession("partial get", h.session.PartialGet(h.url, &h.attr.opAttr, h.offset, h.endOffset, done))
	} else {
		err = wrapSession("get", h.session.Get(h.url, &h.attr.opAttr, done))
	}

	if err != nil {
		h.xferDone = true
		h.partial = nil
		return err
	}

	h.log.WithField("offset", h.offset).WithField("end", h.endOffset).Debug("get started")
	return nil
}

// registerRead registers the read for r on the current GET. It is called locked.
func (h *Handle) registerRead(r *requestor) error {
	if !h.reading {
		return ErrOutstandingWrite
	}

	op := r.op
	err := h.session.RegisterRead(r.bufs[0], func(buf []byte, n int, offset int64, eof bool, err error) {
		h.readDone(r, op, n, offset, eof, err)
	})

	return wrapSession("register read", err)
}

// readDone is the completion of a registered read.
func (h *Handle) readDone(r *requestor, op Operation, n int, offset int64, eof bool, err error) {
	op.DisableCancel()

	var a actions

	h.mu.Lock()

	h.addOutstanding(-1)
	h.changeState(&a)

	var result error
	if err == nil {
		if end := offset + int64(n); end > h.offset {
			h.offset = end
		}

		if eof && h.attr.partial && h.windowEnded(offset, n) {
			eof = false
		}

		if eof {
			result = io.EOF
		}
	} else {
		result = wrapSession("read", err)
	}

	if h.attr.partial && h.state != StateOpen {
		// The window's outcome is only known once the GET itself reports done.
		r.savedErr = result
		r.offset = offset
		r.length = n
		r.parked = true
	} else {
		h.release(r)
		a.complete(completion{
			kind:      opRead,
			op:        op,
			n:         n,
			err:       result,
			offset:    offset,
			setOffset: err == nil,
		})
	}

	h.mu.Unlock()

	h.perform(&a)
}

// windowEnded reports whether an end of data at offset+n is only the end of the current window,
// and not of the remote object. It is called locked.
func (h *Handle) windowEnded(offset int64, n int) bool {
	if int64(n) != h.endOffset-offset {
		return false
	}

	return h.size < 0 || h.endOffset < h.size
}
