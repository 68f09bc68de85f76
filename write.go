package gridftp

import (
	"github.com/pkg/errors"
)

// Write starts writing the buffers in bufs, back to back.
//
// The data is written at op's explicit offset if it has one, otherwise at the cursor.
// If Write returns an error, op has not been and will not be completed by the driver.
// Otherwise op is completed exactly once through FinishedWrite, with the total length of bufs.
func (h *Handle) Write(bufs [][]byte, op Operation) error {
	if len(bufs) == 0 {
		return errors.Wrap(ErrParameter, "write needs at least one buffer")
	}

	h.mu.Lock()
	r := h.pool.get(op)
	r.bufs = bufs
	h.mu.Unlock()

	if op.EnableCancel(h.cancelFunc(r, op)) {
		h.mu.Lock()
		h.release(r)
		h.mu.Unlock()

		return errors.Wrap(ErrCanceled, "write")
	}

	h.mu.Lock()
	err := h.dispatchWrite(r)
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

// dispatchWrite starts, registers or queues r according to the state. It is called locked.
func (h *Handle) dispatchWrite(r *requestor) error {
	if r.op.IsCanceled() {
		return errors.Wrap(ErrCanceled, "write")
	}

	if h.attr.partial && h.state != StateOpen {
		return ErrOutstandingPartialXfer
	}

	// Without an explicit offset the write lands on the cursor,
	// which starts at zero: the object is overwritten from the start.
	r.offset = r.op.Offset()
	if r.offset < 0 {
		r.offset = h.offset
	}

	r.length = 0
	for _, b := range r.bufs {
		r.length += len(b)
	}
	r.subOutstanding = 0
	r.savedErr = nil

	switch h.state {
	case StateOpen:
		if err := h.startPut(r); err != nil {
			return err
		}

		if err := h.registerWrites(r); err != nil {
			h.rollback("register write failed")
			return err
		}

		h.addOutstanding(1)
		h.setState(StateIOPending)

	case StateIODone, StateIOPending:
		if err := h.registerWrites(r); err != nil {
			return err
		}

		h.addOutstanding(1)
		h.setState(StateIOPending)

	case StateAbortPending:
		h.pendingReading = false
		h.pending.enqueue(r)
		h.setState(StateAbortPendingIOPending)

	case StateAbortPendingIOPending:
		if h.pendingReading {
			return ErrPendingRead
		}
		h.pending.enqueue(r)

	default:
		h.invariant("unexpected state in write: %s", h.state)
	}

	return nil
}

// startPut starts a new PUT for r at its offset. It is called locked.
func (h *Handle) startPut(r *requestor) error {
	h.reading = false
	h.endOffset = -1

	if h.attr.partial {
		h.partial = r
		h.endOffset = r.offset + int64(r.length)
	}

	h.xferDone = false

	done := h.transferFunc()

	var err error
	whole := r.offset <= 0 && !h.attr.partial
	if whole {
		err = wrapSession("put", h.session.Put(h.url, &h.attr.opAttr, done))
	} else {
		err = wrapSession("partial put", h.session.PartialPut(h.url, &h.attr.opAttr, r.offset, h.endOffset, done))
	}

	if err != nil {
		h.xferDone = true
		h.partial = nil
		return err
	}

	if whole {
		// A whole-object PUT replaces whatever was there.
		h.size = 0
	}

	h.log.WithField("offset", r.offset).WithField("end", h.endOffset).Debug("put started")
	return nil
}

// registerWrites fans r out into one registered write per buffer. It is called locked.
//
// Once one sub-write is registered, later registration failures are kept on r instead of
// being returned, since the registered ones will still complete.
func (h *Handle) registerWrites(r *requestor) error {
	if h.reading {
		return ErrOutstandingRead
	}

	op := r.op
	offset := r.offset

	// In partial mode every sub-write carries the end of the window.
	eof := h.attr.partial

	for _, b := range r.bufs {
		err := h.session.RegisterWrite(b, offset, eof, func(buf []byte, n int, off int64, eof bool, err error) {
			h.writeDone(r, op, err)
		})

		if err != nil {
			err = wrapSession("register write", err)
			if r.subOutstanding == 0 {
				return err
			}

			if r.savedErr == nil {
				r.savedErr = err
			}
		} else {
			r.subOutstanding++
		}

		offset += int64(len(b))
	}

	// An explicit offset may lie behind the cursor; the cursor never moves backward.
	if offset > h.offset {
		h.offset = offset
	}

	return nil
}

// writeDone is the completion of one registered sub-write of r.
// Only the last one to complete finishes the user's write.
func (h *Handle) writeDone(r *requestor, op Operation, err error) {
	h.mu.Lock()

	if err != nil && r.savedErr == nil {
		r.savedErr = wrapSession("write", err)
	}

	r.subOutstanding--
	if r.subOutstanding > 0 {
		h.mu.Unlock()
		return
	}
	if r.subOutstanding < 0 {
		h.invariant("write completed more often than registered")
	}

	h.mu.Unlock()

	// The framework's cancellation lock must never be taken while holding ours.
	op.DisableCancel()

	var a actions

	h.mu.Lock()

	h.addOutstanding(-1)
	h.changeState(&a)

	if r.savedErr == nil {
		if end := r.offset + int64(r.length); end > h.size {
			h.size = end
		}
	}

	if h.attr.partial && h.state != StateOpen {
		r.parked = true
	} else {
		a.complete(completion{
			kind:      opWrite,
			op:        op,
			n:         r.length,
			err:       r.savedErr,
			offset:    r.offset,
			setOffset: r.savedErr == nil,
		})
		h.release(r)
	}

	h.mu.Unlock()

	h.perform(&a)
}
