package gridftp

// Close starts closing the handle.
//
// Close always completes op through FinishedClose, and never with an error:
// a transfer that has to be interrupted is aborted quietly, and the close completes once it has drained.
// The handle must not be used once op has completed.
//
// The caller must not close a handle while any of its reads or writes are outstanding.
func (h *Handle) Close(op Operation) error {
	var a actions

	h.mu.Lock()

	switch h.state {
	case StateOpen:
		h.setState(StateNone)
		a.destroy = true
		a.complete(completion{kind: opClose, op: op})

	case StateIODone:
		h.abortIO("close")
		h.queueClose(op)

	case StateAbortPending:
		h.queueClose(op)

	default:
		h.invariant("unexpected state in close: %s", h.state)
	}

	h.mu.Unlock()

	h.perform(&a)
	return nil
}

// queueClose parks op in the pending queue, to be completed once the abort drains.
// It is called locked.
func (h *Handle) queueClose(op Operation) {
	r := h.pool.get(op)
	r.close = true

	h.pending.enqueue(r)
	h.setState(StateAbortPendingClosing)

	h.log.WithField("op", r.id).Debug("close queued")
}
