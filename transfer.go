package gridftp

// transferFunc returns the completion for the GET or PUT about to be started.
func (h *Handle) transferFunc() TransferFunc {
	return func(err error) {
		h.transferDone(err)
	}
}

// transferDone is the completion of the current GET or PUT.
//
// It finishes a close that was waiting for the transfer, starts or fails a queued batch,
// and delivers the result of a parked partial window.
func (h *Handle) transferDone(err error) {
	var a actions

	h.mu.Lock()

	if h.xferDone {
		h.invariant("transfer reported done twice")
	}

	h.log.WithError(err).Debug("transfer done")

	h.xferDone = true
	h.changeState(&a)

	if r := h.partial; h.attr.partial && h.state == StateOpen && r != nil && r.parked {
		c := completion{
			kind:   direction(h.reading),
			op:     r.op,
			n:      r.length,
			offset: r.offset,
		}

		if err != nil {
			c.err = wrapSession("transfer", err)
		} else {
			c.err = r.savedErr
			c.setOffset = true
		}

		h.release(r)
		a.complete(c)
	}

	h.mu.Unlock()

	h.perform(&a)
}
