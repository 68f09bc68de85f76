package gridftp

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// cancelFunc returns the cancellation callback for the operation r was borrowed for.
// r may have completed and been reused by the time the callback runs, hence the op check.
func (h *Handle) cancelFunc(r *requestor, op Operation) CancelFunc {
	return func() {
		h.cancel(r, op)
	}
}

// cancel runs with op's cancellation lock held by the framework,
// so it finishes its own bookkeeping before calling back into the framework.
func (h *Handle) cancel(r *requestor, op Operation) {
	var a actions

	h.mu.Lock()

	if r.op != op {
		// op already completed, there is nothing left to cancel.
		h.mu.Unlock()
		return
	}

	h.log.WithFields(logrus.Fields{
		"op":    r.id,
		"state": h.state,
	}).Debug("cancel")

	switch h.state {
	case StateNone, StateIODone, StateAbortPending:

	case StateOpen:
		// Canceled between enabling cancellation and registering; the registering call sees IsCanceled.

	case StateOpening:
		if err := h.session.Abort(); err != nil {
			h.log.WithError(err).Debug("abort size query")
		}

	case StateIOPending:
		h.setState(StateAbortPending)
		h.abortIO("cancel")

	case StateAbortPendingIOPending:
		if h.pending.remove(r) {
			a.complete(completion{
				kind: direction(h.pendingReading),
				op:   op,
				err:  errors.Wrap(ErrCanceled, "canceled while queued"),
			})
			h.release(r)
		}

		if h.pending.empty() {
			h.setState(StateAbortPending)
		}

	default:
		h.invariant("unexpected state in cancel: %s", h.state)
	}

	h.mu.Unlock()

	h.perform(&a)
}

// abortIO interrupts the current transfer. It is called locked.
//
// A read is aborted outright. A write is ended with a zero-length end-of-data write,
// which is not counted as outstanding, and whose completion carries no information.
func (h *Handle) abortIO(reason string) {
	h.d.metrics.ObserveAbort(reason)
	log := h.log.WithField("reason", reason)

	if h.reading {
		log.Debug("abort transfer")

		if err := h.session.Abort(); err != nil {
			log.WithError(err).Warn("abort transfer")
		}
		return
	}

	log.Debug("end transfer")

	err := h.session.RegisterWrite(nil, h.offset, true, func([]byte, int, int64, bool, error) {})
	if err != nil {
		log.WithError(err).Warn("register end of data")

		// The transfer would otherwise never report done.
		if aerr := h.session.Abort(); aerr != nil {
			log.WithError(aerr).Warn("abort transfer")
		}
	}
}
