package gridftp

import (
	"github.com/pkg/errors"
)

// Open starts opening the object named by contact.
//
// If Open returns an error, op has not been and will not be completed by the driver.
// Otherwise op is completed exactly once through FinishedOpen,
// with the new Handle on success, once the size of the remote object is known.
// A missing remote object is not an error, so that it can be created by writing.
func (d *Driver) Open(contact *ContactInfo, attr *Attr, op Operation) error {
	if err := contact.validate(); err != nil {
		return err
	}

	h, err := d.newHandle(contact, attr)
	if err != nil {
		return err
	}

	if contact.hasAuth() {
		// User and password are already in the URL, the subject can only travel this way.
		h.attr.opAttr.Auth = Authorization{
			User:     contact.User,
			Password: contact.Pass,
			Subject:  contact.Subject,
		}
	}

	h.mu.Lock()
	r := h.pool.get(op)
	h.mu.Unlock()

	log := h.log.WithField("op", r.id)

	if op.EnableCancel(h.cancelFunc(r, op)) {
		err = errors.Wrap(ErrCanceled, "open")
		return h.abandonOpen(r, err)
	}

	h.mu.Lock()
	if op.IsCanceled() {
		h.mu.Unlock()
		op.DisableCancel()
		return h.abandonOpen(r, errors.Wrap(ErrCanceled, "open"))
	}

	err = h.session.Size(h.url, &h.attr.opAttr, func(size int64, err error) {
		h.opened(r, op, size, err)
	})
	if err != nil {
		h.mu.Unlock()
		op.DisableCancel()
		return h.abandonOpen(r, wrapSession("size", err))
	}

	h.setState(StateOpening)
	h.mu.Unlock()

	log.Debug("open registered")
	return nil
}

// abandonOpen undoes a failed Open. It is called unlocked, with cancellation already disabled.
func (h *Handle) abandonOpen(r *requestor, cause error) error {
	h.mu.Lock()
	h.release(r)
	h.mu.Unlock()

	if err := h.destroy(); err != nil {
		h.log.WithError(err).Warn("destroy handle after failed open")
	}

	return cause
}

// opened is the completion of the size query issued by Open.
func (h *Handle) opened(r *requestor, op Operation, size int64, err error) {
	op.DisableCancel()

	h.mu.Lock()
	h.release(r)

	if err != nil && !IsNotFound(err) {
		h.mu.Unlock()

		h.log.WithError(err).Debug("open failed")
		if derr := h.destroy(); derr != nil {
			h.log.WithError(derr).Warn("destroy handle after failed open")
		}

		h.finish(completion{kind: opOpen, op: op, err: wrapSession("size", err)})
		return
	}

	h.size = -1
	if err == nil {
		h.size = size
	}
	h.setState(StateOpen)
	h.mu.Unlock()

	h.finish(completion{kind: opOpen, op: op, h: h})
}
