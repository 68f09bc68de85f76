package gridftp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/pkg/gridftp/internal/pragma"
)

// State is the protocol state of a Handle.
type State int

// Handle states.
const (
	StateNone State = iota
	StateOpening
	StateOpen
	StateIOPending
	StateIODone
	StateAbortPending
	StateAbortPendingIOPending
	StateAbortPendingClosing
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateIOPending:
		return "io-pending"
	case StateIODone:
		return "io-done"
	case StateAbortPending:
		return "abort-pending"
	case StateAbortPendingIOPending:
		return "abort-pending-io-pending"
	case StateAbortPendingClosing:
		return "abort-pending-closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type opKind int

const (
	opOpen opKind = iota
	opRead
	opWrite
	opClose
)

func (k opKind) String() string {
	switch k {
	case opOpen:
		return "open"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opClose:
		return "close"
	default:
		return "unknown"
	}
}

func direction(reading bool) opKind {
	if reading {
		return opRead
	}
	return opWrite
}

// Handle is an open connection to one remote object.
//
// Every field below mu is guarded by it.
// The session is only called with mu held, and the framework only with mu released.
type Handle struct {
	noCopy pragma.DoNotCopy

	d   *Driver
	log *logrus.Entry

	session    Session
	ownSession bool
	attr       *Attr
	url        string

	destroyed atomic.Bool

	mu sync.Mutex

	state   State
	pending pendingQueue
	pool    *requestorPool

	// reading is the direction of the current transfer,
	// pendingReading the direction of the queued batch.
	reading        bool
	pendingReading bool

	// partial is the requestor the open partial window was started for.
	partial *requestor

	xferDone    bool
	outstanding int

	offset    int64
	endOffset int64
	size      int64
}

// Stats is a snapshot of a handle's state.
type Stats struct {
	State       State
	Outstanding int
	Pending     int
	InUse       int
	Offset      int64
	EndOffset   int64
	Size        int64
}

// Stats returns a snapshot of the handle's state.
func (h *Handle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Stats{
		State:       h.state,
		Outstanding: h.outstanding,
		Pending:     h.pending.len(),
		InUse:       h.pool.inUse(),
		Offset:      h.offset,
		EndOffset:   h.endOffset,
		Size:        h.size,
	}
}

// URL returns the URL handed to the session.
func (h *Handle) URL() string {
	return h.url
}

// Size returns the size of the remote object as last known to the handle,
// or -1 if the object did not exist at open and nothing has been written since.
func (h *Handle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.size
}

// PartialTransfer reports whether the handle maps each read and write to its own transfer.
func (h *Handle) PartialTransfer() bool {
	return h.attr.partial
}

// completion is a framework call deferred until the handle lock is released.
type completion struct {
	kind opKind
	op   Operation
	h    *Handle
	n    int
	err  error

	offset    int64
	setOffset bool
}

type errorInfo struct {
	op  Operation
	err error
}

// actions collects everything decided under the lock that must be performed after unlocking it.
type actions struct {
	destroy     bool
	completions []completion

	failed        []errorInfo
	failedReading bool
	drainErr      error
}

func (a *actions) complete(c completion) {
	a.completions = append(a.completions, c)
}

func (a *actions) fail(op Operation, err error) {
	a.failed = append(a.failed, errorInfo{op: op, err: err})
}

// invariant logs and panics: the handle is inconsistent, and continuing would corrupt it further.
func (h *Handle) invariant(format string, args ...interface{}) {
	h.log.Panicf(format, args...)
}

func (h *Handle) setState(to State) {
	if h.state == to {
		return
	}

	h.log.WithFields(logrus.Fields{
		"from": h.state,
		"to":   to,
	}).Debug("state change")
	h.d.metrics.ObserveTransition(h.state, to)

	h.state = to
}

func (h *Handle) addOutstanding(delta int) {
	h.outstanding += delta
	if h.outstanding < 0 {
		h.invariant("outstanding io count went negative: %d", h.outstanding)
	}
	h.d.metrics.AddOutstanding(delta)
}

// quiescent reports whether the transfer is finished and nothing is registered against it.
func (h *Handle) quiescent() bool {
	return h.outstanding == 0 && h.xferDone
}

// release returns r to the pool.
func (h *Handle) release(r *requestor) {
	if h.partial == r {
		h.partial = nil
	}
	h.pool.put(r)
}

// changeState advances the state machine as far as the current counters allow.
// It is called locked, whenever the outstanding count drops or the transfer reports done.
func (h *Handle) changeState(a *actions) {
	switch h.state {
	case StateNone, StateOpening, StateOpen:
		h.invariant("unexpected state in state update: %s", h.state)
	}

	for {
		from := h.state

		switch h.state {
		case StateIOPending:
			if h.outstanding == 0 {
				h.setState(StateIODone)
			}

		case StateIODone:
			if h.xferDone {
				h.setState(StateOpen)
			}

		case StateAbortPending:
			if h.quiescent() {
				h.setState(StateOpen)
			}

		case StateAbortPendingIOPending:
			if h.quiescent() {
				h.processPending(a)
			}

		case StateAbortPendingClosing:
			if h.quiescent() {
				h.setState(StateNone)

				r := h.pending.dequeue()
				if r == nil || !r.close || !h.pending.empty() {
					h.invariant("closing with a corrupt pending queue")
				}

				op := r.op
				h.release(r)

				a.destroy = true
				a.complete(completion{kind: opClose, op: op})
			}
		}

		if h.state == from {
			return
		}
	}
}

// processPending starts a new transfer for the queued batch, and registers every queued operation on it.
// Operations that cannot be started are collected into a, to be failed one by one.
func (h *Handle) processPending(a *actions) {
	h.setState(StateOpen)

	first := h.pending.peek()
	if first == nil {
		h.invariant("draining an empty pending queue")
	}

	reading := h.pendingReading
	a.failedReading = reading

	var err error
	if reading {
		err = h.startGet(first)
	} else {
		err = h.startPut(first)
	}

	if err != nil {
		for !h.pending.empty() {
			r := h.pending.dequeue()
			a.fail(r.op, err)
			h.release(r)
		}

		a.drainErr = ioError("IO failure on pending op(s)")
		return
	}

	for !h.pending.empty() {
		r := h.pending.dequeue()

		if reading {
			err = h.registerRead(r)
		} else {
			err = h.registerWrites(r)
		}

		if err != nil {
			a.fail(r.op, err)
			h.release(r)
			continue
		}

		h.addOutstanding(1)
	}

	if h.outstanding > 0 {
		h.setState(StateIOPending)
	} else {
		// The transfer was started, but nothing could be registered on it.
		h.partial = nil
		h.abortIO("pending registration failed")
		h.setState(StateAbortPending)
	}

	if len(a.failed) > 0 {
		a.drainErr = ioError("IO failure on pending op(s)")
	}
}

// perform carries out the deferred actions. It must be called unlocked.
func (h *Handle) perform(a *actions) {
	if a.destroy {
		if err := h.destroy(); err != nil {
			h.log.WithError(err).Warn("destroy handle")
		}
	}

	for _, c := range a.completions {
		h.finish(c)
	}

	if len(a.failed) > 0 {
		h.finishFailed(a)
	}
}

func (h *Handle) finish(c completion) {
	if c.setOffset {
		if err := c.op.SetOffset(c.offset); err != nil && (c.err == nil || isEOF(c.err)) {
			c.err = err
		}
	}

	h.d.metrics.ObserveOp(c.kind.String(), c.err)

	switch c.kind {
	case opOpen:
		c.op.FinishedOpen(c.h, c.err)
	case opRead:
		c.op.FinishedRead(c.n, c.err)
	case opWrite:
		c.op.FinishedWrite(c.n, c.err)
	case opClose:
		c.op.FinishedClose(c.err)
	}
}

// finishFailed delivers the failures collected while draining the pending queue.
// Each operation gets its own cause; the batch as a whole is reported once more for the log.
func (h *Handle) finishFailed(a *actions) {
	kind := direction(a.failedReading)

	for _, f := range a.failed {
		f.op.DisableCancel()
		h.finish(completion{kind: kind, op: f.op, err: f.err})
	}

	h.d.metrics.ObservePendingFailures(len(a.failed))
	h.log.WithError(a.drainErr).WithField("count", len(a.failed)).Warn("pending operations failed")
}

// destroy releases the session state held by the handle. It is called exactly once.
func (h *Handle) destroy() error {
	if !h.destroyed.CompareAndSwap(false, true) {
		h.invariant("handle destroyed twice")
	}

	h.d.metrics.AddHandles(-1)
	h.log.Debug("destroy")

	var firstErr error

	if err := h.session.FlushURLState(h.url); err != nil {
		firstErr = wrapSession("flush url state", err)
	}

	if h.ownSession {
		if err := h.session.Close(); err != nil && firstErr == nil {
			firstErr = wrapSession("close session", err)
		}
	}

	return firstErr
}
