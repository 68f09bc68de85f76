package gridftp

import (
	"github.com/pkg/errors"
)

// Command is a control command understood by Handle.Control.
type Command int

// Control commands.
const (
	// CmdSeek moves the cursor to an absolute offset. Its argument is an int64.
	CmdSeek Command = iota + 1
)

func (c Command) String() string {
	switch c {
	case CmdSeek:
		return "seek"
	default:
		return "unknown"
	}
}

// Control runs cmd against the handle, and returns when it is done.
func (h *Handle) Control(cmd Command, arg interface{}) error {
	switch cmd {
	case CmdSeek:
		offset, ok := arg.(int64)
		if !ok {
			return errors.Wrapf(ErrParameter, "seek offset must be an int64, got %T", arg)
		}
		return h.Seek(offset)

	default:
		return errors.Wrapf(ErrInvalidCommand, "command %d", int(cmd))
	}
}

// Seek moves the cursor to offset, measured from the start of the remote object.
//
// Seeking is refused while reads or writes are registered,
// and, in partial transfer mode, until the current window has reported done.
// Seeking away from a finished but undrained whole-object transfer aborts it.
func (h *Handle) Seek(offset int64) error {
	if offset < 0 {
		return errors.Wrapf(ErrParameter, "negative seek offset: %d", offset)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateIOPending {
		return ErrSeek
	}

	if h.offset == offset {
		return nil
	}

	switch h.state {
	case StateIODone:
		if h.attr.partial {
			return ErrSeek
		}

		h.abortIO("seek")
		h.setState(StateAbortPending)
		h.offset = offset

	case StateOpen, StateAbortPending, StateAbortPendingIOPending:
		h.offset = offset

	default:
		return ErrSeek
	}

	h.log.WithField("offset", offset).Debug("seek")
	return nil
}
