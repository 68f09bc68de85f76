package gridftp

import (
	"io"

	"github.com/pkg/errors"
)

type xferErr uint32

// Error codes reported by the driver. They are compared with errors.Is,
// or errors.Cause when the error has been wrapped with additional context.
const (
	ErrIO = xferErr(iota + 1)
	ErrSeek
	ErrOutstandingRead
	ErrOutstandingWrite
	ErrPendingRead
	ErrPendingWrite
	ErrOutstandingPartialXfer
	ErrCanceled
	ErrParameter
	ErrInvalidCommand
)

func (e xferErr) Error() string {
	switch e {
	case ErrIO:
		return "IO error"
	case ErrSeek:
		return "seek error: operation is outstanding"
	case ErrOutstandingRead:
		return "read is outstanding"
	case ErrOutstandingWrite:
		return "write is outstanding"
	case ErrPendingRead:
		return "read pending"
	case ErrPendingWrite:
		return "write pending"
	case ErrOutstandingPartialXfer:
		return "a partial transfer is outstanding"
	case ErrCanceled:
		return "operation was canceled"
	case ErrParameter:
		return "bad parameter"
	case ErrInvalidCommand:
		return "invalid command"
	default:
		return "failure"
	}
}

// ErrNotFound is wrapped by session implementations when the remote object does not exist.
// Open tolerates it, so that a handle can be opened on a file that is about to be created.
var ErrNotFound = errors.New("remote object not found")

// IsNotFound reports whether err was caused by a missing remote object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func isCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// ioError builds an ErrIO carrying reason.
func ioError(reason string) error {
	return errors.Wrap(ErrIO, reason)
}

// wrapSession wraps a failure reported by the session client.
// io.EOF is passed through unchanged, it is a status rather than a failure.
func wrapSession(call string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	return errors.Wrapf(err, "gridftp: %s", call)
}
