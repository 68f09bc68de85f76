package gridftp

// CancelFunc is invoked by an Operation when it is canceled.
// It runs with the operation's cancellation lock held.
type CancelFunc func()

// Operation is the unit of work handed to the driver by the I/O framework.
// Each Operation is completed exactly once through one of the Finished methods.
// Operations are compared by identity, so implementations should be pointers.
//
// EnableCancel registers cb to be run if the operation is canceled.
// It returns true if the operation was already canceled, in which case cb is not registered.
// DisableCancel unregisters the callback,
// blocking until any cancellation callback already running for this operation has returned.
//
// Offset returns the explicit byte offset requested for the operation, or -1 if none was given.
// SetOffset records the byte offset that the completed operation observed.
type Operation interface {
	EnableCancel(cb CancelFunc) (canceled bool)
	DisableCancel()
	IsCanceled() bool

	WaitFor() int
	EOFReceived() bool

	Offset() int64
	SetOffset(offset int64) error

	FinishedOpen(h *Handle, err error)
	FinishedRead(n int, err error)
	FinishedWrite(n int, err error)
	FinishedClose(err error)
}
