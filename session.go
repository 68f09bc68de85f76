package gridftp

// TransferFunc is called exactly once when a logical transfer (a GET or PUT) finishes,
// or when a size query completes.
type TransferFunc func(err error)

// SizeFunc is called exactly once with the result of a size query.
type SizeFunc func(size int64, err error)

// DataFunc is called exactly once for every successful RegisterRead or RegisterWrite.
//
// For reads, n is the number of bytes placed into buf, and offset is the position in the
// remote object at which they start.
// eof reports that the session has no further data for the current transfer.
type DataFunc func(buf []byte, n int, offset int64, eof bool, err error)

// Session is the asynchronous transfer client the driver is layered on.
//
// Every method either returns an error synchronously, or schedules exactly one callback.
// The driver calls every method with its handle lock held;
// an implementation must therefore never invoke a callback from within the call itself.
//
// Abort interrupts the current transfer,
// and guarantees that every outstanding read and write callback is eventually delivered.
type Session interface {
	Size(url string, opts *OperationAttr, done SizeFunc) error

	Get(url string, opts *OperationAttr, done TransferFunc) error
	PartialGet(url string, opts *OperationAttr, start, end int64, done TransferFunc) error
	Put(url string, opts *OperationAttr, done TransferFunc) error
	PartialPut(url string, opts *OperationAttr, start, end int64, done TransferFunc) error

	RegisterRead(buf []byte, done DataFunc) error
	RegisterWrite(buf []byte, offset int64, eof bool, done DataFunc) error

	Abort() error

	CacheURLState(url string) error
	FlushURLState(url string) error

	// Close releases the session.
	// The driver only calls Close on sessions it created itself.
	Close() error
}
