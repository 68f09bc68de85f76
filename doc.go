// Package gridftp presents a remote GridFTP or FTP object as a seekable byte stream.
//
// A Handle drives whole-object or byte-range GET and PUT transfers through an asynchronous Session,
// issuing one registered read or write per user operation.
// Operations are completed through callbacks on the Operation they were started with,
// never on the calling goroutine's stack.
//
// Reads and writes arriving while a transfer is being aborted are queued,
// and started together as a new transfer once the abort has drained.
// Only one direction may be in flight or queued at a time.
//
// In partial transfer mode every read and write is its own bounded transfer,
// and a new one may only start once the previous one has reported done.
//
// The xio package provides Operation and an io.ReadWriteSeeker on top of a Handle.
package gridftp
