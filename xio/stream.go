package xio

import (
	"context"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/pkg/gridftp"
)

// Stream is a remote object opened through a gridftp.Driver,
// usable as an io.Reader, io.Writer, io.WriterAt, io.Seeker and io.Closer.
//
// Operations on a Stream are serialized: at most one is outstanding on the handle at a time.
type Stream struct {
	mu  sync.Mutex
	h   *gridftp.Handle
	eof atomic.Bool

	closed bool
}

// Open opens the object named by contact.
//
// If ctx is done before the open completes, the open is canceled,
// and Open still waits for the driver to acknowledge it.
func Open(ctx context.Context, d *gridftp.Driver, contact *gridftp.ContactInfo, attr *gridftp.Attr) (*Stream, error) {
	op := NewOperation()

	if err := d.Open(contact, attr, op); err != nil {
		return nil, errors.Wrap(err, "xio: open")
	}

	if err := wait(ctx, op); err != nil {
		return nil, errors.Wrap(err, "xio: open")
	}

	return &Stream{h: op.Handle()}, nil
}

// Handle returns the driver handle underneath s.
func (s *Stream) Handle() *gridftp.Handle {
	return s.h
}

// wait blocks until op completes, and returns its error.
// If ctx is done first, op is canceled, and wait still waits for its completion.
func wait(ctx context.Context, op *Operation) error {
	select {
	case <-op.Done():
	case <-ctx.Done():
		op.Cancel()
		<-op.Done()
	}

	_, err := op.Result()
	if err != nil && ctx.Err() != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(ctx.Err(), err.Error())
	}
	return err
}

// ReadContext reads up to len(b) bytes at the cursor.
// The end of the object is reported as io.EOF, possibly alongside the last bytes read.
func (s *Stream) ReadContext(ctx context.Context, b []byte) (int, error) {
	if s == nil {
		return 0, fs.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fs.ErrClosed
	}

	if len(b) == 0 {
		return 0, nil
	}

	op := NewOperation().trackingEOF(&s.eof)
	if err := s.h.Read([][]byte{b}, op); err != nil {
		return 0, err
	}

	err := wait(ctx, op)
	n, _ := op.Result()
	return n, err
}

// Read reads up to len(b) bytes from the Stream and stores them in b.
// It returns the number of bytes read and any error encountered.
// At end of file, Read returns 0, io.EOF.
func (s *Stream) Read(b []byte) (int, error) {
	n, err := s.ReadContext(context.Background(), b)

	if errors.Is(err, io.EOF) && n != 0 {
		return n, nil
	}

	return n, err
}

// Writev writes every buffer of bufs, back to back, at the cursor.
func (s *Stream) Writev(ctx context.Context, bufs [][]byte) (int, error) {
	return s.writev(ctx, bufs, -1)
}

// WriteContext writes b at the cursor.
func (s *Stream) WriteContext(ctx context.Context, b []byte) (int, error) {
	return s.writev(ctx, [][]byte{b}, -1)
}

// Write writes len(b) bytes from b at the cursor.
func (s *Stream) Write(b []byte) (int, error) {
	return s.writev(context.Background(), [][]byte{b}, -1)
}

// WriteAt writes len(b) bytes from b at off.
// The cursor moves to the end of the written data, unless it is already beyond it.
func (s *Stream) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Wrapf(gridftp.ErrParameter, "negative offset: %d", off)
	}

	return s.writev(context.Background(), [][]byte{b}, off)
}

func (s *Stream) writev(ctx context.Context, bufs [][]byte, off int64) (int, error) {
	if s == nil {
		return 0, fs.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fs.ErrClosed
	}

	op := NewOperation().At(off)
	if err := s.h.Write(bufs, op); err != nil {
		return 0, err
	}

	err := wait(ctx, op)
	n, _ := op.Result()
	if err != nil {
		n = 0
	}
	return n, err
}

// Seek sets the cursor for the next Read or Write to offset, interpreted according to whence.
// io.SeekEnd is relative to the size of the object as last known to the handle.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s == nil {
		return 0, fs.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fs.ErrClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.h.Stats().Offset + offset
	case io.SeekEnd:
		size := s.h.Size()
		if size < 0 {
			size = 0
		}
		abs = size + offset
	default:
		return 0, errors.Wrapf(gridftp.ErrParameter, "invalid whence: %d", whence)
	}

	if abs < 0 {
		return 0, errors.Wrapf(gridftp.ErrParameter, "negative position: %d", abs)
	}

	if err := s.h.Control(gridftp.CmdSeek, abs); err != nil {
		return 0, err
	}

	s.eof.Store(false)
	return abs, nil
}

// CloseContext closes the stream, interrupting any unfinished transfer.
func (s *Stream) CloseContext(ctx context.Context) error {
	if s == nil {
		return fs.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fs.ErrClosed
	}
	s.closed = true

	op := NewOperation()
	if err := s.h.Close(op); err != nil {
		return err
	}

	return wait(ctx, op)
}

// Close closes the stream.
func (s *Stream) Close() error {
	return s.CloseContext(context.Background())
}
