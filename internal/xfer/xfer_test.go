package xfer

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/gridftp"
	"github.com/pkg/gridftp/internal/sync"
)

// memBackend serves a GET from data, or collects a PUT into it.
type memBackend struct {
	mu          sync.Mutex
	data        []byte
	pos         int
	chunk       int
	readErr     error
	block       chan struct{}
	started     chan struct{}
	finished    bool
	aborted     bool
	interrupted bool
}

func (b *memBackend) Read(buf []byte) (int, bool, error) {
	if b.block != nil {
		b.started <- struct{}{}
		<-b.block
	}
	if b.readErr != nil {
		return 0, false, b.readErr
	}

	if b.chunk > 0 && len(buf) > b.chunk {
		buf = buf[:b.chunk]
	}
	n := copy(buf, b.data[b.pos:])
	b.pos += n
	return n, b.pos == len(b.data), nil
}

func (b *memBackend) Write(buf []byte, offset int64) error {
	if need := int(offset) + len(buf); need > len(b.data) {
		b.data = append(b.data, make([]byte, need-len(b.data))...)
	}
	copy(b.data[offset:], buf)
	return nil
}

func (b *memBackend) Finish(aborted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.finished = true
	b.aborted = aborted
	return nil
}

func (b *memBackend) Interrupt() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.interrupted && b.block != nil {
		close(b.block)
	}
	b.interrupted = true
}

func (b *memBackend) state() (finished, aborted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.finished, b.aborted
}

type dataResult struct {
	n      int
	offset int64
	eof    bool
	err    error
}

func dataChan() (gridftp.DataFunc, <-chan dataResult) {
	ch := make(chan dataResult, 1)
	return func(_ []byte, n int, offset int64, eof bool, err error) {
		ch <- dataResult{n: n, offset: offset, eof: eof, err: err}
	}, ch
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a completion")
		panic("unreachable")
	}
}

func start(b Backend, reading bool, s, e int64) (*Transfer, <-chan error, <-chan *Transfer) {
	done := make(chan error, 1)
	ended := make(chan *Transfer, 1)
	t := Start(b, reading, s, e, func(err error) { done <- err }, func(t *Transfer) { ended <- t })
	return t, done, ended
}

func TestTransferRead(t *testing.T) {
	b := &memBackend{data: []byte("0123456789"), chunk: 4}
	tr, done, ended := start(b, true, 0, -1)
	assert.True(t, tr.Reading())

	var got bytes.Buffer
	for {
		buf := make([]byte, 8)
		cb, ch := dataChan()
		require.NoError(t, tr.RegisterRead(buf, cb))

		res := recv(t, ch)
		require.NoError(t, res.err)
		assert.Equal(t, int64(got.Len()), res.offset)
		got.Write(buf[:res.n])
		if res.eof {
			break
		}
	}

	assert.Equal(t, "0123456789", got.String())
	assert.NoError(t, recv(t, done))
	assert.Same(t, tr, recv(t, ended))

	finished, aborted := b.state()
	assert.True(t, finished)
	assert.False(t, aborted)

	cb, _ := dataChan()
	assert.Error(t, tr.RegisterWrite([]byte("x"), 0, false, cb))
}

func TestTransferWrite(t *testing.T) {
	b := new(memBackend)
	tr, done, _ := start(b, false, 0, -1)

	cb1, ch1 := dataChan()
	cb2, ch2 := dataChan()
	require.NoError(t, tr.RegisterWrite([]byte("world"), 6, false, cb1))
	require.NoError(t, tr.RegisterWrite([]byte("hello "), 0, true, cb2))

	assert.Equal(t, dataResult{n: 5, offset: 6}, recv(t, ch1))
	assert.Equal(t, dataResult{n: 6, eof: true}, recv(t, ch2))
	assert.NoError(t, recv(t, done))
	assert.Equal(t, "hello world", string(b.data))

	cb, _ := dataChan()
	assert.Error(t, tr.RegisterRead(make([]byte, 1), cb))
	assert.True(t, errors.Is(tr.RegisterWrite(nil, -1, true, cb), gridftp.ErrParameter))
}

func TestTransferWindowedWrite(t *testing.T) {
	b := new(memBackend)
	tr, done, _ := start(b, false, 0, 6)

	cb1, ch1 := dataChan()
	require.NoError(t, tr.RegisterWrite([]byte("abc"), 0, true, cb1))
	assert.NoError(t, recv(t, ch1).err)

	select {
	case <-done:
		t.Fatal("the window is not full yet")
	case <-time.After(20 * time.Millisecond):
	}

	cb2, ch2 := dataChan()
	require.NoError(t, tr.RegisterWrite([]byte("def"), 3, false, cb2))
	assert.NoError(t, recv(t, ch2).err)
	assert.NoError(t, recv(t, done))
}

func TestTransferReadFailure(t *testing.T) {
	failure := errors.New("426 connection closed")
	b := &memBackend{data: []byte("0123"), readErr: failure}
	tr, done, _ := start(b, true, 0, -1)

	cb, ch := dataChan()
	require.NoError(t, tr.RegisterRead(make([]byte, 4), cb))
	assert.Equal(t, failure, recv(t, ch).err)
	assert.Equal(t, failure, recv(t, done))

	_, aborted := b.state()
	assert.True(t, aborted, "a failed transfer is not committed")
}

func TestTransferAbort(t *testing.T) {
	b := &memBackend{
		data:    []byte("0123"),
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	tr, done, _ := start(b, true, 0, -1)

	cb1, ch1 := dataChan()
	cb2, ch2 := dataChan()
	require.NoError(t, tr.RegisterRead(make([]byte, 4), cb1))
	require.NoError(t, tr.RegisterRead(make([]byte, 4), cb2))
	recv(t, b.started)

	tr.Abort()
	tr.Abort()

	// The read in progress is unblocked and finishes, the queued one is aborted.
	assert.NoError(t, recv(t, ch1).err)
	assert.Equal(t, ErrAborted, recv(t, ch2).err)
	assert.Equal(t, ErrAborted, recv(t, done))

	cb, _ := dataChan()
	assert.Equal(t, ErrAborted, tr.RegisterRead(make([]byte, 1), cb))
}

// memConn is a Conn over a single object.
type memConn struct {
	data   []byte
	closed bool
}

func (c *memConn) Size(url string) (int64, error) {
	if url != "ftp://host/file" {
		return -1, gridftp.ErrNotFound
	}
	return int64(len(c.data)), nil
}

func (c *memConn) Get(_ string, start, end int64) (Backend, error) {
	if end < 0 {
		end = int64(len(c.data))
	}
	return &memBackend{data: c.data[start:end]}, nil
}

func (c *memConn) Put(string, int64, int64, bool) (Backend, error) {
	return new(memBackend), nil
}

func (c *memConn) Close() error {
	c.closed = true
	return nil
}

func newTestSession(conn Conn) *Session {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return NewSession(conn, logrus.NewEntry(l))
}

func TestSession(t *testing.T) {
	conn := &memConn{data: []byte("0123456789")}
	s := newTestSession(conn)

	sizes := make(chan int64, 1)
	require.NoError(t, s.Size("ftp://host/file", nil, func(size int64, err error) {
		assert.NoError(t, err)
		sizes <- size
	}))
	assert.Equal(t, int64(10), recv(t, sizes))

	cb, _ := dataChan()
	assert.Error(t, s.RegisterRead(make([]byte, 1), cb), "no transfer in progress")
	assert.True(t, errors.Is(s.PartialGet("ftp://host/file", nil, 4, 2, nil), gridftp.ErrParameter))

	done := make(chan error, 1)
	require.NoError(t, s.PartialGet("ftp://host/file", nil, 2, 5, func(err error) { done <- err }))
	assert.Error(t, s.Get("ftp://host/file", nil, func(error) {}), "one transfer at a time")

	buf := make([]byte, 3)
	cb, ch := dataChan()
	require.NoError(t, s.RegisterRead(buf, cb))
	assert.Equal(t, dataResult{n: 3, offset: 2, eof: true}, recv(t, ch))
	assert.Equal(t, "234", string(buf))
	assert.NoError(t, recv(t, done))

	require.NoError(t, s.Put("ftp://host/file", nil, func(err error) { done <- err }))
	require.NoError(t, s.Abort())
	assert.Equal(t, ErrAborted, recv(t, done))

	require.NoError(t, s.Close())
	assert.True(t, conn.closed)
	assert.Error(t, s.Close())
	assert.Error(t, s.CacheURLState("ftp://host/file"))
}

func TestSessionURLCache(t *testing.T) {
	s := newTestSession(new(memConn))

	assert.Error(t, s.FlushURLState("ftp://host/file"))
	require.NoError(t, s.CacheURLState("ftp://host/file"))
	require.NoError(t, s.FlushURLState("ftp://host/file"))
	assert.Error(t, s.FlushURLState("ftp://host/file"))
}
