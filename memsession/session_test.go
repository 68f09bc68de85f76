package memsession

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/gridftp"
)

const testURL = "mem://store/data/file"

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

func xferChan() (gridftp.TransferFunc, <-chan error) {
	ch := make(chan error, 1)
	return func(err error) { ch <- err }, ch
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

func newTestSession(t *testing.T, store *Store, opts ...Option) *Session {
	t.Helper()

	s, err := New(store, opts...)
	require.NoError(t, err)
	return s
}

func TestSize(t *testing.T) {
	store := NewStore()
	store.Put("/data/file", []byte("0123456789"))
	s := newTestSession(t, store)

	type sizeResult struct {
		size int64
		err  error
	}
	ch := make(chan sizeResult, 1)
	done := func(size int64, err error) { ch <- sizeResult{size, err} }

	require.NoError(t, s.Size(testURL, nil, done))
	res := recv(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, int64(10), res.size)

	require.NoError(t, s.Size("mem://store/missing", nil, done))
	res = recv(t, ch)
	assert.True(t, gridftp.IsNotFound(res.err))
	assert.Equal(t, int64(-1), res.size)
}

func TestSizeAborted(t *testing.T) {
	store := NewStore()
	store.Put("/data/file", nil)
	s := newTestSession(t, store)

	ch := make(chan error, 1)
	s.Hold()
	require.NoError(t, s.Size(testURL, nil, func(_ int64, err error) { ch <- err }))
	require.NoError(t, s.Abort())

	assert.Equal(t, ErrAborted, recv(t, ch))
}

func TestGet(t *testing.T) {
	store := NewStore()
	store.Put("/data/file", []byte("hello, world"))
	s := newTestSession(t, store, WithReadChunk(5))

	xferDone, xferCh := xferChan()
	require.NoError(t, s.Get(testURL, nil, xferDone))
	assert.True(t, s.Busy())

	var got []byte
	for {
		buf := make([]byte, 8)
		done, ch := dataChan()
		require.NoError(t, s.RegisterRead(buf, done))

		res := recv(t, ch)
		require.NoError(t, res.err)
		assert.Equal(t, int64(len(got)), res.offset)
		assert.LessOrEqual(t, res.n, 5)
		got = append(got, buf[:res.n]...)

		if res.eof {
			break
		}
	}

	assert.Equal(t, "hello, world", string(got))
	assert.NoError(t, recv(t, xferCh))
	assert.False(t, s.Busy())
	assert.Equal(t, Stats{Transfers: 1, Reads: 3}, s.Stats())
}

func TestPartialGet(t *testing.T) {
	store := NewStore()
	store.Put("/data/file", []byte("0123456789"))
	s := newTestSession(t, store, WithReadChunk(1))

	xferDone, xferCh := xferChan()
	require.NoError(t, s.PartialGet(testURL, nil, 2, 6, xferDone))

	buf := make([]byte, 4)
	done, ch := dataChan()
	require.NoError(t, s.RegisterRead(buf, done))

	res := recv(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, dataResult{n: 4, offset: 2, eof: true}, res)
	assert.Equal(t, "2345", string(buf))
	assert.NoError(t, recv(t, xferCh))
}

func TestStartErrors(t *testing.T) {
	store := NewStore()
	store.Put("/data/file", nil)
	s := newTestSession(t, store)

	err := s.Get("mem://store/missing", nil, func(error) {})
	assert.True(t, gridftp.IsNotFound(err))

	err = s.PartialGet(testURL, nil, 5, 2, func(error) {})
	assert.True(t, errors.Is(err, gridftp.ErrParameter))

	s.Hold()
	require.NoError(t, s.Get(testURL, nil, func(error) {}))
	assert.Error(t, s.Put(testURL, nil, func(error) {}), "one transfer at a time")

	done, _ := dataChan()
	assert.Error(t, s.RegisterWrite(nil, 0, true, done), "no put in progress")
}

func TestPut(t *testing.T) {
	store := NewStore()
	store.Put("/data/file", []byte("old content, longer"))
	s := newTestSession(t, store)

	xferDone, xferCh := xferChan()
	require.NoError(t, s.Put(testURL, nil, xferDone))

	d1, ch1 := dataChan()
	d2, ch2 := dataChan()
	d3, ch3 := dataChan()
	require.NoError(t, s.RegisterWrite([]byte("new "), 0, false, d1))
	require.NoError(t, s.RegisterWrite([]byte("data"), 4, false, d2))
	require.NoError(t, s.RegisterWrite(nil, 8, true, d3))

	assert.Equal(t, dataResult{n: 4, offset: 0}, recv(t, ch1))
	assert.Equal(t, dataResult{n: 4, offset: 4}, recv(t, ch2))
	assert.Equal(t, dataResult{offset: 8, eof: true}, recv(t, ch3))
	assert.NoError(t, recv(t, xferCh))

	data, ok := store.Get("/data/file")
	require.True(t, ok)
	assert.Equal(t, "new data", string(data))
}

func TestPartialPut(t *testing.T) {
	store := NewStore()
	store.Put("/data/file", []byte("0123456789"))
	s := newTestSession(t, store)

	xferDone, xferCh := xferChan()
	require.NoError(t, s.PartialPut(testURL, nil, 3, 6, xferDone))

	done, ch := dataChan()
	require.NoError(t, s.RegisterWrite([]byte("abc"), 3, true, done))
	assert.Equal(t, dataResult{n: 3, offset: 3, eof: true}, recv(t, ch))

	// The window is full, so the transfer completes on its own.
	assert.NoError(t, recv(t, xferCh))

	data, _ := store.Get("/data/file")
	assert.Equal(t, "012abc6789", string(data))
}

func TestAbort(t *testing.T) {
	store := NewStore()
	store.Put("/data/file", []byte("0123456789"))
	s := newTestSession(t, store)

	s.Hold()
	xferDone, xferCh := xferChan()
	require.NoError(t, s.Get(testURL, nil, xferDone))

	done, ch := dataChan()
	require.NoError(t, s.RegisterRead(make([]byte, 4), done))
	require.NoError(t, s.Abort())

	assert.Equal(t, ErrAborted, recv(t, ch).err)
	assert.Equal(t, ErrAborted, recv(t, xferCh))
	assert.Equal(t, 1, s.Stats().Aborts)

	require.Eventually(t, func() bool { return !s.Busy() }, 5*time.Second, time.Millisecond)
	assert.Error(t, s.RegisterRead(make([]byte, 4), done))
}

func TestHook(t *testing.T) {
	store := NewStore()
	store.Put("/data/file", []byte("0123456789"))

	failure := errors.New("451 local error")
	s := newTestSession(t, store, WithHook(func(call string) error {
		if call == "read data" {
			return failure
		}
		return nil
	}))

	xferDone, xferCh := xferChan()
	require.NoError(t, s.Get(testURL, nil, xferDone))

	done, ch := dataChan()
	require.NoError(t, s.RegisterRead(make([]byte, 4), done))
	assert.Equal(t, failure, recv(t, ch).err)

	// A failed read leaves the transfer running until it is aborted.
	require.NoError(t, s.Abort())
	assert.Equal(t, ErrAborted, recv(t, xferCh))
}

func TestURLCache(t *testing.T) {
	s := newTestSession(t, NewStore())

	assert.Error(t, s.FlushURLState(testURL))

	require.NoError(t, s.CacheURLState(testURL))
	require.NoError(t, s.CacheURLState(testURL))
	assert.Equal(t, 2, s.Cached(testURL))

	require.NoError(t, s.FlushURLState(testURL))
	require.NoError(t, s.FlushURLState(testURL))
	assert.Zero(t, s.Cached(testURL))

	require.NoError(t, s.Close())
	assert.Error(t, s.Close())
	assert.Error(t, s.CacheURLState(testURL), "closed sessions refuse every call")
}

func TestOptions(t *testing.T) {
	_, err := New(NewStore(), WithReadChunk(0))
	assert.Error(t, err)
}
