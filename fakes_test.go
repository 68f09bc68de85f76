package gridftp

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// scriptedSession records every call, and holds on to every callback
// until the test delivers it.
type scriptedSession struct {
	calls  []string
	failOn func(call string) error

	sizeDone func(int64, error)
	xferDone []TransferFunc
	starts   []transferStart
	reads    []dataCall
	writes   []dataCall

	aborts int
	cached map[string]int
	closed bool
}

type transferStart struct {
	call       string
	start, end int64
}

type dataCall struct {
	buf    []byte
	offset int64
	eof    bool
	done   DataFunc
}

func newScriptedSession() *scriptedSession {
	return &scriptedSession{
		cached: make(map[string]int),
	}
}

func (s *scriptedSession) call(name string) error {
	s.calls = append(s.calls, name)
	if s.failOn != nil {
		return s.failOn(name)
	}
	return nil
}

func (s *scriptedSession) Size(url string, _ *OperationAttr, done SizeFunc) error {
	if err := s.call("size"); err != nil {
		return err
	}
	s.sizeDone = done
	return nil
}

func (s *scriptedSession) start(call string, start, end int64, done TransferFunc) error {
	if err := s.call(call); err != nil {
		return err
	}
	s.starts = append(s.starts, transferStart{call: call, start: start, end: end})
	s.xferDone = append(s.xferDone, done)
	return nil
}

func (s *scriptedSession) Get(url string, _ *OperationAttr, done TransferFunc) error {
	return s.start("get", 0, -1, done)
}

func (s *scriptedSession) PartialGet(url string, _ *OperationAttr, start, end int64, done TransferFunc) error {
	return s.start("partial get", start, end, done)
}

func (s *scriptedSession) Put(url string, _ *OperationAttr, done TransferFunc) error {
	return s.start("put", 0, -1, done)
}

func (s *scriptedSession) PartialPut(url string, _ *OperationAttr, start, end int64, done TransferFunc) error {
	return s.start("partial put", start, end, done)
}

func (s *scriptedSession) RegisterRead(buf []byte, done DataFunc) error {
	if err := s.call("register read"); err != nil {
		return err
	}
	s.reads = append(s.reads, dataCall{buf: buf, done: done})
	return nil
}

func (s *scriptedSession) RegisterWrite(buf []byte, offset int64, eof bool, done DataFunc) error {
	if err := s.call("register write"); err != nil {
		return err
	}
	s.writes = append(s.writes, dataCall{buf: buf, offset: offset, eof: eof, done: done})
	return nil
}

func (s *scriptedSession) Abort() error {
	if err := s.call("abort"); err != nil {
		return err
	}
	s.aborts++
	return nil
}

func (s *scriptedSession) CacheURLState(url string) error {
	if err := s.call("cache url state"); err != nil {
		return err
	}
	s.cached[url]++
	return nil
}

func (s *scriptedSession) FlushURLState(url string) error {
	if err := s.call("flush url state"); err != nil {
		return err
	}
	s.cached[url]--
	return nil
}

func (s *scriptedSession) Close() error {
	s.closed = true
	return nil
}

// deliverRead completes the i'th registered read.
func (s *scriptedSession) deliverRead(i, n int, offset int64, eof bool, err error) {
	r := s.reads[i]
	r.done(r.buf, n, offset, eof, err)
}

// deliverWrite completes the i'th registered write.
func (s *scriptedSession) deliverWrite(i int, err error) {
	w := s.writes[i]
	n := len(w.buf)
	if err != nil {
		n = 0
	}
	w.done(w.buf, n, w.offset, w.eof, err)
}

// finishTransfer reports the latest transfer done.
func (s *scriptedSession) finishTransfer(err error) {
	s.xferDone[len(s.xferDone)-1](err)
}

// testOp is an Operation completed and canceled by hand.
type testOp struct {
	waitFor     int
	offset      int64
	eofReceived bool

	canceled   bool
	cancelFn   CancelFunc
	lastCancel CancelFunc

	finished  int
	kind      opKind
	h         *Handle
	n         int
	err       error
	setOffset int64
}

func newTestOp() *testOp {
	return &testOp{
		waitFor:   1,
		offset:    -1,
		setOffset: -1,
	}
}

func (o *testOp) EnableCancel(cb CancelFunc) bool {
	if o.canceled {
		return true
	}
	o.cancelFn = cb
	o.lastCancel = cb
	return false
}

func (o *testOp) DisableCancel()    { o.cancelFn = nil }
func (o *testOp) IsCanceled() bool  { return o.canceled }
func (o *testOp) WaitFor() int      { return o.waitFor }
func (o *testOp) EOFReceived() bool { return o.eofReceived }
func (o *testOp) Offset() int64     { return o.offset }

func (o *testOp) SetOffset(offset int64) error {
	o.setOffset = offset
	return nil
}

func (o *testOp) cancel() {
	o.canceled = true
	if cb := o.cancelFn; cb != nil {
		cb()
	}
}

func (o *testOp) FinishedOpen(h *Handle, err error) { o.done(opOpen, h, 0, err) }
func (o *testOp) FinishedRead(n int, err error)     { o.done(opRead, nil, n, err) }
func (o *testOp) FinishedWrite(n int, err error)    { o.done(opWrite, nil, n, err) }
func (o *testOp) FinishedClose(err error)           { o.done(opClose, nil, 0, err) }

func (o *testOp) done(kind opKind, h *Handle, n int, err error) {
	o.finished++
	o.kind, o.h, o.n, o.err = kind, h, n, err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var testContact = &ContactInfo{
	Scheme:   "ftp",
	Host:     "example.org",
	Resource: "/data/file",
}

// openTestHandle opens a handle on a scripted session, and completes the open with size.
func openTestHandle(t *testing.T, size int64, opts ...AttrOption) (*Handle, *scriptedSession) {
	t.Helper()

	s := newScriptedSession()

	attr, err := NewAttr(append([]AttrOption{WithSession(s)}, opts...)...)
	require.NoError(t, err)

	d, err := NewDriver(nil, WithLogger(quietLogger()))
	require.NoError(t, err)

	op := newTestOp()
	require.NoError(t, d.Open(testContact, attr, op))

	if size < 0 {
		s.sizeDone(-1, errors.Wrap(ErrNotFound, "/data/file"))
	} else {
		s.sizeDone(size, nil)
	}

	require.Equal(t, 1, op.finished)
	require.NoError(t, op.err)
	require.NotNil(t, op.h)
	require.Equal(t, StateOpen, op.h.Stats().State)

	return op.h, s
}

// requireIdle checks that h holds nothing on behalf of any operation.
func requireIdle(t *testing.T, h *Handle) {
	t.Helper()

	st := h.Stats()
	require.Equal(t, StateOpen, st.State)
	require.Zero(t, st.Outstanding)
	require.Zero(t, st.Pending)
	require.Zero(t, st.InUse)
}
