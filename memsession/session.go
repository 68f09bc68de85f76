// Package memsession is a gridftp.Session over an in-memory Store.
//
// Completions are delivered from goroutines, never from inside the call that registered them,
// the same as a network session would. Delivery can be held back and released,
// and any call can be made to fail, which lets tests drive every interleaving of the driver.
package memsession

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pkg/gridftp"
	"github.com/pkg/gridftp/internal/sync"
)

// ErrAborted is reported to everything that was outstanding on an aborted transfer.
var ErrAborted = errors.New("memsession: transfer aborted")

// Hook is consulted before every call named by call, and fails it by returning an error.
//
// Calls made by the driver are named "size", "get", "partial get", "put", "partial put",
// "register read", "register write", "abort", "cache url state" and "flush url state".
// Data delivery is named "read data" and "write data": failing it fails that one read or write.
type Hook func(call string) error

// Option specifies an option that can be set on a Session.
type Option func(*Session) error

// WithHook installs a fault-injection hook.
func WithHook(h Hook) Option {
	return func(s *Session) error {
		s.hook = h
		return nil
	}
}

// WithReadChunk limits every read to at most n bytes, to exercise short reads.
func WithReadChunk(n int) Option {
	return func(s *Session) error {
		if n < 1 {
			return errors.Errorf("read chunk cannot be less than 1, was: %d", n)
		}

		s.chunk = n
		return nil
	}
}

// WithLogger sets the logger the session logs to.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Session) error {
		s.log = l.WithField("component", "memsession")
		return nil
	}
}

// Session is a gridftp.Session over a Store.
type Session struct {
	store *Store
	hook  Hook
	chunk int
	log   *logrus.Entry

	mu     sync.Mutex
	cond   *sync.Cond
	held   bool
	closed bool
	xfer   *transfer
	size   *sizeQuery
	cached map[string]int
	stats  Stats
}

// Stats counts the calls a session has served.
type Stats struct {
	Transfers int
	Reads     int
	Writes    int
	Aborts    int
}

type sizeQuery struct {
	aborted bool
}

type request struct {
	buf    []byte
	offset int64
	eof    bool
	done   gridftp.DataFunc
}

type transfer struct {
	reading bool
	obj     *object
	start   int64
	end     int64
	done    gridftp.TransferFunc

	queue   []*request
	aborted bool

	// Only touched by the transfer's own goroutine.
	pos     int64
	written int64
	eofSeen bool
	forced  bool
}

// New returns a Session over store.
func New(store *Store, opts ...Option) (*Session, error) {
	s := &Session{
		store:  store,
		log:    logrus.StandardLogger().WithField("component", "memsession"),
		cached: make(map[string]int),
	}
	s.cond = sync.NewCond(&s.mu)

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Factory returns a gridftp.SessionFactory creating sessions over store.
func Factory(store *Store, opts ...Option) gridftp.SessionFactory {
	return func(*gridftp.ContactInfo, *gridftp.OperationAttr) (gridftp.Session, error) {
		return New(store, opts...)
	}
}

// Hold stops delivery of completions until Release is called.
// Aborts are still delivered.
func (s *Session) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held = true
}

// Release resumes delivery of completions.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held = false
	s.cond.Broadcast()
}

// Stats returns the calls served so far.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

// Cached returns how many times url is currently cached.
func (s *Session) Cached(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cached[url]
}

// Busy reports whether a transfer is in progress.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.xfer != nil
}

// check is called locked.
func (s *Session) check(call string) error {
	if s.closed {
		return errors.New("memsession: session closed")
	}

	if s.hook != nil {
		return s.hook(call)
	}

	return nil
}

// Size implements gridftp.Session.
func (s *Session) Size(url string, _ *gridftp.OperationAttr, done gridftp.SizeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("size"); err != nil {
		return err
	}

	path, err := pathOf(url)
	if err != nil {
		return err
	}

	q := new(sizeQuery)
	s.size = q

	go func() {
		s.mu.Lock()
		for s.held && !q.aborted {
			s.cond.Wait()
		}
		aborted := q.aborted
		if s.size == q {
			s.size = nil
		}
		s.mu.Unlock()

		if aborted {
			done(-1, ErrAborted)
			return
		}

		obj, ok := s.store.lookup(path)
		if !ok {
			done(-1, errors.Wrap(gridftp.ErrNotFound, path))
			return
		}

		done(obj.size(), nil)
	}()

	return nil
}

// Get implements gridftp.Session.
func (s *Session) Get(url string, _ *gridftp.OperationAttr, done gridftp.TransferFunc) error {
	return s.start("get", url, true, 0, -1, done)
}

// PartialGet implements gridftp.Session.
func (s *Session) PartialGet(url string, _ *gridftp.OperationAttr, start, end int64, done gridftp.TransferFunc) error {
	return s.start("partial get", url, true, start, end, done)
}

// Put implements gridftp.Session.
func (s *Session) Put(url string, _ *gridftp.OperationAttr, done gridftp.TransferFunc) error {
	return s.start("put", url, false, 0, -1, done)
}

// PartialPut implements gridftp.Session.
func (s *Session) PartialPut(url string, _ *gridftp.OperationAttr, start, end int64, done gridftp.TransferFunc) error {
	return s.start("partial put", url, false, start, end, done)
}

func (s *Session) start(call, url string, reading bool, start, end int64, done gridftp.TransferFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(call); err != nil {
		return err
	}

	if s.xfer != nil {
		return errors.New("memsession: transfer already in progress")
	}

	if start < 0 || (end >= 0 && end < start) {
		return errors.Wrapf(gridftp.ErrParameter, "bad range [%d, %d)", start, end)
	}

	path, err := pathOf(url)
	if err != nil {
		return err
	}

	t := &transfer{
		reading: reading,
		start:   start,
		end:     end,
		pos:     start,
		done:    done,
	}

	if reading {
		obj, ok := s.store.lookup(path)
		if !ok {
			return errors.Wrap(gridftp.ErrNotFound, path)
		}
		t.obj = obj
	} else {
		// A whole-object PUT replaces the object, a partial one writes into it.
		t.obj = s.store.create(path, call == "put")
	}

	s.xfer = t
	s.stats.Transfers++

	s.log.WithFields(logrus.Fields{
		"call":  call,
		"path":  path,
		"start": start,
		"end":   end,
	}).Debug("transfer started")

	go s.run(t)
	return nil
}

// RegisterRead implements gridftp.Session.
func (s *Session) RegisterRead(buf []byte, done gridftp.DataFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("register read"); err != nil {
		return err
	}

	t := s.xfer
	if t == nil || !t.reading {
		return errors.New("memsession: no get in progress")
	}

	t.queue = append(t.queue, &request{buf: buf, done: done})
	s.stats.Reads++
	s.cond.Broadcast()
	return nil
}

// RegisterWrite implements gridftp.Session.
//
// A zero-length write carrying eof ends the PUT as soon as the writes before it are done.
func (s *Session) RegisterWrite(buf []byte, offset int64, eof bool, done gridftp.DataFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("register write"); err != nil {
		return err
	}

	t := s.xfer
	if t == nil || t.reading {
		return errors.New("memsession: no put in progress")
	}

	if offset < 0 {
		return errors.Wrapf(gridftp.ErrParameter, "negative write offset: %d", offset)
	}

	t.queue = append(t.queue, &request{buf: buf, offset: offset, eof: eof, done: done})
	s.stats.Writes++
	s.cond.Broadcast()
	return nil
}

// Abort implements gridftp.Session.
// Everything outstanding on the current transfer completes with ErrAborted,
// as does a size query in progress.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("abort"); err != nil {
		return err
	}

	s.abortLocked()
	return nil
}

func (s *Session) abortLocked() {
	if s.size != nil {
		s.size.aborted = true
	}

	if s.xfer != nil {
		s.xfer.aborted = true
		s.stats.Aborts++
	}

	s.cond.Broadcast()
}

// CacheURLState implements gridftp.Session.
func (s *Session) CacheURLState(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("cache url state"); err != nil {
		return err
	}

	s.cached[url]++
	return nil
}

// FlushURLState implements gridftp.Session.
func (s *Session) FlushURLState(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("flush url state"); err != nil {
		return err
	}

	if s.cached[url] == 0 {
		return errors.Errorf("memsession: url state not cached: %s", url)
	}

	s.cached[url]--
	if s.cached[url] == 0 {
		delete(s.cached, url)
	}
	return nil
}

// Close implements gridftp.Session. A transfer still in progress is aborted.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("memsession: session already closed")
	}

	s.abortLocked()
	s.closed = true
	return nil
}

// complete reports whether t has nothing left to do, once its queue is empty.
func (t *transfer) complete() bool {
	if !t.eofSeen {
		return false
	}

	if t.reading || t.forced || t.end < 0 {
		return true
	}

	return t.written >= t.end-t.start
}

// run serves t's requests in order, and reports t done once it completes or is aborted.
// Completions are called without the session lock held.
func (s *Session) run(t *transfer) {
	s.mu.Lock()

	for {
		for !t.aborted && (s.held || (len(t.queue) == 0 && !t.complete())) {
			s.cond.Wait()
		}

		if t.aborted {
			queue := t.queue
			t.queue = nil
			if s.xfer == t {
				s.xfer = nil
			}
			s.mu.Unlock()

			for _, r := range queue {
				r.done(r.buf, 0, r.offset, false, ErrAborted)
			}
			t.done(ErrAborted)
			return
		}

		if len(t.queue) == 0 {
			s.xfer = nil
			s.mu.Unlock()

			t.done(nil)
			return
		}

		r := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]

		var err error
		if t.reading {
			err = s.check("read data")
		} else {
			err = s.check("write data")
		}
		s.mu.Unlock()

		if t.reading {
			s.serveRead(t, r, err)
		} else {
			s.serveWrite(t, r, err)
		}

		s.mu.Lock()
	}
}

func (s *Session) serveRead(t *transfer, r *request, err error) {
	if err != nil {
		r.done(r.buf, 0, t.pos, false, err)
		return
	}

	// The window of a partial get is always read whole.
	buf := r.buf
	if s.chunk > 0 && t.end < 0 && len(buf) > s.chunk {
		buf = buf[:s.chunk]
	}

	off := t.pos
	n, limit := t.obj.readAt(buf, off, t.end)
	t.pos += int64(n)

	eof := t.pos >= limit
	if eof {
		t.eofSeen = true
	}

	r.done(r.buf, n, off, eof, nil)
}

func (s *Session) serveWrite(t *transfer, r *request, err error) {
	if err != nil {
		r.done(r.buf, 0, r.offset, r.eof, err)
		return
	}

	if len(r.buf) > 0 {
		t.obj.writeAt(r.buf, r.offset)
		t.written += int64(len(r.buf))
	}

	if r.eof {
		t.eofSeen = true
		if len(r.buf) == 0 {
			t.forced = true
		}
	}

	r.done(r.buf, len(r.buf), r.offset, r.eof, nil)
}
