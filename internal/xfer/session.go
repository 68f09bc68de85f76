package xfer

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pkg/gridftp"
	"github.com/pkg/gridftp/internal/sync"
)

// Conn is the server side of a Session.
//
// Get and Put are called with locks held, and must not block:
// the returned Backend connects on first use.
type Conn interface {
	Size(url string) (int64, error)
	Get(url string, start, end int64) (Backend, error)
	Put(url string, start, end int64, truncate bool) (Backend, error)
	Close() error
}

// Session is a gridftp.Session running one transfer at a time over a Conn.
type Session struct {
	conn Conn
	log  *logrus.Entry

	mu     sync.Mutex
	closed bool
	cur    *Transfer
	size   *sizeQuery
	cached map[string]int
}

type sizeQuery struct {
	aborted bool
}

// NewSession returns a Session over conn.
func NewSession(conn Conn, log *logrus.Entry) *Session {
	return &Session{
		conn:   conn,
		log:    log,
		cached: make(map[string]int),
	}
}

func (s *Session) checkOpen() error {
	if s.closed {
		return errors.New("session closed")
	}
	return nil
}

// Size implements gridftp.Session.
// The query cannot be interrupted; an aborted query still runs, and then reports ErrAborted.
func (s *Session) Size(url string, _ *gridftp.OperationAttr, done gridftp.SizeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	q := new(sizeQuery)
	s.size = q

	go func() {
		size, err := s.conn.Size(url)

		s.mu.Lock()
		aborted := q.aborted
		if s.size == q {
			s.size = nil
		}
		s.mu.Unlock()

		if aborted {
			done(-1, ErrAborted)
			return
		}

		done(size, err)
	}()

	return nil
}

// Get implements gridftp.Session.
func (s *Session) Get(url string, _ *gridftp.OperationAttr, done gridftp.TransferFunc) error {
	return s.start(url, true, 0, -1, false, done)
}

// PartialGet implements gridftp.Session.
func (s *Session) PartialGet(url string, _ *gridftp.OperationAttr, start, end int64, done gridftp.TransferFunc) error {
	return s.start(url, true, start, end, false, done)
}

// Put implements gridftp.Session.
func (s *Session) Put(url string, _ *gridftp.OperationAttr, done gridftp.TransferFunc) error {
	return s.start(url, false, 0, -1, true, done)
}

// PartialPut implements gridftp.Session.
func (s *Session) PartialPut(url string, _ *gridftp.OperationAttr, start, end int64, done gridftp.TransferFunc) error {
	return s.start(url, false, start, end, false, done)
}

func (s *Session) start(url string, reading bool, start, end int64, truncate bool, done gridftp.TransferFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	if s.cur != nil {
		return errors.New("transfer already in progress")
	}

	if start < 0 || (end >= 0 && end < start) {
		return errors.Wrapf(gridftp.ErrParameter, "bad range [%d, %d)", start, end)
	}

	var (
		b   Backend
		err error
	)
	if reading {
		b, err = s.conn.Get(url, start, end)
	} else {
		b, err = s.conn.Put(url, start, end, truncate)
	}
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"reading": reading,
		"start":   start,
		"end":     end,
	}).Debug("transfer started")

	s.cur = Start(b, reading, start, end, done, s.ended)
	return nil
}

func (s *Session) ended(t *Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur == t {
		s.cur = nil
	}
}

// RegisterRead implements gridftp.Session.
func (s *Session) RegisterRead(buf []byte, done gridftp.DataFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	if s.cur == nil {
		return errors.New("no transfer in progress")
	}

	return s.cur.RegisterRead(buf, done)
}

// RegisterWrite implements gridftp.Session.
func (s *Session) RegisterWrite(buf []byte, offset int64, eof bool, done gridftp.DataFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	if s.cur == nil {
		return errors.New("no transfer in progress")
	}

	return s.cur.RegisterWrite(buf, offset, eof, done)
}

// Abort implements gridftp.Session.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	s.abortLocked()
	return nil
}

func (s *Session) abortLocked() {
	if s.size != nil {
		s.size.aborted = true
	}

	if s.cur != nil {
		s.cur.Abort()
	}
}

// CacheURLState implements gridftp.Session.
func (s *Session) CacheURLState(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	s.cached[url]++
	return nil
}

// FlushURLState implements gridftp.Session.
func (s *Session) FlushURLState(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	if s.cached[url] == 0 {
		return errors.Errorf("url state not cached: %s", url)
	}

	if s.cached[url]--; s.cached[url] == 0 {
		delete(s.cached, url)
	}
	return nil
}

// Close implements gridftp.Session. A transfer in progress is aborted first.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session already closed")
	}
	s.closed = true
	s.abortLocked()
	s.mu.Unlock()

	return s.conn.Close()
}
