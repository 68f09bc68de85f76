// Package ftpsession is a gridftp.Session speaking plain FTP.
//
// Plain FTP has stream mode only, on a single data connection, without data channel security:
// parallelism, TCP buffer, DCAU and protection settings are accepted and ignored.
package ftpsession

import (
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pkg/gridftp"
	"github.com/pkg/gridftp/internal/xfer"
)

// DefaultPort is the FTP control port used when the contact names none.
const DefaultPort = 21

// Option specifies an option that can be set when creating a session.
type Option func(*config) error

type config struct {
	timeout time.Duration
	log     *logrus.Entry
}

// WithTimeout bounds dialing the control connection.
func WithTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errors.Errorf("timeout must be positive, was: %s", d)
		}

		c.timeout = d
		return nil
	}
}

// WithLogger sets the logger sessions log to.
func WithLogger(l *logrus.Logger) Option {
	return func(c *config) error {
		c.log = l.WithField("component", "ftpsession")
		return nil
	}
}

// Factory returns a gridftp.SessionFactory dialing the server named by each contact.
func Factory(opts ...Option) gridftp.SessionFactory {
	return func(contact *gridftp.ContactInfo, attr *gridftp.OperationAttr) (gridftp.Session, error) {
		return New(contact, attr, opts...)
	}
}

// New dials and logs in to the server named by contact.
//
// The authorization in attr is used if it names a user, then that of contact,
// and otherwise the login is anonymous.
func New(contact *gridftp.ContactInfo, attr *gridftp.OperationAttr, opts ...Option) (*xfer.Session, error) {
	cfg := config{
		timeout: 30 * time.Second,
		log:     logrus.StandardLogger().WithField("component", "ftpsession"),
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	port := DefaultPort
	if contact.Port != "" {
		p, err := strconv.Atoi(contact.Port)
		if err != nil {
			return nil, errors.Wrapf(gridftp.ErrParameter, "port %q", contact.Port)
		}
		port = p
	}
	addr := net.JoinHostPort(contact.Host, strconv.Itoa(port))

	sc, err := ftp.Dial(addr, ftp.DialWithTimeout(cfg.timeout))
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	user, pass := "anonymous", "anonymous"
	switch {
	case attr != nil && attr.Auth.User != "":
		user, pass = attr.Auth.User, attr.Auth.Password
	case contact.User != "":
		user, pass = contact.User, contact.Pass
	}

	if err := sc.Login(user, pass); err != nil {
		_ = sc.Quit()
		return nil, errors.Wrapf(err, "login %s as %s", addr, user)
	}

	log := cfg.log.WithField("addr", addr)
	if attr != nil && (attr.Parallelism > 1 || attr.Mode != gridftp.ModeStream) {
		log.WithFields(logrus.Fields{
			"mode":        attr.Mode,
			"parallelism": attr.Parallelism,
		}).Info("plain ftp transfers in stream mode on one connection")
	}

	return xfer.NewSession(&conn{sc: sc}, log), nil
}

// conn serializes use of the control connection:
// a size query waits for the transfer in progress, and the other way around.
type conn struct {
	mu sync.Mutex
	sc *ftp.ServerConn
}

func pathOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(gridftp.ErrParameter, err.Error())
	}
	return u.Path, nil
}

func notFound(err error, path string) error {
	var perr *textproto.Error
	if errors.As(err, &perr) && perr.Code == ftp.StatusFileUnavailable {
		return errors.Wrap(gridftp.ErrNotFound, path)
	}
	return err
}

func (c *conn) Size(rawURL string) (int64, error) {
	path, err := pathOf(rawURL)
	if err != nil {
		return -1, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size, err := c.sc.FileSize(path)
	if err != nil {
		return -1, notFound(err, path)
	}
	return size, nil
}

func (c *conn) Get(rawURL string, start, end int64) (xfer.Backend, error) {
	path, err := pathOf(rawURL)
	if err != nil {
		return nil, err
	}

	return &getter{c: c, path: path, start: start, end: end}, nil
}

// Put ignores truncate: STOR always replaces the object from its restart offset on.
func (c *conn) Put(rawURL string, start, _ int64, _ bool) (xfer.Backend, error) {
	path, err := pathOf(rawURL)
	if err != nil {
		return nil, err
	}

	return &putter{c: c, path: path, start: start, pos: start}, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sc.Quit()
}

// getter reads a RETR, restarted at the start of the window.
type getter struct {
	c     *conn
	path  string
	start int64
	end   int64
	read  int64

	mu          sync.Mutex
	resp        *ftp.Response
	locked      bool
	interrupted bool
}

func (g *getter) open() error {
	g.c.mu.Lock()

	resp, err := g.c.sc.RetrFrom(g.path, uint64(g.start))
	if err != nil {
		g.c.mu.Unlock()
		return notFound(err, g.path)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.resp = resp
	g.locked = true
	if g.interrupted {
		_ = resp.SetDeadline(time.Now())
	}
	return nil
}

func (g *getter) Read(buf []byte) (int, bool, error) {
	if g.end >= 0 {
		left := g.end - g.start - g.read
		if left <= 0 {
			return 0, true, nil
		}
		if int64(len(buf)) > left {
			buf = buf[:left]
		}
	}

	if g.resp == nil {
		if err := g.open(); err != nil {
			return 0, false, err
		}
	}

	n, err := io.ReadFull(g.resp, buf)
	g.read += int64(n)

	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return n, true, nil
	case err != nil:
		return n, false, errors.Wrap(err, "retr")
	}

	return n, g.end >= 0 && g.read >= g.end-g.start, nil
}

func (g *getter) Write([]byte, int64) error {
	return errors.New("write on a get")
}

func (g *getter) Finish(bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.locked {
		return nil
	}
	g.locked = false
	defer g.c.mu.Unlock()

	// Closing a RETR short of its end is answered with a transfer aborted reply.
	if err := g.resp.Close(); err != nil && g.end < 0 && !g.interrupted {
		return errors.Wrap(err, "retr")
	}
	return nil
}

func (g *getter) Interrupt() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.interrupted = true
	if g.resp != nil {
		_ = g.resp.SetDeadline(time.Now())
	}
}

// putter feeds a STOR, restarted at the start of the window, through a pipe.
// Plain FTP can only append to the data connection, so writes must be sequential.
type putter struct {
	c     *conn
	path  string
	start int64
	pos   int64

	mu          sync.Mutex
	pw          *io.PipeWriter
	stored      chan error
	interrupted bool
}

func (p *putter) open() {
	pr, pw := io.Pipe()

	p.mu.Lock()
	p.pw = pw
	p.stored = make(chan error, 1)
	if p.interrupted {
		pw.CloseWithError(xfer.ErrAborted)
	}
	p.mu.Unlock()

	go func() {
		p.c.mu.Lock()
		defer p.c.mu.Unlock()

		err := p.c.sc.StorFrom(p.path, pr, uint64(p.start))
		pr.CloseWithError(err)
		p.stored <- err
	}()
}

func (p *putter) Read([]byte) (int, bool, error) {
	return 0, false, errors.New("read on a put")
}

func (p *putter) Write(buf []byte, offset int64) error {
	if offset != p.pos {
		return errors.Errorf("stor: write at %d, expected %d", offset, p.pos)
	}

	if p.pw == nil {
		p.open()
	}

	n, err := p.pw.Write(buf)
	p.pos += int64(n)
	if err != nil {
		return errors.Wrap(err, "stor")
	}
	return nil
}

func (p *putter) Finish(aborted bool) error {
	if p.pw == nil {
		if aborted {
			return nil
		}
		// Nothing was written: store an empty object all the same.
		p.open()
	}

	if aborted {
		p.pw.CloseWithError(xfer.ErrAborted)
	} else {
		p.pw.Close()
	}

	if err := <-p.stored; err != nil && !aborted {
		return errors.Wrap(err, "stor")
	}
	return nil
}

func (p *putter) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.interrupted = true
	if p.pw != nil {
		p.pw.CloseWithError(xfer.ErrAborted)
	}
}
