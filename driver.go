package gridftp

import (
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SessionFactory creates a session able to reach the server named by contact.
type SessionFactory func(contact *ContactInfo, opts *OperationAttr) (Session, error)

// Registry maps URL schemes to the factories that create sessions for them.
// It is constructed by the caller and shared by every Driver that needs it.
type Registry struct {
	mu        sync.Mutex
	factories map[string]SessionFactory
	live      int
	closed    bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]SessionFactory),
	}
}

// Register makes f the factory for scheme, replacing any previous one.
func (r *Registry) Register(scheme string, f SessionFactory) error {
	if scheme == "" || f == nil {
		return errors.Wrap(ErrParameter, "register needs a scheme and a factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("gridftp: registry is closed")
	}

	r.factories[scheme] = f
	return nil
}

// Schemes returns the registered schemes in no particular order.
func (r *Registry) Schemes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	schemes := make([]string, 0, len(r.factories))
	for scheme := range r.factories {
		schemes = append(schemes, scheme)
	}
	return schemes
}

// NewSession creates a session for contact using the factory registered for its scheme.
func (r *Registry) NewSession(contact *ContactInfo, opts *OperationAttr) (Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("gridftp: registry is closed")
	}
	f, ok := r.factories[contact.Scheme]
	r.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrParameter, "no session factory for scheme %q", contact.Scheme)
	}

	s, err := f(contact, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "gridftp: new %s session", contact.Scheme)
	}

	r.mu.Lock()
	r.live++
	r.mu.Unlock()

	return s, nil
}

func (r *Registry) sessionClosed() {
	r.mu.Lock()
	r.live--
	r.mu.Unlock()
}

// Live returns the number of sessions created through the registry that have not been closed.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.live
}

// Close rejects any further sessions. Sessions already created are unaffected.
// It is an error to close a registry twice.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("gridftp: registry already closed")
	}

	r.closed = true
	r.factories = nil
	return nil
}

// Driver opens handles onto remote objects.
type Driver struct {
	reg       *Registry
	log       *logrus.Entry
	metrics   *Metrics
	poolDepth int
}

// DriverOption specifies an option that can be set on a Driver.
type DriverOption func(*Driver) error

// WithLogger sets the logger the driver and its handles log to.
func WithLogger(l *logrus.Logger) DriverOption {
	return func(d *Driver) error {
		if l == nil {
			return errors.Wrap(ErrParameter, "nil logger")
		}

		d.log = l.WithField("component", "gridftp")
		return nil
	}
}

// WithMetrics makes the driver record to m.
func WithMetrics(m *Metrics) DriverOption {
	return func(d *Driver) error {
		d.metrics = m
		return nil
	}
}

// WithRequestorPoolDepth sets how many requestors each handle keeps for reuse.
//
// It will generate an error if one attempts to set it to a value less than one.
func WithRequestorPoolDepth(depth int) DriverOption {
	return func(d *Driver) error {
		if depth < 1 {
			return errors.Errorf("requestor pool depth cannot be less than 1, was: %d", depth)
		}

		d.poolDepth = depth
		return nil
	}
}

// NewDriver returns a Driver creating its sessions through reg.
// A nil reg is allowed if every Attr handed to Open supplies its own session.
func NewDriver(reg *Registry, opts ...DriverOption) (*Driver, error) {
	d := &Driver{
		reg:       reg,
		log:       logrus.StandardLogger().WithField("component", "gridftp"),
		poolDepth: requestorPoolDepth,
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// newHandle builds a handle in StateNone, with its own copy of attr and a session to work through.
func (d *Driver) newHandle(contact *ContactInfo, attr *Attr) (*Handle, error) {
	h := &Handle{
		d:         d,
		attr:      attr.Copy(),
		url:       contact.URL(),
		state:     StateNone,
		pool:      newRequestorPool(d.poolDepth, d.metrics),
		xferDone:  true,
		endOffset: -1,
		size:      -1,
	}

	h.log = d.log.WithField("url", redact(h.url))

	h.session = h.attr.session
	if h.session == nil {
		if d.reg == nil {
			return nil, errors.Wrap(ErrParameter, "no session supplied and no registry to create one")
		}

		s, err := d.reg.NewSession(contact, h.attr.OperationAttr())
		if err != nil {
			return nil, err
		}

		h.session = &registeredSession{Session: s, reg: d.reg}
		h.ownSession = true
	}

	if err := h.session.CacheURLState(h.url); err != nil {
		if h.ownSession {
			_ = h.session.Close()
		}
		return nil, wrapSession("cache url state", err)
	}

	d.metrics.AddHandles(1)
	return h, nil
}

// registeredSession reports its closing back to the registry that created it.
type registeredSession struct {
	Session
	reg  *Registry
	once sync.Once
}

func (s *registeredSession) Close() error {
	err := s.Session.Close()
	s.once.Do(s.reg.sessionClosed)
	return err
}

func redact(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	return u.Redacted()
}
