package gridftp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Mode is the FTP transfer mode.
type Mode int

// Transfer modes.
const (
	ModeStream Mode = iota
	ModeBlock
	ModeCompressed
	ModeExtendedBlock
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeBlock:
		return "block"
	case ModeCompressed:
		return "compressed"
	case ModeExtendedBlock:
		return "extended-block"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Protection is a channel protection level.
type Protection int

// Protection levels, as negotiated by the PROT command.
const (
	ProtectionClear Protection = iota
	ProtectionSafe
	ProtectionConfidential
	ProtectionPrivate
)

func (p Protection) String() string {
	switch p {
	case ProtectionClear:
		return "clear"
	case ProtectionSafe:
		return "safe"
	case ProtectionConfidential:
		return "confidential"
	case ProtectionPrivate:
		return "private"
	default:
		return fmt.Sprintf("Protection(%d)", int(p))
	}
}

// DCAUMode selects data channel authentication.
type DCAUMode int

// Data channel authentication modes.
const (
	DCAUDefault DCAUMode = iota
	DCAUNone
	DCAUSelf
	DCAUSubject
)

// Authorization is passed through to the session client untouched.
type Authorization struct {
	User     string
	Password string
	Account  string
	Subject  string
}

// OperationAttr holds the options the session client applies to each transfer.
// Transfers are always binary, so there is no type option.
type OperationAttr struct {
	Mode              Mode
	Parallelism       int
	TCPBuffer         int
	Auth              Authorization
	DCAU              DCAUMode
	DCAUSubject       string
	DataProtection    Protection
	ControlProtection Protection

	// ReadAll asks the session to deliver a whole window through one read.
	ReadAll bool
}

// Copy returns a deep copy of o.
func (o *OperationAttr) Copy() *OperationAttr {
	if o == nil {
		return new(OperationAttr)
	}
	c := *o
	return &c
}

// Attr configures a Handle at open.
// The handle keeps its own copy; changing an Attr after Open has no effect on open handles.
type Attr struct {
	session Session
	opAttr  OperationAttr
	partial bool
}

// AttrOption specifies an option that can be set on an Attr.
type AttrOption func(*Attr) error

// NewAttr returns an Attr with the default options, and then applies opts in order.
func NewAttr(opts ...AttrOption) (*Attr, error) {
	a := &Attr{
		opAttr: OperationAttr{
			Mode:        ModeStream,
			Parallelism: 1,
		},
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Copy returns a deep copy of a.
// A borrowed session is shared between the copies, never duplicated.
func (a *Attr) Copy() *Attr {
	if a == nil {
		a, _ := NewAttr()
		return a
	}

	return &Attr{
		session: a.session,
		opAttr:  *a.opAttr.Copy(),
		partial: a.partial,
	}
}

// Session returns the externally supplied session, or nil if each handle creates its own.
func (a *Attr) Session() Session { return a.session }

// SetSession makes handles opened with a borrow s instead of creating their own session.
// The handle never closes a borrowed session.
func (a *Attr) SetSession(s Session) { a.session = s }

// PartialTransfer reports whether every read and write maps to its own bounded transfer.
func (a *Attr) PartialTransfer() bool { return a.partial }

// SetPartialTransfer turns partial transfer mode on or off.
// It also sets the session read-all option, since each window is read by a single read.
func (a *Attr) SetPartialTransfer(on bool) {
	a.partial = on
	a.opAttr.ReadAll = on
}

// NumStreams returns the number of parallel data streams.
func (a *Attr) NumStreams() int { return a.opAttr.Parallelism }

// SetNumStreams sets the number of parallel data streams.
// Parallel streams require extended block mode, so the mode is changed as well.
func (a *Attr) SetNumStreams(n int) error {
	if n < 1 {
		return errors.Wrapf(ErrParameter, "number of streams cannot be less than 1, was: %d", n)
	}

	a.opAttr.Mode = ModeExtendedBlock
	a.opAttr.Parallelism = n
	return nil
}

// TCPBuffer returns the fixed TCP buffer size, zero meaning the system default.
func (a *Attr) TCPBuffer() int { return a.opAttr.TCPBuffer }

// SetTCPBuffer sets a fixed TCP buffer size.
func (a *Attr) SetTCPBuffer(size int) error {
	if size < 0 {
		return errors.Wrapf(ErrParameter, "tcp buffer size cannot be negative, was: %d", size)
	}

	a.opAttr.TCPBuffer = size
	return nil
}

// Mode returns the transfer mode.
func (a *Attr) Mode() Mode { return a.opAttr.Mode }

// SetMode sets the transfer mode.
func (a *Attr) SetMode(m Mode) error {
	if m < ModeStream || m > ModeExtendedBlock {
		return errors.Wrapf(ErrParameter, "unknown transfer mode: %d", int(m))
	}

	a.opAttr.Mode = m
	return nil
}

// Authorization returns the credentials used for transfers.
func (a *Attr) Authorization() Authorization { return a.opAttr.Auth }

// SetAuthorization sets the credentials used for transfers.
func (a *Attr) SetAuthorization(auth Authorization) { a.opAttr.Auth = auth }

// DCAU returns the data channel authentication mode and its subject.
func (a *Attr) DCAU() (DCAUMode, string) { return a.opAttr.DCAU, a.opAttr.DCAUSubject }

// SetDCAU sets the data channel authentication mode.
// The subject is only meaningful, and only required, for DCAUSubject.
func (a *Attr) SetDCAU(mode DCAUMode, subject string) error {
	switch mode {
	case DCAUDefault, DCAUNone, DCAUSelf:
		subject = ""
	case DCAUSubject:
		if subject == "" {
			return errors.Wrap(ErrParameter, "dcau subject mode requires a subject")
		}
	default:
		return errors.Wrapf(ErrParameter, "unknown dcau mode: %d", int(mode))
	}

	a.opAttr.DCAU = mode
	a.opAttr.DCAUSubject = subject
	return nil
}

// DataProtection returns the data channel protection level.
func (a *Attr) DataProtection() Protection { return a.opAttr.DataProtection }

// SetDataProtection sets the data channel protection level.
func (a *Attr) SetDataProtection(p Protection) error {
	if err := validProtection(p); err != nil {
		return err
	}

	a.opAttr.DataProtection = p
	return nil
}

// ControlProtection returns the control channel protection level.
func (a *Attr) ControlProtection() Protection { return a.opAttr.ControlProtection }

// SetControlProtection sets the control channel protection level.
func (a *Attr) SetControlProtection(p Protection) error {
	if err := validProtection(p); err != nil {
		return err
	}

	a.opAttr.ControlProtection = p
	return nil
}

// OperationAttr returns a copy of the session options.
func (a *Attr) OperationAttr() *OperationAttr { return a.opAttr.Copy() }

func validProtection(p Protection) error {
	if p < ProtectionClear || p > ProtectionPrivate {
		return errors.Wrapf(ErrParameter, "unknown protection level: %d", int(p))
	}
	return nil
}

// WithSession makes handles borrow s. See Attr.SetSession.
func WithSession(s Session) AttrOption {
	return func(a *Attr) error {
		a.SetSession(s)
		return nil
	}
}

// WithPartialTransfer turns on partial transfer mode.
func WithPartialTransfer() AttrOption {
	return func(a *Attr) error {
		a.SetPartialTransfer(true)
		return nil
	}
}

// WithNumStreams sets the number of parallel streams.
//
// It will generate an error if one attempts to set it to a value less than one.
func WithNumStreams(n int) AttrOption {
	return func(a *Attr) error {
		return a.SetNumStreams(n)
	}
}

// WithTCPBuffer sets a fixed TCP buffer size.
func WithTCPBuffer(size int) AttrOption {
	return func(a *Attr) error {
		return a.SetTCPBuffer(size)
	}
}

// WithMode sets the transfer mode.
func WithMode(m Mode) AttrOption {
	return func(a *Attr) error {
		return a.SetMode(m)
	}
}

// WithAuthorization sets the transfer credentials.
func WithAuthorization(auth Authorization) AttrOption {
	return func(a *Attr) error {
		a.SetAuthorization(auth)
		return nil
	}
}

// WithDCAU sets data channel authentication.
func WithDCAU(mode DCAUMode, subject string) AttrOption {
	return func(a *Attr) error {
		return a.SetDCAU(mode, subject)
	}
}

// WithDataProtection sets the data channel protection level.
func WithDataProtection(p Protection) AttrOption {
	return func(a *Attr) error {
		return a.SetDataProtection(p)
	}
}

// WithControlProtection sets the control channel protection level.
func WithControlProtection(p Protection) AttrOption {
	return func(a *Attr) error {
		return a.SetControlProtection(p)
	}
}
