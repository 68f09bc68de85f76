package gridftp

import (
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ContactInfo names a remote object.
// The fields are taken as given; the driver does not parse URL strings.
type ContactInfo struct {
	Scheme   string
	Host     string
	Port     string
	Resource string

	User    string
	Pass    string
	Subject string
}

func (c *ContactInfo) validate() error {
	if c == nil || c.Resource == "" || c.Host == "" || c.Scheme == "" {
		return errors.Wrap(ErrParameter, "contact info must name a scheme, host and resource")
	}
	return nil
}

// hasAuth reports whether the contact carries any credentials of its own.
func (c *ContactInfo) hasAuth() bool {
	return c.User != "" || c.Pass != "" || c.Subject != ""
}

// URL returns the canonical URL handed to the session client.
// User and password are carried in the URL, the subject never is.
func (c *ContactInfo) URL() string {
	u := &url.URL{
		Scheme: c.Scheme,
		Host:   c.Host,
		Path:   c.Resource,
	}

	if c.Port != "" {
		u.Host = net.JoinHostPort(c.Host, c.Port)
	}

	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}

	switch {
	case c.Pass != "":
		u.User = url.UserPassword(c.User, c.Pass)
	case c.User != "":
		u.User = url.User(c.User)
	}

	return u.String()
}
