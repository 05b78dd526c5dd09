package session

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"relay.evalgo.org/common"
	"relay.evalgo.org/config"
)

// DefaultCookieName carries the client id in cookie mode.
const DefaultCookieName = "rt106ClientName"

// IdentityPolicy decides which session an HTTP request belongs to.
type IdentityPolicy interface {
	// Identify returns the client id for r. It may set headers on w.
	Identify(w http.ResponseWriter, r *http.Request) string
}

// SharedPolicy puts every caller into one session.
type SharedPolicy struct {
	ID string
}

func (p SharedPolicy) Identify(http.ResponseWriter, *http.Request) string {
	if p.ID == "" {
		return common.SharedClientID
	}
	return p.ID
}

// CookiePolicy keys sessions by a cookie. A caller without the cookie gets an
// id derived from its remote address, and the cookie is set on the response so
// a resumed browser session maps back to the same client.
type CookiePolicy struct {
	Name string
}

func (p CookiePolicy) cookieName() string {
	if p.Name == "" {
		return DefaultCookieName
	}
	return p.Name
}

func (p CookiePolicy) Identify(w http.ResponseWriter, r *http.Request) string {
	name := p.cookieName()
	if c, err := r.Cookie(name); err == nil && validCookieValue(c.Value) {
		return c.Value
	}

	id := ClientIDFromAddress(r.RemoteAddr)
	http.SetCookie(w, &http.Cookie{Name: name, Value: id, Path: "/"})
	return id
}

// browsers serialise unset values as these strings
func validCookieValue(v string) bool {
	return v != "" && v != "null" && v != "undefined"
}

// ClientIDFromAddress turns a remote address into an id without separators:
// ':' becomes 'c' and '.' becomes 'd'. The port is dropped.
func ClientIDFromAddress(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return strings.NewReplacer(":", "c", ".", "d").Replace(addr)
}

// NewIdentityPolicy builds the policy named in cfg.
func NewIdentityPolicy(cfg config.SessionConfig) (IdentityPolicy, error) {
	switch cfg.Policy {
	case config.PolicyShared, "":
		return SharedPolicy{ID: cfg.SharedID}, nil
	case config.PolicyCookie:
		return CookiePolicy{Name: cfg.CookieName}, nil
	default:
		return nil, fmt.Errorf("unknown session policy: %q", cfg.Policy)
	}
}
