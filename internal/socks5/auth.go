// Package socks5 implements the SOCKS5 TCP front end of the relay:
// method negotiation, authentication and the CONNECT and UDP ASSOCIATE
// command paths.
package socks5

import (
	"crypto/subtle"
	"errors"
	"io"
)

// Authentication methods per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Username/password auth status per RFC 1929.
const (
	authStatusSuccess = 0x00
	authStatusFailure = 0x01
)

// Authenticator negotiates one SOCKS5 authentication method.
type Authenticator interface {
	// Method returns the method code advertised during negotiation.
	Method() byte

	// Authenticate runs the method sub-negotiation on the control
	// connection and returns the authenticated username, if any.
	Authenticate(rw io.ReadWriter) (string, error)
}

// NoAuth accepts every connection without credentials.
type NoAuth struct{}

// Method returns the no-auth method code.
func (NoAuth) Method() byte { return AuthMethodNoAuth }

// Authenticate succeeds immediately; there is no sub-negotiation.
func (NoAuth) Authenticate(rw io.ReadWriter) (string, error) {
	return "", nil
}

// CredentialStore validates username/password pairs.
type CredentialStore interface {
	Valid(username, password string) bool
}

// StaticCredentials is an in-memory credential store.
type StaticCredentials map[string]string

// Valid checks a username/password pair in constant time.
func (s StaticCredentials) Valid(username, password string) bool {
	stored, ok := s[username]
	if !ok {
		// Dummy comparison so unknown usernames take the same time.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// UserPassAuth implements RFC 1929 username/password authentication.
type UserPassAuth struct {
	Credentials CredentialStore
}

// Method returns the username/password method code.
func (a *UserPassAuth) Method() byte { return AuthMethodUserPass }

// Authenticate runs the RFC 1929 sub-negotiation:
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
func (a *UserPassAuth) Authenticate(rw io.ReadWriter) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(rw, header); err != nil {
		return "", err
	}

	if header[0] != 0x01 {
		return "", errors.New("unsupported auth version")
	}

	uLen := int(header[1])
	if uLen == 0 {
		return "", errors.New("empty username")
	}
	username := make([]byte, uLen)
	if _, err := io.ReadFull(rw, username); err != nil {
		return "", err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(rw, pLenBuf); err != nil {
		return "", err
	}
	password := make([]byte, int(pLenBuf[0]))
	if len(password) > 0 {
		if _, err := io.ReadFull(rw, password); err != nil {
			return "", err
		}
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		rw.Write([]byte{0x01, authStatusFailure})
		return "", errors.New("authentication failed")
	}

	if _, err := rw.Write([]byte{0x01, authStatusSuccess}); err != nil {
		return "", err
	}

	return string(username), nil
}

// AuthConfig describes which authenticators a server offers.
type AuthConfig struct {
	// Enabled turns username/password auth on.
	Enabled bool

	// Required refuses clients that only offer no-auth.
	Required bool

	// Users maps usernames to passwords.
	Users map[string]string
}

// BuildAuthenticators assembles the authenticator list for a config.
func BuildAuthenticators(cfg AuthConfig) []Authenticator {
	var auths []Authenticator

	if cfg.Enabled && len(cfg.Users) > 0 {
		auths = append(auths, &UserPassAuth{Credentials: StaticCredentials(cfg.Users)})
	}
	if !cfg.Required {
		auths = append(auths, NoAuth{})
	}

	return auths
}
