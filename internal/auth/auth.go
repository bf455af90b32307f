// Package auth implements proxy authentication: parsing of credentials
// presented by clients and the authenticator backends they are checked
// against.
//
// Credentials arrive either in a Proxy-Authorization header (HTTP sessions)
// or via the SOCKS5 username/password subnegotiation, which is converted to
// the equivalent Basic credentials so that both protocols share one
// authenticator chain.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoCredentials indicates the request carried no credentials at all.
	ErrNoCredentials = errors.New("no proxy credentials in request")

	// ErrNotAuthenticated indicates credentials were presented but rejected.
	ErrNotAuthenticated = errors.New("authentication failed")
)

// SchemeError indicates credentials were presented with a scheme the
// authenticator does not handle.
type SchemeError struct {
	Got  string
	Want string
}

func (e *SchemeError) Error() string {
	return fmt.Sprintf("unexpected auth scheme %q, want %q", e.Got, e.Want)
}

// FormatError indicates a credential value that does not split into the
// expected number of fields.
type FormatError struct {
	Fields int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed credentials: %d fields, want 2", e.Fields)
}

// Credentials is a parsed authorization value: the scheme (e.g. "Basic" or
// "Bearer") and the opaque value following it.
type Credentials struct {
	Scheme string
	Value  string
}

// Parse splits an authorization header value into scheme and value. Exactly
// two whitespace-separated fields are accepted; anything else is malformed.
func Parse(s string) (Credentials, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Credentials{}, &FormatError{Fields: len(fields)}
	}
	return Credentials{Scheme: fields[0], Value: fields[1]}, nil
}

// FromRequest extracts credentials from the request's Proxy-Authorization
// header. ErrNoCredentials is returned when the header is absent.
func FromRequest(r *http.Request) (Credentials, error) {
	v := r.Header.Get("Proxy-Authorization")
	if v == "" {
		return Credentials{}, ErrNoCredentials
	}
	return Parse(v)
}

// Basic builds Basic credentials for a username/password pair, as defined in
// RFC 7617.
func Basic(username, password string) Credentials {
	return Credentials{
		Scheme: "Basic",
		Value:  base64.StdEncoding.EncodeToString([]byte(username + ":" + password)),
	}
}

// Authenticator validates presented credentials. Implementations must be
// safe for concurrent use.
type Authenticator interface {
	// Authenticate returns nil when c is acceptable.
	Authenticate(ctx context.Context, c Credentials) error

	// Challenge returns the value advertised in Proxy-Authenticate when a
	// request must be rejected with 407.
	Challenge() string
}

// Authenticate runs c through the chain and returns nil on the first
// authenticator that accepts it.
func Authenticate(ctx context.Context, chain []Authenticator, c Credentials) error {
	for _, a := range chain {
		if err := a.Authenticate(ctx, c); err == nil {
			return nil
		}
	}
	return ErrNotAuthenticated
}

// BasicAuthenticator validates HTTP Basic credentials against a static
// username and password.
type BasicAuthenticator struct {
	username string
	password string
}

// NewBasic returns an Authenticator accepting the given username/password
// pair via the Basic scheme.
func NewBasic(username, password string) *BasicAuthenticator {
	return &BasicAuthenticator{username: username, password: password}
}

func (a *BasicAuthenticator) Challenge() string { return "Basic" }

func (a *BasicAuthenticator) Authenticate(_ context.Context, c Credentials) error {
	if !strings.EqualFold(c.Scheme, "Basic") {
		return &SchemeError{Got: c.Scheme, Want: "Basic"}
	}

	raw, err := base64.StdEncoding.DecodeString(c.Value)
	if err != nil {
		return fmt.Errorf("decode basic credentials: %w", err)
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 2 {
		return &FormatError{Fields: len(parts)}
	}

	if equal(parts[0], a.username) && equal(parts[1], a.password) {
		return nil
	}
	return ErrNotAuthenticated
}

// BearerAuthenticator validates Bearer credentials against a static token.
type BearerAuthenticator struct {
	token string
}

// NewBearer returns an Authenticator accepting the given token via the
// Bearer scheme.
func NewBearer(token string) *BearerAuthenticator {
	return &BearerAuthenticator{token: token}
}

func (a *BearerAuthenticator) Challenge() string { return "Bearer" }

func (a *BearerAuthenticator) Authenticate(_ context.Context, c Credentials) error {
	if !strings.EqualFold(c.Scheme, "Bearer") {
		return &SchemeError{Got: c.Scheme, Want: "Bearer"}
	}
	if equal(c.Value, a.token) {
		return nil
	}
	return ErrNotAuthenticated
}

// ParseSpec builds an Authenticator from a flag or config entry of the form
// "basic:username:password" or "bearer:token".
func ParseSpec(s string) (Authenticator, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("invalid auth spec %q: want kind:value", s)
	}
	switch strings.ToLower(kind) {
	case "basic":
		username, password, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("invalid auth spec %q: want basic:username:password", s)
		}
		return NewBasic(username, password), nil
	case "bearer":
		return NewBearer(rest), nil
	default:
		return nil, fmt.Errorf("invalid auth spec %q: unknown kind %q", s, kind)
	}
}

// equal compares secrets in constant time. Hashing first avoids leaking
// length information through the comparison.
func equal(got, want string) bool {
	g := sha256.Sum256([]byte(got))
	w := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(g[:], w[:]) == 1
}
