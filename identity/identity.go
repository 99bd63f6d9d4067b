// Package identity defines the contract for the external identity provider.
// The engine never authenticates users itself; it only reads the current
// identity to derive a stable per-user secret.
package identity

import "errors"

// ErrNoSession indicates no identity is currently available.
var ErrNoSession = errors.New("no identity session")

// User is the opaque identity returned by the provider.
type User struct {
	ID    string
	Email string
}

// Provider exposes the current identity, if any.
type Provider interface {
	// CurrentUser returns the signed-in user, or ErrNoSession when none.
	CurrentUser() (*User, error)
}

// Static is a Provider with a fixed user, for tests and CLI use.
type Static struct {
	User *User
}

var _ Provider = (*Static)(nil)

func (s *Static) CurrentUser() (*User, error) {
	if s.User == nil {
		return nil, ErrNoSession
	}
	return s.User, nil
}
