// Package identity defines the account model and the provider interface the
// POP3 server authenticates against.
package identity

import (
	"context"
	"errors"
	"time"
)

// Authentication failures a Provider reports. The POP3 server maps each of
// them to a fixed client-facing message; any other error is relayed to the
// client verbatim.
var (
	ErrNoSuchAccount   = errors.New("no such account")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrPasswordExpired = errors.New("password expired")
	ErrMaintenance     = errors.New("account in maintenance")
	ErrPOP3Disabled    = errors.New("pop access not enabled for account")
)

// Account status values.
const (
	StatusActive      = "active"
	StatusLocked      = "locked"
	StatusMaintenance = "maintenance"
	StatusClosed      = "closed"
)

// Mechanism names passed to Provider.Authenticate.
const (
	MechanismPassword = "password" // USER/PASS
	MechanismPlain    = "PLAIN"
	MechanismGSSAPI   = "GSSAPI"
)

// Account is the resolved identity a session is bound to after login.
type Account struct {
	ID          int64
	Name        string
	Status      string
	POP3Enabled bool
	IsAdmin     bool
	// MessageLifetime is how long messages are retained for the account.
	// Zero means unlimited.
	MessageLifetime time.Duration
}

// Active reports whether the account may keep using an open session.
func (a *Account) Active() bool {
	return a != nil && a.Status == StatusActive
}

// Provider verifies credentials and resolves accounts.
type Provider interface {
	// Authenticate verifies the secret of authID and returns the account the
	// session should be bound to. username is the identity the client wants
	// to act as; it differs from authID only for delegated logins. For
	// GSSAPI the secret is empty because the mechanism has already proven
	// the principal.
	Authenticate(ctx context.Context, username, authID, secret, mechanism string) (*Account, error)

	// LookupAccount returns the current state of an account. It returns
	// ErrNoSuchAccount if the account no longer exists.
	LookupAccount(ctx context.Context, id int64) (*Account, error)
}
