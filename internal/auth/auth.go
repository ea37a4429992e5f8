// Package auth supplies the credential sent in the socket handshake.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNoCredential is returned when no credential could be obtained.
	ErrNoCredential = errors.New("auth: no credential available")
	// ErrRefreshUnsupported is returned by sources that cannot mint a new
	// credential.
	ErrRefreshUnsupported = errors.New("auth: refresh not supported")
)

// Source provides credentials. Implementations must be safe for concurrent
// use.
type Source interface {
	// Token returns the current credential, fetching one if needed. An
	// empty token with a nil error means the source has none to offer.
	Token(ctx context.Context) (string, error)
	// Refresh discards the current credential and obtains a new one.
	Refresh(ctx context.Context) (string, error)
}

// RequiredFor reports whether deployments in environment must authenticate.
// Only local development environments may connect without a credential.
func RequiredFor(environment string) bool {
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "", "dev", "development", "local", "test":
		return false
	default:
		return true
	}
}

// Static is a Source holding a fixed credential.
type Static string

func (s Static) Token(context.Context) (string, error) {
	return string(s), nil
}

func (s Static) Refresh(context.Context) (string, error) {
	return "", ErrRefreshUnsupported
}

// None is a Source with no credential.
var None Source = Static("")
