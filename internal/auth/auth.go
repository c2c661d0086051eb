// Package auth owns the OAuth2 credential lifecycle for a single
// account: silent refresh of a stored token, interactive
// authorization-code login with PKCE over a loopback redirect, and
// invalidation on unrecoverable refresh failures.
package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// Kind partitions authentication failures by what the caller can do
// about them.
type Kind int

const (
	// KindInvalidGrant means the refresh token was rejected as
	// permanently invalid.  The stored credential has been deleted.
	KindInvalidGrant Kind = iota + 1

	// KindConsentDenied means the user declined the consent screen.
	KindConsentDenied

	// KindExchange means the authorization code could not be
	// exchanged for a token bundle.
	KindExchange

	// KindStore means the credential store failed.
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindInvalidGrant:
		return "invalid grant"
	case KindConsentDenied:
		return "consent denied"
	case KindExchange:
		return "token exchange failed"
	case KindStore:
		return "credential store failure"
	}
	return "unknown"
}

// Error is the typed authentication failure returned by the broker.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: %s", e.Kind)
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

// Cause supports github.com/pkg/errors unwrapping.
func (e *Error) Cause() error { return e.Err }

func (e *Error) Unwrap() error { return e.Err }

// Store persists the per-account credential bundle.  Load returns
// (nil, nil) when the account has no stored credential.
type Store interface {
	Load(ctx context.Context, account string) (*oauth2.Token, error)
	Save(ctx context.Context, account string, tok *oauth2.Token) error
	Delete(ctx context.Context, account string) error
}
