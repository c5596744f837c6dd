package adapter

import (
	"context"
	"time"
)

// Adapter translates the generic session/token lifecycle into one provider's
// wire protocol. The session controller and token manager depend only on this
// interface; nothing outside an adapter knows a provider's response shapes.
type Adapter interface {
	// Provider returns the registry name this adapter serves.
	Provider() string

	// Authorize drives one interactive authorization attempt through the
	// given channel and returns the resulting credential and identity.
	Authorize(ctx context.Context, ch Channel) (*Grant, error)

	// Refresh exchanges the credential's refresh token for a fresh access
	// token. The returned credential keeps the old refresh token when the
	// provider does not rotate it.
	Refresh(ctx context.Context, cred Credential) (*Credential, error)

	// FetchIdentity resolves the provider-side identity for a live token.
	FetchIdentity(ctx context.Context, accessToken string) (*Identity, error)

	// Revoke invalidates the provider-side session where the protocol
	// supports it; adapters for providers without a revocation endpoint
	// return nil.
	Revoke(ctx context.Context, cred Credential) error
}

// Channel is the opaque external interaction surface (popup window, redirect
// listener) opened by the host UI. The core never inspects its contents
// beyond the final callback result.
type Channel interface {
	// Open presents authURL to the user and blocks until the authorization
	// callback arrives, the context ends, or the channel is closed.
	Open(ctx context.Context, authURL string) (CallbackResult, error)

	// Close tears the channel down. Safe to call more than once and
	// concurrently with Open.
	Close() error
}

// CallbackResult is the final message delivered by a channel.
type CallbackResult struct {
	Code             string
	State            string
	Error            string // provider error code, e.g. "access_denied"
	ErrorDescription string
}

// Credential is the stored token material for one provider connection.
type Credential struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Expired reports whether the credential's expiry has passed. Credentials
// without a recorded expiry never report expired; their provider renews
// internally.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// HasScope reports whether the granted scope set contains s.
func (c Credential) HasScope(s string) bool {
	for _, have := range c.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// Identity is the provider-assigned subject bound to a credential. It is
// replaced wholesale on re-authentication, never patched.
type Identity struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Grant is the outcome of a successful authorization attempt.
type Grant struct {
	Credential Credential
	Identity   Identity
}

// Message is one candidate receipt message returned by a provider's mailbox
// search. Providers that cannot supply a field leave it zero.
type Message struct {
	ID       string    `json:"id"`
	Subject  string    `json:"subject,omitempty"`
	Snippet  string    `json:"snippet,omitempty"`
	From     string    `json:"from,omitempty"`
	Received time.Time `json:"received,omitempty"`
}
