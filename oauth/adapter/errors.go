package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// Kind classifies an authorization failure. Every adapter failure is mapped
// into exactly one kind before it leaves the oauth layer; raw provider errors
// never cross that boundary.
type Kind string

const (
	KindConfiguration       Kind = "configuration_error"
	KindAccessDenied        Kind = "access_denied"
	KindConsentRequired     Kind = "consent_required"
	KindInteractionRequired Kind = "interaction_required"
	KindPopupBlocked        Kind = "popup_blocked"
	KindTimeout             Kind = "timeout_error"
	KindInvalidGrant        Kind = "invalid_grant"
	KindTokenExpired        Kind = "token_expired"
	KindNetwork             Kind = "network_error"
	KindUnknown             Kind = "unknown_error"
)

// Recoverable reports whether retrying the flow can plausibly succeed without
// operator intervention. Configuration failures are fatal to their provider
// until the setup is fixed.
func (k Kind) Recoverable() bool {
	return k != KindConfiguration
}

// ErrChannelClosed is returned by a Channel when the user dismisses the
// interaction (closes the popup) before the flow completes.
var ErrChannelClosed = errors.New("adapter: interaction channel closed")

// ErrPopupBlocked is returned by a Channel that could not open at all.
var ErrPopupBlocked = errors.New("adapter: interaction channel blocked")

// AuthError is the typed failure surfaced by every public operation in this
// subsystem.
type AuthError struct {
	Kind        Kind
	Provider    string
	Description string
	Err         error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError builds an AuthError with an explicit kind.
func NewAuthError(kind Kind, provider, description string) *AuthError {
	return &AuthError{Kind: kind, Provider: provider, Description: description}
}

// KindOf extracts the failure kind from err, or KindUnknown when err is not
// an AuthError.
func KindOf(err error) Kind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Classify maps a raw transport or oauth2 error into the taxonomy.
func Classify(provider string, err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AuthError{Kind: KindTimeout, Provider: provider, Description: "authorization timed out", Err: err}
	case errors.Is(err, context.Canceled):
		return &AuthError{Kind: KindInteractionRequired, Provider: provider, Description: "authorization cancelled", Err: err}
	case errors.Is(err, ErrChannelClosed):
		return &AuthError{Kind: KindInteractionRequired, Provider: provider, Description: "authorization window closed before completion", Err: err}
	case errors.Is(err, ErrPopupBlocked):
		return &AuthError{Kind: KindPopupBlocked, Provider: provider, Description: "interaction channel could not open", Err: err}
	}

	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if k, ok := kindForCode(retrieve.ErrorCode); ok {
			return &AuthError{Kind: k, Provider: provider, Description: retrieve.ErrorDescription, Err: err}
		}
		return &AuthError{Kind: KindUnknown, Provider: provider, Description: retrieve.ErrorDescription, Err: err}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &AuthError{Kind: KindNetwork, Provider: provider, Description: "provider unreachable", Err: err}
	}

	return &AuthError{Kind: KindUnknown, Provider: provider, Err: err}
}

// ClassifyCallback maps an error code delivered on the authorization callback
// (RFC 6749 §4.1.2.1) into the taxonomy.
func ClassifyCallback(provider, code, description string) *AuthError {
	if k, ok := kindForCode(code); ok {
		return &AuthError{Kind: k, Provider: provider, Description: description}
	}
	return &AuthError{Kind: KindUnknown, Provider: provider, Description: strings.TrimSpace(code + " " + description)}
}

func kindForCode(code string) (Kind, bool) {
	switch code {
	case "access_denied":
		return KindAccessDenied, true
	case "consent_required":
		return KindConsentRequired, true
	case "interaction_required", "login_required":
		return KindInteractionRequired, true
	case "invalid_grant":
		return KindInvalidGrant, true
	case "invalid_client", "invalid_request", "unauthorized_client", "redirect_uri_mismatch":
		return KindConfiguration, true
	case "temporarily_unavailable", "server_error":
		return KindNetwork, true
	}
	return KindUnknown, false
}
