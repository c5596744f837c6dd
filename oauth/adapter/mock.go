package adapter

import "context"

// MockAdapter provides customizable hooks for testing Adapter behavior.
type MockAdapter struct {
	Name              string
	AuthorizeFunc     func(ctx context.Context, ch Channel) (*Grant, error)
	RefreshFunc       func(ctx context.Context, cred Credential) (*Credential, error)
	FetchIdentityFunc func(ctx context.Context, accessToken string) (*Identity, error)
	RevokeFunc        func(ctx context.Context, cred Credential) error
}

// Ensure MockAdapter implements Adapter
var _ Adapter = (*MockAdapter)(nil)

// Provider returns Name, or "mock" if unset.
func (m *MockAdapter) Provider() string {
	if m.Name != "" {
		return m.Name
	}
	return "mock"
}

// Authorize calls AuthorizeFunc if set, otherwise returns an empty grant.
func (m *MockAdapter) Authorize(ctx context.Context, ch Channel) (*Grant, error) {
	if m.AuthorizeFunc != nil {
		return m.AuthorizeFunc(ctx, ch)
	}
	return &Grant{}, nil
}

// Refresh calls RefreshFunc if set, otherwise echoes the credential back.
func (m *MockAdapter) Refresh(ctx context.Context, cred Credential) (*Credential, error) {
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, cred)
	}
	return &cred, nil
}

// FetchIdentity calls FetchIdentityFunc if set, otherwise returns nil, nil.
func (m *MockAdapter) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	if m.FetchIdentityFunc != nil {
		return m.FetchIdentityFunc(ctx, accessToken)
	}
	return nil, nil
}

// Revoke calls RevokeFunc if set, otherwise returns nil.
func (m *MockAdapter) Revoke(ctx context.Context, cred Credential) error {
	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, cred)
	}
	return nil
}

// MockChannel is a scriptable interaction channel for tests.
type MockChannel struct {
	OpenFunc  func(ctx context.Context, authURL string) (CallbackResult, error)
	CloseFunc func() error

	Opened string // last authURL passed to Open
	Closed bool
}

var _ Channel = (*MockChannel)(nil)

// Open calls OpenFunc if set, otherwise blocks until the context ends.
func (m *MockChannel) Open(ctx context.Context, authURL string) (CallbackResult, error) {
	m.Opened = authURL
	if m.OpenFunc != nil {
		return m.OpenFunc(ctx, authURL)
	}
	<-ctx.Done()
	return CallbackResult{}, ctx.Err()
}

// Close records the teardown and calls CloseFunc if set.
func (m *MockChannel) Close() error {
	m.Closed = true
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
