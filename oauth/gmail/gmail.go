package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/Seann-Moser/mailauth/oauth/adapter"
	"github.com/Seann-Moser/mailauth/providers"
)

const (
	defaultMessagesEndpoint = "https://gmail.googleapis.com/gmail/v1/users/me/messages"

	stateTTL = 10 * time.Minute
)

// Adapter implements the provider adapter for Google's Gmail, using the
// authorization-code flow with PKCE and offline access.
type Adapter struct {
	desc     providers.Descriptor
	conf     *oauth2.Config
	http     *http.Client
	secret   []byte
	messages string // messages API endpoint, overridable in tests
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates a Gmail adapter. stateSecret signs the anti-forgery state
// parameter and must be shared by nothing outside this process.
func New(desc providers.Descriptor, stateSecret []byte) *Adapter {
	return &Adapter{
		desc: desc,
		conf: &oauth2.Config{
			ClientID:     desc.ClientID,
			ClientSecret: desc.ClientSecret,
			RedirectURL:  desc.RedirectURL,
			Scopes:       desc.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  desc.AuthURL,
				TokenURL: desc.TokenURL,
			},
		},
		http:     &http.Client{Timeout: 10 * time.Second},
		secret:   stateSecret,
		messages: defaultMessagesEndpoint,
	}
}

// Provider returns the registry name.
func (a *Adapter) Provider() string { return a.desc.Name }

// Authorize opens the interaction channel on Google's consent page, waits for
// the callback, verifies state, exchanges the code (with PKCE verifier) and
// resolves the identity.
func (a *Adapter) Authorize(ctx context.Context, ch adapter.Channel) (*adapter.Grant, error) {
	verifier, err := adapter.GenerateCodeVerifier()
	if err != nil {
		return nil, adapter.Classify(a.desc.Name, err)
	}
	state, err := adapter.SignState(a.secret, a.desc.Name)
	if err != nil {
		return nil, adapter.Classify(a.desc.Name, err)
	}

	authURL := a.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", adapter.GenerateCodeChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	res, err := ch.Open(ctx, authURL)
	if err != nil {
		return nil, adapter.Classify(a.desc.Name, err)
	}
	if res.Error != "" {
		return nil, adapter.ClassifyCallback(a.desc.Name, res.Error, res.ErrorDescription)
	}
	if err := adapter.VerifyState(a.secret, res.State, a.desc.Name, stateTTL); err != nil {
		return nil, &adapter.AuthError{
			Kind:        adapter.KindInvalidGrant,
			Provider:    a.desc.Name,
			Description: "authorization response failed state verification",
			Err:         err,
		}
	}

	tok, err := a.conf.Exchange(ctx, res.Code,
		oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, adapter.Classify(a.desc.Name, err)
	}

	identity, err := a.identityFromToken(ctx, tok)
	if err != nil {
		return nil, adapter.Classify(a.desc.Name, err)
	}

	return &adapter.Grant{
		Credential: adapter.Credential{
			Provider:     a.desc.Name,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
			Scopes:       grantedScopes(tok, a.conf.Scopes),
		},
		Identity: *identity,
	}, nil
}

// Refresh exchanges the refresh token for a fresh access token, keeping the
// old refresh token when Google does not rotate it.
func (a *Adapter) Refresh(ctx context.Context, cred adapter.Credential) (*adapter.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, adapter.NewAuthError(adapter.KindInvalidGrant, a.desc.Name, "no refresh token available")
	}
	// Force the token source to treat the access token as stale.
	ts := a.conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})
	newTok, err := ts.Token()
	if err != nil {
		return nil, adapter.Classify(a.desc.Name, err)
	}
	refreshToken := newTok.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}
	return &adapter.Credential{
		Provider:     a.desc.Name,
		AccessToken:  newTok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    newTok.Expiry,
		Scopes:       grantedScopes(newTok, cred.Scopes),
	}, nil
}

// FetchIdentity resolves the Google identity from the OIDC userinfo endpoint.
func (a *Adapter) FetchIdentity(ctx context.Context, accessToken string) (*adapter.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.desc.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, adapter.Classify(a.desc.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, adapter.NewAuthError(adapter.KindTokenExpired, a.desc.Name, "userinfo rejected token")
	}
	if resp.StatusCode/100 != 2 {
		return nil, adapter.NewAuthError(adapter.KindUnknown, a.desc.Name, fmt.Sprintf("userinfo http %d", resp.StatusCode))
	}

	var doc struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return &adapter.Identity{
		Provider: a.desc.Name,
		Subject:  doc.Sub,
		Email:    doc.Email,
		Name:     doc.Name,
	}, nil
}

// Revoke invalidates the Google-side grant. Revoking either token of the
// pair invalidates both.
func (a *Adapter) Revoke(ctx context.Context, cred adapter.Credential) error {
	token := cred.RefreshToken
	if token == "" {
		token = cred.AccessToken
	}
	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, "POST", a.desc.RevocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		return adapter.Classify(a.desc.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return adapter.NewAuthError(adapter.KindUnknown, a.desc.Name, fmt.Sprintf("revoke http %d", resp.StatusCode))
	}
	return nil
}

// identityFromToken prefers the id_token claims (the token arrived over
// Google's TLS token endpoint, so a signature check adds nothing here) and
// falls back to the userinfo endpoint when no id_token was issued.
func (a *Adapter) identityFromToken(ctx context.Context, tok *oauth2.Token) (*adapter.Identity, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return a.FetchIdentity(ctx, tok.AccessToken)
	}
	claims := jwtv5.MapClaims{}
	if _, _, err := jwtv5.NewParser().ParseUnverified(raw, claims); err != nil {
		slog.Warn("gmail: failed to parse id_token, falling back to userinfo", "err", err)
		return a.FetchIdentity(ctx, tok.AccessToken)
	}
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	if sub == "" {
		return a.FetchIdentity(ctx, tok.AccessToken)
	}
	return &adapter.Identity{
		Provider: a.desc.Name,
		Subject:  sub,
		Email:    email,
		Name:     name,
	}, nil
}

// grantedScopes reads the space-separated scope list Google echoes back on
// the token response, falling back to the requested set.
func grantedScopes(tok *oauth2.Token, requested []string) []string {
	if s, _ := tok.Extra("scope").(string); s != "" {
		return strings.Fields(s)
	}
	return requested
}

// SearchMessages queries the user's mailbox for candidate receipt messages.
// Results carry subject and sender headers resolved with one metadata fetch
// per message.
func (a *Adapter) SearchMessages(ctx context.Context, accessToken, query string, max int) ([]adapter.Message, error) {
	if max <= 0 {
		max = 25
	}
	u, err := url.Parse(a.messages)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("maxResults", strconv.Itoa(max))
	u.RawQuery = q.Encode()

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := a.getJSON(ctx, accessToken, u.String(), &list); err != nil {
		return nil, err
	}

	out := make([]adapter.Message, 0, len(list.Messages))
	for _, m := range list.Messages {
		msg, err := a.fetchMessage(ctx, accessToken, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (a *Adapter) fetchMessage(ctx context.Context, accessToken, id string) (*adapter.Message, error) {
	u := fmt.Sprintf("%s/%s?format=metadata&metadataHeaders=Subject&metadataHeaders=From", a.messages, url.PathEscape(id))
	var doc struct {
		ID           string `json:"id"`
		Snippet      string `json:"snippet"`
		InternalDate string `json:"internalDate"` // epoch millis as string
		Payload      struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
		} `json:"payload"`
	}
	if err := a.getJSON(ctx, accessToken, u, &doc); err != nil {
		return nil, err
	}
	msg := &adapter.Message{ID: doc.ID, Snippet: doc.Snippet}
	for _, h := range doc.Payload.Headers {
		switch h.Name {
		case "Subject":
			msg.Subject = h.Value
		case "From":
			msg.From = h.Value
		}
	}
	if ms, err := strconv.ParseInt(doc.InternalDate, 10, 64); err == nil {
		msg.Received = time.UnixMilli(ms)
	}
	return msg, nil
}

func (a *Adapter) getJSON(ctx context.Context, accessToken, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return adapter.Classify(a.desc.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return adapter.NewAuthError(adapter.KindTokenExpired, a.desc.Name, "gmail api rejected token")
	}
	if resp.StatusCode/100 != 2 {
		return adapter.NewAuthError(adapter.KindUnknown, a.desc.Name, fmt.Sprintf("gmail api http %d", resp.StatusCode))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
