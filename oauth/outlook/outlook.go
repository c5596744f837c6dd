// Package outlook implements the provider adapter for the Microsoft identity
// platform. Unlike Google, Microsoft manages token renewal inside its own
// platform flow: the adapter records no absolute expiry and the token manager
// refreshes on a fixed polling interval instead.
package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/Seann-Moser/mailauth/oauth/adapter"
	"github.com/Seann-Moser/mailauth/providers"
)

const (
	defaultMessagesEndpoint = "https://graph.microsoft.com/v1.0/me/messages"

	stateTTL = 10 * time.Minute
)

// Adapter is the Microsoft identity platform adapter.
type Adapter struct {
	desc     providers.Descriptor
	conf     *oauth2.Config
	http     *http.Client
	secret   []byte
	messages string // messages API endpoint, overridable in tests
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates an Outlook adapter.
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

// Authorize opens the consent page, waits for the callback, verifies state
// and exchanges the code. Identity comes from Graph /me.
func (a *Adapter) Authorize(ctx context.Context, ch adapter.Channel) (*adapter.Grant, error) {
	state, err := adapter.SignState(a.secret, a.desc.Name)
	if err != nil {
		return nil, adapter.Classify(a.desc.Name, err)
	}

	authURL := a.conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "query"))

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

	tok, err := a.conf.Exchange(ctx, res.Code)
	if err != nil {
		return nil, adapter.Classify(a.desc.Name, err)
	}

	identity, err := a.FetchIdentity(ctx, tok.AccessToken)
	if err != nil {
		return nil, adapter.Classify(a.desc.Name, err)
	}

	return &adapter.Grant{
		Credential: adapter.Credential{
			Provider:     a.desc.Name,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			// Expiry deliberately not recorded; the platform renews and the
			// manager polls on its fixed interval.
			Scopes: a.conf.Scopes,
		},
		Identity: *identity,
	}, nil
}

// Refresh exchanges the refresh token for a new pair. Microsoft rotates
// refresh tokens, so the returned credential may carry a new one.
func (a *Adapter) Refresh(ctx context.Context, cred adapter.Credential) (*adapter.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, adapter.NewAuthError(adapter.KindInvalidGrant, a.desc.Name, "no refresh token available")
	}
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
		Scopes:       cred.Scopes,
	}, nil
}

// FetchIdentity resolves the signed-in account from Graph /me.
func (a *Adapter) FetchIdentity(ctx context.Context, accessToken string) (*adapter.Identity, error) {
	var doc struct {
		ID                string `json:"id"`
		DisplayName       string `json:"displayName"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := a.getJSON(ctx, accessToken, a.desc.UserInfoURL, &doc); err != nil {
		return nil, err
	}
	email := doc.Mail
	if email == "" {
		// Personal accounts often leave mail unset.
		email = doc.UserPrincipalName
	}
	return &adapter.Identity{
		Provider: a.desc.Name,
		Subject:  doc.ID,
		Email:    email,
		Name:     doc.DisplayName,
	}, nil
}

// Revoke is a no-op: the Microsoft identity platform exposes no token
// revocation endpoint for this flow. Local cleanup is the manager's job.
func (a *Adapter) Revoke(ctx context.Context, cred adapter.Credential) error {
	slog.Debug("outlook: provider has no revocation endpoint, skipping remote revoke")
	return nil
}

// SearchMessages queries the mailbox through Graph $search.
func (a *Adapter) SearchMessages(ctx context.Context, accessToken, query string, max int) ([]adapter.Message, error) {
	if max <= 0 {
		max = 25
	}
	u, err := url.Parse(a.messages)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("$search", fmt.Sprintf("%q", query))
	q.Set("$top", strconv.Itoa(max))
	q.Set("$select", "id,subject,bodyPreview,from,receivedDateTime")
	u.RawQuery = q.Encode()

	var doc struct {
		Value []struct {
			ID          string `json:"id"`
			Subject     string `json:"subject"`
			BodyPreview string `json:"bodyPreview"`
			From        struct {
				EmailAddress struct {
					Address string `json:"address"`
				} `json:"emailAddress"`
			} `json:"from"`
			ReceivedDateTime time.Time `json:"receivedDateTime"`
		} `json:"value"`
	}
	if err := a.getJSON(ctx, accessToken, u.String(), &doc); err != nil {
		return nil, err
	}

	out := make([]adapter.Message, 0, len(doc.Value))
	for _, m := range doc.Value {
		out = append(out, adapter.Message{
			ID:       m.ID,
			Subject:  m.Subject,
			Snippet:  m.BodyPreview,
			From:     m.From.EmailAddress.Address,
			Received: m.ReceivedDateTime,
		})
	}
	return out, nil
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
		return adapter.NewAuthError(adapter.KindTokenExpired, a.desc.Name, "graph rejected token")
	}
	if resp.StatusCode/100 != 2 {
		return adapter.NewAuthError(adapter.KindUnknown, a.desc.Name, fmt.Sprintf("graph http %d", resp.StatusCode))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
