package providers

import (
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"
)

// Registry is a read-only set of provider descriptors keyed by name.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry builds a registry from the given descriptors. Duplicate names
// are rejected so two components can never disagree on a provider's config.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	m := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("providers: descriptor with empty name")
		}
		if _, ok := m[d.Name]; ok {
			return nil, fmt.Errorf("providers: duplicate descriptor %q", d.Name)
		}
		m[d.Name] = d
	}
	return &Registry{descriptors: m}, nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// Names returns all provider names in stable order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every descriptor in stable name order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, name := range r.Names() {
		out = append(out, r.descriptors[name])
	}
	return out
}

// FromEnv loads the built-in gmail and outlook descriptors, filling client
// credentials from the environment (optionally seeded from a .env file).
// Missing or placeholder values are kept as-is; the security validator flags
// them instead of failing startup.
func FromEnv() (*Registry, error) {
	// Best effort; a missing .env just means plain env vars.
	_ = godotenv.Load()

	gmail := Gmail(
		os.Getenv("GMAIL_CLIENT_ID"),
		os.Getenv("GMAIL_CLIENT_SECRET"),
		os.Getenv("GMAIL_REDIRECT_URL"),
	)
	outlook := Outlook(
		os.Getenv("OUTLOOK_CLIENT_ID"),
		os.Getenv("OUTLOOK_CLIENT_SECRET"),
		os.Getenv("OUTLOOK_REDIRECT_URL"),
	)
	return NewRegistry(gmail, outlook)
}

// Gmail returns the descriptor for Google's Gmail provider.
func Gmail(clientID, clientSecret, redirectURL string) Descriptor {
	return Descriptor{
		Name:          "gmail",
		DisplayName:   "Gmail",
		AuthURL:       "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:      "https://oauth2.googleapis.com/token",
		UserInfoURL:   "https://openidconnect.googleapis.com/v1/userinfo",
		RevocationURL: "https://oauth2.googleapis.com/revoke",
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		RedirectURL:   redirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"openid",
			"email",
			"profile",
		},
		RequiresRefreshToken: true,
		ExplicitExpiry:       true,
	}
}

// Outlook returns the descriptor for the Microsoft identity platform.
// Microsoft renews tokens inside its own platform flow and does not expose a
// revocation endpoint, so ExplicitExpiry is false and RevocationURL is empty.
func Outlook(clientID, clientSecret, redirectURL string) Descriptor {
	return Descriptor{
		Name:         "outlook",
		DisplayName:  "Outlook",
		AuthURL:      "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL:     "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		UserInfoURL:  "https://graph.microsoft.com/v1.0/me",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"https://graph.microsoft.com/Mail.Read",
			"offline_access",
			"User.Read",
		},
		RequiresRefreshToken: false,
		ExplicitExpiry:       false,
	}
}
