package providers

// Descriptor holds the static description of one supported identity provider.
// Built once at startup and never mutated afterwards.
type Descriptor struct {
	Name        string `json:"name"`         // e.g. "gmail", "outlook"
	DisplayName string `json:"display_name"` // shown in connect dialogs

	AuthURL       string `json:"auth_url"`
	TokenURL      string `json:"token_url"`
	UserInfoURL   string `json:"user_info_url"`
	RevocationURL string `json:"revocation_url,omitempty"` // empty: protocol has no revocation endpoint

	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"` // required scope set for this provider

	// RequiresRefreshToken marks providers whose access tokens are short-lived
	// and useless without offline access.
	RequiresRefreshToken bool `json:"requires_refresh_token"`

	// ExplicitExpiry is false for providers that renew tokens internally and
	// never report an absolute expiry; the token manager falls back to fixed
	// interval polling for those.
	ExplicitExpiry bool `json:"explicit_expiry"`
}

// HasScope reports whether the descriptor's required scope set contains s.
func (d Descriptor) HasScope(s string) bool {
	for _, have := range d.Scopes {
		if have == s {
			return true
		}
	}
	return false
}
