package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/Seann-Moser/mailauth/providers"
	"github.com/Seann-Moser/mailauth/utils"
)

// expiryWarningWindow is how close to expiry a token may get before the
// validator starts warning about it.
const expiryWarningWindow = time.Hour

// placeholderMarkers are substrings that betray a client id copied from
// documentation instead of a real registration.
var placeholderMarkers = []string{
	"your_client_id",
	"your-client-id",
	"client_id_here",
	"changeme",
	"change_me",
	"placeholder",
	"xxxxxxxx",
	"example",
}

func isPlaceholder(v string) bool {
	if v == "" {
		return true
	}
	lower := strings.ToLower(v)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ValidateConfiguration inspects a provider descriptor for setup mistakes
// that make any authorization attempt unsafe or doomed.
func ValidateConfiguration(desc providers.Descriptor) SubReport {
	var sub SubReport

	if isPlaceholder(desc.ClientID) {
		sub.flag(LevelVulnerable,
			fmt.Sprintf("%s: client identifier is missing or a placeholder", desc.Name),
			"register the application with the provider and set the real client id")
	}
	if desc.RedirectURL == "" {
		sub.flag(LevelVulnerable,
			fmt.Sprintf("%s: redirect URL is not configured", desc.Name),
			"configure the redirect URL registered with the provider")
	} else if !utils.IsHTTPS(desc.RedirectURL) && !utils.IsLocal(utils.Hostname(desc.RedirectURL)) {
		sub.flag(LevelVulnerable,
			fmt.Sprintf("%s: redirect URL %q is not HTTPS", desc.Name, desc.RedirectURL),
			"use an https redirect target outside local development")
	}
	if len(desc.Scopes) == 0 {
		sub.flag(LevelWarning,
			fmt.Sprintf("%s: scope set is empty", desc.Name),
			"request the minimal scope set the integration needs")
	}
	if desc.AuthURL == "" || desc.TokenURL == "" {
		sub.flag(LevelVulnerable,
			fmt.Sprintf("%s: authorization or token endpoint is not configured", desc.Name),
			"")
	}

	return sub
}

// ValidateToken inspects a stored credential snapshot.
func ValidateToken(d TokenDetails) SubReport {
	var sub SubReport

	if !d.Authenticated {
		sub.flag(LevelWarning,
			fmt.Sprintf("%s: no credential stored", d.Provider),
			"connect the account to import receipts")
		return sub
	}

	now := time.Now()
	if !d.ExpiresAt.IsZero() {
		switch {
		case !now.Before(d.ExpiresAt):
			sub.flag(LevelVulnerable,
				fmt.Sprintf("%s: token has expired", d.Provider),
				"refresh the token or re-authenticate")
		case d.ExpiresAt.Sub(now) < expiryWarningWindow:
			sub.flag(LevelWarning,
				fmt.Sprintf("%s: token expires within the hour", d.Provider),
				"a refresh is scheduled; verify it succeeds")
		}
	}

	if d.RequiresRefreshToken && !d.HasRefreshToken {
		sub.flag(LevelWarning,
			fmt.Sprintf("%s: no refresh token available", d.Provider),
			"re-authenticate requesting offline access")
	}

	for _, required := range d.RequiredScopes {
		if !containsScope(d.Scopes, required) {
			sub.flag(LevelVulnerable,
				fmt.Sprintf("%s: granted scopes missing required scope %q", d.Provider, required),
				"re-authenticate to grant the missing scope")
		}
	}

	return sub
}

// ValidateRequest inspects the context of an authorization request about to
// be issued.
func ValidateRequest(rc RequestContext) SubReport {
	var sub SubReport

	if rc.URL != "" && !utils.IsHTTPS(rc.URL) && !utils.IsLocal(utils.Hostname(rc.URL)) {
		sub.flag(LevelVulnerable,
			fmt.Sprintf("request origin %q is not HTTPS", rc.URL),
			"serve the application over https")
	}
	if rc.State == "" {
		sub.flag(LevelVulnerable,
			"missing anti-forgery state parameter",
			"attach a signed state parameter to the authorization request")
	}
	if rc.PublicClient && !rc.UsesPKCE {
		sub.flag(LevelVulnerable,
			"public client without PKCE",
			"use the S256 code challenge for public clients")
	}

	return sub
}

// GenerateReport runs whichever sub-validations have inputs and aggregates
// them. A nil token or request context simply omits that sub-report.
func GenerateReport(desc providers.Descriptor, token *TokenDetails, request *RequestContext) Report {
	report := Report{
		Provider:    desc.Name,
		GeneratedAt: time.Now(),
	}

	cfg := ValidateConfiguration(desc)
	report.Configuration = &cfg
	report.Overall = cfg.Level

	if token != nil {
		sub := ValidateToken(*token)
		report.Token = &sub
		report.Overall = worst(report.Overall, sub.Level)
	}
	if request != nil {
		sub := ValidateRequest(*request)
		report.Request = &sub
		report.Overall = worst(report.Overall, sub.Level)
	}

	return report
}

// CanProceed reports whether the overall level satisfies the caller's
// minimum. A caller requiring at least LevelWarning refuses vulnerable
// reports; one requiring LevelSecure refuses anything flagged at all.
func CanProceed(report Report, minimum Level) bool {
	return report.Overall <= minimum
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
