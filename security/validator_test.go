package security

import (
	"strings"
	"testing"
	"time"

	"github.com/Seann-Moser/mailauth/providers"
)

func gmailDesc(clientID string) providers.Descriptor {
	d := providers.Gmail(clientID, "secret", "https://app.example.com/oauth/callback")
	return d
}

func TestValidateConfiguration_PlaceholderClientID(t *testing.T) {
	desc := gmailDesc("YOUR_CLIENT_ID")
	desc.Scopes = []string{"https://www.googleapis.com/auth/gmail.readonly"}

	sub := ValidateConfiguration(desc)
	if sub.Level != LevelVulnerable {
		t.Fatalf("level = %s; want vulnerable", sub.Level)
	}
	found := false
	for _, issue := range sub.Issues {
		if strings.Contains(issue, "client identifier") {
			found = true
		}
	}
	if !found {
		t.Errorf("issues should mention the client identifier, got %v", sub.Issues)
	}
}

func TestValidateConfiguration_Clean(t *testing.T) {
	sub := ValidateConfiguration(gmailDesc("1234567890-real.apps.googleusercontent.com"))
	if sub.Level != LevelSecure {
		t.Errorf("level = %s; want secure (issues: %v)", sub.Level, sub.Issues)
	}
}

func TestValidateConfiguration_HTTPRedirect(t *testing.T) {
	desc := gmailDesc("1234567890-real.apps.googleusercontent.com")
	desc.RedirectURL = "http://app.example.com/cb"
	if sub := ValidateConfiguration(desc); sub.Level != LevelVulnerable {
		t.Errorf("non-HTTPS redirect should be vulnerable, got %s", sub.Level)
	}

	// Plain HTTP on localhost is fine during development.
	desc.RedirectURL = "http://localhost:3000/cb"
	if sub := ValidateConfiguration(desc); sub.Level != LevelSecure {
		t.Errorf("localhost redirect should be secure, got %s (%v)", sub.Level, sub.Issues)
	}
}

func TestValidateConfiguration_EmptyScopes(t *testing.T) {
	desc := gmailDesc("1234567890-real.apps.googleusercontent.com")
	desc.Scopes = nil
	sub := ValidateConfiguration(desc)
	if sub.Level != LevelWarning {
		t.Errorf("empty scope set should warn, got %s", sub.Level)
	}
}

func TestValidateToken_ExpiredWithoutRefresh(t *testing.T) {
	sub := ValidateToken(TokenDetails{
		Provider:             "gmail",
		Authenticated:        true,
		ExpiresAt:            time.Now().Add(-time.Second),
		HasRefreshToken:      false,
		RequiresRefreshToken: true,
	})
	if sub.Level != LevelVulnerable {
		t.Fatalf("level = %s; want vulnerable", sub.Level)
	}
	var expired, noRefresh bool
	for _, issue := range sub.Issues {
		if strings.Contains(issue, "token has expired") {
			expired = true
		}
		if strings.Contains(issue, "no refresh token available") {
			noRefresh = true
		}
	}
	if !expired || !noRefresh {
		t.Errorf("issues = %v; want both expiry and missing-refresh flagged", sub.Issues)
	}
}

func TestValidateToken_ExpiringSoon(t *testing.T) {
	sub := ValidateToken(TokenDetails{
		Provider:      "gmail",
		Authenticated: true,
		ExpiresAt:     time.Now().Add(30 * time.Minute),
	})
	if sub.Level != LevelWarning {
		t.Errorf("level = %s; want warning", sub.Level)
	}
}

func TestValidateToken_MissingRequiredScope(t *testing.T) {
	sub := ValidateToken(TokenDetails{
		Provider:       "gmail",
		Authenticated:  true,
		ExpiresAt:      time.Now().Add(2 * time.Hour),
		Scopes:         []string{"email"},
		RequiredScopes: []string{"email", "https://www.googleapis.com/auth/gmail.readonly"},
	})
	if sub.Level != LevelVulnerable {
		t.Errorf("level = %s; want vulnerable", sub.Level)
	}
}

func TestValidateToken_NotAuthenticated(t *testing.T) {
	sub := ValidateToken(TokenDetails{Provider: "gmail"})
	if sub.Level != LevelWarning {
		t.Errorf("level = %s; want warning for missing credential", sub.Level)
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name string
		rc   RequestContext
		want Level
	}{
		{"clean", RequestContext{URL: "https://app.example.com", State: "s", UsesPKCE: true, PublicClient: true}, LevelSecure},
		{"http origin", RequestContext{URL: "http://app.example.com", State: "s", UsesPKCE: true}, LevelVulnerable},
		{"localhost http", RequestContext{URL: "http://127.0.0.1:8080", State: "s", UsesPKCE: true}, LevelSecure},
		{"missing state", RequestContext{URL: "https://app.example.com", UsesPKCE: true}, LevelVulnerable},
		{"public client without pkce", RequestContext{URL: "https://app.example.com", State: "s", PublicClient: true}, LevelVulnerable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if sub := ValidateRequest(tt.rc); sub.Level != tt.want {
				t.Errorf("level = %s; want %s (issues: %v)", sub.Level, tt.want, sub.Issues)
			}
		})
	}
}

func TestGenerateReport_AbsentInputs(t *testing.T) {
	report := GenerateReport(gmailDesc("1234567890-real.apps.googleusercontent.com"), nil, nil)
	if report.Token != nil || report.Request != nil {
		t.Errorf("absent inputs should yield absent sub-reports")
	}
	if report.Configuration == nil {
		t.Fatalf("configuration sub-report should always be present")
	}
	if report.Overall != LevelSecure {
		t.Errorf("overall = %s; want secure", report.Overall)
	}
}

func TestGenerateReport_OverallIsWorst(t *testing.T) {
	td := &TokenDetails{
		Provider:      "gmail",
		Authenticated: true,
		ExpiresAt:     time.Now().Add(-time.Second),
	}
	report := GenerateReport(gmailDesc("1234567890-real.apps.googleusercontent.com"), td, nil)
	if report.Overall != LevelVulnerable {
		t.Errorf("overall = %s; want vulnerable", report.Overall)
	}
	if len(report.AllIssues()) == 0 {
		t.Errorf("expected unioned issues")
	}
	if len(report.AllRecommendations()) == 0 {
		t.Errorf("expected unioned recommendations")
	}
}

func TestCanProceed(t *testing.T) {
	vulnerable := Report{Overall: LevelVulnerable}
	if CanProceed(vulnerable, LevelWarning) {
		t.Errorf("vulnerable report must not proceed at warning minimum")
	}
	if CanProceed(vulnerable, LevelSecure) {
		t.Errorf("vulnerable report must not proceed at secure minimum")
	}

	secure := Report{Overall: LevelSecure}
	if !CanProceed(secure, LevelSecure) {
		t.Errorf("secure report should proceed at secure minimum")
	}

	warning := Report{Overall: LevelWarning}
	if !CanProceed(warning, LevelWarning) {
		t.Errorf("warning report should proceed at warning minimum")
	}
	if CanProceed(warning, LevelSecure) {
		t.Errorf("warning report must not proceed at secure minimum")
	}
}
