package security

import (
	"encoding/json"
	"time"
)

// Level is the coarse severity classification used throughout the validator.
type Level int

const (
	LevelSecure Level = iota
	LevelWarning
	LevelVulnerable
)

func (l Level) String() string {
	switch l {
	case LevelSecure:
		return "secure"
	case LevelWarning:
		return "warning"
	case LevelVulnerable:
		return "vulnerable"
	}
	return "unknown"
}

// MarshalJSON renders levels as their string names for dashboards.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// worst returns the more severe of two levels.
func worst(a, b Level) Level {
	if b > a {
		return b
	}
	return a
}

// SubReport is the outcome of one validation dimension.
type SubReport struct {
	Level           Level    `json:"level"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

func (s *SubReport) flag(level Level, issue, recommendation string) {
	s.Level = worst(s.Level, level)
	s.Issues = append(s.Issues, issue)
	if recommendation != "" {
		s.Recommendations = append(s.Recommendations, recommendation)
	}
}

// Report aggregates the sub-validations that were supplied. Absent inputs
// yield absent sub-reports, never errors. Overall is always the worst of the
// present sub-levels.
type Report struct {
	Provider      string     `json:"provider"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Configuration *SubReport `json:"configuration,omitempty"`
	Token         *SubReport `json:"token,omitempty"`
	Request       *SubReport `json:"request,omitempty"`
	Overall       Level      `json:"overall"`
}

// Issues unions every issue across present sub-reports.
func (r Report) AllIssues() []string {
	var out []string
	for _, sub := range []*SubReport{r.Configuration, r.Token, r.Request} {
		if sub != nil {
			out = append(out, sub.Issues...)
		}
	}
	return out
}

// Recommendations unions every recommendation across present sub-reports.
func (r Report) AllRecommendations() []string {
	var out []string
	for _, sub := range []*SubReport{r.Configuration, r.Token, r.Request} {
		if sub != nil {
			out = append(out, sub.Recommendations...)
		}
	}
	return out
}

// TokenDetails is the credential snapshot the token validator inspects. It
// carries the provider's requirements alongside so the validator stays pure.
type TokenDetails struct {
	Provider             string
	Authenticated        bool
	ExpiresAt            time.Time // zero: provider renews internally
	HasRefreshToken      bool
	Scopes               []string
	RequiresRefreshToken bool
	RequiredScopes       []string
}

// RequestContext describes one authorization request about to be made.
type RequestContext struct {
	URL          string // redirect target or origin of the request
	State        string // anti-forgery state parameter, empty if absent
	UsesPKCE     bool
	PublicClient bool
}
