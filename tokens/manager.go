package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Seann-Moser/mailauth/oauth/adapter"
	"github.com/Seann-Moser/mailauth/providers"
	"github.com/Seann-Moser/mailauth/security"
)

const (
	// refreshMargin is how long before expiry a scheduled refresh fires.
	refreshMargin = 5 * time.Minute
	// minRefreshDelay clamps the timer so near-expired tokens cannot cause
	// refresh storms.
	minRefreshDelay = time.Minute
	// pollInterval is the fallback cadence for providers that renew
	// internally and expose no absolute expiry.
	pollInterval = 30 * time.Minute
	// expirySkew treats tokens this close to expiry as already expired on
	// read, matching the safety window used when storing.
	expirySkew = time.Minute

	scheduledRefreshTimeout = 30 * time.Second
)

// record is the persisted unit: one credential plus its identity. The
// identity is lifetime-bound to the credential and replaced wholesale on
// re-authentication.
type record struct {
	Credential adapter.Credential `json:"credential"`
	Identity   adapter.Identity   `json:"identity"`
	StoredAt   time.Time          `json:"stored_at"`
}

// TokenInfo is a synchronous snapshot of a provider's credential state. It
// never triggers network calls.
type TokenInfo struct {
	Provider        string        `json:"provider"`
	Authenticated   bool          `json:"authenticated"`
	Email           string        `json:"email,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at,omitzero"`
	ExpiresIn       time.Duration `json:"expires_in,omitempty"`
	HasRefreshToken bool          `json:"has_refresh_token"`
	Scopes          []string      `json:"scopes,omitempty"`
}

// ValidationResult is the outcome of a live token validation.
type ValidationResult struct {
	Valid    bool
	Identity *adapter.Identity
	Err      error
}

// ProviderHealth is one provider's entry in a health report.
type ProviderHealth struct {
	Provider      string        `json:"provider"`
	Authenticated bool          `json:"authenticated"`
	Valid         bool          `json:"valid"`
	ExpiresIn     time.Duration `json:"expires_in,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// HealthReport covers every registered provider.
type HealthReport struct {
	CheckedAt time.Time                 `json:"checked_at"`
	Providers map[string]ProviderHealth `json:"providers"`
}

// Healthy reports whether every authenticated provider validated cleanly.
func (r HealthReport) Healthy() bool {
	for _, p := range r.Providers {
		if p.Authenticated && !p.Valid {
			return false
		}
	}
	return true
}

// Manager owns the credential store and every credential's lifecycle:
// storage, proactive refresh scheduling, validation and revocation. All
// mutations for a provider are serialized through the manager; nothing else
// touches the store.
type Manager struct {
	registry *providers.Registry
	adapters map[string]adapter.Adapter
	store    Store
	monitor  *security.Monitor
	log      *slog.Logger

	mu     sync.Mutex
	cache  map[string]*record
	timers map[string]*time.Timer
	locks  map[string]*sync.Mutex
	closed bool

	// group collapses concurrent refreshes for the same provider into one
	// network call; late callers wait for the winner's result.
	group singleflight.Group
}

// NewManager wires a manager over the given adapters and store.
func NewManager(registry *providers.Registry, adapters []adapter.Adapter, store Store, monitor *security.Monitor) *Manager {
	byName := make(map[string]adapter.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Provider()] = a
	}
	return &Manager{
		registry: registry,
		adapters: byName,
		store:    store,
		monitor:  monitor,
		log:      slog.Default().With("component", "tokens"),
		cache:    make(map[string]*record),
		timers:   make(map[string]*time.Timer),
		locks:    make(map[string]*sync.Mutex),
	}
}

func storeKey(provider string) string { return "credential:" + provider }

// lockProvider returns the mutex serializing store and timer mutations for
// one provider. Put, Revoke and the refresh commit all take it, so a revoke
// or re-authentication can never interleave with a refresh landing.
func (m *Manager) lockProvider(provider string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[provider]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[provider] = l
	}
	return l
}

// Warm loads persisted credentials for every registered provider into the
// cache and schedules their refresh timers. Call once at startup.
func (m *Manager) Warm(ctx context.Context) error {
	for _, name := range m.registry.Names() {
		rec, err := m.load(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("tokens: warming %s: %w", name, err)
		}
		m.schedule(name, rec.Credential)
	}
	return nil
}

// Put stores a fresh grant for its provider, replacing any existing
// credential and identity, and schedules the next refresh. Concurrent
// authorization attempts converge here on a single stored credential.
func (m *Manager) Put(ctx context.Context, grant adapter.Grant) error {
	provider := grant.Credential.Provider
	if _, ok := m.registry.Get(provider); !ok {
		return adapter.NewAuthError(adapter.KindConfiguration, provider, "unknown provider")
	}
	rec := &record{
		Credential: grant.Credential,
		Identity:   grant.Identity,
		StoredAt:   time.Now().UTC(),
	}

	l := m.lockProvider(provider)
	l.Lock()
	defer l.Unlock()
	if err := m.persist(ctx, provider, rec); err != nil {
		return err
	}
	m.schedule(provider, rec.Credential)
	m.monitor.Log(security.Event{
		Type:     security.EventTokenStored,
		Provider: provider,
		Message:  "credential stored",
		Detail:   map[string]string{"email": grant.Identity.Email},
	})
	return nil
}

// GetAccessToken returns a live access token for the provider, refreshing
// first when the stored token is expired or inside the safety window. It
// never returns a stale expired token. Requested scopes must all have been
// granted.
func (m *Manager) GetAccessToken(ctx context.Context, provider string, scopes ...string) (string, error) {
	rec, err := m.load(ctx, provider)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", adapter.NewAuthError(adapter.KindInteractionRequired, provider, "not authenticated")
		}
		return "", err
	}

	for _, s := range scopes {
		if !rec.Credential.HasScope(s) {
			return "", adapter.NewAuthError(adapter.KindConsentRequired, provider,
				fmt.Sprintf("scope %q was not granted", s))
		}
	}

	cred := rec.Credential
	if cred.Expired(time.Now().Add(expirySkew)) {
		fresh, err := m.refresh(ctx, provider)
		if err != nil {
			return "", err
		}
		return fresh.AccessToken, nil
	}
	return cred.AccessToken, nil
}

// Validate checks the credential against the provider by fetching the live
// identity. Failures are reported in the result, not raised.
func (m *Manager) Validate(ctx context.Context, provider string) ValidationResult {
	token, err := m.GetAccessToken(ctx, provider)
	if err != nil {
		return ValidationResult{Err: err}
	}
	ad, ok := m.adapters[provider]
	if !ok {
		return ValidationResult{Err: adapter.NewAuthError(adapter.KindConfiguration, provider, "no adapter registered")}
	}
	identity, err := ad.FetchIdentity(ctx, token)
	if err != nil {
		return ValidationResult{Err: adapter.Classify(provider, err)}
	}
	return ValidationResult{Valid: true, Identity: identity}
}

// Refresh forces a refresh now, replacing the scheduled timer on success.
func (m *Manager) Refresh(ctx context.Context, provider string) error {
	_, err := m.refresh(ctx, provider)
	return err
}

// Revoke invalidates the provider-side session where supported, clears the
// local credential and identity, and cancels the pending refresh timer — in
// that order. A failed remote revocation is logged and does not abort local
// cleanup. Revoking an unauthenticated provider is a no-op.
func (m *Manager) Revoke(ctx context.Context, provider string) error {
	rec, err := m.load(ctx, provider)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if ad, ok := m.adapters[provider]; ok {
		if err := ad.Revoke(ctx, rec.Credential); err != nil {
			m.log.Warn("remote revoke failed, continuing local cleanup", "provider", provider, "err", err)
			m.monitor.Log(security.Event{
				Type:     security.EventRevokeFailed,
				Provider: provider,
				Severity: security.SeverityWarning,
				Message:  err.Error(),
			})
		}
	}

	l := m.lockProvider(provider)
	l.Lock()
	if err := m.store.Delete(ctx, storeKey(provider)); err != nil {
		l.Unlock()
		return fmt.Errorf("tokens: clearing credential for %s: %w", provider, err)
	}
	m.mu.Lock()
	delete(m.cache, provider)
	if t := m.timers[provider]; t != nil {
		t.Stop()
		delete(m.timers, provider)
	}
	m.mu.Unlock()
	l.Unlock()

	m.monitor.Log(security.Event{
		Type:     security.EventTokenRevoked,
		Provider: provider,
		Message:  "credential revoked and cleared",
	})
	return nil
}

// Info returns a synchronous snapshot from the cache; no store or network
// access. Call Warm at startup so restarts do not report unauthenticated.
func (m *Manager) Info(provider string) TokenInfo {
	m.mu.Lock()
	rec := m.cache[provider]
	m.mu.Unlock()

	info := TokenInfo{Provider: provider}
	if rec == nil {
		return info
	}
	info.Authenticated = true
	info.Email = rec.Identity.Email
	info.ExpiresAt = rec.Credential.ExpiresAt
	if !rec.Credential.ExpiresAt.IsZero() {
		info.ExpiresIn = time.Until(rec.Credential.ExpiresAt)
	}
	info.HasRefreshToken = rec.Credential.RefreshToken != ""
	info.Scopes = rec.Credential.Scopes
	return info
}

// Details builds the validator's credential snapshot for the provider,
// joining the cached state with the descriptor's requirements.
func (m *Manager) Details(provider string) security.TokenDetails {
	info := m.Info(provider)
	d := security.TokenDetails{
		Provider:        provider,
		Authenticated:   info.Authenticated,
		ExpiresAt:       info.ExpiresAt,
		HasRefreshToken: info.HasRefreshToken,
		Scopes:          info.Scopes,
	}
	if desc, ok := m.registry.Get(provider); ok {
		d.RequiresRefreshToken = desc.RequiresRefreshToken
		d.RequiredScopes = desc.Scopes
	}
	return d
}

// HealthCheck validates every registered provider and aggregates the result.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{
		CheckedAt: time.Now(),
		Providers: make(map[string]ProviderHealth, len(m.registry.Names())),
	}
	for _, name := range m.registry.Names() {
		info := m.Info(name)
		h := ProviderHealth{Provider: name, Authenticated: info.Authenticated, ExpiresIn: info.ExpiresIn}
		if info.Authenticated {
			res := m.Validate(ctx, name)
			h.Valid = res.Valid
			if res.Err != nil {
				h.Error = res.Err.Error()
			}
		}
		report.Providers[name] = h
	}
	severity := security.SeverityInfo
	if !report.Healthy() {
		severity = security.SeverityWarning
	}
	m.monitor.Log(security.Event{
		Type:     security.EventHealthCheck,
		Severity: severity,
		Message:  fmt.Sprintf("checked %d providers", len(report.Providers)),
	})
	return report
}

// Close cancels every pending refresh timer. The manager must not be used
// afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for provider, t := range m.timers {
		t.Stop()
		delete(m.timers, provider)
	}
}

// refresh collapses concurrent refresh requests for one provider into a
// single adapter call; every caller receives the winner's credential.
func (m *Manager) refresh(ctx context.Context, provider string) (*adapter.Credential, error) {
	v, err, _ := m.group.Do(provider, func() (any, error) {
		return m.doRefresh(ctx, provider)
	})
	if err != nil {
		return nil, err
	}
	return v.(*adapter.Credential), nil
}

func (m *Manager) doRefresh(ctx context.Context, provider string) (*adapter.Credential, error) {
	rec, err := m.load(ctx, provider)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, adapter.NewAuthError(adapter.KindInteractionRequired, provider, "not authenticated")
		}
		return nil, err
	}
	ad, ok := m.adapters[provider]
	if !ok {
		return nil, adapter.NewAuthError(adapter.KindConfiguration, provider, "no adapter registered")
	}

	fresh, err := ad.Refresh(ctx, rec.Credential)
	if err != nil {
		authErr := adapter.Classify(provider, err)
		m.monitor.Log(security.Event{
			Type:     security.EventRefreshFailed,
			Provider: provider,
			Severity: security.SeverityWarning,
			Message:  authErr.Error(),
		})
		return nil, authErr
	}

	// Commit under the provider lock, and only if the record the refresh
	// started from is still current. A revoke or re-authentication that
	// landed while the network call was in flight wins; the stale result is
	// dropped instead of resurrecting or overwriting the newer state.
	l := m.lockProvider(provider)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	current := m.cache[provider]
	m.mu.Unlock()
	if current != rec {
		if current == nil {
			return nil, adapter.NewAuthError(adapter.KindInteractionRequired, provider, "not authenticated")
		}
		cred := current.Credential
		return &cred, nil
	}

	updated := &record{
		Credential: *fresh,
		Identity:   rec.Identity,
		StoredAt:   time.Now().UTC(),
	}
	if err := m.persist(ctx, provider, updated); err != nil {
		return nil, err
	}
	m.schedule(provider, updated.Credential)
	m.monitor.Log(security.Event{
		Type:     security.EventTokenRefresh,
		Provider: provider,
		Message:  "access token refreshed",
	})
	return fresh, nil
}

// scheduledRefresh runs when a provider's timer fires. A failure clears the
// timer and does not retry; recovery waits for the next explicit call or the
// health loop. This bounds retry amplification.
func (m *Manager) scheduledRefresh(provider string) {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledRefreshTimeout)
	defer cancel()

	if _, err := m.refresh(ctx, provider); err != nil {
		m.log.Warn("scheduled refresh failed", "provider", provider, "err", err)
		m.mu.Lock()
		if t := m.timers[provider]; t != nil {
			t.Stop()
			delete(m.timers, provider)
		}
		m.mu.Unlock()
	}
}

// schedule (re)arms the provider's refresh timer: expiry minus the margin,
// clamped to the minimum delay, or the fixed polling interval when the
// provider exposes no expiry. Exactly one timer exists per provider.
func (m *Manager) schedule(provider string, cred adapter.Credential) {
	desc, ok := m.registry.Get(provider)
	if !ok {
		return
	}

	var delay time.Duration
	if desc.ExplicitExpiry && !cred.ExpiresAt.IsZero() {
		delay = time.Until(cred.ExpiresAt) - refreshMargin
		if delay < minRefreshDelay {
			delay = minRefreshDelay
		}
	} else {
		delay = pollInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t := m.timers[provider]; t != nil {
		t.Stop()
	}
	m.timers[provider] = time.AfterFunc(delay, func() { m.scheduledRefresh(provider) })
	m.log.Debug("refresh scheduled", "provider", provider, "delay", delay)
}

func (m *Manager) load(ctx context.Context, provider string) (*record, error) {
	m.mu.Lock()
	if rec, ok := m.cache[provider]; ok {
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()

	raw, err := m.store.Get(ctx, storeKey(provider))
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("tokens: corrupt record for %s: %w", provider, err)
	}

	m.mu.Lock()
	m.cache[provider] = &rec
	m.mu.Unlock()
	return &rec, nil
}

func (m *Manager) persist(ctx context.Context, provider string, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, storeKey(provider), raw); err != nil {
		return fmt.Errorf("tokens: persisting credential for %s: %w", provider, err)
	}
	m.mu.Lock()
	m.cache[provider] = rec
	m.mu.Unlock()
	return nil
}
