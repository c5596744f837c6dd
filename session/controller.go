package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Seann-Moser/mailauth/oauth/adapter"
	"github.com/Seann-Moser/mailauth/providers"
	"github.com/Seann-Moser/mailauth/security"
	"github.com/Seann-Moser/mailauth/tokens"
)

// DefaultTimeout bounds one interactive authorization attempt.
const DefaultTimeout = 5 * time.Minute

// ErrFlowInProgress is returned when Connect is called for a provider whose
// authorization is already in flight. A second attempt never races or
// supersedes the first.
var ErrFlowInProgress = errors.New("session: authorization already in progress")

// ChannelFactory opens the host UI's interaction channel (popup window,
// redirect listener) for one authorization attempt.
type ChannelFactory func(provider string) adapter.Channel

// Controller drives interactive authorization attempts, one per provider at
// a time, and hands successful grants to the token manager.
type Controller struct {
	registry *providers.Registry
	adapters map[string]adapter.Adapter
	tokens   *tokens.Manager
	monitor  *security.Monitor
	channels ChannelFactory
	timeout  time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*authSession
}

type authSession struct {
	state     State
	progress  int
	startedAt time.Time
	err       *adapter.AuthError
	cancel    context.CancelFunc
	channel   adapter.Channel
}

// NewController wires a controller. The channel factory is supplied by the
// host UI; the controller treats channels as opaque resolve/reject sources.
func NewController(registry *providers.Registry, adapters []adapter.Adapter, mgr *tokens.Manager, monitor *security.Monitor, channels ChannelFactory) *Controller {
	byName := make(map[string]adapter.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Provider()] = a
	}
	return &Controller{
		registry: registry,
		adapters: byName,
		tokens:   mgr,
		monitor:  monitor,
		channels: channels,
		timeout:  DefaultTimeout,
		log:      slog.Default().With("component", "session"),
		sessions: make(map[string]*authSession),
	}
}

// SetTimeout overrides the per-attempt timeout; useful in tests.
func (c *Controller) SetTimeout(d time.Duration) { c.timeout = d }

// Connect runs one interactive authorization attempt for the provider. It
// refuses when another attempt for the same provider is in flight, refuses
// when the provider's configuration validates as vulnerable, and otherwise
// delegates the consent step to the adapter over a fresh channel. The
// attempt is bounded by the controller timeout; on timeout the channel is
// actively closed so no pending popup or listener leaks.
func (c *Controller) Connect(ctx context.Context, provider string) (*adapter.Grant, error) {
	desc, ok := c.registry.Get(provider)
	if !ok {
		return nil, adapter.NewAuthError(adapter.KindConfiguration, provider, "unknown provider")
	}
	ad, ok := c.adapters[provider]
	if !ok {
		return nil, adapter.NewAuthError(adapter.KindConfiguration, provider, "no adapter registered")
	}

	// Gate on configuration posture before touching the network. Callers
	// requiring at least a warning-level posture must never proceed on a
	// vulnerable report.
	report := security.GenerateReport(desc, nil, nil)
	if !security.CanProceed(report, security.LevelWarning) {
		authErr := &adapter.AuthError{
			Kind:        adapter.KindConfiguration,
			Provider:    provider,
			Description: strings.Join(report.AllIssues(), "; "),
		}
		c.monitor.Log(security.Event{
			Type:     security.EventAuthFailed,
			Provider: provider,
			Severity: security.SeverityCritical,
			Message:  authErr.Error(),
		})
		return nil, authErr
	}

	sess, err := c.begin(provider)
	if err != nil {
		return nil, err
	}

	c.monitor.Log(security.Event{
		Type:     security.EventAuthStarted,
		Provider: provider,
	})

	ch := c.channels(provider)
	authCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	sess.channel = ch
	sess.cancel = cancel
	c.mu.Unlock()
	c.setProgress(provider, 10)

	type outcome struct {
		grant *adapter.Grant
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		g, err := ad.Authorize(authCtx, ch)
		done <- outcome{g, err}
	}()

	var grant *adapter.Grant
	select {
	case o := <-done:
		if o.err != nil {
			authErr := adapter.Classify(provider, o.err)
			_ = ch.Close()
			c.fail(provider, authErr)
			return nil, authErr
		}
		grant = o.grant
	case <-authCtx.Done():
		// Tear the channel down before reporting; an abandoned popup or
		// redirect listener must not outlive the attempt.
		_ = ch.Close()
		var authErr *adapter.AuthError
		if errors.Is(authCtx.Err(), context.DeadlineExceeded) {
			authErr = adapter.NewAuthError(adapter.KindTimeout, provider, "authorization timed out")
		} else {
			authErr = adapter.NewAuthError(adapter.KindInteractionRequired, provider, "authorization cancelled")
		}
		c.fail(provider, authErr)
		return nil, authErr
	}

	c.setProgress(provider, 80)
	if err := c.tokens.Put(ctx, *grant); err != nil {
		authErr := adapter.Classify(provider, err)
		_ = ch.Close()
		c.fail(provider, authErr)
		return nil, authErr
	}
	_ = ch.Close()

	c.mu.Lock()
	sess.state = StateSuccess
	sess.progress = 100
	sess.err = nil
	sess.channel = nil
	sess.cancel = nil
	c.mu.Unlock()

	c.monitor.Log(security.Event{
		Type:     security.EventAuthSuccess,
		Provider: provider,
		Message:  "connected as " + grant.Identity.Email,
	})
	c.log.Info("provider connected", "provider", provider, "email", grant.Identity.Email)
	return grant, nil
}

// Retry re-runs Connect for a provider whose last attempt failed.
func (c *Controller) Retry(ctx context.Context, provider string) (*adapter.Grant, error) {
	c.mu.Lock()
	sess := c.sessions[provider]
	if sess == nil || sess.state != StateError {
		c.mu.Unlock()
		return nil, adapter.NewAuthError(adapter.KindUnknown, provider, "nothing to retry")
	}
	c.mu.Unlock()
	return c.Connect(ctx, provider)
}

// Disconnect revokes the provider's credential, cancels any in-flight
// attempt and returns the session to idle. Calling it twice is safe; the
// second call is a no-op success.
func (c *Controller) Disconnect(ctx context.Context, provider string) error {
	c.mu.Lock()
	sess := c.sessions[provider]
	if sess != nil {
		if sess.cancel != nil {
			sess.cancel()
		}
		if sess.channel != nil {
			_ = sess.channel.Close()
		}
	}
	c.mu.Unlock()

	if err := c.tokens.Revoke(ctx, provider); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.sessions, provider)
	c.mu.Unlock()

	c.monitor.Log(security.Event{
		Type:     security.EventDisconnected,
		Provider: provider,
	})
	return nil
}

// Reset returns a completed or failed session to idle. Resetting an
// in-flight attempt is refused; disconnect cancels those.
func (c *Controller) Reset(provider string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sessions[provider]
	if sess == nil {
		return nil
	}
	if sess.state == StateAuthenticating {
		return errors.New("session: cannot reset an in-flight authorization")
	}
	delete(c.sessions, provider)
	return nil
}

// State returns the observable snapshot for the provider.
func (c *Controller) State(provider string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{Provider: provider, State: StateIdle}
	if sess := c.sessions[provider]; sess != nil {
		snap.State = sess.state
		snap.Progress = sess.progress
		snap.StartedAt = sess.startedAt
		snap.Err = sess.err
		if sess.err != nil {
			snap.ErrKind = sess.err.Kind
		}
	}
	snap.StateName = snap.State.String()
	return snap
}

// begin claims the provider's session slot. Idle, success and error states
// may start a new attempt (success re-authenticates, error retries); a
// second attempt while one is authenticating is rejected.
func (c *Controller) begin(provider string) (*authSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing := c.sessions[provider]; existing != nil && existing.state == StateAuthenticating {
		return nil, &adapter.AuthError{
			Kind:        adapter.KindInteractionRequired,
			Provider:    provider,
			Description: "authorization already in progress",
			Err:         ErrFlowInProgress,
		}
	}
	sess := &authSession{
		state:     StateAuthenticating,
		startedAt: time.Now(),
	}
	c.sessions[provider] = sess
	return sess, nil
}

// setProgress bumps the attempt's progress, never backwards.
func (c *Controller) setProgress(provider string, p int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess := c.sessions[provider]; sess != nil && p > sess.progress {
		sess.progress = p
	}
}

func (c *Controller) fail(provider string, authErr *adapter.AuthError) {
	c.mu.Lock()
	if sess := c.sessions[provider]; sess != nil {
		sess.state = StateError
		sess.err = authErr
		sess.channel = nil
		sess.cancel = nil
	}
	c.mu.Unlock()

	severity := security.SeverityWarning
	if authErr.Kind == adapter.KindConfiguration {
		severity = security.SeverityCritical
	}
	c.monitor.Log(security.Event{
		Type:     security.EventAuthFailed,
		Provider: provider,
		Severity: severity,
		Message:  authErr.Error(),
		Detail:   map[string]string{"kind": string(authErr.Kind)},
	})
	c.log.Warn("authorization failed", "provider", provider, "kind", authErr.Kind, "err", authErr)
}
