// Package mailauth connects a personal-finance application to its users'
// email accounts over OAuth2 and governs the resulting credentials: interactive
// authorization, storage, proactive refresh, revocation and continuous
// security posture evaluation.
package mailauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Seann-Moser/mailauth/oauth/adapter"
	"github.com/Seann-Moser/mailauth/oauth/gmail"
	"github.com/Seann-Moser/mailauth/oauth/outlook"
	"github.com/Seann-Moser/mailauth/providers"
	"github.com/Seann-Moser/mailauth/receipts"
	"github.com/Seann-Moser/mailauth/security"
	"github.com/Seann-Moser/mailauth/session"
	"github.com/Seann-Moser/mailauth/tokens"
)

// healthJobTimeout bounds one run of the periodic health job.
const healthJobTimeout = time.Minute

// Config carries the wiring choices owned by the application entry point.
type Config struct {
	// StateSecret signs the OAuth state parameter. Required.
	StateSecret []byte

	// SealKey, when 32 bytes, encrypts credentials at rest.
	SealKey []byte

	// Store persists credentials; nil defaults to an in-memory store.
	Store tokens.Store

	// Channels opens the host UI's interaction channel per attempt. Required
	// before Connect is used.
	Channels session.ChannelFactory

	// MonitorCapacity bounds the security event log; 0 uses the default.
	MonitorCapacity int

	// HealthSchedule is a cron spec for the periodic health job; empty
	// defaults to every 15 minutes.
	HealthSchedule string
}

// Service is the explicitly constructed root object: one shared source of
// truth per process for provider credential state, passed to consumers
// rather than reached through globals.
type Service struct {
	Registry *providers.Registry
	Monitor  *security.Monitor
	Tokens   *tokens.Manager
	Sessions *session.Controller
	Receipts *receipts.Pipeline

	cron *cron.Cron
	log  *slog.Logger
}

// New wires the subsystem over the given provider registry.
func New(registry *providers.Registry, cfg Config) (*Service, error) {
	if len(cfg.StateSecret) == 0 {
		return nil, fmt.Errorf("mailauth: state secret is required")
	}

	store := cfg.Store
	if store == nil {
		store = tokens.NewMemoryStore()
	}
	if len(cfg.SealKey) > 0 {
		sealed, err := tokens.NewSealedStore(store, cfg.SealKey)
		if err != nil {
			return nil, err
		}
		store = sealed
	}

	monitor := security.NewMonitor(cfg.MonitorCapacity)

	var adapters []adapter.Adapter
	pipelineEntries := map[string]struct {
		searcher receipts.Searcher
		query    receipts.QueryFunc
	}{}
	for _, desc := range registry.All() {
		switch desc.Name {
		case "gmail":
			a := gmail.New(desc, cfg.StateSecret)
			adapters = append(adapters, a)
			pipelineEntries[desc.Name] = struct {
				searcher receipts.Searcher
				query    receipts.QueryFunc
			}{a, receipts.GmailQuery}
		case "outlook":
			a := outlook.New(desc, cfg.StateSecret)
			adapters = append(adapters, a)
			pipelineEntries[desc.Name] = struct {
				searcher receipts.Searcher
				query    receipts.QueryFunc
			}{a, receipts.GraphQuery}
		default:
			slog.Warn("no adapter available for provider, skipping", "provider", desc.Name)
		}
	}

	mgr := tokens.NewManager(registry, adapters, store, monitor)
	ctrl := session.NewController(registry, adapters, mgr, monitor, cfg.Channels)

	pipeline := receipts.NewPipeline(mgr)
	for name, e := range pipelineEntries {
		pipeline.Register(name, e.searcher, e.query)
	}

	svc := &Service{
		Registry: registry,
		Monitor:  monitor,
		Tokens:   mgr,
		Sessions: ctrl,
		Receipts: pipeline,
		cron:     cron.New(),
		log:      slog.Default().With("component", "mailauth"),
	}

	schedule := cfg.HealthSchedule
	if schedule == "" {
		schedule = "@every 15m"
	}
	if _, err := svc.cron.AddFunc(schedule, svc.healthJob); err != nil {
		return nil, fmt.Errorf("mailauth: invalid health schedule %q: %w", schedule, err)
	}

	return svc, nil
}

// Start loads persisted credentials, arms refresh timers and begins the
// periodic health job.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Tokens.Warm(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Close stops the health job and cancels every pending refresh timer.
func (s *Service) Close() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.Tokens.Close()
}

// SecurityReport evaluates a provider's current posture: configuration plus
// the stored credential snapshot. Dashboards call this on demand; nothing is
// cached.
func (s *Service) SecurityReport(provider string) (security.Report, error) {
	desc, ok := s.Registry.Get(provider)
	if !ok {
		return security.Report{}, fmt.Errorf("mailauth: unknown provider %q", provider)
	}
	details := s.Tokens.Details(provider)
	return security.GenerateReport(desc, &details, nil), nil
}

func (s *Service) healthJob() {
	ctx, cancel := context.WithTimeout(context.Background(), healthJobTimeout)
	defer cancel()
	report := s.Tokens.HealthCheck(ctx)
	for name, h := range report.Providers {
		if h.Authenticated && !h.Valid {
			s.log.Warn("provider degraded", "provider", name, "err", h.Error)
		}
	}
}
