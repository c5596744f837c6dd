// Package receipts is the email-receipt consumer of the token subsystem. It
// never reads the credential store directly; every fetch goes through the
// token manager.
package receipts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Seann-Moser/mailauth/oauth/adapter"
	"github.com/Seann-Moser/mailauth/tokens"
)

// Searcher is the provider-specific mailbox search surface. The gmail and
// outlook adapters implement it.
type Searcher interface {
	SearchMessages(ctx context.Context, accessToken, query string, max int) ([]adapter.Message, error)
}

// QueryFunc renders a receipt-candidate query in a provider's search syntax.
type QueryFunc func(since time.Time) string

// GmailQuery renders Gmail search syntax.
func GmailQuery(since time.Time) string {
	q := "(receipt OR invoice OR \"order confirmation\")"
	if !since.IsZero() {
		q += " after:" + since.Format("2006/01/02")
	}
	return q
}

// GraphQuery renders a Microsoft Graph $search term. Graph $search does not
// take a date clause; recency is handled by result ordering.
func GraphQuery(since time.Time) string {
	return "receipt OR invoice OR order"
}

type entry struct {
	searcher Searcher
	query    QueryFunc
}

// Pipeline fetches candidate receipt messages across connected providers.
type Pipeline struct {
	tokens  *tokens.Manager
	entries map[string]entry
	log     *slog.Logger
}

// NewPipeline creates an empty pipeline over the token manager.
func NewPipeline(mgr *tokens.Manager) *Pipeline {
	return &Pipeline{
		tokens:  mgr,
		entries: make(map[string]entry),
		log:     slog.Default().With("component", "receipts"),
	}
}

// Register attaches a provider's searcher and query renderer.
func (p *Pipeline) Register(provider string, s Searcher, query QueryFunc) {
	p.entries[provider] = entry{searcher: s, query: query}
}

// Fetch returns up to max candidate receipt messages from one provider,
// acquiring a live token through the manager first.
func (p *Pipeline) Fetch(ctx context.Context, provider string, since time.Time, max int) ([]adapter.Message, error) {
	e, ok := p.entries[provider]
	if !ok {
		return nil, fmt.Errorf("receipts: no searcher registered for %q", provider)
	}
	token, err := p.tokens.GetAccessToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	msgs, err := e.searcher.SearchMessages(ctx, token, e.query(since), max)
	if err != nil {
		return nil, err
	}
	p.log.Debug("fetched receipt candidates", "provider", provider, "count", len(msgs))
	return msgs, nil
}

// FetchAll fetches from every registered provider, skipping ones that are
// not connected; per-provider failures are collected, not fatal.
func (p *Pipeline) FetchAll(ctx context.Context, since time.Time, maxPerProvider int) (map[string][]adapter.Message, map[string]error) {
	out := make(map[string][]adapter.Message)
	errs := make(map[string]error)
	for provider := range p.entries {
		if !p.tokens.Info(provider).Authenticated {
			continue
		}
		msgs, err := p.Fetch(ctx, provider, since, maxPerProvider)
		if err != nil {
			errs[provider] = err
			continue
		}
		out[provider] = msgs
	}
	return out, errs
}
