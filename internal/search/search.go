// Package search provides the web lookups the curation agent and the
// enrichment pipeline rely on.
//
// Each search provider implements the [Provider] interface and is
// registered by name. Providers that answer questions directly (such
// as Perplexity) also implement [Answerer]. The [Manager] routes to
// the configured primary.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNoAnswerer is returned by Manager.Ask when no registered provider
// can answer free-form questions.
var ErrNoAnswerer = errors.New("no answering search provider configured")

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "fr").
	Language string `json:"language,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "perplexity", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Answerer is implemented by providers that return a synthesized answer
// instead of a result list.
type Answerer interface {
	Ask(ctx context.Context, system, prompt string) (string, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Primary returns the primary provider name.
func (m *Manager) Primary() string {
	return m.primary
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

// Ask sends a question to the primary provider if it can answer, else
// to the first answering provider by name.
func (m *Manager) Ask(ctx context.Context, system, prompt string) (string, error) {
	a := m.answerer()
	if a == nil {
		return "", ErrNoAnswerer
	}
	return a.Ask(ctx, system, prompt)
}

// CanAnswer reports whether Ask has a provider to use.
func (m *Manager) CanAnswer() bool {
	return m.answerer() != nil
}

func (m *Manager) answerer() Answerer {
	if a := answererOf(m.providers[m.primary]); a != nil {
		return a
	}
	for _, name := range m.Providers() {
		if a := answererOf(m.providers[name]); a != nil {
			return a
		}
	}
	return nil
}

// answererOf returns p as an Answerer, looking through wrappers that
// only answer when their inner provider does.
func answererOf(p Provider) Answerer {
	a, ok := p.(Answerer)
	if !ok {
		return nil
	}
	if w, ok := p.(interface{ CanAnswer() bool }); ok && !w.CanAnswer() {
		return nil
	}
	return a
}

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}
