package tools

import (
	"context"
	"log/slog"

	"github.com/nugget/toque/internal/chefs"
	"github.com/nugget/toque/internal/fetch"
	"github.com/nugget/toque/internal/geocode"
	"github.com/nugget/toque/internal/journal"
	"github.com/nugget/toque/internal/search"
)

// ChefStore is the persistence surface the record and schema tools use.
type ChefStore interface {
	All(ctx context.Context) ([]chefs.Record, error)
	BySeason(ctx context.Context, season int) ([]chefs.Record, error)
	Get(ctx context.Context, id int64) (chefs.Record, error)
	Add(ctx context.Context, rec chefs.Record) (int64, error)
	Update(ctx context.Context, id int64, fields map[string]any) error
	SetCoordinates(ctx context.Context, id int64, lat, lon float64) error
	Columns(ctx context.Context) ([]chefs.Column, error)
	AddColumn(ctx context.Context, name, colType string) (bool, error)
	RemoveColumn(ctx context.Context, name string) (bool, error)
}

// Journal is the agent's append-only reasoning log.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) (journal.Entry, error)
	Recent(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// Deps are the collaborators the curation tools are built on. Nil
// optional collaborators leave their tools unregistered.
type Deps struct {
	Store    ChefStore
	Journal  Journal
	Search   *search.Manager
	Fetcher  *fetch.Fetcher
	Geocoder geocode.Geocoder
	Notifier Notifier
	Logger   *slog.Logger
}

// NewCurationRegistry returns a registry holding every curation tool
// whose dependencies are present.
func NewCurationRegistry(d Deps) *Registry {
	r := NewRegistry(d.Notifier, d.Logger)

	if d.Search != nil && d.Search.Configured() {
		r.Register(&Tool{
			Name:        search.ToolName,
			Description: "Search the web for current facts about a chef: where they cook now, the restaurant's address, biography details. Ask one specific question per call.",
			Parameters:  search.ToolDefinition(),
			Handler:     search.ToolHandler(d.Search),
		})
	}
	if d.Fetcher != nil {
		r.Register(&Tool{
			Name:        fetch.ToolName,
			Description: "Read a web page and return its text, title, description and preview image. Use it to confirm an address on a restaurant's own site.",
			Parameters:  fetch.ToolDefinition(),
			Handler:     fetch.ToolHandler(d.Fetcher),
		})
	}
	if d.Store != nil {
		registerChefTools(r, d.Store, d.Geocoder)
		registerSchemaTools(r, d.Store)
	}
	if d.Journal != nil {
		registerJournalTools(r, d.Journal)
	}
	return r
}
