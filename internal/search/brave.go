package search

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultBraveURL is the Brave web search endpoint.
const DefaultBraveURL = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search API.
type Brave struct {
	web      webSearch
	endpoint string
}

// NewBrave creates a Brave provider. An empty endpoint uses DefaultBraveURL.
func NewBrave(apiKey, endpoint string) *Brave {
	if endpoint == "" {
		endpoint = DefaultBraveURL
	}
	return &Brave{
		web:      newWebSearch("brave", http.Header{"X-Subscription-Token": {apiKey}}),
		endpoint: endpoint,
	}
}

func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search runs a web query. French queries are also pinned to results
// from France, where most restaurants in the records are.
func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	n := countOf(opts)
	params := url.Values{"q": {query}, "count": {strconv.Itoa(n)}}
	if opts.Language != "" {
		params.Set("search_lang", opts.Language)
	}
	if opts.Language == "fr" {
		params.Set("country", "FR")
	}

	var br braveResponse
	if err := b.web.get(ctx, b.endpoint, params, &br); err != nil {
		return nil, err
	}
	return collect(n, func(yield func(string, string, string) bool) {
		for _, r := range br.Web.Results {
			if !yield(r.Title, r.URL, r.Description) {
				return
			}
		}
	}), nil
}
