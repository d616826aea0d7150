package search

import (
	"context"
	"net/url"
	"strings"
)

// SearXNG queries a self-hosted SearXNG instance through its JSON API.
// The instance must have the json format enabled.
type SearXNG struct {
	web     webSearch
	baseURL string
}

// NewSearXNG creates a provider for the instance rooted at baseURL.
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		web:     newWebSearch("searxng", nil),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs a general-category query. SearXNG has no result limit
// parameter, so the list is cut client side.
func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{
		"q":          {query},
		"format":     {"json"},
		"categories": {"general"},
	}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}

	var sr searxngResponse
	if err := s.web.get(ctx, s.baseURL+"/search", params, &sr); err != nil {
		return nil, err
	}
	return collect(countOf(opts), func(yield func(string, string, string) bool) {
		for _, r := range sr.Results {
			if !yield(r.Title, r.URL, r.Content) {
				return
			}
		}
	}), nil
}
