package search

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/toque/internal/httpkit"
)

// defaultCount is used when Options.Count is zero.
const defaultCount = 5

// webSearch is the HTTP plumbing shared by the result-list providers.
type webSearch struct {
	name   string
	header http.Header
	client *http.Client
}

func newWebSearch(name string, header http.Header) webSearch {
	return webSearch{
		name:   name,
		header: header,
		client: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

// get issues a GET to endpoint with params and decodes the JSON body into out.
func (w webSearch) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", w.name, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range w.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", w.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", w.name, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", w.name, err)
	}
	return nil
}

var snippetMarkup = strings.NewReplacer("<strong>", "", "</strong>", "", "<b>", "", "</b>", "", "<em>", "", "</em>", "")

// collect builds at most n results, dropping repeated URLs and the
// highlight markup engines wrap around matched terms.
func collect(n int, add func(yield func(title, link, snippet string) bool)) []Result {
	out := make([]Result, 0, n)
	seen := make(map[string]bool)
	add(func(title, link, snippet string) bool {
		if link != "" && seen[link] {
			return true
		}
		seen[link] = true
		out = append(out, Result{
			Title:   html.UnescapeString(snippetMarkup.Replace(title)),
			URL:     link,
			Snippet: html.UnescapeString(snippetMarkup.Replace(strings.TrimSpace(snippet))),
		})
		return len(out) < n
	})
	return out
}

func countOf(opts Options) int {
	if opts.Count > 0 {
		return opts.Count
	}
	return defaultCount
}
