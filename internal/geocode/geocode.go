// Package geocode resolves street addresses to coordinates. The
// atomic geocode-and-update tool uses it so that latitude and
// longitude are only ever written as a pair.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/nugget/toque/internal/httpkit"
)

// ErrNotFound means the provider returned no match for the address.
var ErrNotFound = errors.New("address not found")

// Point is a resolved location.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Display   string  `json:"display_name,omitempty"`
}

// Geocoder resolves an address.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Point, error)
}

// Default endpoints.
const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	DefaultGeoapifyURL  = "https://api.geoapify.com"
)

// newClient retries throttled lookups. Nominatim's usage policy allows
// one request per second, so that is the wait when no Retry-After is
// given.
func newClient() *http.Client {
	return httpkit.NewClient(httpkit.WithTimeout(10*time.Second), httpkit.WithRetry(2, time.Second))
}

// Nominatim queries an OpenStreetMap Nominatim server. The public
// instance requires an identifying User-Agent, which httpkit supplies.
type Nominatim struct {
	baseURL    string
	httpClient *http.Client
}

// NewNominatim creates a Nominatim geocoder.
func NewNominatim(baseURL string) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultNominatimURL
	}
	return &Nominatim{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newClient(),
	}
}

type nominatimResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocode implements Geocoder.
func (n *Nominatim) Geocode(ctx context.Context, address string) (Point, error) {
	params := url.Values{
		"q":      {address},
		"format": {"json"},
		"limit":  {"1"},
	}
	var results []nominatimResult
	if err := getJSON(ctx, n.httpClient, n.baseURL+"/search?"+params.Encode(), "nominatim", &results); err != nil {
		return Point{}, err
	}
	if len(results) == 0 {
		return Point{}, fmt.Errorf("nominatim: %q: %w", address, ErrNotFound)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Point{}, fmt.Errorf("nominatim: bad latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Point{}, fmt.Errorf("nominatim: bad longitude %q: %w", results[0].Lon, err)
	}
	return Point{Latitude: lat, Longitude: lon, Display: results[0].DisplayName}, nil
}

// Geoapify queries the Geoapify geocoding API.
type Geoapify struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGeoapify creates a Geoapify geocoder.
func NewGeoapify(apiKey, baseURL string) *Geoapify {
	if baseURL == "" {
		baseURL = DefaultGeoapifyURL
	}
	return &Geoapify{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newClient(),
	}
}

type geoapifyResponse struct {
	Results []struct {
		Lat       float64 `json:"lat"`
		Lon       float64 `json:"lon"`
		Formatted string  `json:"formatted"`
	} `json:"results"`
}

// Geocode implements Geocoder.
func (g *Geoapify) Geocode(ctx context.Context, address string) (Point, error) {
	params := url.Values{
		"text":   {address},
		"format": {"json"},
		"limit":  {"1"},
		"apiKey": {g.apiKey},
	}
	var resp geoapifyResponse
	if err := getJSON(ctx, g.httpClient, g.baseURL+"/v1/geocode/search?"+params.Encode(), "geoapify", &resp); err != nil {
		return Point{}, err
	}
	if len(resp.Results) == 0 {
		return Point{}, fmt.Errorf("geoapify: %q: %w", address, ErrNotFound)
	}
	r := resp.Results[0]
	return Point{Latitude: r.Lat, Longitude: r.Lon, Display: r.Formatted}, nil
}

func getJSON(ctx context.Context, hc *http.Client, reqURL, provider string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", provider, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", provider, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

// Cached wraps a Geocoder with a TTL cache. Misses (ErrNotFound) are
// cached too so an unresolvable address is not retried every cycle;
// transport errors are not.
type Cached struct {
	inner Geocoder
	cache *cache.Cache
}

type cachedResult struct {
	point    Point
	notFound bool
}

// NewCached wraps g.
func NewCached(g Geocoder, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cached{inner: g, cache: cache.New(ttl, time.Hour)}
}

// Geocode implements Geocoder.
func (c *Cached) Geocode(ctx context.Context, address string) (Point, error) {
	key := strings.ToLower(strings.Join(strings.Fields(address), " "))
	if v, ok := c.cache.Get(key); ok {
		r := v.(cachedResult)
		if r.notFound {
			return Point{}, fmt.Errorf("%q: %w", address, ErrNotFound)
		}
		return r.point, nil
	}

	p, err := c.inner.Geocode(ctx, address)
	switch {
	case errors.Is(err, ErrNotFound):
		c.cache.SetDefault(key, cachedResult{notFound: true})
		return Point{}, err
	case err != nil:
		return Point{}, err
	}
	c.cache.SetDefault(key, cachedResult{point: p})
	return p, nil
}
