package enrich

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/toque/internal/chefs"
	"github.com/nugget/toque/internal/geocode"
	"github.com/nugget/toque/internal/prompts"
	"github.com/nugget/toque/internal/search"
)

func TestParseFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{
			name: "fenced",
			raw:  "```json\n{\"chef_name\": \"Jean Dupont\", \"restaurant_address\": \"12 rue de la Paix, Paris\", \"top_chef_season\": 3}\n```",
			want: map[string]any{"address": "12 rue de la Paix, Paris", "season": 3},
		},
		{
			name: "prose around object",
			raw:  "Here is the data:\n{\"restaurant_name\": \" Le Clos \", \"top_chef_season\": \"Season 7\", \"bio\": \"\"}\nHope this helps.",
			want: map[string]any{"restaurant_name": "Le Clos", "season": 7},
		},
		{
			name: "fractional season dropped",
			raw:  `{"top_chef_season": 2.5, "signature_dish": "Pigeon rôti"}`,
			want: map[string]any{"signature_dish": "Pigeon rôti"},
		},
		{
			name: "null values dropped",
			raw:  `{"restaurant_name": null, "culinary_style": "bistronomie"}`,
			want: map[string]any{"culinary_style": "bistronomie"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFields(tt.raw)
			if err != nil {
				t.Fatalf("ParseFields: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}

	if _, err := ParseFields("I could not find anything."); !errors.Is(err, ErrNoJSON) {
		t.Errorf("no object error = %v", err)
	}
	if _, err := ParseFields("{not json}"); err == nil {
		t.Error("expected decode error")
	}
}

func TestPlausible(t *testing.T) {
	tests := []struct {
		field string
		value any
		want  bool
	}{
		{"address", "12 rue de la Paix, 75002 Paris", true},
		{"address", "Paris", false},
		{"address", "paris, france", false},
		{"address", "N/A", false},
		{"address", "Lyon", false},
		{"address", "Unknown.", false},
		{"address", "Centre-ville", false},
		{"restaurant_name", "Le Clos", true},
		{"restaurant_name", "none", false},
		{"restaurant_name", "  ", false},
		{"restaurant_name", nil, false},
		{"season", int64(5), true},
		{"season", 0, false},
		{"season", "Season 12", true},
		{"season", "unknown", false},
	}
	for _, tt := range tests {
		if got := Plausible(tt.field, tt.value); got != tt.want {
			t.Errorf("Plausible(%s, %#v) = %v, want %v", tt.field, tt.value, got, tt.want)
		}
	}
}

func TestMissing(t *testing.T) {
	rec := chefs.Record{"restaurant_name": "Le Clos", "address": "Paris", "season": int64(2)}
	got := Missing(rec, []string{"restaurant_name", "address", "season"})
	if !reflect.DeepEqual(got, []string{"address"}) {
		t.Errorf("Missing = %v", got)
	}
}

type fakeStore struct {
	mu      sync.Mutex
	records []chefs.Record
	updates map[int64]map[string]any
	coords  map[int64][2]float64
	failID  int64
}

func (s *fakeStore) All(context.Context) ([]chefs.Record, error) { return s.records, nil }

func (s *fakeStore) Update(_ context.Context, id int64, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.failID {
		return errors.New("database is locked")
	}
	if s.updates == nil {
		s.updates = make(map[int64]map[string]any)
	}
	s.updates[id] = fields
	return nil
}

func (s *fakeStore) SetCoordinates(_ context.Context, id int64, lat, lon float64) error {
	if s.coords == nil {
		s.coords = make(map[int64][2]float64)
	}
	s.coords[id] = [2]float64{lat, lon}
	return nil
}

// fakeCompleter answers drafts with a fixed question and parses with
// the next scripted reply.
type fakeCompleter struct {
	parses   []string
	parseIdx int
	drafts   []string
	draftErr error
}

func (c *fakeCompleter) Complete(_ context.Context, system, prompt string) (string, error) {
	if system == prompts.DraftSystem {
		c.drafts = append(c.drafts, prompt)
		if c.draftErr != nil {
			return "", c.draftErr
		}
		return "Where does the chef cook now?", nil
	}
	if c.parseIdx >= len(c.parses) {
		return "{}", nil
	}
	out := c.parses[c.parseIdx]
	c.parseIdx++
	return out, nil
}

type fakeSearcher struct {
	answer   bool
	asked    []string
	searched []string
	err      error
}

func (s *fakeSearcher) CanAnswer() bool { return s.answer }

func (s *fakeSearcher) Ask(_ context.Context, _, prompt string) (string, error) {
	s.asked = append(s.asked, prompt)
	return "He runs Le Clos at 12 rue de la Paix in Paris.", s.err
}

func (s *fakeSearcher) Search(_ context.Context, query string, _ search.Options) ([]search.Result, error) {
	s.searched = append(s.searched, query)
	return []search.Result{{Title: "Le Clos", URL: "https://example.com", Snippet: "12 rue de la Paix"}}, s.err
}

type fakeGeocoder struct{}

func (fakeGeocoder) Geocode(context.Context, string) (geocode.Point, error) {
	return geocode.Point{Latitude: 48.8686, Longitude: 2.3310}, nil
}

type recordingNotifier struct{ calls []map[string]any }

func (n *recordingNotifier) DataChanged(_ context.Context, _ string, detail map[string]any) {
	n.calls = append(n.calls, detail)
}

func newTestPipeline(store Store, c Completer, s Searcher, n Notifier, cfg Config) *Pipeline {
	p := New(Deps{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     store,
		Completer: c,
		Searcher:  s,
		Geocoder:  fakeGeocoder{},
		Notifier:  n,
	}, cfg)
	p.now = func() time.Time { return time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC) }
	return p
}

func TestEnrichRetriesUntilComplete(t *testing.T) {
	store := &fakeStore{}
	comp := &fakeCompleter{parses: []string{
		`{"restaurant_name": "Le Clos", "restaurant_address": "Paris"}`,
		"```json\n{\"restaurant_address\": \"12 rue de la Paix, 75002 Paris\", \"bio\": \"Trained in Lyon.\"}\n```",
	}}
	srch := &fakeSearcher{answer: true}
	notif := &recordingNotifier{}
	p := newTestPipeline(store, comp, srch, notif, Config{})

	rec := chefs.Record{"id": int64(3), "name": "Pierre Martin", "season": int64(1)}
	res := p.Enrich(context.Background(), Candidate{Record: rec, Missing: []string{"restaurant_name", "address"}})

	if res.Outcome != OutcomeComplete || res.Attempts != 2 {
		t.Fatalf("result = %+v", res)
	}
	got := store.updates[3]
	if got["restaurant_name"] != "Le Clos" || got["address"] != "12 rue de la Paix, 75002 Paris" || got["bio"] != "Trained in Lyon." {
		t.Errorf("updates = %v", got)
	}
	if _, ok := got["season"]; ok {
		t.Error("season was present and must not be written")
	}
	if _, ok := got["perplexity_data"]; !ok {
		t.Error("raw parse should be kept")
	}
	if store.coords[3] != [2]float64{48.8686, 2.3310} {
		t.Errorf("coords = %v", store.coords[3])
	}
	if len(notif.calls) != 2 {
		t.Errorf("notifications = %d, want record update and coordinates", len(notif.calls))
	}
	// The retry draft names what is still missing.
	if len(comp.drafts) != 2 || !strings.Contains(comp.drafts[1], "[address]") {
		t.Errorf("drafts = %q", comp.drafts)
	}
}

func TestEnrichGivesUpAfterMaxAttempts(t *testing.T) {
	store := &fakeStore{}
	comp := &fakeCompleter{parses: []string{
		`{"restaurant_address": "n/a"}`,
		`{"restaurant_address": "Lyon"}`,
		`no idea`,
		`{"restaurant_address": "unknown"}`,
		`{"restaurant_address": "1 place Bellecour, Lyon"}`,
	}}
	p := newTestPipeline(store, comp, &fakeSearcher{answer: true}, nil, Config{})

	rec := chefs.Record{"id": int64(2), "name": "Marie Dubois", "season": int64(2), "restaurant_name": "Maison M"}
	res := p.Enrich(context.Background(), Candidate{Record: rec, Missing: []string{"address"}})

	if res.Outcome != OutcomeFailed || res.Attempts != 4 {
		t.Errorf("result = %+v", res)
	}
	if !reflect.DeepEqual(res.Missing, []string{"address"}) {
		t.Errorf("missing = %v", res.Missing)
	}
	if len(store.updates) != 0 {
		t.Errorf("nothing plausible was found; updates = %v", store.updates)
	}
}

func TestEnrichSearchFallbackAndDraftFailure(t *testing.T) {
	comp := &fakeCompleter{
		draftErr: errors.New("rate limited"),
		parses:   []string{`{"restaurant_name": "Le Clos"}`},
	}
	srch := &fakeSearcher{answer: false}
	p := newTestPipeline(&fakeStore{}, comp, srch, nil, Config{})

	res := p.Enrich(context.Background(), Candidate{
		Record:  chefs.Record{"id": int64(1), "name": "Jean Dupont"},
		Missing: []string{"restaurant_name"},
	})
	if res.Outcome != OutcomeComplete {
		t.Errorf("result = %+v", res)
	}
	if len(srch.searched) != 1 || !strings.Contains(srch.searched[0], "Jean Dupont") {
		t.Errorf("fallback prompt not used: %q", srch.searched)
	}
	if len(srch.asked) != 0 {
		t.Error("Ask must not be used without an answering provider")
	}
}

func TestEnrichStoreFailure(t *testing.T) {
	store := &fakeStore{failID: 1}
	comp := &fakeCompleter{parses: []string{`{"restaurant_name": "Le Clos"}`}}
	p := newTestPipeline(store, comp, &fakeSearcher{answer: true}, nil, Config{})

	res := p.Enrich(context.Background(), Candidate{
		Record:  chefs.Record{"id": int64(1), "name": "Jean Dupont"},
		Missing: []string{"restaurant_name"},
	})
	if res.Outcome != OutcomeError || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestCandidates(t *testing.T) {
	p := newTestPipeline(&fakeStore{}, &fakeCompleter{}, &fakeSearcher{}, nil, Config{})
	fresh := "2026-10-01T00:00:00Z"
	old := "2026-01-01T00:00:00Z"
	complete := func(id int64, stamp string) chefs.Record {
		return chefs.Record{
			"id": id, "name": "Chef", "season": int64(1), "restaurant_name": "R",
			"address": "1 rue X, Paris", "major_fields_updated_at": stamp,
		}
	}
	records := []chefs.Record{
		complete(1, old),
		complete(2, fresh),
		{"id": int64(3), "name": "Incomplete", "season": int64(4)},
		{"id": int64(4), "name": ""},
	}

	got := p.Candidates(records)
	if len(got) != 2 {
		t.Fatalf("candidates = %+v", got)
	}
	if got[0].Record.ID() != 3 || got[0].Stale || !reflect.DeepEqual(got[0].Missing, []string{"restaurant_name", "address"}) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Record.ID() != 1 || !got[1].Stale {
		t.Errorf("second = %+v", got[1])
	}
}

func TestRunReport(t *testing.T) {
	store := &fakeStore{records: []chefs.Record{
		{"id": int64(1), "name": "Jean Dupont", "season": int64(1), "restaurant_name": "Le Petit Bistro"},
		{"id": int64(2), "name": "Marie Dubois", "season": int64(2)},
	}}
	comp := &fakeCompleter{parses: []string{
		`{"restaurant_address": "5 quai Voltaire, Paris"}`,
	}}
	p := newTestPipeline(store, comp, &fakeSearcher{answer: true}, nil, Config{MaxAttempts: 2})

	rep, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Candidates != 2 || rep.Completed != 1 || rep.Failed != 1 || len(rep.Results) != 2 {
		t.Errorf("report = %+v", rep)
	}
	if rep.Results[1].Attempts != 2 {
		t.Errorf("second candidate attempts = %d", rep.Results[1].Attempts)
	}
}
