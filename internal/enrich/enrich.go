// Package enrich fills gaps in chef records without the agent loop: for
// each incomplete or stale record it drafts a search question, asks the
// search provider, parses the answer into fields and retries until the
// required fields are plausible or the attempt budget runs out.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nugget/toque/internal/chefs"
	"github.com/nugget/toque/internal/events"
	"github.com/nugget/toque/internal/geocode"
	"github.com/nugget/toque/internal/metrics"
	"github.com/nugget/toque/internal/prompts"
	"github.com/nugget/toque/internal/search"
)

// Outcomes of one candidate.
const (
	OutcomeComplete = "complete"
	OutcomeFailed   = "failed"
	OutcomeError    = "error"
)

// Store is the record access the pipeline needs.
type Store interface {
	All(ctx context.Context) ([]chefs.Record, error)
	Update(ctx context.Context, id int64, fields map[string]any) error
	SetCoordinates(ctx context.Context, id int64, lat, lon float64) error
}

// Completer drafts prompts and parses answers.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Searcher answers the drafted question. *search.Manager satisfies it.
type Searcher interface {
	CanAnswer() bool
	Ask(ctx context.Context, system, prompt string) (string, error)
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// Notifier receives data change signals.
type Notifier interface {
	DataChanged(ctx context.Context, source string, detail map[string]any)
}

// Config tunes the pipeline.
type Config struct {
	RequiredFields []string
	MaxAttempts    int
	StaleAfter     time.Duration

	// Pause is slept between candidates.
	Pause time.Duration

	// Limit caps candidates per run; zero means no cap.
	Limit int
}

func (c Config) withDefaults() Config {
	if len(c.RequiredFields) == 0 {
		c.RequiredFields = []string{"restaurant_name", "address", "season"}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 90 * 24 * time.Hour
	}
	return c
}

// Candidate is a record selected for enrichment.
type Candidate struct {
	Record chefs.Record

	// Missing lists required fields without a plausible value.
	Missing []string

	// Stale is set when the required fields are present but were last
	// refreshed before the staleness cutoff.
	Stale bool
}

// Result describes one candidate's enrichment.
type Result struct {
	ChefID   int64    `json:"chef_id"`
	Name     string   `json:"name"`
	Outcome  string   `json:"outcome"`
	Attempts int      `json:"attempts"`
	Updated  []string `json:"updated,omitempty"`
	Missing  []string `json:"missing,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	Candidates int           `json:"candidates"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Errors     int           `json:"errors"`
	Results    []Result      `json:"results"`
	Duration   time.Duration `json:"duration"`
}

// Pipeline runs enrichment passes.
type Pipeline struct {
	logger    *slog.Logger
	store     Store
	completer Completer
	searcher  Searcher
	geocoder  geocode.Geocoder
	notifier  Notifier
	bus       *events.Bus
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Deps are a Pipeline's collaborators. Geocoder, Notifier, Bus and
// Metrics may be nil.
type Deps struct {
	Logger    *slog.Logger
	Store     Store
	Completer Completer
	Searcher  Searcher
	Geocoder  geocode.Geocoder
	Notifier  Notifier
	Bus       *events.Bus
	Metrics   *metrics.Metrics
}

// New creates a pipeline.
func New(d Deps, cfg Config) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Pipeline{
		logger:    d.Logger,
		store:     d.Store,
		completer: d.Completer,
		searcher:  d.Searcher,
		geocoder:  d.Geocoder,
		notifier:  d.Notifier,
		bus:       d.Bus,
		metrics:   d.Metrics,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Candidates selects records with missing required fields, then
// records whose major fields are older than the staleness cutoff.
// Records without a name are skipped.
func (p *Pipeline) Candidates(records []chefs.Record) []Candidate {
	cutoff := p.now().Add(-p.cfg.StaleAfter)
	var incomplete, stale []Candidate
	for _, rec := range records {
		if strings.TrimSpace(rec.Name()) == "" {
			continue
		}
		if missing := Missing(rec, p.cfg.RequiredFields); len(missing) > 0 {
			incomplete = append(incomplete, Candidate{Record: rec, Missing: missing})
			continue
		}
		if t, ok := rec.Time("major_fields_updated_at"); !ok || t.Before(cutoff) {
			stale = append(stale, Candidate{Record: rec, Stale: true})
		}
	}
	return append(incomplete, stale...)
}

// Run enriches every candidate in turn. A failed candidate never stops
// the run; only loading records or cancellation does.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	start := p.now()
	var rep Report

	records, err := p.store.All(ctx)
	if err != nil {
		return rep, fmt.Errorf("load records: %w", err)
	}
	cands := p.Candidates(records)
	if p.cfg.Limit > 0 && len(cands) > p.cfg.Limit {
		cands = cands[:p.cfg.Limit]
	}
	rep.Candidates = len(cands)
	p.logger.Info("enrichment run started", "candidates", len(cands), "records", len(records))

	for i, c := range cands {
		if i > 0 {
			if err := p.sleep(ctx, p.cfg.Pause); err != nil {
				rep.Duration = p.now().Sub(start)
				return rep, err
			}
		}
		res := p.Enrich(ctx, c)
		rep.Results = append(rep.Results, res)
		switch res.Outcome {
		case OutcomeComplete:
			rep.Completed++
		case OutcomeFailed:
			rep.Failed++
		default:
			rep.Errors++
		}
		if err := ctx.Err(); err != nil {
			rep.Duration = p.now().Sub(start)
			return rep, err
		}
	}

	rep.Duration = p.now().Sub(start)
	p.logger.Info("enrichment run finished",
		"candidates", rep.Candidates,
		"completed", rep.Completed,
		"failed", rep.Failed,
		"errors", rep.Errors,
		"elapsed", rep.Duration.Round(time.Millisecond),
	)
	return rep, nil
}

// Enrich runs the completeness retry for one candidate and writes what
// it found. Only the targeted fields are written: the missing ones, or
// every required field for a stale record.
func (p *Pipeline) Enrich(ctx context.Context, c Candidate) Result {
	rec := c.Record
	res := Result{ChefID: rec.ID(), Name: rec.Name()}
	log := p.logger.With("chef_id", res.ChefID, "chef", res.Name)

	targets := c.Missing
	scope := prompts.ScopeMajor
	if c.Stale || len(targets) == 0 {
		targets = p.cfg.RequiredFields
	}

	found := make(map[string]any)
	var extra map[string]any
	pending := targets

	for attempt := 1; attempt <= p.cfg.MaxAttempts && len(pending) > 0; attempt++ {
		res.Attempts = attempt
		var hint []string
		if attempt > 1 {
			hint = pending
		}

		fields, err := p.fetch(ctx, res.Name, scope, hint)
		result := "incomplete"
		if err != nil {
			result = "error"
			log.Warn("enrichment attempt failed", "attempt", attempt, "error", err)
		} else {
			for _, f := range pending {
				if v, ok := fields[f]; ok && Plausible(f, v) {
					found[f] = v
				}
			}
			if extra == nil {
				extra = make(map[string]any, len(fields))
			}
			for k, v := range fields {
				extra[k] = v
			}
			pending = remaining(targets, found)
			if len(pending) == 0 {
				result = "complete"
			}
		}
		p.metrics.EnrichAttempt(result)
		p.bus.Emit(events.SourceEnrich, events.KindEnrichAttempt, map[string]any{
			"chef_id": res.ChefID,
			"chef":    res.Name,
			"attempt": attempt,
			"result":  result,
			"missing": pending,
		})
		if ctx.Err() != nil {
			break
		}
	}

	res.Missing = pending
	if len(pending) == 0 {
		res.Outcome = OutcomeComplete
	} else {
		res.Outcome = OutcomeFailed
	}

	updates := p.updates(rec, found, extra)
	if len(updates) > 0 {
		if err := p.store.Update(ctx, res.ChefID, updates); err != nil {
			log.Error("failed to write enrichment", "error", err)
			res.Outcome = OutcomeError
			res.Error = err.Error()
		} else {
			res.Updated = sortedKeys(updates)
			p.notify(ctx, res.ChefID, res.Updated)
			if addr, ok := updates["address"].(string); ok {
				p.locate(ctx, res.ChefID, addr, log)
			}
		}
	}

	p.metrics.EnrichOutcome(res.Outcome)
	log.Info("enrichment finished",
		"outcome", res.Outcome,
		"attempts", res.Attempts,
		"updated", res.Updated,
		"missing", res.Missing,
	)
	p.bus.Emit(events.SourceEnrich, events.KindEnrichResult, map[string]any{
		"chef_id":  res.ChefID,
		"chef":     res.Name,
		"outcome":  res.Outcome,
		"attempts": res.Attempts,
		"updated":  res.Updated,
		"missing":  res.Missing,
	})
	return res
}

// fetch is one attempt: draft a question, ask it, parse the answer.
func (p *Pipeline) fetch(ctx context.Context, name string, scope prompts.Scope, missing []string) (map[string]any, error) {
	question, err := p.completer.Complete(ctx, prompts.DraftSystem, prompts.DraftPrompt(name, scope, missing))
	if err != nil || strings.TrimSpace(question) == "" {
		if err != nil {
			p.logger.Debug("prompt draft failed, using fallback", "chef", name, "error", err)
		}
		question = prompts.FallbackSearchPrompt(name)
	}

	var answer string
	if p.searcher.CanAnswer() {
		answer, err = p.searcher.Ask(ctx, prompts.SearchSystem, question)
	} else {
		var results []search.Result
		results, err = p.searcher.Search(ctx, question, search.Options{Count: 5, Language: "fr"})
		if err == nil {
			answer = search.FormatResults(results)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if strings.TrimSpace(answer) == "" {
		return nil, errors.New("search returned an empty answer")
	}

	parsed, err := p.completer.Complete(ctx, prompts.ParseSystem, prompts.ParsePrompt(name, answer))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return ParseFields(parsed)
}

// updates builds the write set: the plausible values found for the
// targeted fields (which, for stale records, rewrites them and renews
// major_fields_updated_at), the bio when the record has none, and the
// raw parsed fields in perplexity_data.
func (p *Pipeline) updates(rec chefs.Record, found, extra map[string]any) map[string]any {
	out := make(map[string]any, len(found)+2)
	for f, v := range found {
		out[f] = v
	}
	if extra == nil {
		return out
	}
	if bio, ok := extra["bio"].(string); ok && Plausible("bio", bio) && !Plausible("bio", rec["bio"]) {
		out["bio"] = bio
	}
	if len(out) > 0 {
		if b, err := json.Marshal(extra); err == nil {
			out["perplexity_data"] = string(b)
		}
	}
	return out
}

// locate geocodes a newly written address. Failures are logged only.
func (p *Pipeline) locate(ctx context.Context, id int64, address string, log *slog.Logger) {
	if p.geocoder == nil {
		return
	}
	pt, err := p.geocoder.Geocode(ctx, address)
	if err != nil {
		log.Warn("could not geocode enriched address", "address", address, "error", err)
		return
	}
	if err := p.store.SetCoordinates(ctx, id, pt.Latitude, pt.Longitude); err != nil {
		log.Warn("could not store coordinates", "error", err)
		return
	}
	p.notify(ctx, id, []string{"latitude", "longitude"})
}

func (p *Pipeline) notify(ctx context.Context, id int64, fields []string) {
	if p.notifier == nil {
		return
	}
	p.notifier.DataChanged(ctx, events.SourceEnrich, map[string]any{
		"chef_id": id,
		"fields":  fields,
	})
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func remaining(targets []string, found map[string]any) []string {
	var out []string
	for _, f := range targets {
		if _, ok := found[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}
