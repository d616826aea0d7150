package tools

import (
	"context"
	"strings"

	"github.com/nugget/toque/internal/journal"
)

const defaultJournalLimit = 20

func registerJournalTools(r *Registry, j Journal) {
	types := make([]string, len(journal.Types))
	for i, t := range journal.Types {
		types[i] = string(t)
	}

	r.Register(&Tool{
		Name:        "read_journal",
		Description: "Read your most recent journal entries, oldest first. Check it before acting so you do not repeat work.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"chef_id":    map[string]any{"type": "integer", "description": "Only entries about this chef."},
				"entry_type": map[string]any{"type": "string", "enum": types, "description": "Only entries of this type."},
				"limit":      map[string]any{"type": "integer", "description": "How many entries to return. Default: 20."},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			var f journal.Filter
			if id, ok, err := intArg(args, "chef_id", false); err != nil {
				return "", err
			} else if ok {
				f.ChefID = &id
			}
			typ, err := stringArg(args, "entry_type", false)
			if err != nil {
				return "", err
			}
			if typ != "" {
				t, ok := journal.ParseType(typ)
				if !ok {
					return "", argError("entry_type must be one of %s", strings.Join(types, ", "))
				}
				f.Type = t
			}
			limit, ok, err := intArg(args, "limit", false)
			if err != nil {
				return "", err
			}
			f.Limit = defaultJournalLimit
			if ok && limit > 0 {
				f.Limit = int(limit)
			}

			entries, err := j.Recent(ctx, f)
			if err != nil {
				return "", err
			}
			return marshal(map[string]any{"result": map[string]any{"count": len(entries), "entries": entries}}), nil
		},
	})

	r.Register(&Tool{
		Name: "write_journal",
		Description: "Record an Observation, Action, Error, Insight or Correction. " +
			"A Correction must give reference_id, the id of the entry it corrects; other types must not.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entry_type":   map[string]any{"type": "string", "enum": types},
				"details":      map[string]any{"type": "string", "description": "What you observed, did or concluded."},
				"chef_id":      map[string]any{"type": "integer", "description": "Chef the entry is about."},
				"season":       map[string]any{"type": "integer", "description": "Season the entry is about."},
				"reference_id": map[string]any{"type": "string", "description": "Id of the entry a Correction corrects."},
			},
			"required": []string{"entry_type", "details"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			typ, err := stringArg(args, "entry_type", true)
			if err != nil {
				return "", err
			}
			t, ok := journal.ParseType(typ)
			if !ok {
				return "", argError("entry_type must be one of %s", strings.Join(types, ", "))
			}
			details, err := stringArg(args, "details", true)
			if err != nil {
				return "", err
			}
			ref, err := stringArg(args, "reference_id", false)
			if err != nil {
				return "", err
			}
			e := journal.Entry{Type: t, Details: details, ReferenceID: ref}

			if id, ok, err := intArg(args, "chef_id", false); err != nil {
				return "", err
			} else if ok {
				e.ChefID = &id
			}
			if season, ok, err := intArg(args, "season", false); err != nil {
				return "", err
			} else if ok {
				s := int(season)
				e.Season = &s
			}

			stored, err := j.Append(ctx, e)
			if err != nil {
				return "", err
			}
			return marshal(map[string]any{"status": "recorded", "id": stored.ID}), nil
		},
	})
}
