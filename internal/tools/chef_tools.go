package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/nugget/toque/internal/chefs"
	"github.com/nugget/toque/internal/geocode"
)

func registerChefTools(r *Registry, store ChefStore, geo geocode.Geocoder) {
	h := &chefHandlers{store: store, geo: geo}

	r.Register(&Tool{
		Name:        "list_chefs",
		Description: "List chef records, optionally for one season or only those missing a given field.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"season": map[string]any{
					"type":        "integer",
					"description": "Only chefs from this season.",
				},
				"missing": map[string]any{
					"type":        "string",
					"description": "Only chefs whose value for this field is empty, e.g. \"address\".",
				},
			},
		},
		Handler: h.list,
	})

	r.Register(&Tool{
		Name:        "get_chef_record",
		Description: "Get every field of one chef record.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"chef_id": map[string]any{"type": "integer", "description": "Chef record id."},
			},
			"required": []string{"chef_id"},
		},
		Handler: h.get,
	})

	r.Register(&Tool{
		Name:        "add_chef_record",
		Description: "Add a chef that is missing from the database.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":   map[string]any{"type": "string", "description": "Full name of the chef."},
				"season": map[string]any{"type": "integer", "description": "Top Chef France season number."},
				"fields": map[string]any{
					"type":        "object",
					"description": "Other initial fields, e.g. {\"restaurant_name\": \"...\", \"status\": \"Candidate\"}.",
				},
			},
			"required": []string{"name"},
		},
		Handler: h.add,
		Mutates: true,
	})

	r.Register(&Tool{
		Name: "update_chef_record",
		Description: "Update one field of a chef record, or several at once with \"fields\". " +
			"Allowed fields: " + strings.Join(chefs.AllowedFields(), ", ") + ", plus any column starting with \"" + chefs.CustomPrefix + "\". " +
			"Latitude and longitude must be written together; prefer geocode_address_and_update.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"chef_id": map[string]any{"type": "integer", "description": "Chef record id."},
				"field":   map[string]any{"type": "string", "description": "Field to update."},
				"value":   map[string]any{"description": "New value for the field."},
				"fields": map[string]any{
					"type":        "object",
					"description": "Several field/value pairs to write in one update.",
				},
			},
			"required": []string{"chef_id"},
		},
		Handler: h.update,
		Mutates: true,
	})

	if geo != nil {
		r.Register(&Tool{
			Name:        "geocode_address_and_update",
			Description: "Resolve an address to coordinates and store latitude and longitude on the chef record together. Nothing is written if the address cannot be resolved.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"chef_id": map[string]any{"type": "integer", "description": "Chef record id."},
					"address": map[string]any{"type": "string", "description": "Full street address, e.g. \"10 Rue de Rivoli, Paris\"."},
				},
				"required": []string{"chef_id", "address"},
			},
			Handler: h.geocode,
			Mutates: true,
		})
	}
}

type chefHandlers struct {
	store ChefStore
	geo   geocode.Geocoder
}

func (h *chefHandlers) list(ctx context.Context, args map[string]any) (string, error) {
	season, bySeason, err := intArg(args, "season", false)
	if err != nil {
		return "", err
	}
	missing, err := stringArg(args, "missing", false)
	if err != nil {
		return "", err
	}

	var recs []chefs.Record
	if bySeason {
		recs, err = h.store.BySeason(ctx, int(season))
	} else {
		recs, err = h.store.All(ctx)
	}
	if err != nil {
		return "", err
	}

	out := make([]chefs.Record, 0, len(recs))
	for _, rec := range recs {
		if missing != "" && rec.String(missing) != "" {
			continue
		}
		out = append(out, compact(rec))
	}
	return marshal(map[string]any{"result": map[string]any{"count": len(out), "chefs": out}}), nil
}

func (h *chefHandlers) get(ctx context.Context, args map[string]any) (string, error) {
	id, _, err := intArg(args, "chef_id", true)
	if err != nil {
		return "", err
	}
	rec, err := h.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{"result": rec}), nil
}

func (h *chefHandlers) add(ctx context.Context, args map[string]any) (string, error) {
	name, err := stringArg(args, "name", true)
	if err != nil {
		return "", err
	}
	rec := chefs.Record{"name": name}

	if raw, ok := args["fields"]; ok && raw != nil {
		extra, ok := raw.(map[string]any)
		if !ok {
			return "", argError("fields must be an object, got %T", raw)
		}
		for k, v := range extra {
			rec[k] = v
		}
	}
	if _, ok := args["season"]; ok {
		rec["season"] = args["season"]
	}
	rec["name"] = name

	fields, err := coerceFields(rec)
	if err != nil {
		return "", err
	}
	id, err := h.store.Add(ctx, chefs.Record(fields))
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{"status": "created", "chef_id": id}), nil
}

func (h *chefHandlers) update(ctx context.Context, args map[string]any) (string, error) {
	id, _, err := intArg(args, "chef_id", true)
	if err != nil {
		return "", err
	}

	fields := map[string]any{}
	if raw, ok := args["fields"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return "", argError("fields must be an object, got %T", raw)
		}
		for k, v := range m {
			fields[k] = v
		}
	}
	field, err := stringArg(args, "field", false)
	if err != nil {
		return "", err
	}
	if field != "" {
		v, ok := args["value"]
		if !ok {
			return "", argError("value is required with field")
		}
		fields[field] = v
	}
	if len(fields) == 0 {
		return "", argError("give field and value, or fields")
	}

	for k := range fields {
		if !chefs.FieldAllowed(k) {
			return "", fmt.Errorf("%w: %s (allowed: %s, or a %s column)",
				chefs.ErrFieldNotAllowed, k, strings.Join(chefs.AllowedFields(), ", "), chefs.CustomPrefix)
		}
	}
	coerced, err := coerceFields(fields)
	if err != nil {
		return "", err
	}

	if err := h.store.Update(ctx, id, coerced); err != nil {
		if errors.Is(err, chefs.ErrCoordinatePair) {
			return "", fmt.Errorf("%w; use geocode_address_and_update or set both in fields", err)
		}
		return "", err
	}
	return marshal(map[string]any{"status": "updated", "chef_id": id, "fields": sortedKeys(coerced)}), nil
}

func (h *chefHandlers) geocode(ctx context.Context, args map[string]any) (string, error) {
	id, _, err := intArg(args, "chef_id", true)
	if err != nil {
		return "", err
	}
	address, err := stringArg(args, "address", true)
	if err != nil {
		return "", err
	}
	if _, err := h.store.Get(ctx, id); err != nil {
		return "", err
	}

	p, err := h.geo.Geocode(ctx, address)
	if err != nil {
		return "", fmt.Errorf("geocode %q: %w", address, err)
	}
	if err := h.store.SetCoordinates(ctx, id, p.Latitude, p.Longitude); err != nil {
		return "", err
	}
	return marshal(map[string]any{
		"status":    "updated",
		"chef_id":   id,
		"latitude":  p.Latitude,
		"longitude": p.Longitude,
		"resolved":  p.Display,
	}), nil
}

// coerceFields converts model-supplied values to what the columns hold.
// Coordinates and season must be numeric; objects and arrays are stored
// as JSON text.
func coerceFields(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch {
		case v == nil:
			out[k] = nil
		case k == "latitude" || k == "longitude":
			f, err := toFloat(v)
			if err != nil {
				return nil, fmt.Errorf("type error: %s must be a number: %v", k, err)
			}
			out[k] = f
		case k == "season":
			n, err := toInt(v)
			if err != nil {
				return nil, fmt.Errorf("type error: season must be an integer: %v", err)
			}
			out[k] = n
		default:
			switch v.(type) {
			case map[string]any, []any:
				b, err := json.Marshal(v)
				if err != nil {
					return nil, fmt.Errorf("encode %s: %w", k, err)
				}
				out[k] = string(b)
			default:
				out[k] = v
			}
		}
	}

	lat, hasLat := out["latitude"].(float64)
	lon, hasLon := out["longitude"].(float64)
	if hasLat && (lat < -90 || lat > 90 || math.IsNaN(lat)) {
		return nil, fmt.Errorf("%w: latitude %v", chefs.ErrCoordinateRange, lat)
	}
	if hasLon && (lon < -180 || lon > 180 || math.IsNaN(lon)) {
		return nil, fmt.Errorf("%w: longitude %v", chefs.ErrCoordinateRange, lon)
	}
	return out, nil
}

// compact drops empty fields so listings stay small in the prompt.
func compact(rec chefs.Record) chefs.Record {
	out := make(chefs.Record, len(rec))
	for k, v := range rec {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
