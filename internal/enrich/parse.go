package enrich

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoJSON means the parse reply held no JSON object.
var ErrNoJSON = errors.New("no JSON object in reply")

// fieldAliases maps parse-output keys onto chef columns. Keys mapped to
// "" are dropped.
var fieldAliases = map[string]string{
	"chef_name":          "",
	"name":               "",
	"restaurant_address": "address",
	"top_chef_season":    "season",
}

// ParseFields extracts the field object from a parse reply. Markdown
// code fences and prose around the object are tolerated. Keys are
// mapped to column names, empty values dropped and season coerced to
// an integer when it can be.
func ParseFields(raw string) (map[string]any, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		key := strings.ToLower(strings.TrimSpace(k))
		if alias, ok := fieldAliases[key]; ok {
			if alias == "" {
				continue
			}
			key = alias
		}
		switch val := v.(type) {
		case nil:
			continue
		case string:
			val = strings.TrimSpace(val)
			if val == "" {
				continue
			}
			v = val
		}
		if key == "season" {
			n, ok := seasonNumber(v)
			if !ok {
				continue
			}
			v = n
		}
		out[key] = v
	}
	return out, nil
}

var digitsRe = regexp.MustCompile(`\d+`)

// seasonNumber accepts 5, 5.0, "5" and "Season 5".
func seasonNumber(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		m := digitsRe.FindString(n)
		if m == "" {
			return 0, false
		}
		i, err := strconv.Atoi(m)
		return i, err == nil
	}
	return 0, false
}

// degenerate values never count as data.
var degenerate = map[string]bool{
	"": true, "n/a": true, "na": true, "none": true, "null": true, "nil": true,
	"unknown": true, "inconnu": true, "tbd": true, "-": true, "?": true,
	"not available": true, "not found": true,
}

// bareCities are too vague to be an address on their own.
var bareCities = map[string]bool{
	"france": true, "paris": true, "lyon": true, "marseille": true,
	"bordeaux": true, "lille": true, "nice": true, "toulouse": true,
	"strasbourg": true, "nantes": true, "montpellier": true, "rennes": true,
	"reims": true, "paris, france": true, "lyon, france": true,
}

// Plausible reports whether value is usable for field: non-empty and
// not a placeholder. Addresses also need at least two words and must
// not be a bare city. Seasons must be positive integers.
func Plausible(field string, value any) bool {
	if field == "season" {
		n, ok := seasonNumber(value)
		return ok && n > 0 && n < 100
	}

	var s string
	switch v := value.(type) {
	case nil:
		return false
	case string:
		s = v
	default:
		s = fmt.Sprint(v)
	}
	norm := strings.ToLower(strings.Join(strings.Fields(s), " "))
	norm = strings.Trim(norm, " .")
	if degenerate[norm] {
		return false
	}
	if field == "address" {
		if bareCities[norm] {
			return false
		}
		return len(strings.Fields(norm)) >= 2
	}
	return true
}

// Missing returns the fields of rec that are not plausible, in the
// order given.
func Missing(rec map[string]any, fields []string) []string {
	var out []string
	for _, f := range fields {
		if !Plausible(f, rec[f]) {
			out = append(out, f)
		}
	}
	return out
}
