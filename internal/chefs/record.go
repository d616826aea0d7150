// Package chefs persists chef records in a relational table whose
// column set can grow at runtime. SQLite is the default backend;
// PostgreSQL is used when the configured DSN points at one.
package chefs

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors returned by the store.
var (
	ErrNotFound          = errors.New("chef record not found")
	ErrNameRequired      = errors.New("chef name is required")
	ErrFieldNotAllowed   = errors.New("field may not be updated")
	ErrCoordinatePair    = errors.New("latitude and longitude must be set together")
	ErrInvalidIdentifier = errors.New("invalid column name")
	ErrInvalidColumnType = errors.New("invalid column type")
	ErrProtectedColumn   = errors.New("column is protected")
	ErrCoordinateRange   = errors.New("coordinate out of range")
	ErrNoFields          = errors.New("no fields to update")
)

// CustomPrefix marks dynamically added columns that the update path
// accepts without being on the fixed allow-list.
const CustomPrefix = "custom_"

// Record is one row of the chefs table keyed by column name. The column
// set is open-ended, so a map is the natural shape.
type Record map[string]any

// ID returns the integer primary key, or 0 if absent.
func (r Record) ID() int64 {
	switch v := r["id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Name returns the chef name.
func (r Record) Name() string {
	return r.String("name")
}

// String returns a field formatted as text. Missing and NULL fields
// yield "".
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Float returns a numeric field, reporting false when it is unset or
// not a number.
func (r Record) Float(field string) (float64, bool) {
	switch v := r[field].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// HasCoordinates reports whether both latitude and longitude are set.
func (r Record) HasCoordinates() bool {
	_, latOK := r.Float("latitude")
	_, lonOK := r.Float("longitude")
	return latOK && lonOK
}

// Time parses an RFC 3339 timestamp column.
func (r Record) Time(field string) (time.Time, bool) {
	s := r.String(field)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}

// mutableFields is the fixed allow-list for Update and Add.
var mutableFields = map[string]bool{
	"name":            true,
	"bio":             true,
	"image_url":       true,
	"status":          true,
	"season":          true,
	"restaurant_name": true,
	"address":         true,
	"notes":           true,
	"perplexity_data": true,
	"latitude":        true,
	"longitude":       true,
}

// MajorFields are the fields whose change stamps
// major_fields_updated_at.
var MajorFields = []string{"restaurant_name", "address", "season"}

// protectedColumns cannot be dropped: the base schema created by the
// migrations, which the store's own queries and update stamps rely on.
var protectedColumns = map[string]bool{
	"id":                      true,
	"name":                    true,
	"restaurant_name":         true,
	"address":                 true,
	"season":                  true,
	"status":                  true,
	"notes":                   true,
	"latitude":                true,
	"longitude":               true,
	"bio":                     true,
	"image_url":               true,
	"perplexity_data":         true,
	"last_updated":            true,
	"major_fields_updated_at": true,
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// typeRe bounds column type strings to SQL type syntax such as
// "TEXT", "REAL" or "VARCHAR(255)".
var typeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ (),]*$`)

// ValidIdentifier reports whether name is safe to splice into DDL.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// FieldAllowed reports whether Update accepts the field name.
func FieldAllowed(name string) bool {
	if mutableFields[name] {
		return true
	}
	return strings.HasPrefix(name, CustomPrefix) && len(name) > len(CustomPrefix) && ValidIdentifier(name)
}

// AllowedFields returns the fixed allow-list, sorted.
func AllowedFields() []string {
	out := make([]string, 0, len(mutableFields))
	for k := range mutableFields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// leadingColumns fixes the order of the first columns in the data view.
var leadingColumns = []string{"id", "name", "bio", "image_url", "status", "last_updated", "perplexity_data"}

// Header returns the display column order for a set of records: the
// leading columns that appear in any record, then every other key
// sorted.
func Header(records []Record) []string {
	seen := make(map[string]bool)
	for _, r := range records {
		for k := range r {
			seen[k] = true
		}
	}

	header := make([]string, 0, len(seen))
	for _, k := range leadingColumns {
		if seen[k] {
			header = append(header, k)
			delete(seen, k)
		}
	}
	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(header, rest...)
}

func validLatitude(v float64) bool  { return v >= -90 && v <= 90 }
func validLongitude(v float64) bool { return v >= -180 && v <= 180 }
