package api

import (
	"net/http"
	"strconv"

	"github.com/nugget/toque/internal/chefs"
	"github.com/nugget/toque/internal/journal"
)

// chefTable is the index page payload: an ordered header and one row
// per record in header order.
type chefTable struct {
	Header []string `json:"header"`
	Rows   [][]any  `json:"rows"`
	Count  int      `json:"count"`
}

func tableOf(records []chefs.Record) chefTable {
	header := chefs.Header(records)
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		row := make([]any, len(header))
		for i, col := range header {
			row[i] = rec[col]
		}
		rows = append(rows, row)
	}
	return chefTable{Header: header, Rows: rows, Count: len(records)}
}

func (s *Server) handleChefs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chefs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "record store not configured")
		return
	}
	records, err := s.deps.Chefs.All(r.Context())
	if err != nil {
		s.logger.Error("list chefs failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load records")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, tableOf(records), s.logger)
}

func (s *Server) handleSeasons(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chefs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "record store not configured")
		return
	}
	seasons, err := s.deps.Chefs.Seasons(r.Context())
	if err != nil {
		s.logger.Error("list seasons failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load seasons")
		return
	}
	if seasons == nil {
		seasons = []int{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"seasons": seasons}, s.logger)
}

func (s *Server) handleSeason(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chefs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "record store not configured")
		return
	}
	season, err := strconv.Atoi(r.PathValue("season"))
	if err != nil || season < 0 {
		s.errorResponse(w, http.StatusBadRequest, "season must be a non-negative integer")
		return
	}
	records, err := s.deps.Chefs.BySeason(r.Context(), season)
	if err != nil {
		s.logger.Error("list season failed", "season", season, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load records")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, tableOf(records), s.logger)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}

	f := journal.Filter{Limit: parseIntParam(r, "limit", 50)}
	if v := r.URL.Query().Get("chef_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "chef_id must be a positive integer")
			return
		}
		f.ChefID = &id
	}
	if v := r.URL.Query().Get("type"); v != "" {
		t, ok := journal.ParseType(v)
		if !ok {
			s.errorResponse(w, http.StatusBadRequest, "unknown entry type "+strconv.Quote(v))
			return
		}
		f.Type = t
	}

	entries, err := s.deps.Journal.Recent(r.Context(), f)
	if err != nil {
		s.logger.Error("journal read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"entries": entries, "count": len(entries)}, s.logger)
}
