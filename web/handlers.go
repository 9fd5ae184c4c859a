package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/RezaEskandarii/tradeflow/internal/state"
	"github.com/RezaEskandarii/tradeflow/internal/store"
)

func entryID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	status := state.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+status.String())
		return
	}

	entries, err := s.queue.List(r.Context(), status, getPageNumber(r), PageSize)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list entries failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	entry, err := s.queue.FindByID(r.Context(), id)
	if errors.Is(err, store.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "find entry failed", "entry_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load entry")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// resetEntry returns a failed entry to pending so it runs again.
func (s *Server) resetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	ctx := r.Context()
	if _, err := s.queue.FindByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load entry")
		return
	}

	reset, err := s.queue.Reset(ctx, id, state.StatusFailed)
	if err != nil {
		s.logger.ErrorContext(ctx, "reset entry failed", "entry_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset entry")
		return
	}
	if !reset {
		writeError(w, http.StatusConflict, "only failed entries can be reset")
		return
	}

	s.logger.InfoContext(ctx, "entry reset by operator", "entry_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": state.StatusPending})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.CountAllGroupedByStatus(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "count entries failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count entries")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) listForbidden(w http.ResponseWriter, r *http.Request) {
	records, err := s.limits.ListForbidden(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list forbid records failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list forbid records")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) clearForbid(w http.ResponseWriter, r *http.Request) {
	apiSystem := strings.TrimSpace(r.URL.Query().Get("api_system"))
	hostname := strings.TrimSpace(r.URL.Query().Get("hostname"))
	if apiSystem == "" || hostname == "" {
		writeError(w, http.StatusBadRequest, "api_system and hostname are required")
		return
	}

	removed, err := s.limits.ClearForbid(r.Context(), apiSystem, hostname)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "clear forbid failed", "api_system", apiSystem, "hostname", hostname, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear forbid")
		return
	}

	s.logger.InfoContext(r.Context(), "forbid cleared by operator", "api_system", apiSystem, "hostname", hostname, "removed", removed)
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

type killSwitchState struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) getKillSwitch(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.killSwitch.Enabled(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read kill switch")
		return
	}
	writeJSON(w, http.StatusOK, killSwitchState{Enabled: &enabled})
}

func (s *Server) setKillSwitch(w http.ResponseWriter, r *http.Request) {
	var body killSwitchState
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}

	if err := s.killSwitch.Set(r.Context(), *body.Enabled); err != nil {
		s.logger.ErrorContext(r.Context(), "set kill switch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to set kill switch")
		return
	}

	s.logger.WarnContext(r.Context(), "kill switch changed by operator", "enabled", *body.Enabled)
	writeJSON(w, http.StatusOK, body)
}
