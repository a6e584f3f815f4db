package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/docpipe/ingestworker/engine/dlq"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// handleDLQList implements GET /dlq?limit&error_type_filter. error_type_filter
// maps onto the analyzer's Category bucket, the closest indexed column
// dlq.Store.List exposes for narrowing the list.
func (s *server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := dlq.ListFilter{
		Category: dlq.Category(q.Get("error_type_filter")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	entries, err := s.dlqStore.List(r.Context(), filter)
	if err != nil {
		s.log.Error("api: dlq list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list dlq entries")
		return
	}

	out := make([]dlqEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newDLQEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDLQResolve implements POST /dlq/{id}/resolve.
func (s *server) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dlq entry id")
		return
	}

	var req dlqResolveRequest
	if err := decodeAndValidate(r, s, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.dlqStore.Resolve(r.Context(), id, req.ResolvedBy, req.Notes); err != nil {
		if errors.Is(err, dlq.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dlq entry not found or already resolved")
			return
		}
		s.log.Error("api: dlq resolve failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve dlq entry")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}
