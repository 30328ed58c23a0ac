package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"tori-watcher/pkg/watcher"
)

const maxRequestBody = 64 << 10

type addQueryRequest struct {
	Text string `json:"text"`
}

// Validate rejects requests that can never be stored.
func (r addQueryRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return watcher.ErrEmptyQueryText
	}
	return nil
}

type queriesResponse struct {
	SubscriberID string           `json:"subscriber_id"`
	Queries      []*watcher.Query `json:"queries"`
}

// storeStatus maps store errors onto HTTP statuses.
func storeStatus(err error) (int, string) {
	switch {
	case errors.Is(err, watcher.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, watcher.ErrEmptyQueryText):
		return http.StatusBadRequest, "query text is empty"
	case errors.Is(err, watcher.ErrDuplicateQuery):
		return http.StatusConflict, "query already exists"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := storeStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "Store operation failed", "op", op, "error", err)
	}
	s.writeError(w, status, msg)
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sub, err := s.store.Subscriber(r.Context(), id)
	if err != nil {
		s.storeError(w, r, "list", err)
		return
	}

	s.writeJSON(w, http.StatusOK, queriesResponse{SubscriberID: sub.ID, Queries: sub.Queries})
}

func (s *Server) handleAddQuery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req addQueryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.storeError(w, r, "add", err)
		return
	}

	queryID, err := s.store.AddQuery(r.Context(), id, req.Text)
	if err != nil {
		s.storeError(w, r, "add", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]int{"id": queryID})
}

func (s *Server) handleRemoveQuery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	queryID, err := strconv.Atoi(vars["queryID"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid query id")
		return
	}

	if _, err := s.store.RemoveQuery(r.Context(), vars["id"], queryID); err != nil {
		s.storeError(w, r, "remove", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
