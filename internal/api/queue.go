package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

type agentRequest struct {
	AgentID string `json:"agentId"`
}

type ackRequest struct {
	RunID string `json:"runId"`
}

type failRequest struct {
	Reason string `json:"reason"`
}

// jobSetParam reads the job-set from the route and validates it.
func (s *Server) jobSetParam(w http.ResponseWriter, r *http.Request) (model.JobSet, bool) {
	js := model.JobSet{
		Entity:  chi.URLParam(r, "entity"),
		Project: chi.URLParam(r, "project"),
		Name:    chi.URLParam(r, "name"),
	}
	if err := js.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return model.JobSet{}, false
	}
	return js, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// storeError maps store errors onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// handleEnqueue accepts a run spec as the request body. Specs are checked
// for well-formed JSON only; agents validate them when they build the run.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	js, ok := s.jobSetParam(w, r)
	if !ok {
		return
	}
	var spec json.RawMessage
	if !s.decode(w, r, &spec) {
		return
	}
	if !bytes.HasPrefix(bytes.TrimSpace(spec), []byte("{")) {
		s.writeError(w, http.StatusBadRequest, "run spec must be a JSON object")
		return
	}

	it, err := s.store.EnqueueItem(r.Context(), js, spec)
	if err != nil {
		s.storeError(w, "enqueue item", err)
		return
	}
	itemsEnqueuedTotal.Inc()
	s.logger.Info("item enqueued", "jobset", js.Key(), "item_id", it.ID)
	s.writeJSON(w, http.StatusCreated, it)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	js, ok := s.jobSetParam(w, r)
	if !ok {
		return
	}
	recs, err := s.store.ListPendingItems(r.Context(), js)
	if err != nil {
		s.storeError(w, "list items", err)
		return
	}
	items := make([]model.QueueItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, rec.QueueItem)
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handlePop(w http.ResponseWriter, r *http.Request) {
	js, ok := s.jobSetParam(w, r)
	if !ok {
		return
	}
	var req agentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	it, err := s.store.PopItem(r.Context(), js, req.AgentID)
	if err != nil {
		s.storeError(w, "pop item", err)
		return
	}
	if it == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, it.QueueItem)
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	js, ok := s.jobSetParam(w, r)
	if !ok {
		return
	}
	var req agentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	if err := s.store.LeaseItem(r.Context(), js, chi.URLParam(r, "id"), req.AgentID); err != nil {
		s.storeError(w, "lease item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	js, ok := s.jobSetParam(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RunID == "" {
		s.writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	it, err := s.store.AckItem(r.Context(), js, chi.URLParam(r, "id"), req.RunID)
	if err != nil {
		s.storeError(w, "ack item", err)
		return
	}
	s.writeJSON(w, http.StatusOK, model.AckResult{ItemID: it.ID, RunID: it.RunID, AckedAt: *it.AckedAt})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	js, ok := s.jobSetParam(w, r)
	if !ok {
		return
	}
	var req failRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.FailItem(r.Context(), js, chi.URLParam(r, "id"), req.Reason); err != nil {
		s.storeError(w, "fail item", err)
		return
	}
	s.logger.Info("item failed", "jobset", js.Key(), "item_id", chi.URLParam(r, "id"), "reason", req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	js, ok := s.jobSetParam(w, r)
	if !ok {
		return
	}
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	runs, err := s.store.ListRuns(r.Context(), js, limit)
	if err != nil {
		s.storeError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []*model.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleUpsertRun(w http.ResponseWriter, r *http.Request) {
	var rec model.RunRecord
	if !s.decode(w, r, &rec) {
		return
	}
	id := chi.URLParam(r, "id")
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ID != id {
		s.writeError(w, http.StatusBadRequest, "run id in body does not match path")
		return
	}
	if rec.Status != "" && !rec.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown run status "+string(rec.Status))
		return
	}
	if err := s.store.UpsertRun(r.Context(), rec); err != nil {
		s.storeError(w, "upsert run", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "get run", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.storeError(w, "get stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
