package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/MrWong99/redraft/pkg/store"
	"github.com/MrWong99/redraft/pkg/types"
)

const (
	defaultLimit = 20
	maxLimit     = 100

	// maxBodyBytes caps request bodies; triggers and generate requests only
	// carry identifiers.
	maxBodyBytes = 1 << 20
)

type generateResponse struct {
	SessionID string `json:"session_id"`
}

type triggerResponse struct {
	EvaluationID string `json:"evaluation_id"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

type listResponse struct {
	Evaluations []types.EvaluationRecord `json:"evaluations"`
	Limit       int                      `json:"limit"`
	Offset      int                      `json:"offset"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.gen.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, generateResponse{SessionID: id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reader.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.reader.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var tr types.EvaluationTrigger
	if err := decodeBody(w, r, &tr); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.eval.Evaluate(r.Context(), tr)
	switch {
	case errors.Is(err, types.ErrDuplicateEvaluation) && rec != nil:
		writeJSON(w, http.StatusOK, triggerResponse{EvaluationID: rec.ID, Duplicate: true})
	case err != nil:
		writeError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, triggerResponse{EvaluationID: rec.ID})
	}
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultLimit)
	if err == nil && (limit < 1 || limit > maxLimit) {
		err = fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", types.ErrInvalidRequest, err))
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err == nil && offset < 0 {
		err = errors.New("offset must not be negative")
	}
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", types.ErrInvalidRequest, err))
		return
	}

	recs, err := s.reader.ListEvaluations(r.Context(), store.EvaluationFilter{
		AuthorID: q.Get("author_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []types.EvaluationRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{Evaluations: recs, Limit: limit, Offset: offset})
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reader.GetEvaluation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ── helpers ──────────────────────────────────────────────────────────────────

// decodeBody reads a single JSON object into v. Unknown fields and trailing
// data are rejected.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %w", types.ErrInvalidRequest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: body must contain a single JSON object", types.ErrInvalidRequest)
	}
	return nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
