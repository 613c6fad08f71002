// Package memstore is an in-memory implementation of [store.Store].
//
// It keeps the same invariants as the Postgres store and hands out copies,
// so callers can never mutate stored records. Data is lost on restart.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/redraft/pkg/store"
	"github.com/MrWong99/redraft/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*types.Session
	artifacts   map[string]*types.Artifact
	evaluations map[string]*types.EvaluationRecord
	byArtifact  map[string]string
	order       []string // evaluation IDs in insertion order

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]*types.Session),
		artifacts:   make(map[string]*types.Artifact),
		evaluations: make(map[string]*types.EvaluationRecord),
		byArtifact:  make(map[string]string),
		now:         time.Now,
	}
}

// ── Sessions ─────────────────────────────────────────────────────────────────

// CreateSession implements store.SessionStore.
func (s *Store) CreateSession(_ context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("memstore: session %q already exists", sess.ID)
	}
	now := s.now()
	sess.Status = types.SessionPending
	sess.CreatedAt, sess.UpdatedAt = now, now
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// mutable returns the stored session or an error when it is missing or
// terminal. Callers hold s.mu.
func (s *Store) mutable(id string) (*types.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("memstore: session %q: %w", id, types.ErrNotFound)
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("memstore: session %q is %s: %w", id, sess.Status, types.ErrSessionTerminal)
	}
	return sess, nil
}

// StartSession implements store.SessionStore.
func (s *Store) StartSession(_ context.Context, id string, bundle *types.ContextBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.mutable(id)
	if err != nil {
		return err
	}
	if sess.Status != types.SessionPending {
		return fmt.Errorf("memstore: session %q is %s, want pending", id, sess.Status)
	}
	sess.Status = types.SessionInProgress
	if bundle != nil {
		b := *bundle
		sess.Context = &b
	}
	sess.UpdatedAt = s.now()
	return nil
}

// AppendStep implements store.SessionStore.
func (s *Store) AppendStep(_ context.Context, id string, rec types.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.mutable(id)
	if err != nil {
		return err
	}
	sess.Steps = append(sess.Steps, rec)
	sess.UpdatedAt = s.now()
	return nil
}

// CompleteSession implements store.SessionStore.
func (s *Store) CompleteSession(_ context.Context, a *types.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.mutable(a.SessionID)
	if err != nil {
		return err
	}
	if sess.Status != types.SessionInProgress {
		return fmt.Errorf("memstore: session %q is %s, want in_progress", a.SessionID, sess.Status)
	}
	if _, ok := s.artifacts[a.ID]; ok {
		return fmt.Errorf("memstore: artifact %q already exists", a.ID)
	}
	now := s.now()
	a.CreatedAt = now
	cp := *a
	s.artifacts[a.ID] = &cp
	sess.Status = types.SessionCompleted
	sess.ArtifactID = a.ID
	sess.UpdatedAt = now
	return nil
}

// FailSession implements store.SessionStore.
func (s *Store) FailSession(_ context.Context, id string, step types.Step, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.mutable(id)
	if err != nil {
		return err
	}
	sess.Status = types.SessionFailed
	sess.FailedStep = step
	sess.Error = errMsg
	sess.UpdatedAt = s.now()
	return nil
}

// GetSession implements store.SessionStore.
func (s *Store) GetSession(_ context.Context, id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("memstore: session %q: %w", id, types.ErrNotFound)
	}
	return cloneSession(sess), nil
}

func cloneSession(in *types.Session) *types.Session {
	out := *in
	out.Steps = slices.Clone(in.Steps)
	if in.Context != nil {
		c := *in.Context
		out.Context = &c
	}
	return &out
}

// GetArtifact implements store.ArtifactStore.
func (s *Store) GetArtifact(_ context.Context, id string) (*types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("memstore: artifact %q: %w", id, types.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// ── Evaluations ──────────────────────────────────────────────────────────────

// CreateEvaluation implements store.EvaluationStore.
func (s *Store) CreateEvaluation(_ context.Context, r *types.EvaluationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byArtifact[r.ArtifactID]; ok {
		return fmt.Errorf("memstore: artifact %q evaluated by %s: %w", r.ArtifactID, existing, types.ErrDuplicateEvaluation)
	}
	if _, ok := s.evaluations[r.ID]; ok {
		return fmt.Errorf("memstore: evaluation %q already exists", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.evaluations[r.ID] = cloneEvaluation(r)
	s.byArtifact[r.ArtifactID] = r.ID
	s.order = append(s.order, r.ID)
	return nil
}

// GetEvaluation implements store.EvaluationStore.
func (s *Store) GetEvaluation(_ context.Context, id string) (*types.EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.evaluations[id]
	if !ok {
		return nil, fmt.Errorf("memstore: evaluation %q: %w", id, types.ErrNotFound)
	}
	return cloneEvaluation(r), nil
}

// GetEvaluationByArtifact implements store.EvaluationStore.
func (s *Store) GetEvaluationByArtifact(ctx context.Context, artifactID string) (*types.EvaluationRecord, error) {
	s.mu.RLock()
	id, ok := s.byArtifact[artifactID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memstore: evaluation of artifact %q: %w", artifactID, types.ErrNotFound)
	}
	return s.GetEvaluation(ctx, id)
}

// byAuthorNewestFirst returns the author's records newest first. An empty
// authorID selects all records. Callers hold s.mu.
func (s *Store) byAuthorNewestFirst(authorID string) []*types.EvaluationRecord {
	var out []*types.EvaluationRecord
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.evaluations[s.order[i]]
		if authorID == "" || r.AuthorID == authorID {
			out = append(out, r)
		}
	}
	return out
}

// ListEvaluations implements store.EvaluationStore.
func (s *Store) ListEvaluations(_ context.Context, f store.EvaluationFilter) ([]types.EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.byAuthorNewestFirst(f.AuthorID)
	offset := max(f.Offset, 0)
	if offset >= len(all) {
		return []types.EvaluationRecord{}, nil
	}
	all = all[offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	out := make([]types.EvaluationRecord, len(all))
	for i, r := range all {
		out[i] = *cloneEvaluation(r)
	}
	return out, nil
}

// RecentQualityScores implements store.EvaluationStore.
func (s *Store) RecentQualityScores(_ context.Context, authorID string, n int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recent := s.byAuthorNewestFirst(authorID)
	if len(recent) > n {
		recent = recent[:n]
	}
	scores := make([]float64, len(recent))
	for i, r := range recent {
		scores[len(recent)-1-i] = r.QualityScore
	}
	return scores, nil
}

// CountEvaluations implements store.EvaluationStore.
func (s *Store) CountEvaluations(_ context.Context, authorID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.evaluations {
		if r.AuthorID == authorID {
			n++
		}
	}
	return n, nil
}

func cloneEvaluation(in *types.EvaluationRecord) *types.EvaluationRecord {
	out := *in
	out.DetailedMetrics = maps.Clone(in.DetailedMetrics)
	return &out
}
