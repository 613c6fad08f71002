// Package types defines the shared domain types of the redraft pipeline.
//
// These types are the lingua franca between the context aggregator, the
// generation agent, the orchestrators, the stores and the HTTP API. Cross
// cutting data structures live here to avoid circular imports; anything used
// by a single package stays in that package.
package types

import "time"

// ── Collaborator data ────────────────────────────────────────────────────────

// Author is a snapshot of the person whose dictations are being corrected.
type Author struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Specialty   string            `json:"specialty,omitempty"`
	CurrentTier Tier              `json:"current_tier"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Document is a source draft or its human-finalised reference version.
type Document struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	WordCount int       `json:"word_count"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// CorrectionPattern is a recurring edit made to an author's drafts, e.g.
// "diabetis" corrected to "diabetes".
type CorrectionPattern struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`

	// Category groups patterns ("spelling", "abbreviation", "terminology", ...).
	Category string `json:"category"`

	// Frequency is how often the correction has been observed.
	Frequency int `json:"frequency"`
}

// HistoricalExample is a past draft of the same author together with its
// final version.
type HistoricalExample struct {
	DocumentID string  `json:"document_id"`
	DraftText  string  `json:"draft_text"`
	FinalText  string  `json:"final_text"`
	Similarity float64 `json:"similarity,omitempty"`
}

// ContextBundle is everything the generation agent knows about one request.
// It always carries the source document.
type ContextBundle struct {
	Author   Author              `json:"author"`
	Source   Document            `json:"source"`
	Patterns []CorrectionPattern `json:"patterns"`
	Examples []HistoricalExample `json:"examples"`

	// Degraded lists the optional inputs that could not be fetched.
	Degraded []string `json:"degraded,omitempty"`

	AssembledAt time.Time `json:"assembled_at"`
}

// ── Generation ───────────────────────────────────────────────────────────────

// GenerateOptions tunes a single generation run.
type GenerateOptions struct {
	UseMultiStepCritique bool `json:"use_multi_step_critique"`
	MaxOutputTokens      int  `json:"max_output_tokens,omitempty"`
}

// GenerateRequest is the input of a generation run.
type GenerateRequest struct {
	AuthorID         string          `json:"author_id"`
	SourceDocumentID string          `json:"source_document_id"`
	PromptHint       string          `json:"prompt_hint,omitempty"`
	Options          GenerateOptions `json:"options"`
}

// SessionStatus is the lifecycle state of a [Session].
type SessionStatus string

// Session statuses. Completed and failed are terminal.
const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Step names a state of the generation workflow.
type Step string

// Workflow steps in execution order. StepDone is the terminal state.
const (
	StepContextAnalysis Step = "context_analysis"
	StepPatternMatching Step = "pattern_matching"
	StepDraftGeneration Step = "draft_generation"
	StepSelfCritique    Step = "self_critique"
	StepRefinement      Step = "refinement"
	StepDone            Step = "done"
)

// StepStatus is the outcome of one executed step.
type StepStatus string

const (
	StepOK    StepStatus = "ok"
	StepError StepStatus = "error"
)

// StepRecord is one entry of a session's step log.
type StepRecord struct {
	Step          Step          `json:"step"`
	Status        StepStatus    `json:"status"`
	Next          Step          `json:"next"`
	InputSummary  string        `json:"input_summary"`
	OutputSummary string        `json:"output_summary"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`
}

// Session is the persisted record of one generation attempt.
type Session struct {
	ID               string          `json:"id"`
	AuthorID         string          `json:"author_id"`
	SourceDocumentID string          `json:"source_document_id"`
	PromptHint       string          `json:"prompt_hint,omitempty"`
	Options          GenerateOptions `json:"options"`
	Status           SessionStatus   `json:"status"`

	// Context is the bundle the run used. Nil until aggregation succeeded.
	Context *ContextBundle `json:"context,omitempty"`

	Steps []StepRecord `json:"steps"`

	// Error and FailedStep are set when Status is failed.
	Error      string `json:"error,omitempty"`
	FailedStep Step   `json:"failed_step,omitempty"`

	ArtifactID string    `json:"artifact_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ArtifactMetadata describes how an artifact was produced.
type ArtifactMetadata struct {
	PatternsUsed int           `json:"patterns_used"`
	ExamplesUsed int           `json:"examples_used"`
	Critiqued    bool          `json:"critiqued"`
	Refined      bool          `json:"refined"`
	LLMCalls     int           `json:"llm_calls"`
	Duration     time.Duration `json:"duration_ns"`
}

// Artifact is the improved document produced by a successful session.
type Artifact struct {
	ID               string           `json:"id"`
	SessionID        string           `json:"session_id"`
	AuthorID         string           `json:"author_id"`
	SourceDocumentID string           `json:"source_document_id"`
	Text             string           `json:"text"`
	WordCount        int              `json:"word_count"`
	Confidence       float64          `json:"confidence"`
	Metadata         ArtifactMetadata `json:"metadata"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ── Evaluation ───────────────────────────────────────────────────────────────

// Metrics is the output of comparing a candidate against a reference.
type Metrics struct {
	SentenceEditRate   float64            `json:"sentence_edit_rate"`
	WordEditRate       float64            `json:"word_edit_rate"`
	SemanticSimilarity float64            `json:"semantic_similarity"`
	QualityScore       float64            `json:"quality_score"`
	ImprovementScore   float64            `json:"improvement_score"`
	ReferenceWords     int                `json:"reference_words"`
	CandidateWords     int                `json:"candidate_words"`
	Detail             map[string]float64 `json:"detail"`
}

// EvaluationRecord is the persisted result of evaluating one artifact.
type EvaluationRecord struct {
	ID                  string `json:"id"`
	AuthorID            string `json:"author_id"`
	SourceDocumentID    string `json:"source_document_id"`
	ReferenceDocumentID string `json:"reference_document_id"`
	ArtifactID          string `json:"artifact_id"`

	ReferenceText      string `json:"reference_text"`
	CandidateText      string `json:"candidate_text"`
	ReferenceWordCount int    `json:"reference_word_count"`
	CandidateWordCount int    `json:"candidate_word_count"`

	SentenceEditRate   float64 `json:"sentence_edit_rate"`
	WordEditRate       float64 `json:"word_edit_rate"`
	SemanticSimilarity float64 `json:"semantic_similarity"`
	QualityScore       float64 `json:"quality_score"`
	ImprovementScore   float64 `json:"improvement_score"`

	TierAtEvaluation Tier `json:"tier_at_evaluation"`
	RecommendedTier  Tier `json:"recommended_tier"`
	BucketChanged    bool `json:"bucket_changed"`

	DetailedMetrics map[string]float64 `json:"detailed_metrics"`
	CreatedAt       time.Time          `json:"created_at"`
}

// EvaluationTrigger is the payload of both the event-driven and the manual
// evaluation path.
type EvaluationTrigger struct {
	AuthorID         string `json:"author_id"`
	SourceDocumentID string `json:"source_document_id"`
	ArtifactID       string `json:"artifact_id"`
	SessionID        string `json:"session_id,omitempty"`
}
