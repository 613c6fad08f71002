package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every concrete error below matches one of these through
// errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrContextIncomplete    = errors.New("context incomplete")
	ErrGenerationFailed     = errors.New("generation failed")
	ErrExternalFetch        = errors.New("external fetch failed")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrDuplicateEvaluation  = errors.New("artifact already evaluated")
	ErrSessionTerminal      = errors.New("session is in a terminal state")
	ErrInvalidRequest       = errors.New("invalid request")
)

// ContextIncompleteError reports that the source document of a generation
// request could not be loaded. Generation never proceeds without it.
type ContextIncompleteError struct {
	DocumentID string
	Err        error
}

func (e *ContextIncompleteError) Error() string {
	return fmt.Sprintf("context incomplete: source document %q: %v", e.DocumentID, e.Err)
}

func (e *ContextIncompleteError) Unwrap() []error { return []error{ErrContextIncomplete, e.Err} }

// ExternalFetchError reports a failed lookup against an external
// collaborator. It is safe to retry.
type ExternalFetchError struct {
	// Resource names what was fetched ("author", "reference", "artifact", ...).
	Resource string
	ID       string
	Err      error
}

func (e *ExternalFetchError) Error() string {
	return fmt.Sprintf("fetch %s %q: %v", e.Resource, e.ID, e.Err)
}

func (e *ExternalFetchError) Unwrap() []error { return []error{ErrExternalFetch, e.Err} }

// GenerationFailedError reports a generation session that ended in failed.
// Step is empty when the failure happened outside the workflow, e.g. while
// persisting the artifact.
type GenerationFailedError struct {
	SessionID string
	Step      Step
	Err       error
}

func (e *GenerationFailedError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("generation failed: session %s: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("generation failed: session %s: step %s: %v", e.SessionID, e.Step, e.Err)
}

func (e *GenerationFailedError) Unwrap() []error { return []error{ErrGenerationFailed, e.Err} }
