package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by store lookups for missing records.
var ErrNotFound = errors.New("not found")

// ExtractionError means the model call failed or returned schema-invalid
// output. No roster mutation has happened when it is returned.
type ExtractionError struct {
	EmailID string
	Reason  string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IsExtractionError reports whether err is an ExtractionError.
func IsExtractionError(err error) bool {
	var target *ExtractionError
	return errors.As(err, &target)
}

// BatchCommitError means the store transaction for an ingestion batch
// failed. The whole batch rolled back; the roster is unchanged.
type BatchCommitError struct {
	ProjectID string
	Err       error
}

func (e *BatchCommitError) Error() string {
	return fmt.Sprintf("batch commit failed for project %s: %v", e.ProjectID, e.Err)
}

func (e *BatchCommitError) Unwrap() error { return e.Err }

// IsBatchCommitError reports whether err is a BatchCommitError.
func IsBatchCommitError(err error) bool {
	var target *BatchCommitError
	return errors.As(err, &target)
}

// ScreeningError is a per-expert screening failure. It never aborts a batch
// screening run.
type ScreeningError struct {
	ExpertID string
	Err      error
}

func (e *ScreeningError) Error() string {
	return fmt.Sprintf("screening failed for expert %s: %v", e.ExpertID, e.Err)
}

func (e *ScreeningError) Unwrap() error { return e.Err }

// ConflictError means a second ingestion was attempted while the project was
// locked. The caller should retry after a backoff.
type ConflictError struct {
	ProjectID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("project %s has an ingestion in progress", e.ProjectID)
}

// IsConflictError reports whether err is a ConflictError.
func IsConflictError(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}
