package resilience

import (
	"time"
)

// DLQEntry represents an email whose ingestion failed and can be retried
// later. The raw body is retained so a retry does not depend on the mailbox
// still holding the message.
type DLQEntry struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	EmailID      string    `json:"email_id"`
	Subject      string    `json:"subject,omitempty"`
	Body         string    `json:"body"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ProjectID string `json:"project_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
