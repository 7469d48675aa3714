// Package scan drives mailbox auto-ingestion: it lists recent inbox
// messages, filters for expert-network traffic, and feeds each new message
// through reconciliation. Messages are processed sequentially so experts
// created by one email are visible to the next.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/expert-tracker/internal/model"
	"github.com/sells-group/expert-tracker/internal/recon"
	"github.com/sells-group/expert-tracker/internal/resilience"
	"github.com/sells-group/expert-tracker/pkg/outlook"
)

// defaultKeywords flag expert-network traffic when no sender-domain filter
// is configured.
var defaultKeywords = []string{
	"alphasights", "guidepoint", "glg", "tegus", "thirdbridge", "third bridge",
}

// Filter narrows a mailbox listing.
type Filter struct {
	Top   int
	Since *time.Time
}

// Mailbox lists recent messages with bodies included.
type Mailbox interface {
	ListRecentMessages(ctx context.Context, f Filter) ([]outlook.Message, error)
}

// GraphMailbox adapts the Graph API client to the Mailbox interface.
type GraphMailbox struct {
	Client outlook.Client
}

func (g *GraphMailbox) ListRecentMessages(ctx context.Context, f Filter) ([]outlook.Message, error) {
	return g.Client.ListMessages(ctx, outlook.ListOptions{
		Top:         f.Top,
		Since:       f.Since,
		IncludeBody: true,
	})
}

// Ingestor is the slice of the reconciliation engine the scanner drives.
type Ingestor interface {
	Ingest(ctx context.Context, projectID, emailText string, opts recon.IngestOptions) (*model.BatchResult, error)
}

// Store is the persistence the scanner needs for dedup and failure tracking.
type Store interface {
	SeenEmail(ctx context.Context, emailHash string) (bool, error)
	MarkEmailSeen(ctx context.Context, emailHash, projectID string, at time.Time) error
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// Config tunes one scan pass.
type Config struct {
	MaxMessages    int
	RatePerSecond  float64
	LookbackDays   int
	AllowedDomains []string // sender domains; empty means keyword filtering only
	Keywords       []string // defaults to the expert-network set when empty
}

// ScanProgress aggregates one scan pass.
type ScanProgress struct {
	Scanned     int      `json:"scanned"`
	Matched     int      `json:"matched"`
	Ingested    int      `json:"ingested"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	Added       int      `json:"added"`
	Updated     int      `json:"updated"`
	NeedsReview int      `json:"needs_review"`
	Errors      []string `json:"errors,omitempty"`
}

// Scanner runs scan passes against one mailbox.
type Scanner struct {
	store   Store
	ingest  Ingestor
	mailbox Mailbox
	cfg     Config
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// New creates a Scanner. RatePerSecond bounds how fast message bodies are
// pushed into extraction; zero disables the limiter. A circuit breaker
// watches for consecutive transient ingestion failures so a dead upstream
// aborts the pass instead of dead-lettering the whole mailbox.
func New(store Store, ingest Ingestor, mailbox Mailbox, cfg Config) *Scanner {
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = defaultKeywords
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		ShouldTrip:       resilience.IsTransient,
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("scan: ingestion circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Scanner{store: store, ingest: ingest, mailbox: mailbox, cfg: cfg, limiter: limiter, breaker: breaker}
}

// Scan lists recent messages and ingests the new, relevant ones into the
// project. Per-message failures are dead-lettered and the pass continues,
// unless a streak of transient failures opens the circuit, in which case
// the pass aborts with partial progress.
func (s *Scanner) Scan(ctx context.Context, projectID string) (*ScanProgress, error) {
	filter := Filter{Top: s.cfg.MaxMessages}
	if s.cfg.LookbackDays > 0 {
		since := time.Now().UTC().AddDate(0, 0, -s.cfg.LookbackDays)
		filter.Since = &since
	}

	messages, err := s.mailbox.ListRecentMessages(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "scan: list messages")
	}

	progress := &ScanProgress{Scanned: len(messages)}
	zap.L().Info("scan started",
		zap.String("project_id", projectID),
		zap.Int("messages", len(messages)))

	for i := range messages {
		msg := &messages[i]
		if !s.relevant(msg) {
			continue
		}
		progress.Matched++

		hash := emailHash(msg.ID)
		seen, err := s.store.SeenEmail(ctx, hash)
		if err != nil {
			return nil, eris.Wrap(err, "scan: check seen email")
		}
		if seen {
			progress.Skipped++
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "scan: rate limit wait")
			}
		}

		result, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*model.BatchResult, error) {
			return s.ingestMessage(ctx, projectID, msg)
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return progress, eris.Wrap(err, "scan: ingestion halted")
		}
		if err != nil {
			progress.Failed++
			if len(progress.Errors) < 5 {
				progress.Errors = append(progress.Errors, fmt.Sprintf("%s: %v", msg.ID, err))
			}
			s.recordFailure(ctx, projectID, msg, err)
			continue
		}

		if err := s.store.MarkEmailSeen(ctx, hash, projectID, time.Now().UTC()); err != nil {
			return nil, eris.Wrap(err, "scan: mark email seen")
		}
		progress.Ingested++
		progress.Added += result.Added
		progress.Updated += result.Updated
		progress.NeedsReview += result.NeedsReview
	}

	zap.L().Info("scan finished",
		zap.String("project_id", projectID),
		zap.Int("matched", progress.Matched),
		zap.Int("ingested", progress.Ingested),
		zap.Int("skipped", progress.Skipped),
		zap.Int("failed", progress.Failed))
	return progress, nil
}

// relevant reports whether a message looks like expert-network traffic:
// an allowed sender domain, or a keyword hit in the subject or preview.
func (s *Scanner) relevant(msg *outlook.Message) bool {
	domain := msg.SenderDomain()
	for _, d := range s.cfg.AllowedDomains {
		if domain == strings.ToLower(strings.TrimSpace(d)) {
			return true
		}
	}
	haystack := strings.ToLower(msg.Subject + " " + msg.BodyPreview + " " + domain)
	for _, kw := range s.cfg.Keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (s *Scanner) ingestMessage(ctx context.Context, projectID string, msg *outlook.Message) (*model.BatchResult, error) {
	text := fmt.Sprintf("Subject: %s\nFrom: %s <%s>\nDate: %s\n\n%s",
		msg.Subject,
		msg.From.EmailAddress.Name,
		msg.From.EmailAddress.Address,
		msg.ReceivedDateTime.UTC().Format(time.RFC3339),
		msg.Text())

	return s.ingest.Ingest(ctx, projectID, text, recon.IngestOptions{EmailID: msg.ID})
}

func (s *Scanner) recordFailure(ctx context.Context, projectID string, msg *outlook.Message, ingestErr error) {
	now := time.Now().UTC()
	entry := resilience.DLQEntry{
		ProjectID:    projectID,
		EmailID:      msg.ID,
		Subject:      msg.Subject,
		Body:         msg.Text(),
		Error:        ingestErr.Error(),
		ErrorType:    resilience.ClassifyError(ingestErr),
		MaxRetries:   3,
		NextRetryAt:  now.Add(5 * time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := s.store.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Warn("scan: dlq enqueue failed",
			zap.String("email_id", msg.ID),
			zap.Error(err))
	}
	zap.L().Warn("scan: message ingestion failed",
		zap.String("email_id", msg.ID),
		zap.String("subject", msg.Subject),
		zap.Error(ingestErr))
}

// RetryResult aggregates one dead-letter replay pass.
type RetryResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"` // exhausted retries, left in the queue
}

// RetryFailed replays due dead-letter entries for one project through
// reconciliation. Entries that succeed leave the queue; entries that fail
// again get their retry count bumped with a doubled delay.
func (s *Scanner) RetryFailed(ctx context.Context, projectID string) (*RetryResult, error) {
	entries, err := s.store.ListDLQ(ctx, resilience.DLQFilter{ProjectID: projectID})
	if err != nil {
		return nil, eris.Wrap(err, "scan: list dead letters")
	}

	result := &RetryResult{}
	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.NextRetryAt.After(now) {
			continue
		}
		if !entry.CanRetry() {
			result.Dropped++
			continue
		}
		result.Attempted++

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "scan: rate limit wait")
			}
		}

		_, ingestErr := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*model.BatchResult, error) {
			return s.ingest.Ingest(ctx, projectID, entry.Body, recon.IngestOptions{EmailID: entry.EmailID})
		})
		if errors.Is(ingestErr, resilience.ErrCircuitOpen) {
			return result, eris.Wrap(ingestErr, "scan: replay halted")
		}
		if ingestErr != nil {
			result.Failed++
			delay := time.Duration(entry.RetryCount+1) * 10 * time.Minute
			if err := s.store.IncrementDLQRetry(ctx, entry.ID, now.Add(delay), ingestErr.Error()); err != nil {
				zap.L().Warn("scan: dlq retry bump failed",
					zap.String("dlq_id", entry.ID),
					zap.Error(err))
			}
			continue
		}

		if err := s.store.RemoveDLQ(ctx, entry.ID); err != nil {
			return nil, eris.Wrap(err, "scan: remove dead letter")
		}
		if err := s.store.MarkEmailSeen(ctx, emailHash(entry.EmailID), projectID, now); err != nil {
			return nil, eris.Wrap(err, "scan: mark email seen")
		}
		result.Succeeded++
	}

	zap.L().Info("dead letter replay finished",
		zap.String("project_id", projectID),
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	return result, nil
}

func emailHash(messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return hex.EncodeToString(sum[:])
}
