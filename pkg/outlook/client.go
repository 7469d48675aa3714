// Package outlook provides a client for the Microsoft Graph mail API.
package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the Graph mail operations the scanner needs.
type Client interface {
	// ListMessages returns inbox messages, newest first.
	ListMessages(ctx context.Context, opts ListOptions) ([]Message, error)
	// GetMessage fetches one message including its full body.
	GetMessage(ctx context.Context, messageID string) (*Message, error)
}

// ListOptions narrows a message listing.
type ListOptions struct {
	Top         int        // max messages; Graph default when zero
	Since       *time.Time // only messages received after this instant
	IncludeBody bool       // fetch body inline, avoiding a second call per message
}

// Message is the subset of the Graph message resource the scanner reads.
type Message struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	From             Recipient `json:"from"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	BodyPreview      string    `json:"bodyPreview"`
	Body             *ItemBody `json:"body,omitempty"`
}

// Recipient wraps the Graph emailAddress envelope.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// EmailAddress identifies a sender or recipient.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ItemBody is the Graph body payload.
type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Text returns the message body when present, falling back to the preview.
func (m *Message) Text() string {
	if m.Body != nil && m.Body.Content != "" {
		return m.Body.Content
	}
	return m.BodyPreview
}

// SenderDomain returns the lowercased domain of the sender address.
func (m *Message) SenderDomain() string {
	addr := m.From.EmailAddress.Address
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Graph mail client. Token refresh is the caller's
// responsibility; the client sends the token it was given.
func NewClient(accessToken string, opts ...Option) Client {
	c := &httpClient{
		token:   accessToken,
		baseURL: "https://graph.microsoft.com/v1.0",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures (429, 500, 502, 503). Returns the response body and
// status code on success, or the last error after exhausting retries.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryReq := req.Clone(ctx)

		resp, err := c.http.Do(retryReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "outlook: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("outlook: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

type listResponse struct {
	Value []Message `json:"value"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *httpClient) ListMessages(ctx context.Context, opts ListOptions) ([]Message, error) {
	sel := "id,subject,from,receivedDateTime,bodyPreview"
	if opts.IncludeBody {
		sel += ",body"
	}

	params := url.Values{}
	params.Set("$orderby", "receivedDateTime desc")
	params.Set("$select", sel)
	if opts.Top > 0 {
		params.Set("$top", fmt.Sprintf("%d", opts.Top))
	}
	if opts.Since != nil {
		params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s",
			opts.Since.UTC().Format("2006-01-02T15:04:05Z")))
	}

	reqURL := fmt.Sprintf("%s/me/mailFolders/Inbox/messages?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "outlook: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "outlook: list messages")
	}
	if statusCode != http.StatusOK {
		return nil, graphErr("list messages", statusCode, body)
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "outlook: decode list response")
	}
	return parsed.Value, nil
}

func (c *httpClient) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	params := url.Values{}
	params.Set("$select", "id,subject,from,receivedDateTime,body")

	reqURL := fmt.Sprintf("%s/me/messages/%s?%s", c.baseURL, url.PathEscape(messageID), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "outlook: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "outlook: get message")
	}
	if statusCode != http.StatusOK {
		return nil, graphErr("get message", statusCode, body)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, eris.Wrap(err, "outlook: decode message")
	}
	return &msg, nil
}

func graphErr(op string, statusCode int, body []byte) error {
	var ge graphError
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		return eris.Errorf("outlook: %s: status %d: %s", op, statusCode, ge.Error.Message)
	}
	return eris.Errorf("outlook: %s: unexpected status %d", op, statusCode)
}
