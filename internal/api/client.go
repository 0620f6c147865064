// Package api implements the REST client for the messaging platform.
// Every call attaches the bearer token owned by the external auth
// subsystem; a 401 surfaces as ErrAuthRejected so the session layer can
// force re-authentication.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"zapdesk/internal/model"
)

const defaultTimeout = 30 * time.Second

// ErrAuthRejected indicates the platform refused the bearer token. Fatal
// to the current session; never retried here.
var ErrAuthRejected = errors.New("authentication rejected")

// TransientError wraps failures worth retrying: network errors and 5xx
// responses.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient: server returned %d", e.Status)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable under the backoff policy.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client is the platform REST client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a REST client for the given base URL and bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConversationPage is one page of the conversation list endpoint.
type ConversationPage struct {
	Data       []model.ConversationUpdate `json:"data"`
	TotalPages int                        `json:"totalPages"`
}

type messagePage struct {
	Data []model.Message `json:"data"`
}

type ackResponse struct {
	Success bool `json:"success"`
}

// ListConversations fetches one page of conversation summaries, optionally
// filtered by a search term.
func (c *Client) ListConversations(ctx context.Context, search string, page, limit int) (*ConversationPage, error) {
	query := map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
	if search != "" {
		query["search"] = search
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	var result ConversationPage
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode conversation page: %w", err)
	}
	return &result, nil
}

// ListMessages fetches one page of a conversation's message window.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]model.Message, error) {
	query := map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var result messagePage
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}
	return result.Data, nil
}

// MarkRead acknowledges a conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.postAck(ctx, conversationID, "read", nil)
}

// Assign sets the conversation's assigned agent.
func (c *Client) Assign(ctx context.Context, conversationID, agentID string) error {
	return c.postAck(ctx, conversationID, "assign", map[string]string{"agentId": agentID})
}

// Close closes a conversation.
func (c *Client) Close(ctx context.Context, conversationID string) error {
	return c.postAck(ctx, conversationID, "close", nil)
}

// Tag replaces the conversation's tag set.
func (c *Client) Tag(ctx context.Context, conversationID string, tags []string) error {
	return c.postAck(ctx, conversationID, "tags", map[string][]string{"tags": tags})
}

// SendMessage submits an outbound text message carrying the client-generated
// idempotency key. The server echoes the key on the resulting new-message
// event, which is how the optimistic cache entry finds its server record.
func (c *Client) SendMessage(ctx context.Context, conversationID, clientID, body string) (*model.Message, error) {
	payload := map[string]string{
		"clientId": clientID,
		"type":     string(model.TypeText),
		"body":     body,
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode sent message: %w", err)
	}
	return &msg, nil
}

func (c *Client) postAck(ctx context.Context, conversationID, action string, body any) error {
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/"+action, body, nil)
	if err != nil {
		return err
	}
	var ack ackResponse
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("decode %s ack: %w", action, err)
	}
	if !ack.Success {
		return fmt.Errorf("%s rejected for conversation %s", action, conversationID)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuthRejected
	case resp.StatusCode >= 500:
		return nil, &TransientError{Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return data, nil
}
