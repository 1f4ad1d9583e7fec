// Package api wraps the chat backend's REST surface: the conversation
// list, message history, the HTTP send fallback, and read receipts.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberapp/chatlink/internal/backoff"
	"github.com/emberapp/chatlink/internal/cherr"
	"github.com/emberapp/chatlink/internal/wire"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client wraps the chat REST API.
type Client struct {
	baseURL    string
	authToken  string
	httpClient HTTPClient
	retry      backoff.Config
	logger     zerolog.Logger
}

// NewClient creates a chat API client.
func NewClient(baseURL, authToken string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      backoff.DefaultConfig(),
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do executes one authenticated request. Status >= 400 becomes an APIError
// so callers can classify retryability.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, cherr.NewAPIError(path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return resp, nil
}

// decodeResponse reads and decodes a JSON response.
func decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Conversations fetches the conversation list for the authenticated user.
func (c *Client) Conversations(ctx context.Context) ([]wire.Conversation, error) {
	var out struct {
		Conversations []wire.Conversation `json:"conversations"`
	}
	err := backoff.Do(ctx, c.retry, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, "/api/conversations", nil)
		if err != nil {
			return err
		}
		return decodeResponse(resp, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching conversations: %w", err)
	}
	return out.Conversations, nil
}

// MessagesSince fetches messages for a conversation newer than sinceID.
// An empty sinceID fetches the most recent page of history.
func (c *Client) MessagesSince(ctx context.Context, conversationID, sinceID string) ([]wire.Message, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(conversationID))
	if sinceID != "" {
		path += "?since=" + url.QueryEscape(sinceID)
	}

	var out struct {
		Messages []wire.Message `json:"messages"`
	}
	err := backoff.Do(ctx, c.retry, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		return decodeResponse(resp, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	return out.Messages, nil
}

// PostMessage sends a message over HTTP. The client nonce rides along so
// the server can dedupe against a realtime send of the same message and so
// the broadcast it triggers reconciles with the local pending entry.
func (c *Client) PostMessage(ctx context.Context, conversationID, content, clientNonce string) (wire.Message, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(conversationID))
	body := map[string]string{
		"content":      content,
		"client_nonce": clientNonce,
	}

	var out struct {
		Message wire.Message `json:"message"`
	}
	err := backoff.Do(ctx, c.retry, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodPost, path, body)
		if err != nil {
			return err
		}
		return decodeResponse(resp, &out)
	})
	if err != nil {
		return wire.Message{}, fmt.Errorf("posting message: %w", err)
	}
	return out.Message, nil
}

// MarkRead reports the user's read position for a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/api/conversations/%s/read", url.PathEscape(conversationID))
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	resp.Body.Close()
	return nil
}
