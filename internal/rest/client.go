package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hdhq1504/chatsync/internal/auth"
	"go.uber.org/zap"
)

// Client talks to the chat backend's REST API. Every response arrives in a
// {status, message, data} envelope; the client unwraps data and surfaces
// failures as *APIError. A 401 triggers one token refresh and retry; a
// failed refresh clears the session (forced logout) before the error is
// returned.
type Client struct {
	baseURL string
	http    *http.Client
	auth    *auth.Manager
	logger  *zap.Logger
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string, authMgr *auth.Manager, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		auth:    authMgr,
		logger:  logger,
	}
}

// APIError is a non-success response from the backend.
type APIError struct {
	HTTPStatus int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: http %d, status %q: %s", e.HTTPStatus, e.Status, e.Message)
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.doOnce(ctx, method, path, query, body, out, true)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out any, allowRetry bool) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.auth.AccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized && allowRetry {
		if err := c.refresh(ctx); err != nil {
			return fmt.Errorf("token refresh: %w", err)
		}
		return c.doOnce(ctx, method, path, query, body, out, false)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{HTTPStatus: resp.StatusCode, Message: "malformed response envelope"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || env.Status != "success" {
		return &APIError{HTTPStatus: resp.StatusCode, Status: env.Status, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// refresh exchanges the refresh token for a new access token. On failure the
// local session is cleared so the caller lands on the login path.
func (c *Client) refresh(ctx context.Context) error {
	rt := c.auth.RefreshToken()
	if rt == "" {
		c.auth.Clear()
		return fmt.Errorf("no refresh token")
	}

	var data struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	err := c.doOnce(ctx, http.MethodPost, "/api/auth/refresh", nil,
		map[string]string{"refreshToken": rt}, &data, false)
	if err != nil {
		c.logger.Warn("refresh failed, clearing session", zap.Error(err))
		c.auth.Clear()
		return err
	}
	c.auth.SetTokens(data.Token, data.RefreshToken)
	return nil
}

// Login authenticates and stores the resulting session.
func (c *Client) Login(ctx context.Context, username, password string) (*auth.User, error) {
	var data struct {
		User         auth.User `json:"user"`
		Token        string    `json:"token"`
		RefreshToken string    `json:"refreshToken"`
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil,
		map[string]string{"username": username, "password": password}, &data)
	if err != nil {
		return nil, err
	}
	c.auth.SetSession(data.User, data.Token, data.RefreshToken)
	return &data.User, nil
}

// ListUsers fetches all known users.
func (c *Client) ListUsers(ctx context.Context) ([]auth.User, error) {
	var users []auth.User
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func pageQuery(page, size int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	return q
}

// DirectMessages fetches one page of direct-message history between two
// users. Rows are returned raw for the normalizer.
func (c *Client) DirectMessages(ctx context.Context, userA, userB string, page, size int) ([]map[string]any, error) {
	q := pageQuery(page, size)
	q.Set("user1", userA)
	q.Set("user2", userB)

	var rows []map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/messages", q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// RoomMessages fetches one page of a room's history, raw for the normalizer.
func (c *Client) RoomMessages(ctx context.Context, roomID string, page, size int) ([]map[string]any, error) {
	var rows []map[string]any
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/messages",
		pageQuery(page, size), nil, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SendMessageRequest is the outbound message payload. ReceiverID and RoomID
// are mutually exclusive.
type SendMessageRequest struct {
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	ClientMsgID string `json:"clientMsgId"`
}

// SendMessage posts a message over REST (the fallback path when the socket
// is down). The raw server echo is returned for reconciliation.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (map[string]any, error) {
	var echo map[string]any
	if err := c.do(ctx, http.MethodPost, "/api/messages", nil, req, &echo); err != nil {
		return nil, err
	}
	return echo, nil
}

// EditMessage updates a message's content.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	return c.do(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(messageID), nil,
		map[string]string{"content": content}, nil)
}

// DeleteMessage removes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil, nil)
}
