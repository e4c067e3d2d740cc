package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoCredential is returned by authenticated calls made without a token.
// No request is sent in that case.
var ErrNoCredential = errors.New("rest: no credential")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Client provides access to the messaging REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.RWMutex
	token       string
	tokenSource func() string
}

// NewClient creates a new REST API client.
// baseURL should be the base URL of the API, e.g., "http://localhost:8080/api".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// SetToken sets a fixed bearer token for authenticated requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetTokenSource makes every request ask fn for the current token. It takes
// precedence over SetToken.
func (c *Client) SetTokenSource(fn func() string) {
	c.mu.Lock()
	c.tokenSource = fn
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokenSource != nil {
		return c.tokenSource()
	}
	return c.token
}

// Conversation endpoints

// ListConversations returns the user's conversations with server-side
// unread counts.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	var resp []ConversationInfo
	if err := c.get(ctx, "/messages/conversations", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Message endpoints

// GetMessages returns the full message history with peerID, oldest first.
func (c *Client) GetMessages(ctx context.Context, peerID string) ([]MessageInfo, error) {
	var resp []MessageInfo
	if err := c.get(ctx, "/messages/"+url.PathEscape(peerID), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendMessage sends text and/or an attachment and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*MessageInfo, error) {
	if req.ReceiverID == "" {
		return nil, errors.New("rest: receiver is required")
	}
	if req.Text == "" && req.Attachment == nil {
		return nil, errors.New("rest: message needs text or an attachment")
	}

	var resp MessageInfo
	if req.Attachment == nil {
		if err := c.post(ctx, "/messages", req, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}

	body, contentType, err := multipartBody(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/messages", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead marks every message from peerID as read.
func (c *Client) MarkRead(ctx context.Context, peerID string) error {
	return c.post(ctx, "/messages/"+url.PathEscape(peerID)+"/read", nil, nil)
}

// Helper methods

func multipartBody(req SendMessageRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("receiverId", req.ReceiverID); err != nil {
		return nil, "", fmt.Errorf("write form: %w", err)
	}
	if req.Text != "" {
		if err := w.WriteField("text", req.Text); err != nil {
			return nil, "", fmt.Errorf("write form: %w", err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, req.Attachment.FileName))
	ct := req.Attachment.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("write form: %w", err)
	}
	if _, err := part.Write(req.Attachment.Content); err != nil {
		return nil, "", fmt.Errorf("write form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("write form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	var bodyReader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

// newRequest builds an authenticated request. Every endpoint of this API
// needs a token, so a missing one fails before anything is sent.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	token := c.currentToken()
	if token == "" {
		return nil, ErrNoCredential
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	// Handle error responses
	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil {
			if errResp.Error != "" {
				return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
			}
			if errResp.Message != "" {
				return &APIError{StatusCode: resp.StatusCode, Message: errResp.Message}
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	// Unmarshal success response
	if dest != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
