// Package circle provides the Go client SDK for the Circle messaging backend,
// the realtime layer behind the Social Circle (direct messaging) and Community
// Hub (topic rooms) surfaces.
//
// The package has three cooperating parts: Client wraps the REST collaborators
// (auth, history, media storage), ChannelClient owns the single realtime
// connection and its room multiplexing, and Messenger keeps one reconciled,
// duplicate-free message timeline per conversation on top of both.
//
// Example:
//
//	rest := circle.NewClient(token)
//	ch := circle.NewChannelClient(token)
//	m, err := circle.NewMessenger(rest, ch)
//
//	if err := ch.Connect(ctx); err != nil { ... }
//	m.Open(ctx, conversationID)
//	m.SendMessage(ctx, conversationID, "hello", nil)
package circle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production backend.
	DefaultBaseURL = "https://api.circle.example.com"

	// DefaultTimeout bounds every REST call.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the Circle backend. It covers the external
// collaborators the realtime layer depends on: authentication, conversation
// history, identity search, and media storage. All realtime traffic goes
// through ChannelClient instead.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token may be empty for unauthenticated
// calls such as Login; set it afterwards with SetToken.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the bearer token, e.g. after Login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
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
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

// apiError decodes the backend's {"error": "..."} body, falling back to the
// raw status when the body is not in that shape.
func apiError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Authentication collaborator
// ============================================================================

// LoginResult is the auth collaborator's response.
type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Login exchanges credentials for an identity token. The token is stored on
// the client for subsequent calls.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	data, err := c.doRequest(ctx, "POST", "/api/auth/login", map[string]string{
		"email": email, "password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, err
	}
	c.token = result.Token
	return result, nil
}

// ============================================================================
// History collaborator
// ============================================================================

// SearchUsers finds identities matching the query. Queries shorter than two
// characters return no results without a network call.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	if len(query) < 2 {
		return nil, nil
	}
	data, err := c.doRequest(ctx, "GET", "/api/chat/search", nil, map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to unmarshal users: %w", err)
	}
	return users, nil
}

// ListConversations returns the caller's conversations ordered by recency.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversations: %w", err)
	}
	return convs, nil
}

// GetOrCreateConversation returns the direct conversation with userID,
// creating it lazily on first contact.
func (c *Client) GetOrCreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	data, err := c.doRequest(ctx, "POST", "/api/chat/conversations/"+userID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// ListMessages returns a conversation's messages sorted oldest-to-newest.
func (c *Client) ListMessages(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if opts.Before != "" {
			query["before"] = opts.Before
		}
	}
	data, err := c.doRequest(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	return msgs, nil
}

// MarkRead marks every unread message in the conversation as read for the
// caller. Idempotent if nothing is unread.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "PUT", "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// SendMessageHTTP sends a text message over plain request/response. This is
// the fallback path for a down channel; the returned record feeds the same
// reconciliation as a new-message event.
func (c *Client) SendMessageHTTP(ctx context.Context, conversationID, content, tempID string) (*Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("conversationId", conversationID)
	_ = w.WriteField("content", content)
	if tempID != "" {
		_ = w.WriteField("tempId", tempID)
	}
	_ = w.Close()
	data, err := c.postMultipart(ctx, "/api/chat/messages", &buf, w.FormDataContentType())
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// ============================================================================
// Media storage collaborator
// ============================================================================

// MediaFile is a local attachment to upload.
type MediaFile struct {
	Name string
	Mime string
	Data []byte
}

// Kind maps the attachment's MIME type to a message type tag.
func (f *MediaFile) Kind() string {
	switch {
	case strings.HasPrefix(f.Mime, "image/"):
		return TypeImage
	case strings.HasPrefix(f.Mime, "video/"):
		return TypeVideo
	case strings.HasPrefix(f.Mime, "audio/"):
		return TypeAudio
	default:
		return TypeFile
	}
}

// UploadMedia uploads an attachment for a conversation and returns the
// server-hosted descriptor. Must complete before the realtime event carrying
// the resulting URL is emitted.
func (c *Client) UploadMedia(ctx context.Context, conversationID string, file *MediaFile) (*MediaUpload, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("conversationId", conversationID)
	part, err := w.CreateFormFile("media", file.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	data, err := c.postMultipart(ctx, "/api/chat/media", &buf, w.FormDataContentType())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	return decodeJSON[MediaUpload](data)
}

func (c *Client) postMultipart(ctx context.Context, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}
