package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// APIError is a non-2xx answer from the Direct Line service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("directline: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("directline: unexpected status %d", e.StatusCode)
}

type Client struct {
	domain string
	http   *http.Client
	dialer *websocket.Dialer
}

func NewClient(domain string, httpClient *http.Client) *Client {
	if domain == "" {
		domain = DefaultDomain
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		domain: strings.TrimRight(domain, "/"),
		http:   httpClient,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
}

// StartConversation opens a conversation with the given token. The returned
// conversation carries its own token, which replaces the one passed in.
func (c *Client) StartConversation(ctx context.Context, token string) (*Conversation, error) {
	var resp conversationResponse
	if err := c.do(ctx, http.MethodPost, "/conversations", token, nil, &resp); err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	if resp.Token == "" {
		resp.Token = token
	}
	return &Conversation{
		ID:        resp.ConversationID,
		StreamURL: resp.StreamURL,
		ExpiresIn: time.Duration(resp.ExpiresIn) * time.Second,
		client:    c,
		token:     resp.Token,
	}, nil
}

// RefreshToken extends the lifetime of a token that has not yet expired.
func (c *Client) RefreshToken(ctx context.Context, token string) (*Token, error) {
	var tok Token
	if err := c.do(ctx, http.MethodPost, "/tokens/refresh", token, nil, &tok); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return &tok, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.domain+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	return apiErr
}

// Conversation is an open Direct Line conversation.
type Conversation struct {
	ID        string
	StreamURL string
	// ExpiresIn is the token lifetime reported when the conversation started.
	// Zero when the service did not say.
	ExpiresIn time.Duration

	client *Client
	mu     sync.RWMutex
	token  string
}

func (c *Conversation) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Refresh renews the conversation token in place.
func (c *Conversation) Refresh(ctx context.Context) error {
	tok, err := c.client.RefreshToken(ctx, c.Token())
	if err != nil {
		return err
	}
	if tok.Token != "" {
		c.mu.Lock()
		c.token = tok.Token
		c.mu.Unlock()
	}
	return nil
}

// KeepFresh refreshes the token at half its lifetime until ctx is done.
// Failures are passed to onError and retried at the next tick; the token
// stays usable until it actually expires.
func (c *Conversation) KeepFresh(ctx context.Context, onError func(error)) {
	if c.ExpiresIn <= 0 {
		return
	}
	ticker := time.NewTicker(c.ExpiresIn / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil && onError != nil {
				onError(err)
			}
		}
	}
}

// Post sends an activity and returns the id assigned by the service.
func (c *Conversation) Post(ctx context.Context, activity Activity) (string, error) {
	if activity.Type == "" {
		activity.Type = "message"
	}
	var res resourceResponse
	path := "/conversations/" + c.ID + "/activities"
	if err := c.client.do(ctx, http.MethodPost, path, c.Token(), activity, &res); err != nil {
		return "", fmt.Errorf("post activity: %w", err)
	}
	return res.ID, nil
}
