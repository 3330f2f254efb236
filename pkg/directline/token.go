package directline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/marlabs/askbot/pkg/logger"
)

// TokenSource yields a token for a new conversation.
type TokenSource interface {
	Token(ctx context.Context) (*Token, error)
	Name() string
}

// EndpointTokenSource fetches tokens from a website token endpoint that
// answers GET with {"token": "..."}.
type EndpointTokenSource struct {
	url  string
	http *http.Client
}

func NewEndpointTokenSource(url string, client *http.Client) *EndpointTokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &EndpointTokenSource{url: url, http: client}
}

func (s *EndpointTokenSource) Name() string { return "endpoint" }

func (s *EndpointTokenSource) Token(ctx context.Context) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch token: %s", statusText(resp))
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("token endpoint returned an empty token")
	}
	return &tok, nil
}

// SecretTokenSource exchanges a Direct Line secret for a conversation token.
// It is what a token endpoint does server side.
type SecretTokenSource struct {
	client *Client
	secret string
}

func NewSecretTokenSource(client *Client, secret string) *SecretTokenSource {
	return &SecretTokenSource{client: client, secret: secret}
}

func (s *SecretTokenSource) Name() string { return "secret" }

func (s *SecretTokenSource) Token(ctx context.Context) (*Token, error) {
	var tok Token
	if err := s.client.do(ctx, http.MethodPost, "/tokens/generate", s.secret, nil, &tok); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return &tok, nil
}

// FallbackTokenSource tries the primary source first, then the fallbacks in
// order until one succeeds.
type FallbackTokenSource struct {
	primary   TokenSource
	fallbacks []TokenSource
}

func NewFallbackTokenSource(primary TokenSource, fallbacks ...TokenSource) *FallbackTokenSource {
	return &FallbackTokenSource{primary: primary, fallbacks: fallbacks}
}

func (s *FallbackTokenSource) Name() string {
	names := []string{s.primary.Name()}
	for _, fb := range s.fallbacks {
		names = append(names, fb.Name())
	}
	return strings.Join(names, ",")
}

func (s *FallbackTokenSource) Token(ctx context.Context) (*Token, error) {
	tok, err := s.primary.Token(ctx)
	if err == nil {
		return tok, nil
	}
	if len(s.fallbacks) == 0 {
		return nil, err
	}

	logger.WarnCF("directline", fmt.Sprintf("Primary token source failed: %v, trying fallbacks", err),
		map[string]interface{}{"source": s.primary.Name()})

	var lastErr error
	for i, fb := range s.fallbacks {
		tok, lastErr = fb.Token(ctx)
		if lastErr == nil {
			logger.InfoCF("directline", fmt.Sprintf("Fallback #%d succeeded", i+1),
				map[string]interface{}{"source": fb.Name()})
			return tok, nil
		}
		logger.WarnCF("directline", fmt.Sprintf("Fallback #%d failed: %v", i+1, lastErr),
			map[string]interface{}{"source": fb.Name()})
	}

	return nil, fmt.Errorf("all token sources failed, last error: %w", lastErr)
}

func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return fmt.Sprintf("%d %s", resp.StatusCode, text)
	}
	return resp.Status
}
