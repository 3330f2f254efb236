// askbot - AWS Lambda token endpoint
// Exchanges the Direct Line secret for a short-lived token (via API Gateway)
// so the secret never reaches the browser.
//
// Environment variables:
//   ASKBOT_CONFIG_JSON         - Full config JSON (alternative to config file)
//   ASKBOT_CONFIG_PATH         - Config file path (default: config.json)
//   ASKBOT_DIRECTLINE_SECRET   - Direct Line secret (overrides config)
//   ASKBOT_CORS_ORIGIN         - Allowed origin (default: *)

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/marlabs/askbot/pkg/config"
	"github.com/marlabs/askbot/pkg/directline"
	"github.com/marlabs/askbot/pkg/logger"
)

var (
	tokens   *tokenHandler
	initOnce sync.Once
	initErr  error
)

type tokenHandler struct {
	source directline.TokenSource
	origin string
}

type tokenResponse struct {
	Token          string `json:"token"`
	ConversationID string `json:"conversationId,omitempty"`
	ExpiresIn      int    `json:"expires_in"`
}

func initialize() error {
	initOnce.Do(func() {
		initErr = doInit()
	})
	return initErr
}

func doInit() error {
	configPath := os.Getenv("ASKBOT_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.DirectLine.Secret == "" {
		return fmt.Errorf("ASKBOT_DIRECTLINE_SECRET or config directline secret required")
	}

	logger.SetOutput(os.Stdout, true)
	logger.SetLevel(cfg.Log.Level)

	origin := os.Getenv("ASKBOT_CORS_ORIGIN")
	if origin == "" {
		origin = "*"
	}
	client := directline.NewClient(cfg.DirectLine.Domain, nil)
	tokens = &tokenHandler{source: directline.NewSecretTokenSource(client, cfg.DirectLine.Secret), origin: origin}

	logger.InfoCF("lambda", "Lambda initialized", map[string]interface{}{"domain": cfg.DirectLine.Domain})
	return nil
}

func (h *tokenHandler) corsHeaders() map[string]string {
	return map[string]string{
		"Access-Control-Allow-Origin":  h.origin,
		"Access-Control-Allow-Methods": "GET, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type",
		"Content-Type":                 "application/json",
	}
}

func (h *tokenHandler) respond(status int, body interface{}) events.APIGatewayProxyResponse {
	data, _ := json.Marshal(body)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    h.corsHeaders(),
		Body:       string(data),
	}
}

func (h *tokenHandler) handle(ctx context.Context, request events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	switch request.HTTPMethod {
	case http.MethodOptions:
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent, Headers: h.corsHeaders()}
	case http.MethodGet:
	default:
		return h.respond(http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}

	tok, err := h.source.Token(ctx)
	if err != nil {
		logger.ErrorCF("lambda", "Token exchange failed", map[string]interface{}{"error": err.Error()})
		return h.respond(http.StatusBadGateway, map[string]string{"error": "failed to fetch token"})
	}
	return h.respond(http.StatusOK, tokenResponse{
		Token:          tok.Token,
		ConversationID: tok.ConversationID,
		ExpiresIn:      tok.ExpiresIn,
	})
}

func handler(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if err := initialize(); err != nil {
		logger.ErrorCF("lambda", "Init error", map[string]interface{}{"error": err.Error()})
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError}, nil
	}
	return tokens.handle(ctx, request), nil
}

func main() {
	lambda.Start(handler)
}
