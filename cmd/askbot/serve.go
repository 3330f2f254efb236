package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marlabs/askbot/pkg/bus"
	"github.com/marlabs/askbot/pkg/channels"
	"github.com/marlabs/askbot/pkg/config"
	"github.com/marlabs/askbot/pkg/directline"
	"github.com/marlabs/askbot/pkg/logger"
	"github.com/marlabs/askbot/pkg/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat gateway until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// tokenSource prefers the token endpoint and falls back to exchanging the
// secret directly.
func tokenSource(cfg config.DirectLineConfig, client *directline.Client) (directline.TokenSource, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	var sources []directline.TokenSource
	if cfg.TokenEndpoint != "" {
		sources = append(sources, directline.NewEndpointTokenSource(cfg.TokenEndpoint, httpClient))
	}
	if cfg.Secret != "" {
		sources = append(sources, directline.NewSecretTokenSource(client, cfg.Secret))
	}
	switch len(sources) {
	case 0:
		return nil, fmt.Errorf("no direct line token source configured")
	case 1:
		return sources[0], nil
	default:
		return directline.NewFallbackTokenSource(sources[0], sources[1:]...), nil
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	client := directline.NewClient(cfg.DirectLine.Domain, &http.Client{Timeout: 30 * time.Second})
	tokens, err := tokenSource(cfg.DirectLine, client)
	if err != nil {
		return err
	}

	manager := channels.NewManager(msgBus)
	if cfg.Channels.WebChat.Enabled {
		webchat, err := channels.NewWebChatChannel(cfg, msgBus)
		if err != nil {
			return err
		}
		manager.Register(webchat)
	}
	if err := manager.StartAll(ctx); err != nil {
		return err
	}

	r := relay.New(msgBus, client, tokens, relay.Options{
		UserName:    cfg.DirectLine.UserName,
		SessionIdle: cfg.DirectLine.SessionIdle(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	g.Go(func() error {
		manager.DispatchOutbound(gctx)
		return nil
	})

	logger.InfoCF("askbot", "Gateway running", map[string]interface{}{
		"version": version,
		"domain":  cfg.DirectLine.Domain,
	})

	<-gctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopErr := manager.StopAll(shutdownCtx)
	if err := g.Wait(); err != nil {
		return err
	}
	return stopErr
}
