package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DirectLine DirectLineConfig `json:"directline"`
	Channels   ChannelsConfig   `json:"channels"`
	Widget     WidgetConfig     `json:"widget"`
	Log        LogConfig        `json:"log"`
	mu         sync.RWMutex
}

// DirectLineConfig describes how the gateway reaches the hosted bot.
// TokenEndpoint is preferred; Secret is used when the endpoint is unset or
// fails.
type DirectLineConfig struct {
	Domain             string `json:"domain" env:"ASKBOT_DIRECTLINE_DOMAIN"`
	TokenEndpoint      string `json:"token_endpoint" env:"ASKBOT_DIRECTLINE_TOKEN_ENDPOINT"`
	Secret             string `json:"secret" env:"ASKBOT_DIRECTLINE_SECRET"`
	UserName           string `json:"user_name" env:"ASKBOT_DIRECTLINE_USER_NAME"`
	SessionIdleSeconds int    `json:"session_idle_seconds" env:"ASKBOT_DIRECTLINE_SESSION_IDLE_SECONDS"`
}

func (c DirectLineConfig) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleSeconds) * time.Second
}

type ChannelsConfig struct {
	WebChat WebChatConfig `json:"webchat"`
}

type WebChatConfig struct {
	Enabled             bool     `json:"enabled" env:"ASKBOT_CHANNELS_WEBCHAT_ENABLED"`
	Host                string   `json:"host" env:"ASKBOT_CHANNELS_WEBCHAT_HOST"`
	Port                int      `json:"port" env:"ASKBOT_CHANNELS_WEBCHAT_PORT"`
	Username            string   `json:"username" env:"ASKBOT_CHANNELS_WEBCHAT_USERNAME"`
	Password            string   `json:"password" env:"ASKBOT_CHANNELS_WEBCHAT_PASSWORD"`
	AllowFrom           []string `json:"allow_from" env:"ASKBOT_CHANNELS_WEBCHAT_ALLOW_FROM"`
	ReplyTimeoutSeconds int      `json:"reply_timeout_seconds" env:"ASKBOT_CHANNELS_WEBCHAT_REPLY_TIMEOUT_SECONDS"`
	RatePerMinute       int      `json:"rate_per_minute" env:"ASKBOT_CHANNELS_WEBCHAT_RATE_PER_MINUTE"`
}

func (c WebChatConfig) ReplyTimeout() time.Duration {
	return time.Duration(c.ReplyTimeoutSeconds) * time.Second
}

// WidgetConfig is the copy shown on the chat page.
type WidgetConfig struct {
	Title            string   `json:"title" env:"ASKBOT_WIDGET_TITLE"`
	Subtitle         string   `json:"subtitle" env:"ASKBOT_WIDGET_SUBTITLE"`
	Placeholder      string   `json:"placeholder" env:"ASKBOT_WIDGET_PLACEHOLDER"`
	ExampleQuestions []string `json:"example_questions" env:"ASKBOT_WIDGET_EXAMPLE_QUESTIONS" envSeparator:"|"`
}

type LogConfig struct {
	Level string `json:"level" env:"ASKBOT_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"ASKBOT_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		DirectLine: DirectLineConfig{
			Domain:             "https://directline.botframework.com/v3/directline",
			UserName:           "User",
			SessionIdleSeconds: 1800,
		},
		Channels: ChannelsConfig{
			WebChat: WebChatConfig{
				Enabled:             true,
				Host:                "0.0.0.0",
				Port:                18800,
				AllowFrom:           []string{},
				ReplyTimeoutSeconds: 120,
				RatePerMinute:       20,
			},
		},
		Widget: WidgetConfig{
			Title:       "askMarlabs",
			Subtitle:    "Your guide to digital solutions",
			Placeholder: "Hi there! How can I assist you today?",
			ExampleQuestions: []string{
				"What digital services do you offer?",
				"Can you help me with automation solutions?",
				"Tell me more about cloud services.",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Full config from env var (containers / serverless)
	if cfgJSON := os.Getenv("ASKBOT_CONFIG_JSON"); cfgJSON != "" {
		if err := json.Unmarshal([]byte(cfgJSON), cfg); err != nil {
			return nil, fmt.Errorf("parsing ASKBOT_CONFIG_JSON: %w", err)
		}
		if err := env.Parse(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(expandHome(path))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks the settings the gateway cannot run without.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.DirectLine.TokenEndpoint == "" && c.DirectLine.Secret == "" {
		errs = append(errs, errors.New("directline: token_endpoint or secret is required"))
	}
	if !strings.HasPrefix(c.DirectLine.Domain, "http://") && !strings.HasPrefix(c.DirectLine.Domain, "https://") {
		errs = append(errs, fmt.Errorf("directline: invalid domain %q", c.DirectLine.Domain))
	}
	if c.DirectLine.UserName == "" {
		errs = append(errs, errors.New("directline: user_name must not be empty"))
	}
	wc := c.Channels.WebChat
	if wc.Enabled && (wc.Port <= 0 || wc.Port > 65535) {
		errs = append(errs, fmt.Errorf("webchat: invalid port %d", wc.Port))
	}
	if (wc.Username == "") != (wc.Password == "") {
		errs = append(errs, errors.New("webchat: username and password must be set together"))
	}
	return errors.Join(errs...)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
