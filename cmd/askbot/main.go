package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marlabs/askbot/pkg/config"
	"github.com/marlabs/askbot/pkg/logger"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "askbot",
	Short: "Chat widget gateway for a hosted Direct Line bot",
	Long: `askbot serves a chat widget, relays user messages to a bot over the
Direct Line API and renders the bot's markdown-like replies, with numbered
citations, as HTML.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the askbot version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "askbot %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "~/.askbot/config.json", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON instead of console text")

	rootCmd.AddCommand(serveCmd, formatCmd, versionCmd)
}

// loadConfig reads the config and applies logging settings from it and the
// command line.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger.SetOutput(os.Stderr, cfg.Log.JSON || logJSON)
	logger.SetLevel(level)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
