package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/glimte/agentbus/config"
	"github.com/glimte/agentbus/internal/rabbitmq"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath string
	url        string
	logLevel   string
	logFormat  string

	// dialer is replaced in tests
	dialer rabbitmq.Dialer
}

func main() {
	if err := newRootCmd(&globalOptions{dialer: rabbitmq.DialAMQP}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(g *globalOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentbus",
		Short: "Route RabbitMQ topic messages to agents",
		Long: `agentbus subscribes agents to topics on a RabbitMQ topic exchange and hands
every message to the subscribed agent. Subscriptions reconnect on their own
after broker restarts and network failures.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&g.url, "url", "u", "", "RabbitMQ connection URL (overrides config and "+config.EnvAMQPURL+")")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: text, json")

	rootCmd.AddCommand(newRunCmd(g), newTopicsCmd(g), newPublishCmd(g))
	return rootCmd
}

// load reads the config and applies flag overrides on top of it
func (g *globalOptions) load(logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.url != "" {
		cfg.Broker.URL = g.url
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	if err := cfg.Check(); err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(cfg.Logging, logOut)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(lc config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch lc.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}
