package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/glimte/agentbus/agent"
	"github.com/glimte/agentbus/config"
	"github.com/glimte/agentbus/health"
	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/messaging"
	"github.com/glimte/agentbus/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

type runOptions struct {
	metricsAddr     string
	shutdownTimeout time.Duration
}

func newRunCmd(g *globalOptions) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Subscribe the configured agents and process messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if opts.metricsAddr == "" {
				opts.metricsAddr = cfg.Metrics.ListenAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, g, logger, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics and health checks on this address, e.g. :9090")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "How long to wait for in-flight messages on shutdown")
	return cmd
}

// run wires the registry, agents and metrics and blocks until ctx is done
func run(ctx context.Context, cfg *config.Config, g *globalOptions, logger *slog.Logger, out io.Writer, opts runOptions) error {
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	registryOpts := []messaging.RegistryOption{
		messaging.WithBrokerURL(cfg.Broker.AMQPURL()),
		messaging.WithExchange(cfg.Exchange),
		messaging.WithDurableExchange(cfg.ExchangeDurable),
		messaging.WithDeadLetter(cfg.DeadLetter.DeadLetter()),
		messaging.WithReconnectPolicy(cfg.Reconnect.Policy()),
		messaging.WithConnectionOptions(cfg.Broker.ConnectionOptions()...),
		messaging.WithConsumerOptions(cfg.Consumer.Options()...),
		messaging.WithRecorder(recorder),
		messaging.WithRegistryLogger(logger),
	}
	if g.dialer != nil {
		registryOpts = append(registryOpts, messaging.WithDialer(g.dialer))
	}
	registry := messaging.NewRegistry(catalog, registryOpts...)

	fmt.Fprintln(out, agent.Panel(agent.PanelStart, "RabbitMQ Topic Consumer", "Starting RabbitMQ Topic Consumer", "", 0))

	var breakers []*reliability.CircuitBreaker
	for _, ac := range cfg.Agents {
		agentOpts := []agent.Option{
			agent.WithInstructions(instructions(ac)),
			agent.WithOutput(out),
			agent.WithLogger(logger),
		}
		if ac.Responder.Hosted() {
			cb := ac.Responder.CircuitBreaker(ac.ID, reliability.WithStateListener(func(name string, from, to reliability.State) {
				logger.Warn("responder circuit changed", "agent", name, "from", from, "to", to)
			}))
			breakers = append(breakers, cb)
			agentOpts = append(agentOpts, agent.WithCircuitBreaker(cb))
		}

		a := agent.New(ac.ID, newResponder(ac.Responder), agentOpts...)
		if err := registry.Register(a.ID(), a); err != nil {
			_ = registry.Shutdown(context.Background())
			return err
		}

		results := make([]string, 0, len(ac.Topics))
		for _, topic := range ac.Topics {
			results = append(results, registry.SubscribeToTopic(ac.ID, topic))
		}
		fmt.Fprintln(out, agent.Panel(agent.PanelStart, agentTitle(ac.ID)+" Subscription", strings.Join(results, "\n"), "", 0))
	}

	var srv *http.Server
	if opts.metricsAddr != "" {
		srv = &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           newMux(reg, registry, breakers),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics and health checks", "addr", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	fmt.Fprintln(out, agent.Panel(agent.PanelStatus, "Status", "Waiting for messages. Press CTRL+C to exit.", "", 0))
	<-ctx.Done()
	fmt.Fprintln(out, agent.Panel(agent.PanelError, "Shutdown", "Shutting down...", "", 0))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()

	err = registry.Shutdown(shutdownCtx)
	if srv != nil {
		if srvErr := srv.Shutdown(shutdownCtx); srvErr != nil {
			logger.Warn("metrics server shutdown", "error", srvErr)
		}
	}
	return err
}

// newMux serves /metrics next to the health endpoints
func newMux(g prometheus.Gatherer, registry *messaging.Registry, breakers []*reliability.CircuitBreaker) chi.Router {
	checks := health.NewRegistry(
		health.NewSubscriptionChecker(registry),
		health.NewRuntimeChecker(5000, 50000, health.WithMemoryThreshold(95)),
	)
	if len(breakers) > 0 {
		checks.Register(health.NewBreakerChecker(breakers...))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler(g))
	health.Mount(r, checks, 5*time.Second)
	return r
}

func newResponder(rc config.ResponderConfig) agent.Responder {
	opts := agent.ModelOptions{
		Model:       rc.Model,
		Temperature: rc.Temperature,
		MaxTokens:   rc.MaxTokens,
	}
	switch rc.Provider {
	case "openai":
		return agent.NewOpenAIResponder(opts)
	case "anthropic":
		return agent.NewAnthropicResponder(opts)
	default:
		return agent.EchoResponder{}
	}
}

func instructions(ac config.AgentConfig) string {
	if ac.Instructions != "" {
		return ac.Instructions
	}
	return agent.DefaultInstructions(ac.ID, ac.Role)
}

// agentTitle turns "poetry_agent" into "Poetry Agent"
func agentTitle(id string) string {
	words := strings.FieldsFunc(id, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
