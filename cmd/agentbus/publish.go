package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/glimte/agentbus/config"
	"github.com/glimte/agentbus/internal/rabbitmq"
	"github.com/spf13/cobra"
)

// randomWords are sent by publish --random
var randomWords = []string{"sunset", "moonlight", "whisper", "breeze", "dream"}

func newPublishCmd(g *globalOptions) *cobra.Command {
	var (
		random  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish [routing-key body]",
		Short: "Publish a message to the agent exchange",
		Long: `Publish a text message with the given routing key to the agent exchange.
With --random, publish one random word to every configured topic using
"<topic>.random" routing keys.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if random {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			messages := map[string]string{}
			var keys []string
			if random {
				for _, t := range cfg.Topics {
					key := t.Name + ".random"
					keys = append(keys, key)
					messages[key] = randomWords[rand.Intn(len(randomWords))]
				}
			} else {
				keys = []string{args[0]}
				messages[args[0]] = args[1]
			}

			return publish(ctx, cfg, g.dialer, logger, cmd.OutOrStdout(), keys, messages)
		},
	}

	cmd.Flags().BoolVar(&random, "random", false, "Send a random word to every topic")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout for connecting and publishing")
	return cmd
}

func publish(ctx context.Context, cfg *config.Config, dialer rabbitmq.Dialer, logger *slog.Logger, out io.Writer, keys []string, messages map[string]string) error {
	opts := append(cfg.Broker.ConnectionOptions(), rabbitmq.WithLogger(logger))
	if dialer != nil {
		opts = append(opts, rabbitmq.WithDialer(dialer))
	}
	supervisor := rabbitmq.NewSupervisor(cfg.Broker.AMQPURL(), opts...)

	conn, err := supervisor.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	publisher, err := rabbitmq.NewPublisher(ch, rabbitmq.TopicExchange(cfg.Exchange, cfg.ExchangeDurable))
	if err != nil {
		return err
	}
	defer publisher.Close()

	for _, key := range keys {
		body := messages[key]
		if err := publisher.Publish(ctx, key, []byte(body)); err != nil {
			return err
		}
		fmt.Fprintf(out, " [x] Sent %s:%s\n", key, body)
	}
	return nil
}
