package main

import (
	"fmt"

	"github.com/glimte/agentbus/messaging"
	"github.com/spf13/cobra"
)

func newTopicsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List the topics agents can subscribe to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			catalog, err := cfg.Catalog()
			if err != nil {
				return err
			}

			registry := messaging.NewRegistry(catalog, messaging.WithRegistryLogger(logger))
			fmt.Fprintln(cmd.OutOrStdout(), registry.ListTopicsText())
			return nil
		},
	}
}
