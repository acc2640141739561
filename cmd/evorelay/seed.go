package main

import (
	"fmt"

	"evorelay/internal/config"
	"evorelay/internal/domain"
	"evorelay/internal/provider"
	"evorelay/internal/seed"
	"evorelay/internal/store"

	"github.com/spf13/cobra"
)

func seedCmd() *cobra.Command {
	var skipEmbed bool

	cmd := &cobra.Command{
		Use:   "seed [file.yaml]",
		Short: "Import agents and their knowledge bases from a YAML file",
		Long: `Creates agents and knowledge entries from a YAML definition file.
Embeddings are computed inline when an embedding backend is configured;
entries whose embedding fails can be backfilled later with 'evorelay embed'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			f, err := seed.Load(args[0])
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			var embedder domain.Embedder
			if !skipEmbed {
				if caps, err := provider.NewFactory(cfg, logger).Default(); err != nil {
					logger.Warn("no embedding backend, seeding without vectors", "err", err)
				} else {
					embedder = caps.Embedder
				}
			}

			res, err := seed.Apply(cmd.Context(), f, st, st, embedder, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d agent(s), %d knowledge entries (%d embedded)\n",
				res.Agents, res.Entries, res.Embedded)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipEmbed, "skip-embed", false, "seed without computing embeddings")
	return cmd
}

func embedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embed",
		Short: "Backfill embeddings for knowledge entries missing a vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			caps, err := provider.NewFactory(cfg, logger).Default()
			if err != nil {
				return fmt.Errorf("embedding backend: %w", err)
			}

			n, err := seed.Backfill(cmd.Context(), st, caps.Embedder, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Embedded %d entries\n", n)
			return nil
		},
	}
}
