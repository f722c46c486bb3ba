package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/tickvault/internal/config"
	"github.com/sawpanic/tickvault/internal/supervisor"
)

func newCollectCmd() *cobra.Command {
	var (
		configPath string
		startAt    string
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the collector",
		Long: `Connects to the exchange, collects the full event stream (and
order book snapshots when enabled) and runs the rotation, backup and
control loops until a stop is requested or a shutdown signal arrives.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollect(cmd.Context(), configPath, startAt)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/tickvault.yaml", "Path to the YAML configuration")
	cmd.Flags().StringVar(&startAt, "start", "", "Defer collection until this RFC3339 instant")
	return cmd
}

func runCollect(ctx context.Context, configPath, startAt string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var startTime *time.Time
	if startAt != "" {
		t, err := time.Parse(time.RFC3339, startAt)
		if err != nil {
			return fmt.Errorf("parse --start: %w", err)
		}
		t = t.UTC()
		startTime = &t
	}

	runLog := log.With().
		Str("run_id", uuid.NewString()).
		Str("database", cfg.DatabaseName).
		Logger()
	runLog.Info().
		Strs("product_ids", cfg.ProductIDs).
		Bool("production", cfg.IsProduction).
		Str("version", version).
		Msg("collector starting")

	rt, err := supervisor.New(ctx, supervisor.Options{
		Cfg:       cfg,
		StartTime: startTime,
		Clock:     clockwork.NewRealClock(),
		Log:       runLog,
	})
	if err != nil {
		return err
	}

	os.Exit(rt.Run(ctx))
	return nil
}
