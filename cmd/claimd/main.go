package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rewardsettle/services/claimd"
	"rewardsettle/services/claimd/stats"
)

const defaultConfig = "services/claimd/config.yaml"

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "claimd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "claimd",
	Short:         "Reward claim settlement daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the optional in-process scheduler",
	RunE:  runServe,
}

var runBatchCmd = &cobra.Command{
	Use:   "run-batch",
	Short: "Run one settlement pass and print the report",
	RunE:  runBatch,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print claim queue statistics",
	RunE:  runStats,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to claimd configuration (.yaml or .toml)")
	rootCmd.AddCommand(serveCmd, runBatchCmd, statsCmd, migrateCmd)
}

// withApp loads configuration, installs logging and telemetry and opens the
// pipeline for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *claimd.App) error) error {
	ctx := cmd.Context()
	cfg, err := claimd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, shutdown, err := claimd.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()
	app, err := claimd.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func runServe(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, app *claimd.App) error {
		if err := claimd.Migrate(app.DB); err != nil {
			return err
		}
		return claimd.Serve(ctx, app)
	})
}

func runBatch(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, app *claimd.App) error {
		report, err := claimd.RunBatch(ctx, app.Engine, app.Stats)
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	})
}

func runStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := claimd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := claimd.OpenDatabase(ctx, cfg.Database, nil)
	if err != nil {
		return err
	}
	defer claimd.CloseDatabase(db)
	snapshot, err := stats.NewReporter(db, nil, nil).Snapshot(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, snapshot)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := claimd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := claimd.OpenDatabase(cmd.Context(), cfg.Database, nil)
	if err != nil {
		return err
	}
	defer claimd.CloseDatabase(db)
	if err := claimd.Migrate(db); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
