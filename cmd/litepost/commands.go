package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"litepost/internal/api"
	"litepost/internal/app"
	"litepost/internal/auth"
	"litepost/internal/config"
	"litepost/internal/database"
	"litepost/internal/observability"
)

const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "litepost",
		Short:         "Real-time notification layer for live blogs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LITEPOST_CONFIG_FILE"),
		"Path to YAML configuration file")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		buildServeCmd(load),
		buildMigrateCmd(load),
		buildTokenCmd(load),
		buildStatsCmd(),
	)
	return root
}

type configLoader func() (*config.Config, error)

func buildServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and websocket server",
		Long: `Run the HTTP API and websocket server.

Migrations are applied before the listener opens. SIGINT or SIGTERM starts a
graceful shutdown that drains the change feed before the database is closed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	application, err := app.NewApplication(cfg, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = application.Stop(shutdownCtx)
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func buildMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cfg.Log.Output = cmd.ErrOrStderr()
			logger := observability.NewLogger(cfg.Log)

			db, err := database.NewManager(&cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := db.Migrate()
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
			}
			return nil
		},
	}
}

func buildTokenCmd(load configLoader) *cobra.Command {
	var expiry time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if expiry == 0 {
				expiry = cfg.Auth.TokenExpiry
			}
			cfg.Log.Output = cmd.ErrOrStderr()
			logger := observability.NewLogger(cfg.Log)

			db, err := database.NewManager(&cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			user, err := db.GetUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			token, err := auth.NewJWTService(cfg.Auth.JWTSecret, expiry).Issue(user.Principal())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (defaults to auth.token_expiry)")
	return cmd
}

func buildStatsCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show live audiences of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			stats, err := fetchStats(ctx, server)
			if err != nil {
				return err
			}
			renderStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the litepost server")
	return cmd
}

func fetchStats(ctx context.Context, server string) (*api.StatsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/api/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.New(strings.TrimSpace(fmt.Sprintf("stats request failed: %s %s", resp.Status, body)))
	}

	var stats api.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return &stats, nil
}

func renderStats(w io.Writer, stats *api.StatsResponse) {
	fmt.Fprintf(w, "connections: %d total, %d joined, %d events\n\n",
		stats.Connections["total_connections"],
		stats.Connections["joined_connections"],
		stats.Connections["active_groups"])

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Event", "Viewers"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	for _, group := range stats.Groups {
		table.Append([]string{group.EventID, strconv.Itoa(group.Viewers)})
	}
	table.Render()
}
