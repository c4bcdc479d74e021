package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/agentgov/internal/app"
	"github.com/ashureev/agentgov/internal/config"
)

// cli carries state shared by every subcommand.
type cli struct {
	verbose bool
	apiURL  string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "agentgov",
		Short: "Client for the agent governance backend",
		Long: `agentgov signs in to the agent governance backend, keeps the realtime
channel open while the session is valid, and chats with the governing agents.

Session and chat state are kept in AGENTGOV_DATA_DIR between runs.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.init,
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&c.apiURL, "api-url", "", "Backend base URL (overrides AGENTGOV_API_URL)")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.statusCmd(),
		c.sendCmd(),
		c.chatCmd(),
		c.historyCmd(),
		c.passwdCmd(),
		c.watchCmd(),
	)
	return root
}

func (c *cli) init(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.apiURL != "" {
		cfg.APIURL = strings.TrimRight(c.apiURL, "/")
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	level := cfg.LogLevel
	if c.verbose {
		level = "debug"
	}
	c.cfg = cfg
	c.logger = newLogger(cmd.ErrOrStderr(), level, cfg.LogFormat)
	slog.SetDefault(c.logger)
	return nil
}

// withApp builds and starts the services, runs fn, and tears everything
// down again.
func (c *cli) withApp(cmd *cobra.Command, opts app.Options, fn func(ctx context.Context, a *app.App, authenticated bool) error) error {
	ctx := cmd.Context()
	a, err := app.New(c.cfg, c.logger, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			c.logger.Error("Failed to close services", "error", closeErr)
		}
	}()

	authenticated, err := a.Start(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, a, authenticated)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
