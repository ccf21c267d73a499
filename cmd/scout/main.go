// Command scout evaluates project documents against review criteria.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knoguchi/scout/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	logLevel   string
	backend    string
	sqlitePath string
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "scout",
		Short:         "Evaluate project documents against assurance review criteria",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	root.PersistentFlags().StringVar(&a.backend, "storage", "", "storage backend (postgres, sqlite); overrides STORAGE_BACKEND")
	root.PersistentFlags().StringVar(&a.sqlitePath, "sqlite-path", "", "SQLite database file; overrides SQLITE_PATH")

	root.AddCommand(
		newEvaluateCmd(a),
		newServeCmd(a),
		newIndexCmd(a),
		newMigrateCmd(a),
		newCriteriaCmd(a),
		newProjectCmd(a),
		newTokenCmd(a),
	)
	return root
}

// load reads configuration and applies flag overrides.
func (a *app) load(logOut io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.backend != "" {
		cfg.StorageBackend = a.backend
	}
	if a.sqlitePath != "" {
		cfg.SQLitePath = a.sqlitePath
	}

	a.cfg = cfg
	a.logger = newLogger(logOut, cfg.LogLevel)
	slog.SetDefault(a.logger)
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
