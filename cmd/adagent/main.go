// Command adagent runs the ad-platform agents: as a long-lived server with a
// scheduler, HTTP API and MCP endpoint, or one job at a time from the shell.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jshorwitz/ai-adwords/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e := &env{}
	err := newRootCmd(e).ExecuteContext(ctx)
	e.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env is the process state shared by every subcommand, filled in by the
// root command's PersistentPreRunE.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	verbose bool
	closers []func()
}

// onClose registers fn to run when the command finishes, in reverse order.
func (e *env) onClose(fn func()) {
	e.closers = append(e.closers, fn)
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func newRootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "adagent",
		Short: "Agent orchestration and decision engine for ad platforms",
		Long: `adagent runs ad-platform agents as retried, ledgered jobs.

Ingestors pull campaign metrics, the touchpoint extractor and conversion
uploader close the attribution loop, and the budget optimizer and keywords
hydrator propose changes. Every attempt is recorded in the run ledger and
each agent keeps a watermark so repeated runs resume where the last
successful one stopped.

Configuration comes from the environment (a .env file is loaded if present).
Platform mutations are validate-only unless ADAGENT_REAL_MUTATIONS=true.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Load .env file if present (non-fatal; production won't have one).
			_ = godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			e.cfg = cfg

			level := config.ParseLevel(cfg.LogLevel)
			// One-shot commands print results on stdout; keep the log quiet
			// unless asked.
			if cmd.Name() != "serve" && !e.verbose && level < slog.LevelWarn {
				level = slog.LevelWarn
			}
			logger, cleanup := config.SetupLogger(cfg.LogFile, level)
			e.logger = logger
			e.onClose(func() { _ = cleanup() })
			slog.SetDefault(logger)
			return nil
		},
	}

	root.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "log at the configured level instead of warn")

	root.AddCommand(
		newServeCmd(e),
		newExecuteCmd(e),
		newAgentsCmd(e),
		newRunsCmd(e),
		newPoliciesCmd(e),
		newUploadsCmd(e),
		newMigrateCmd(e),
	)
	return root
}
