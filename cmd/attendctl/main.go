package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"qrattend/internal/app"
	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/logging"
)

var version = "dev"

// backend is the store plus the per-student locker the engine uses, so
// repairs serialize with live scans and closures.
type backend struct {
	Store  attendance.Store
	Locker attendance.Locker
}

// storeOpener connects to the configured backends. Swapped in tests.
type storeOpener func(ctx context.Context, logger zerolog.Logger) (backend, func(), error)

func openConfigured(ctx context.Context, logger zerolog.Logger) (backend, func(), error) {
	cfg := config.Load()
	c, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return backend{}, nil, err
	}
	return backend{Store: c.Store, Locker: c.Locker}, c.Close, nil
}

func newRootCmd(open storeOpener) *cobra.Command {
	var (
		jsonOut bool
		verbose bool
	)
	cli := &cli{open: open}

	root := &cobra.Command{
		Use:   "attendctl",
		Short: "Maintenance tasks for the attendance store",
		Long: `attendctl repairs and inspects attendance data: it recomputes student
totals from closed sessions, converts legacy decimal-hour durations and
reports totals that disagree with the session history.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := "warn"
			if verbose {
				level = "debug"
			}
			cli.logger = logging.New(cmd.ErrOrStderr(), level, "text")
			cli.json = jsonOut
		},
	}
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log progress to stderr")

	root.AddCommand(cli.reconcileCmd(), cli.migrateCmd(), cli.auditCmd(), cli.studentsCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(openConfigured).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
