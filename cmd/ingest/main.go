package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go-ingest/internal/state"
)

const (
	exitOK                = 0
	exitFatal             = 1
	exitPermanentFailures = 2
)

// errPermanentFailures makes the process exit with exitPermanentFailures.
var errPermanentFailures = errors.New("some resources failed permanently")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line args and maps the outcome to an exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errPermanentFailures):
		return exitPermanentFailures
	case errors.Is(err, state.ErrCorrupt):
		fmt.Fprintf(stderr, "refusing to run: %v\n", err)
		return exitFatal
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFatal
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ingest",
		Short:         "Download and catalog boiler reference material",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}
	root.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newCatalogCmd(a),
		newCollectCmd(a),
	)
	return root
}
