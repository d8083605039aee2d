package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/strand/internal/cell"
	"github.com/roach88/strand/internal/manifest"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	DataDir  string
	Manifest string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a cell and its workflow runners",
		Long: `Start the cell for an initialized data directory: open the databases,
resume the validation pipeline where the persisted stages left off, and
keep running until interrupted.

Example:
  strand run --data ./node --manifest ./app.yaml
  strand run --data ./node --manifest ./app.yaml --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCell(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data", "", "data directory (required)")
	cmd.Flags().StringVar(&opts.Manifest, "manifest", "", "path to the app manifest (required)")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func runCell(opts *RunOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	// Session id correlates this process's log lines across restarts.
	session := uuid.Must(uuid.NewV7()).String()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})).With("session", session)

	m, err := manifest.Load(opts.Manifest)
	if err != nil {
		return WrapExitError(ExitCommandError, "load manifest", err)
	}
	ks, agent, err := loadAgentKey(opts.DataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "load agent key (run `strand init` first)", err)
	}

	ctx, cancel := context.WithCancel(cmdContext(cmd))
	defer cancel()

	c, err := cell.New(ctx, cell.Config{
		Manifest: m,
		Keystore: ks,
		Agent:    agent,
		DataDir:  opts.DataDir,
		Log:      log,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "open cell", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("cell starting", "agent", agent, "dna", c.DnaHash(), "data", opts.DataDir)
	fmt.Fprintln(cmd.OutOrStdout(), "Cell started. Press Ctrl-C to stop.")
	c.Start(ctx)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := c.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "cell shutdown", err)
	}
	log.Info("cell stopped gracefully")
	return nil
}
