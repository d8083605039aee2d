package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/strand/internal/cell"
	"github.com/roach88/strand/internal/manifest"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	DataDir  string
	Manifest string
}

// InitResult is the init command's success payload.
type InitResult struct {
	Agent   string `json:"agent"`
	DnaHash string `json:"dna_hash"`
	DataDir string `json:"data_dir"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an agent and run chain genesis",
		Long: `Create a new agent key under the data directory and initialize its
source chain for the given app manifest.

Example:
  strand init --data ./node --manifest ./app.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data", "", "data directory (required)")
	cmd.Flags().StringVar(&opts.Manifest, "manifest", "", "path to the app manifest (required)")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	m, err := manifest.Load(opts.Manifest)
	if err != nil {
		return WrapExitError(ExitCommandError, "load manifest", err)
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "create data directory", err)
	}

	ks, agent, err := createAgentKey(opts.DataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "create agent key", err)
	}
	formatter.VerboseLog("agent key written to %s/%s", opts.DataDir, agentKeyFile)

	ctx := cmdContext(cmd)
	// New runs genesis because the chain does not exist yet.
	c, err := cell.New(ctx, cell.Config{
		Manifest: m,
		Keystore: ks,
		Agent:    agent,
		DataDir:  opts.DataDir,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "initialize cell", err)
	}
	defer func() {
		_ = c.Shutdown(ctx)
	}()

	result := InitResult{
		Agent:   agent.String(),
		DnaHash: c.DnaHash().String(),
		DataDir: opts.DataDir,
	}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return formatter.Success(fmt.Sprintf("agent %s\ndna hash %s\nchain initialized in %s",
		result.Agent, result.DnaHash, result.DataDir))
}
