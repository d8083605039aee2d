package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/strand/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	DataDir string
}

// StatusResult is the status command's success payload.
type StatusResult struct {
	Agent       string `json:"agent"`
	ChainSeq    uint32 `json:"chain_seq"`
	ChainHead   string `json:"chain_head"`
	LimboOps    int    `json:"limbo_ops"`
	Publishable int    `json:"publishable_ops"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show chain head and pipeline depth",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data", "", "data directory (required)")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	ctx := cmdContext(cmd)

	_, agent, err := loadAgentKey(opts.DataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "load agent key", err)
	}

	authored, err := store.Open(filepath.Join(opts.DataDir, string(store.RoleAuthored)+".sqlite"), store.RoleAuthored)
	if err != nil {
		return WrapExitError(ExitCommandError, "open authored store", err)
	}
	defer authored.Close()
	dht, err := store.Open(filepath.Join(opts.DataDir, string(store.RoleDHT)+".sqlite"), store.RoleDHT)
	if err != nil {
		return WrapExitError(ExitCommandError, "open dht store", err)
	}
	defer dht.Close()

	head, seq, _, ok, err := authored.Head(ctx, agent)
	if err != nil {
		return WrapExitError(ExitFailure, "read chain head", err)
	}
	if !ok {
		return WrapExitError(ExitCommandError, "chain not initialized", nil)
	}
	limbo, err := dht.CountLimbo(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "count limbo", err)
	}
	publishable, err := dht.QueryPublishable(ctx, 0)
	if err != nil {
		return WrapExitError(ExitFailure, "count publishable", err)
	}

	result := StatusResult{
		Agent:       agent.String(),
		ChainSeq:    seq,
		ChainHead:   head.String(),
		LimboOps:    limbo,
		Publishable: len(publishable),
	}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return formatter.Success(fmt.Sprintf(
		"agent        %s\nchain head   %s (seq %d)\nlimbo ops    %d\npublishable  %d",
		result.Agent, result.ChainHead, result.ChainSeq, result.LimboOps, result.Publishable))
}
