package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/strand/internal/store"
)

// ChainOptions holds flags for the chain command.
type ChainOptions struct {
	*RootOptions
	DataDir string
	Limit   int
}

// ChainEntry is one row of the chain dump.
type ChainEntry struct {
	Seq       uint32 `json:"seq"`
	Type      string `json:"type"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	EntrySize int    `json:"entry_size,omitempty"`
}

// NewChainCommand creates the chain command.
func NewChainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "chain",
		Short:         "Dump the agent's source chain",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChain(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data", "", "data directory (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "show only the newest N actions")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func runChain(opts *ChainOptions, cmd *cobra.Command) error {
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

	filter := store.ChainFilter{}
	if opts.Limit > 0 {
		filter.Limit = opts.Limit
		filter.Descending = true
	}
	records, err := authored.QueryChain(ctx, agent, filter)
	if err != nil {
		return WrapExitError(ExitFailure, "query chain", err)
	}

	entries := make([]ChainEntry, 0, len(records))
	for i := range records {
		sa := &records[i].SignedAction
		h, err := sa.Hash()
		if err != nil {
			return WrapExitError(ExitFailure, "hash action", err)
		}
		e := ChainEntry{
			Seq:       sa.Action.Seq,
			Type:      string(sa.Action.Type),
			Hash:      h.String(),
			Timestamp: int64(sa.Action.Timestamp),
		}
		if records[i].Entry != nil {
			e.EntrySize = len(records[i].Entry.Blob)
		}
		entries = append(entries, e)
	}

	if opts.Format == "json" {
		return formatter.Success(entries)
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%4d  %-22s %s", e.Seq, e.Type, e.Hash)
		if e.EntrySize > 0 {
			fmt.Fprintf(&sb, "  (%d byte entry)", e.EntrySize)
		}
		sb.WriteByte('\n')
	}
	return formatter.Success(strings.TrimRight(sb.String(), "\n"))
}
