package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/strand/internal/manifest"
)

// ManifestSummary is the validate command's success payload.
type ManifestSummary struct {
	Name             string `json:"name"`
	DnaHash          string `json:"dna_hash"`
	Zomes            int    `json:"zomes"`
	ReceiptThreshold int    `json:"receipt_threshold"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest.yaml>",
		Short: "Validate an app manifest",
		Long: `Validate an app manifest against the schema and print its identity.

The DNA hash printed here is the app identity: cells running
byte-identical manifests share one network space.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	m, err := manifest.Load(path)
	if err != nil {
		if outErr := formatter.Error(err.Error()); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "manifest invalid", err)
	}
	dna, err := m.DnaHash()
	if err != nil {
		return WrapExitError(ExitFailure, "manifest hash", err)
	}

	summary := ManifestSummary{
		Name:             m.Name,
		DnaHash:          dna.String(),
		Zomes:            len(m.Zomes),
		ReceiptThreshold: m.ReceiptThreshold,
	}
	if opts.Format == "json" {
		return formatter.Success(summary)
	}
	formatter.VerboseLog("schema check passed for %s", path)
	return formatter.Success(
		"manifest " + m.Name + " valid\ndna hash: " + summary.DnaHash)
}
