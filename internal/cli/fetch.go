package cli

import (
	"github.com/spf13/cobra"
)

func newFetchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the JWKS document and list its usable keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Load(ctx); err != nil {
				return err
			}
			return printKeys(cmd.OutOrStdout(), e.Keys(), settingsFrom(ctx).JSON)
		},
	}
}
