package flowctl

import (
	"fmt"

	"github.com/skupperproject/flowcache/internal/version"
	"github.com/spf13/cobra"
)

func NewCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Report the flowctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "flowctl %s\n", version.Get())
			return err
		},
	}
}
