package flowctl

import (
	"errors"

	"github.com/spf13/cobra"
)

// Command is implemented by every flowctl subcommand. Validation errors are
// collected and reported together before anything is sent to the server.
type Command interface {
	NewClient(cobraCommand *cobra.Command, args []string)
	ValidateInput(args []string) []error
	InputToOptions()
	Run() error
}

type CmdDescription struct {
	Use     string
	Short   string
	Long    string
	Example string
}

func ConfigureCobraCommand(description CmdDescription, impl Command) *cobra.Command {
	return &cobra.Command{
		Use:          description.Use,
		Short:        description.Short,
		Long:         description.Long,
		Example:      description.Example,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			impl.NewClient(cmd, args)
			if err := errors.Join(impl.ValidateInput(args)...); err != nil {
				return err
			}
			impl.InputToOptions()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return impl.Run()
		},
	}
}
