package flowctl

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/spf13/cobra"
)

type CmdRefresh struct {
	CobraCmd *cobra.Command
	globals  *Globals
	client   *Client
	sw       flowcache.DPID
}

func NewCmdRefresh(globals *Globals) *cobra.Command {
	impl := &CmdRefresh{globals: globals}
	cmd := ConfigureCobraCommand(CmdDescription{
		Use:   "refresh [dpid]",
		Short: "Ask switches to report their flow tables",
		Long: `Ask one switch, or every known switch when none is given, to report its
flow table. The request is asynchronous; the cache is reconciled when the
reports arrive.`,
		Example: `flowctl refresh
flowctl refresh 00:00:00:00:00:00:00:01`,
	}, impl)
	impl.CobraCmd = cmd
	return cmd
}

func (cmd *CmdRefresh) NewClient(cobraCommand *cobra.Command, args []string) {
	cmd.client = cmd.globals.client()
}

func (cmd *CmdRefresh) ValidateInput(args []string) []error {
	switch len(args) {
	case 0:
		return nil
	case 1:
		sw, err := flowcache.ParseDPID(args[0])
		if err != nil {
			return []error{err}
		}
		if err := sw.Validate(); err != nil {
			return []error{err}
		}
		cmd.sw = sw
		return nil
	}
	return []error{fmt.Errorf("only one switch can be refreshed at a time")}
}

func (cmd *CmdRefresh) InputToOptions() {}

func (cmd *CmdRefresh) Run() error {
	if err := cmd.client.Refresh(cmd.CobraCmd.Context(), cmd.sw); err != nil {
		return err
	}
	target := "all switches"
	if cmd.sw != 0 {
		target = cmd.sw.String()
	}
	_, err := fmt.Fprintf(cmd.CobraCmd.OutOrStdout(), "Refresh requested for %s\n", target)
	return err
}

type CmdSwitches struct {
	CobraCmd *cobra.Command
	Flags    *SwitchesFlags
	globals  *Globals
	client   *Client
	now      func() time.Time
}

func NewCmdSwitches(globals *Globals) *cobra.Command {
	flags := &SwitchesFlags{}
	impl := &CmdSwitches{Flags: flags, globals: globals, now: time.Now}
	cmd := ConfigureCobraCommand(CmdDescription{
		Use:     "switches",
		Short:   "List the switches known to the flow cache",
		Example: `flowctl switches -o json`,
	}, impl)
	cmd.Flags().StringVarP(&flags.Output, FlagNameOutput, "o", OutputTable, FlagDescOutput)
	impl.CobraCmd = cmd
	return cmd
}

func (cmd *CmdSwitches) NewClient(cobraCommand *cobra.Command, args []string) {
	cmd.client = cmd.globals.client()
}

func (cmd *CmdSwitches) ValidateInput(args []string) []error {
	var errs []error
	if len(args) > 0 {
		errs = append(errs, fmt.Errorf("switches takes no arguments"))
	}
	if err := validOutput(cmd.Flags.Output); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (cmd *CmdSwitches) InputToOptions() {}

func (cmd *CmdSwitches) Run() error {
	list, err := cmd.client.Switches(cmd.CobraCmd.Context())
	if err != nil {
		return err
	}
	out := cmd.CobraCmd.OutOrStdout()
	if cmd.Flags.Output != "" && cmd.Flags.Output != OutputTable {
		return encode(out, cmd.Flags.Output, list)
	}
	if len(list.Switches) == 0 {
		_, err := fmt.Fprintln(out, "No switches found")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "SWITCH\tADDRESS\tVERSION\tLAST SEEN")
	for _, sw := range list.Switches {
		address, version := sw.Address, sw.Version
		if address == "" {
			address = "-"
		}
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sw.ID, address, version, age(cmd.now(), sw.LastSeen))
	}
	return tw.Flush()
}
