package flowctl

import (
	"fmt"
	"strings"

	"github.com/skupperproject/flowcache/internal/server"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/spf13/cobra"
)

// flowInput holds the flow identity shared by add and remove.
type flowInput struct {
	sw      flowcache.DPID
	key     flowcache.Key
	actions []flowcache.Action
}

func (in *flowInput) validate(cobraCmd *cobra.Command, globals *Globals, flags *FlowFlags, args []string) []error {
	var errs []error
	if len(args) != 1 {
		errs = append(errs, fmt.Errorf("a switch datapath id must be specified"))
	} else {
		sw, err := flowcache.ParseDPID(args[0])
		if err != nil {
			errs = append(errs, err)
		}
		in.sw = sw
	}
	if err := flowcache.ValidateDatabase(globals.Database); err != nil {
		errs = append(errs, err)
	}
	var cookie uint64
	if cobraCmd.Flags().Changed(FlagNameCookie) {
		c, err := parseCookie(flags.Cookie)
		if err != nil {
			errs = append(errs, err)
		}
		cookie = c
	}
	match, err := flowcache.ParseMatch(flags.Match)
	if err != nil {
		errs = append(errs, err)
	}
	in.key = flowcache.NewKey(cookie, flags.Priority, match)
	if cobraCmd.Flags().Changed(FlagNameActions) {
		actions, err := flowcache.ParseActions(flags.Actions)
		if err != nil {
			errs = append(errs, err)
		}
		in.actions = actions
	}
	return errs
}

func addFlowFlags(cmd *cobra.Command, flags *FlowFlags) {
	cmd.Flags().StringVar(&flags.Cookie, FlagNameCookie, "0", FlagDescCookie)
	cmd.Flags().Uint16Var(&flags.Priority, FlagNamePriority, 0, FlagDescPriority)
	cmd.Flags().StringVar(&flags.Match, FlagNameMatch, "", FlagDescMatch)
}

type CmdAdd struct {
	CobraCmd *cobra.Command
	Flags    *FlowFlags
	globals  *Globals
	client   *Client
	input    flowInput
	request  server.FlowRequest
}

func NewCmdAdd(globals *Globals) *cobra.Command {
	flags := &FlowFlags{}
	impl := &CmdAdd{Flags: flags, globals: globals}
	cmd := ConfigureCobraCommand(CmdDescription{
		Use:   "add <dpid>",
		Short: "Record a flow an application installed on a switch",
		Long: `Record a flow in a database as PENDING. The flow becomes ACTIVE once the
switch reports it. Adding a flow that is already cached replaces its actions.`,
		Example: `flowctl add 00:00:00:00:00:00:00:01 --db app1 --priority 100 --match in_port=1 --actions output:2`,
	}, impl)
	addFlowFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.Actions, FlagNameActions, "", FlagDescActions)
	cmd.Flags().StringVarP(&flags.Output, FlagNameOutput, "o", OutputTable, FlagDescOutput)
	impl.CobraCmd = cmd
	return cmd
}

func (cmd *CmdAdd) NewClient(cobraCommand *cobra.Command, args []string) {
	cmd.client = cmd.globals.client()
}

func (cmd *CmdAdd) ValidateInput(args []string) []error {
	errs := cmd.input.validate(cmd.CobraCmd, cmd.globals, cmd.Flags, args)
	if err := validOutput(cmd.Flags.Output); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (cmd *CmdAdd) InputToOptions() {
	cmd.request = server.FlowRequest{Key: cmd.input.key, Actions: cmd.input.actions}
}

func (cmd *CmdAdd) Run() error {
	record, err := cmd.client.AddFlow(cmd.CobraCmd.Context(), cmd.globals.Database, cmd.input.sw, cmd.request)
	if err != nil {
		return err
	}
	out := cmd.CobraCmd.OutOrStdout()
	if cmd.Flags.Output != "" && cmd.Flags.Output != OutputTable {
		return encode(out, cmd.Flags.Output, record)
	}
	_, err = fmt.Fprintf(out, "Flow %s added to %s on %s (%s)\n",
		record.Key, cmd.globals.Database, record.Switch, strings.ToLower(record.Status.String()))
	return err
}

type CmdRemove struct {
	CobraCmd *cobra.Command
	Flags    *FlowFlags
	globals  *Globals
	client   *Client
	input    flowInput
}

func NewCmdRemove(globals *Globals) *cobra.Command {
	flags := &FlowFlags{}
	impl := &CmdRemove{Flags: flags, globals: globals}
	cmd := ConfigureCobraCommand(CmdDescription{
		Use:   "remove <dpid>",
		Short: "Remove a flow from a database",
		Long: `Remove a flow an application recorded. Flows are identified by cookie,
priority and match; actions are ignored.`,
		Example: `flowctl remove 00:00:00:00:00:00:00:01 --db app1 --priority 100 --match in_port=1`,
	}, impl)
	addFlowFlags(cmd, flags)
	impl.CobraCmd = cmd
	return cmd
}

func (cmd *CmdRemove) NewClient(cobraCommand *cobra.Command, args []string) {
	cmd.client = cmd.globals.client()
}

func (cmd *CmdRemove) ValidateInput(args []string) []error {
	return cmd.input.validate(cmd.CobraCmd, cmd.globals, cmd.Flags, args)
}

func (cmd *CmdRemove) InputToOptions() {}

func (cmd *CmdRemove) Run() error {
	removed, err := cmd.client.RemoveFlow(cmd.CobraCmd.Context(), cmd.globals.Database, cmd.input.sw, cmd.input.key)
	if err != nil {
		return err
	}
	out := cmd.CobraCmd.OutOrStdout()
	if !removed {
		_, err = fmt.Fprintf(out, "Flow %s not found in %s on %s\n", cmd.input.key, cmd.globals.Database, cmd.input.sw)
		return err
	}
	_, err = fmt.Fprintf(out, "Flow %s removed from %s on %s\n", cmd.input.key, cmd.globals.Database, cmd.input.sw)
	return err
}
