package flowctl

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/query"
	"github.com/spf13/cobra"
)

type CmdFlows struct {
	CobraCmd *cobra.Command
	Flags    *FlowsFlags
	globals  *Globals
	client   *Client
	query    query.Query
	sw       flowcache.DPID
	cookie   uint64
	match    flowcache.Match
	actions  []flowcache.Action
	status   flowcache.Status
	now      func() time.Time
}

func NewCmdFlows(globals *Globals) *cobra.Command {
	flags := &FlowsFlags{}
	impl := &CmdFlows{Flags: flags, globals: globals, now: time.Now}
	cmd := ConfigureCobraCommand(CmdDescription{
		Use:   "flows",
		Short: "List cached flows",
		Long: `List the flows cached in a database. Every filter given must hold for a
flow to be listed.`,
		Example: `flowctl flows
flowctl flows --switch 00:00:00:00:00:00:00:01 --status ACTIVE
flowctl flows --refresh --allow-stale -o yaml
flowctl flows --expr 'priority >= 100 && actions contains "output:2"'`,
	}, impl)

	cmd.Flags().StringVar(&flags.Switch, FlagNameSwitch, "", FlagDescSwitch)
	cmd.Flags().StringVar(&flags.Cookie, FlagNameCookie, "", FlagDescCookie)
	cmd.Flags().Uint16Var(&flags.Priority, FlagNamePriority, 0, FlagDescPriority)
	cmd.Flags().StringVar(&flags.Match, FlagNameMatch, "", FlagDescMatch)
	cmd.Flags().StringVar(&flags.Actions, FlagNameActions, "", FlagDescActions)
	cmd.Flags().Uint64Var(&flags.PathID, FlagNamePathID, 0, FlagDescPathID)
	cmd.Flags().StringVar(&flags.Status, FlagNameStatus, "", FlagDescStatus)
	cmd.Flags().StringVar(&flags.Expr, FlagNameExpr, "", FlagDescExpr)
	cmd.Flags().BoolVar(&flags.Refresh, FlagNameRefresh, false, FlagDescRefresh)
	cmd.Flags().BoolVar(&flags.AllowStale, FlagNameAllowStale, false, FlagDescAllowStale)
	cmd.Flags().DurationVar(&flags.Timeout, FlagNameTimeout, 10*time.Second, FlagDescTimeout)
	cmd.Flags().StringVarP(&flags.Output, FlagNameOutput, "o", OutputTable, FlagDescOutput)

	impl.CobraCmd = cmd
	return cmd
}

func (cmd *CmdFlows) NewClient(cobraCommand *cobra.Command, args []string) {
	cmd.client = cmd.globals.client()
}

func (cmd *CmdFlows) ValidateInput(args []string) []error {
	var errs []error
	flags := cmd.CobraCmd.Flags()
	if len(args) > 0 {
		errs = append(errs, fmt.Errorf("unexpected arguments: %s", strings.Join(args, " ")))
	}
	if err := flowcache.ValidateDatabase(cmd.globals.Database); err != nil {
		errs = append(errs, err)
	}
	if flags.Changed(FlagNameSwitch) {
		sw, err := flowcache.ParseDPID(cmd.Flags.Switch)
		if err != nil {
			errs = append(errs, err)
		}
		cmd.sw = sw
	}
	if flags.Changed(FlagNameCookie) {
		cookie, err := parseCookie(cmd.Flags.Cookie)
		if err != nil {
			errs = append(errs, err)
		}
		cmd.cookie = cookie
	}
	if flags.Changed(FlagNameMatch) {
		match, err := flowcache.ParseMatch(cmd.Flags.Match)
		if err != nil {
			errs = append(errs, err)
		}
		cmd.match = match
	}
	if flags.Changed(FlagNameActions) {
		actions, err := flowcache.ParseActions(cmd.Flags.Actions)
		if err != nil {
			errs = append(errs, err)
		}
		cmd.actions = actions
	}
	if flags.Changed(FlagNameStatus) {
		status, err := flowcache.ParseStatus(strings.ToUpper(cmd.Flags.Status))
		if err != nil {
			errs = append(errs, err)
		}
		cmd.status = status
	}
	if flags.Changed(FlagNameExpr) {
		if _, err := query.CompileExpression(cmd.Flags.Expr); err != nil {
			errs = append(errs, err)
		}
	}
	if cmd.Flags.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: timeout must be positive", flowcache.ErrInvalidArgument))
	}
	if err := validOutput(cmd.Flags.Output); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (cmd *CmdFlows) InputToOptions() {
	flags := cmd.CobraCmd.Flags()
	q := query.Query{
		Database:    cmd.globals.Database,
		Application: "flowctl",
		Switch:      cmd.sw,
		Actions:     cmd.actions,
		Expression:  cmd.Flags.Expr,
		Refresh:     cmd.Flags.Refresh,
		AllowStale:  cmd.Flags.AllowStale,
	}
	if flags.Changed(FlagNameCookie) {
		cookie := cmd.cookie
		q.Cookie = &cookie
	}
	if flags.Changed(FlagNamePriority) {
		priority := cmd.Flags.Priority
		q.Priority = &priority
	}
	if flags.Changed(FlagNameMatch) {
		match := cmd.match
		q.Match = &match
	}
	if flags.Changed(FlagNamePathID) {
		id := cmd.Flags.PathID
		q.PathID = &id
	}
	if flags.Changed(FlagNameStatus) {
		status := cmd.status
		q.Status = &status
	}
	cmd.query = q
}

func (cmd *CmdFlows) Run() error {
	var resp query.Response
	out := cmd.CobraCmd.OutOrStdout()
	err := spin(cmd.CobraCmd.ErrOrStderr(), "Waiting for query", func() error {
		var err error
		resp, err = cmd.client.Query(cmd.CobraCmd.Context(), cmd.query, cmd.Flags.Timeout)
		return err
	})
	if err != nil {
		return err
	}
	if cmd.Flags.Output != "" && cmd.Flags.Output != OutputTable {
		return encode(out, cmd.Flags.Output, resp)
	}
	if err := printRecords(out, resp.Records, cmd.now()); err != nil {
		return err
	}
	if len(resp.Stale) > 0 {
		stale := make([]string, len(resp.Stale))
		for i, sw := range resp.Stale {
			stale[i] = sw.String()
		}
		fmt.Fprintf(cmd.CobraCmd.ErrOrStderr(), "warning: served from cache for switches that did not respond: %s\n", strings.Join(stale, ", "))
	}
	return nil
}

func parseCookie(s string) (uint64, error) {
	cookie, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: cookie %q", flowcache.ErrInvalidArgument, s)
	}
	return cookie, nil
}

func printRecords(out io.Writer, records []flowcache.Record, now time.Time) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "No flows found")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "SWITCH\tCOOKIE\tPRIORITY\tMATCH\tACTIONS\tAGE\tSTATUS\tPATH")
	for _, r := range records {
		path := "-"
		if r.PathID != nil {
			path = strconv.FormatUint(*r.PathID, 10)
		}
		fmt.Fprintf(tw, "%s\t0x%x\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Switch, r.Cookie, r.Priority, r.Match,
			strings.TrimPrefix(flowcache.FormatActions(r.Actions), "actions="),
			age(now, r.Timestamp), r.Status, path)
	}
	return tw.Flush()
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
