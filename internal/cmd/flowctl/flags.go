package flowctl

import "time"

const (
	FlagNameServer = "server"
	FlagDescServer = "URL of the flow cache API (env FLOWCTL_SERVER)"
	FlagNameDB     = "db"
	FlagDescDB     = "the flow database to use"

	FlagNameSwitch     = "switch"
	FlagDescSwitch     = "restrict to one switch, as a datapath id in hex or colon form"
	FlagNameCookie     = "cookie"
	FlagDescCookie     = "flow cookie, decimal or 0x-prefixed hex"
	FlagNamePriority   = "priority"
	FlagDescPriority   = "flow priority"
	FlagNameMatch      = "match"
	FlagDescMatch      = "match fields, for example in_port=1,dl_type=0x0800,nw_dst=10.0.0.0/24"
	FlagNameActions    = "actions"
	FlagDescActions    = "comma separated actions, for example output:2,strip_vlan. \"drop\" for none"
	FlagNamePathID     = "path-id"
	FlagDescPathID     = "path identifier assigned to the flow"
	FlagNameStatus     = "status"
	FlagDescStatus     = "record status: PENDING, ACTIVE or REMOVED"
	FlagNameExpr       = "expr"
	FlagDescExpr       = "boolean expression evaluated against each record, for example 'priority > 100'"
	FlagNameRefresh    = "refresh"
	FlagDescRefresh    = "ask the switches for their flow tables before answering"
	FlagNameAllowStale = "allow-stale"
	FlagDescAllowStale = "answer from cache when switches do not respond to a refresh in time"
	FlagNameTimeout    = "timeout"
	FlagDescTimeout    = "how long the server waits for the query to complete"
	FlagNameOutput     = "output"
	FlagDescOutput     = "output format. Choices: table, json, yaml"
)

type FlowsFlags struct {
	Switch     string
	Cookie     string
	Priority   uint16
	Match      string
	Actions    string
	PathID     uint64
	Status     string
	Expr       string
	Refresh    bool
	AllowStale bool
	Timeout    time.Duration
	Output     string
}

type FlowFlags struct {
	Cookie   string
	Priority uint16
	Match    string
	Actions  string
	Output   string
}

type SwitchesFlags struct {
	Output string
}
