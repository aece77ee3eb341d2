// Package flowctl implements the flowctl command line client for the flow
// cache HTTP API.
package flowctl

import (
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

const (
	EnvServer     = "FLOWCTL_SERVER"
	defaultServer = "http://localhost:8080"
)

// Globals are the persistent flags shared by every subcommand.
type Globals struct {
	Server   string
	Database string
	// HTTPClient overrides the client used to reach the server.
	HTTPClient *http.Client
}

func (g *Globals) client() *Client {
	return NewClient(g.Server, g.HTTPClient)
}

func NewRootCommand(globals *Globals) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowctl",
		Short: "flowctl inspects and edits the flow cache",
		Long: `flowctl talks to a running flow-cache over its HTTP API.
It queries cached flows, records flows added or removed by applications and
asks switches to report their flow tables.`,
		SilenceUsage: true,
	}

	server := os.Getenv(EnvServer)
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&globals.Server, FlagNameServer, server, FlagDescServer)
	rootCmd.PersistentFlags().StringVar(&globals.Database, FlagNameDB, "default", FlagDescDB)

	rootCmd.AddCommand(NewCmdFlows(globals))
	rootCmd.AddCommand(NewCmdAdd(globals))
	rootCmd.AddCommand(NewCmdRemove(globals))
	rootCmd.AddCommand(NewCmdRefresh(globals))
	rootCmd.AddCommand(NewCmdSwitches(globals))
	rootCmd.AddCommand(NewCmdVersion())

	return rootCmd
}
